package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/livinlefevreloca/ghastats/internal/dispatch"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 4096
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if originAllowed(origin, allowed) {
			return true
		}
	}
	s.logger.Warn("rejected websocket origin", "origin", origin)
	return false
}

// originAllowed compares scheme and host exactly. An allowed localhost
// origin without a port accepts any port.
func originAllowed(origin, allowed string) bool {
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	a, err := url.Parse(allowed)
	if err != nil || a.Host == "" {
		return false
	}
	if !strings.EqualFold(o.Scheme, a.Scheme) || !strings.EqualFold(o.Hostname(), a.Hostname()) {
		return false
	}
	if a.Port() == "" && isLoopback(a.Hostname()) {
		return true
	}
	return o.Port() == a.Port()
}

func isLoopback(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// WebSocketSink streams dispatch messages over a websocket connection as
// JSON text frames.
type WebSocketSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) Send(_ context.Context, msg dispatch.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return errors.Wrap(s.conn.WriteJSON(msg), "write websocket message")
}

func (s *WebSocketSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a normal close frame and closes the connection.
func (s *WebSocketSink) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	return s.conn.Close()
}

// watch reads from the peer until it disconnects, then calls cancel. It
// also keeps the connection alive with pings until ctx is done.
func (s *WebSocketSink) watch(ctx context.Context, cancel context.CancelFunc) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		defer cancel()
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()
}
