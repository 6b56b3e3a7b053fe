package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/dispatch"
	"github.com/livinlefevreloca/ghastats/internal/stats"
	"github.com/livinlefevreloca/ghastats/internal/synccache"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func repoFromPath(r *http.Request) string {
	return r.PathValue("owner") + "/" + r.PathValue("repo")
}

func (s *Server) requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		if token, ok := strings.CutPrefix(auth, "token "); ok {
			return token
		}
	}
	return s.token
}

// handleSync upgrades to a websocket and streams one sync over it. The sync
// stops when the client goes away.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	repo := repoFromPath(r)

	var opts dispatch.RunOptions
	if raw := r.URL.Query().Get("aggregate"); raw != "" {
		kind, err := stats.ParsePeriodKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.AggregateKind = kind
	}
	token := s.requestToken(r)

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "repo", repo, "error", err)
		return
	}

	sink := NewWebSocketSink(conn)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sink.watch(ctx, cancel)

	s.logger.Info("streaming sync", "repo", repo, "remote_addr", r.RemoteAddr)
	summary, err := s.streamer.Run(ctx, repo, token, sink, opts)
	switch {
	case errors.Is(err, synccache.ErrSyncInProgress):
		s.logger.Info("sync already running", "repo", repo)
		sink.Close("sync already in progress")
	case errors.Is(err, dispatch.ErrSinkClosed), errors.Is(err, context.Canceled):
		s.logger.Info("client disconnected", "repo", repo)
		conn.Close()
	case err != nil:
		sink.Close("sync failed")
	default:
		s.logger.Info("sync streamed", "repo", repo, "new_runs", summary.NewRuns, "cached_runs", summary.CachedRuns)
		sink.Close("complete")
	}
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.Newf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return t, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind := stats.Week
	if raw := q.Get("period"); raw != "" {
		k, err := stats.ParsePeriodKind(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}
	from, err := parseDate(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseDate(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	results, err := s.querier.Query(r.Context(), stats.Query{
		Repo:         repoFromPath(r),
		Kind:         kind,
		From:         from,
		To:           to,
		Branch:       q.Get("branch"),
		Author:       q.Get("author"),
		WorkflowName: q.Get("workflow"),
	})
	if err != nil {
		s.logger.Error("stats query failed", "repo", repoFromPath(r), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	if results == nil {
		results = []stats.AggregationResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := s.config.SessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, s.config.SessionLimit)
	}

	sessions, err := s.sessions.ListSyncSessions(r.Context(), repoFromPath(r), limit)
	if err != nil {
		s.logger.Error("listing sessions failed", "repo", repoFromPath(r), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}
