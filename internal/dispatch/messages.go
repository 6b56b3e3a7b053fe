package dispatch

import (
	"time"

	"github.com/livinlefevreloca/ghastats/internal/collector"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/livinlefevreloca/ghastats/internal/stats"
	"github.com/oklog/ulid/v2"
)

// MessageType tags a streamed message.
type MessageType string

const (
	TypeBatch         MessageType = "batch"
	TypeProgress      MessageType = "progress"
	TypeHeartbeat     MessageType = "heartbeat"
	TypePhaseComplete MessageType = "phase_complete"
	TypeAggregation   MessageType = "aggregation"
	TypeComplete      MessageType = "complete"
	TypeError         MessageType = "error"
)

// Message is the envelope of everything sent to a sink.
type Message struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Repo    string      `json:"repo"`
	Time    time.Time   `json:"time"`
	Payload any         `json:"payload"`
}

func newMessage(t MessageType, repo string, now time.Time, payload any) Message {
	return Message{
		ID:      ulid.Make().String(),
		Type:    t,
		Repo:    repo,
		Time:    now,
		Payload: payload,
	}
}

type BatchPayload struct {
	Phase collector.Phase  `json:"phase"`
	Runs  []runs.RunRecord `json:"runs"`
}

// ProgressPayload reports how far a phase is. ETASeconds is null when no
// estimate can be made.
type ProgressPayload struct {
	Phase          collector.Phase `json:"phase"`
	Processed      int             `json:"processed"`
	EstimatedTotal int             `json:"estimatedTotal"`
	ElapsedSeconds float64         `json:"elapsedSeconds"`
	ETASeconds     *float64        `json:"etaSeconds"`
}

type HeartbeatPayload struct {
	Phase          collector.Phase `json:"phase"`
	Processed      int             `json:"processed"`
	ElapsedSeconds float64         `json:"elapsedSeconds"`
}

type PhaseCompletePayload struct {
	Phase collector.Phase `json:"phase"`
	Count int             `json:"count"`
}

type AggregationPayload struct {
	Kind    stats.PeriodKind          `json:"kind"`
	Results []stats.AggregationResult `json:"results"`
}

type CompletePayload struct {
	Summary *collector.Summary `json:"summary"`
}

type ErrorPayload struct {
	Stage   string `json:"stage"`
	Repo    string `json:"repo"`
	Message string `json:"message"`
}
