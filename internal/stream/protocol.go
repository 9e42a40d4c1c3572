// Package stream implements the real-time build status protocol: the
// server-side broadcaster with its bounded replay log, the client-side
// session (heartbeats, reconnection, gap recovery), and the projection that
// folds the message stream into an observable job state.
package stream

import "siteforge/internal/domain"

// MessageType enumerates the server-to-client wire messages.
type MessageType string

const (
	// TypeConnection acknowledges the handshake. Session-scoped, no seq.
	TypeConnection MessageType = "connection"
	// TypeAgentMessage reports a step's status, progress, or message change.
	TypeAgentMessage MessageType = "agent_message"
	// TypeBuildProgress carries coarse job-level progress.
	TypeBuildProgress MessageType = "build_progress"
	// TypeBuildComplete is the terminal success message.
	TypeBuildComplete MessageType = "build_complete"
	// TypeBuildError is the terminal failure message.
	TypeBuildError MessageType = "build_error"
	// TypeHeartbeat is the keep-alive, sent on an interval and in reply to ping.
	TypeHeartbeat MessageType = "heartbeat"
	// TypeGap tells a reconnecting client that replay cannot cover its
	// last seen sequence; it must refetch a full snapshot.
	TypeGap MessageType = "gap"
)

// Message is the wire unit. Job-scoped messages carry a per-job monotonic
// Seq assigned by the broadcaster; session-scoped messages (connection,
// heartbeat, gap) have Seq zero. Exactly one payload field is set, matching
// Type.
type Message struct {
	Seq   uint64      `json:"seq,omitempty"`
	JobID string      `json:"job_id,omitempty"`
	Type  MessageType `json:"type"`

	Agent    *AgentPayload    `json:"agent,omitempty"`
	Progress *ProgressPayload `json:"progress,omitempty"`
	Complete *CompletePayload `json:"complete,omitempty"`
	Error    *ErrorPayload    `json:"error,omitempty"`
}

// AgentPayload mirrors one step's observable state.
type AgentPayload struct {
	AgentType string            `json:"agent_type"`
	Status    domain.StepStatus `json:"status"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message,omitempty"`
}

// ProgressPayload is coarse job-level progress.
type ProgressPayload struct {
	Status  domain.JobStatus `json:"status"`
	Data    string           `json:"data,omitempty"`
	Percent int              `json:"percent"`
}

// CompletePayload is the terminal success payload.
type CompletePayload struct {
	Result        string         `json:"result"`
	BuildTime     float64        `json:"build_time"`
	CostBreakdown map[string]int `json:"cost_breakdown"`
	Refunded      int            `json:"refunded"`
	Charged       int            `json:"charged"`
}

// ErrorPayload is the terminal failure payload.
type ErrorPayload struct {
	Error     string `json:"error"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// ClientMessage is what the client sends: a start handshake after connecting,
// then periodic pings.
type ClientMessage struct {
	Type        string `json:"type" enum:"start,ping"`
	ProjectID   string `json:"project_id,omitempty"`
	LastSeenSeq uint64 `json:"last_seen_seq,omitempty"`
}

const (
	ClientStart = "start"
	ClientPing  = "ping"
)
