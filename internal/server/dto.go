package server

import "siteforge/internal/domain"

// StartBuildRequest submits a new build for a project.
type StartBuildRequest struct {
	Prompt      string   `json:"prompt" example:"a landing page for a coffee roastery"`
	InputAssets []string `json:"input_assets,omitempty"`
	WithBackend bool     `json:"with_backend,omitempty"`
	WithImages  bool     `json:"with_images,omitempty"`
}

// StartBuildResponse acknowledges an admitted build.
type StartBuildResponse struct {
	JobID         string `json:"job_id"`
	EstimatedCost int    `json:"estimated_cost"`
	StreamPath    string `json:"stream_path"`
}

// JobSnapshotResponse is the authoritative job state: the source of truth
// behind the stream, used for initial render and gap recovery.
type JobSnapshotResponse struct {
	Job domain.BuildJob `json:"job"`
	// Seq is the stream position this snapshot reflects; a client resumes
	// its session with it as last_seen_seq.
	Seq uint64 `json:"seq"`
}

// JobListResponse lists a project's recent builds, newest first, without
// per-step detail.
type JobListResponse struct {
	Jobs  []domain.BuildJob `json:"jobs"`
	Limit int               `json:"limit"`
}

// BalanceResponse is a user's spendable credit balance.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}

// HistoryResponse is the paginated credit transaction export.
type HistoryResponse struct {
	Balance      int                  `json:"balance"`
	Transactions []domain.Transaction `json:"transactions"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// AddCreditsRequest tops up a balance (dev/admin surface; real purchases
// arrive through the external payment system).
type AddCreditsRequest struct {
	Amount int    `json:"amount" minimum:"1"`
	Note   string `json:"note,omitempty"`
}

// DevLoginRequest mints a development bearer token.
type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// DevLoginResponse carries the minted token.
type DevLoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}
