package domain

// JobStatus is the lifecycle state of a BuildJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// StepStatus is the lifecycle state of a single AgentStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepWorking   StepStatus = "working"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// BuildJob is one execution attempt of the agent pipeline for a project.
// Exactly one job per project may be queued or running at a time. Rows are
// retained after terminal state for history and audit.
type BuildJob struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	UserID        string      `json:"user_id"`
	Prompt        string      `json:"prompt"`
	InputAssets   []string    `json:"input_assets,omitempty"`
	Status        JobStatus   `json:"status" enum:"queued,running,completed,failed,cancelled"`
	Steps         []AgentStep `json:"steps,omitempty"`
	EstimatedCost int         `json:"estimated_cost"`
	ActualCost    *int        `json:"actual_cost,omitempty"`
	CostOverrun   bool        `json:"cost_overrun,omitempty"`
	ReservationID string      `json:"reservation_id"`
	Result        *string     `json:"result,omitempty"`
	Error         *string     `json:"error,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	StartedAt     *string     `json:"started_at,omitempty" format:"date-time"`
	EndedAt       *string     `json:"ended_at,omitempty" format:"date-time"`
}

// AgentStep is one stage of a BuildJob. Steps are fixed at job creation and
// mutated only by the supervisor, in order, never two working at once.
type AgentStep struct {
	JobID      string     `json:"job_id"`
	Ordinal    int        `json:"ordinal"`
	AgentType  string     `json:"agent_type"`
	Status     StepStatus `json:"status" enum:"pending,working,completed,failed,skipped"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	BaseCost   int        `json:"base_cost"`
	ActualCost *int       `json:"actual_cost,omitempty"`
}

// ReservationStatus tracks a credit hold's resolution.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationSettled  ReservationStatus = "settled"
	ReservationReleased ReservationStatus = "released"
)

// CreditReservation is a hold placed on a user's balance at job admission.
// It resolves exactly once: held -> settled or held -> released.
type CreditReservation struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	UserID    string            `json:"user_id"`
	Amount    int               `json:"amount"`
	Status    ReservationStatus `json:"status" enum:"held,settled,released"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TxPurchase TransactionType = "purchase"
	TxReserve  TransactionType = "reserve"
	TxSettle   TransactionType = "settle"
	TxRefund   TransactionType = "refund"
)

// Transaction is an append-only ledger row. A user's balance is the sum of
// their transaction amounts; rows are never mutated or deleted.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      TransactionType `json:"type" enum:"purchase,reserve,settle,refund"`
	Amount    int             `json:"amount"`
	JobID     *string         `json:"job_id,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// User is the minimal account row this subsystem needs: an identity to hang
// the ledger off. Profile and session data live elsewhere.
type User struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
