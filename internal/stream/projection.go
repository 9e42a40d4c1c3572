package stream

import "siteforge/internal/domain"

// StepView is the observer's view of one agent step.
type StepView struct {
	AgentType string
	Status    domain.StepStatus
	Progress  int
	Message   string
}

// Projection folds an ordered message stream into the current job state.
// It is a pure reducer over the wire protocol: it never consults server
// internals, ignores messages at or below the last applied seq, and never
// moves a step's progress backward, so duplicated or reordered delivery is
// harmless.
type Projection struct {
	JobID     string
	Status    domain.JobStatus
	Result    string
	Error     string
	Cancelled bool
	BuildTime float64

	CostBreakdown map[string]int
	Refunded      int
	Charged       int

	steps   []StepView
	index   map[string]int
	lastSeq uint64
}

func NewProjection() *Projection {
	return &Projection{index: make(map[string]int)}
}

// Steps returns the known steps in first-seen order.
func (p *Projection) Steps() []StepView { return p.steps }

// LastSeq is the highest applied sequence number; a session passes it as
// last_seen_seq when reconnecting.
func (p *Projection) LastSeq() uint64 { return p.lastSeq }

// Apply folds one message into the state. Session-scoped messages
// (connection, heartbeat, gap) carry no job state and are ignored here; gap
// handling is the session's job because it needs a snapshot fetch.
func (p *Projection) Apply(m Message) {
	if m.JobID == "" || m.Seq == 0 {
		return
	}
	if p.JobID != m.JobID {
		// Builds are serialized per project, so a different job id means a
		// newer build; start over rather than merging two jobs' state.
		if p.JobID != "" && m.Seq > 1 {
			// Late or replayed traffic for a job we never tracked from the
			// start; without its earlier messages the view would be partial.
			// A snapshot (via gap handling) is the only safe recovery.
			return
		}
		p.reset(m.JobID)
	}
	if m.Seq <= p.lastSeq {
		return
	}
	p.lastSeq = m.Seq

	switch m.Type {
	case TypeAgentMessage:
		if m.Agent == nil {
			return
		}
		i, ok := p.index[m.Agent.AgentType]
		if !ok {
			i = len(p.steps)
			p.index[m.Agent.AgentType] = i
			p.steps = append(p.steps, StepView{AgentType: m.Agent.AgentType})
		}
		step := &p.steps[i]
		step.Status = m.Agent.Status
		if m.Agent.Progress > step.Progress {
			step.Progress = m.Agent.Progress
		}
		if m.Agent.Message != "" {
			step.Message = m.Agent.Message
		}
	case TypeBuildProgress:
		if m.Progress != nil && m.Progress.Status != "" {
			p.Status = m.Progress.Status
		}
	case TypeBuildComplete:
		p.Status = domain.JobCompleted
		if m.Complete != nil {
			p.Result = m.Complete.Result
			p.BuildTime = m.Complete.BuildTime
			p.CostBreakdown = m.Complete.CostBreakdown
			p.Refunded = m.Complete.Refunded
			p.Charged = m.Complete.Charged
		}
	case TypeBuildError:
		if m.Error != nil && m.Error.Cancelled {
			p.Status = domain.JobCancelled
		} else {
			p.Status = domain.JobFailed
		}
		if m.Error != nil {
			p.Error = m.Error.Error
		}
	}
}

// ApplySnapshot replaces the whole state with an authoritative snapshot,
// discarding accumulated detail rather than merging. seq is the stream
// position the snapshot reflects; later live messages resume from there.
func (p *Projection) ApplySnapshot(job domain.BuildJob, seq uint64) {
	p.reset(job.ID)
	p.lastSeq = seq
	p.Status = job.Status
	if job.Result != nil {
		p.Result = *job.Result
	}
	if job.Error != nil {
		p.Error = *job.Error
	}
	for _, s := range job.Steps {
		p.index[s.AgentType] = len(p.steps)
		p.steps = append(p.steps, StepView{
			AgentType: s.AgentType,
			Status:    s.Status,
			Progress:  s.Progress,
			Message:   s.Message,
		})
	}
}

func (p *Projection) reset(jobID string) {
	*p = Projection{JobID: jobID, index: make(map[string]int)}
}
