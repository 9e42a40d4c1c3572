package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"siteforge/internal/domain"
	"siteforge/internal/events"
	"siteforge/internal/ledger"
	"siteforge/internal/pipeline"
	"siteforge/internal/repo"
	"siteforge/internal/stream"
)

// ErrProjectBusy means a build is already queued or running for the project.
// The caller gets an immediate rejection rather than a silent queue.
var ErrProjectBusy = errors.New("a build is already in progress for this project")

// ErrJobNotActive means a cancel request hit a job already in a terminal state.
var ErrJobNotActive = errors.New("job is not queued or running")

// StepResult is what an agent run reports back.
type StepResult struct {
	ActualCost int
	Output     string
}

// AgentRunner executes one agent step. It is the seam to the external
// LLM/image providers: implementations do the long-running call and report
// progress through the callback; the supervisor only relays what it is told.
type AgentRunner interface {
	RunStep(ctx context.Context, job domain.BuildJob, step domain.AgentStep, progress func(pct int, msg string)) (StepResult, error)
}

// StartRequest is a start-build submission.
type StartRequest struct {
	ProjectID   string
	UserID      string
	Prompt      string
	InputAssets []string
	WithBackend bool
	WithImages  bool
}

// Supervisor owns the lifecycle of build jobs: admission with per-project
// serialization, credit reservation, sequential step execution on a worker
// pool, event emission, and ledger settlement at terminal states.
type Supervisor struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Ledger      *ledger.Ledger
	Pipeline    *pipeline.Pipeline
	Broadcaster *stream.Broadcaster
	Runner      AgentRunner
	Log         *slog.Logger
	Now         func() time.Time

	// OnTerminal observes every job that reaches a terminal state, after
	// settlement. Used for webhook delivery; never blocks job accounting.
	OnTerminal func(domain.BuildJob)

	mu       sync.Mutex
	projects map[string]*sync.Mutex
	active   map[string]context.CancelFunc

	queue   chan string
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a supervisor. Call Start to launch the worker pool.
func New(db *sql.DB, led *ledger.Ledger, pipe *pipeline.Pipeline, bc *stream.Broadcaster, runner AgentRunner, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		Ledger:      led,
		Pipeline:    pipe,
		Broadcaster: bc,
		Runner:      runner,
		Log:         log,
		Now:         time.Now,
		projects:    make(map[string]*sync.Mutex),
		active:      make(map[string]context.CancelFunc),
		queue:       make(chan string, 128),
	}
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start launches workers goroutines executing queued jobs.
func (s *Supervisor) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case jobID, ok := <-s.queue:
					if !ok {
						return
					}
					s.run(jobID)
				case <-s.baseCtx.Done():
					return
				}
			}
		}()
	}
}

// Close stops accepting work and waits for in-flight jobs to finish their
// current step and settle.
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.projects[projectID]
	if !ok {
		m = &sync.Mutex{}
		s.projects[projectID] = m
	}
	return m
}

// StartBuild admits a job: rejects if the project already has an active
// build, reserves the estimated credits, and persists the job with its step
// list in Queued state. On success the job is handed to the worker pool.
// ErrInsufficientCredits and ErrProjectBusy leave no job row behind.
func (s *Supervisor) StartBuild(ctx context.Context, req StartRequest) (domain.BuildJob, error) {
	if req.ProjectID == "" {
		return domain.BuildJob{}, errors.New("project is required")
	}
	if req.UserID == "" {
		return domain.BuildJob{}, errors.New("user is required")
	}
	if req.Prompt == "" {
		return domain.BuildJob{}, errors.New("prompt is required")
	}

	plan := pipeline.Plan{
		Prompt:      req.Prompt,
		WithBackend: req.WithBackend,
		WithImages:  req.WithImages || len(req.InputAssets) > 0,
	}
	steps := s.Pipeline.Instantiate(plan)
	estimate := s.Pipeline.Estimate(steps)

	// Admission is the only mutual exclusion in the subsystem: the check
	// and the insert happen under the project lock so two concurrent
	// submissions cannot both pass.
	lock := s.projectLock(req.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.Repo.ActiveJob(ctx, req.ProjectID); err == nil {
		return domain.BuildJob{}, ErrProjectBusy
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.BuildJob{}, err
	}

	jobID := uuid.New().String()
	res, err := s.Ledger.Reserve(ctx, req.UserID, jobID, estimate)
	if err != nil {
		return domain.BuildJob{}, err
	}

	now := s.now().UTC().Format(time.RFC3339)
	job := domain.BuildJob{
		ID:            jobID,
		ProjectID:     req.ProjectID,
		UserID:        req.UserID,
		Prompt:        req.Prompt,
		InputAssets:   req.InputAssets,
		Status:        domain.JobQueued,
		EstimatedCost: estimate,
		ReservationID: res.ID,
		CreatedAt:     now,
	}
	for i := range steps {
		steps[i].JobID = jobID
	}
	job.Steps = steps

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		s.rollbackReservation(res.ID)
		return domain.BuildJob{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertJob(ctx, tx, job); err != nil {
		s.rollbackReservation(res.ID)
		return domain.BuildJob{}, err
	}
	if err := s.Repo.InsertSteps(ctx, tx, steps); err != nil {
		s.rollbackReservation(res.ID)
		return domain.BuildJob{}, err
	}
	if err := s.Events.Append(ctx, tx, "build.queued", job.ProjectID, "build_job", job.ID, events.EventPayload{
		"estimated_cost": estimate,
		"steps":          len(steps),
	}); err != nil {
		s.rollbackReservation(res.ID)
		return domain.BuildJob{}, err
	}
	if err := tx.Commit(); err != nil {
		s.rollbackReservation(res.ID)
		return domain.BuildJob{}, err
	}

	select {
	case s.queue <- job.ID:
	default:
		// Queue saturated: run it on its own goroutine rather than block
		// the caller or drop the admitted job.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(job.ID)
		}()
	}
	return job, nil
}

func (s *Supervisor) rollbackReservation(reservationID string) {
	if err := s.Ledger.Release(context.Background(), reservationID); err != nil {
		s.Log.Error("release reservation after failed admission", "reservation", reservationID, "err", err)
	}
}

// Cancel explicitly terminates a queued or running job. A queued job is
// cancelled in place; a running one has its context cancelled and finishes
// through the worker's terminal path. Transport-level disconnects never call
// this: cancellation is an explicit client action only.
func (s *Supervisor) Cancel(ctx context.Context, jobID string) error {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobNotActive
	}

	// Claim the queued row before the worker does.
	res, err := s.DB.ExecContext(ctx, `UPDATE build_jobs SET status='cancelled' WHERE id=? AND status='queued'`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		job.Status = domain.JobCancelled
		return s.finishCancelledBeforeRun(ctx, job)
	}

	s.mu.Lock()
	cancel, ok := s.active[jobID]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotActive
	}
	cancel()
	return nil
}

// finishCancelledBeforeRun settles a job the worker never picked up: no step
// ran, so the full reservation is released.
func (s *Supervisor) finishCancelledBeforeRun(ctx context.Context, job domain.BuildJob) error {
	now := s.now().UTC().Format(time.RFC3339)
	job.EndedAt = &now
	cancelledMsg := "build cancelled"
	job.Error = &cancelledMsg

	if err := s.Ledger.Release(ctx, job.ReservationID); err != nil && !errors.Is(err, ledger.ErrReservationClosed) {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateJob(ctx, tx, job); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "build.cancelled", job.ProjectID, "build_job", job.ID, events.EventPayload{"ran": false}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(job, stream.Message{Type: stream.TypeBuildError, Error: &stream.ErrorPayload{Error: cancelledMsg, Cancelled: true}})
	s.notifyTerminal(job)
	return nil
}

// run executes one job to a terminal state. Steps run strictly in order; the
// job blocks on each step without holding any lock.
func (s *Supervisor) run(jobID string) {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	// Claim the row; loses the race only to an explicit cancel.
	startedAt := s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE build_jobs SET status='running', started_at=? WHERE id=? AND status='queued'`, startedAt, jobID)
	if err != nil {
		s.Log.Error("claim job", "job", jobID, "err", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}

	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		s.Log.Error("load job", "job", jobID, "err", err)
		return
	}
	job.Steps, err = s.Repo.ListSteps(ctx, jobID)
	if err != nil {
		s.Log.Error("load steps", "job", jobID, "err", err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.active[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, jobID)
		s.mu.Unlock()
	}()

	s.appendEvent(job, "build.started", events.EventPayload{})
	s.publish(job, stream.Message{Type: stream.TypeBuildProgress, Progress: &stream.ProgressPayload{
		Status: domain.JobRunning, Data: "build started", Percent: 0,
	}})

	var failure error
	cancelled := false
	for i := range job.Steps {
		if jobCtx.Err() != nil {
			cancelled = true
			break
		}
		if err := s.runStep(jobCtx, &job, &job.Steps[i]); err != nil {
			if errors.Is(err, context.Canceled) && jobCtx.Err() != nil {
				cancelled = true
			} else {
				failure = err
			}
			break
		}
		s.publish(job, stream.Message{Type: stream.TypeBuildProgress, Progress: &stream.ProgressPayload{
			Status:  domain.JobRunning,
			Data:    fmt.Sprintf("%s finished", job.Steps[i].AgentType),
			Percent: (i + 1) * 100 / len(job.Steps),
		}})
	}

	switch {
	case cancelled:
		s.finishTerminal(&job, domain.JobCancelled, "build cancelled")
	case failure != nil:
		s.finishTerminal(&job, domain.JobFailed, failure.Error())
	default:
		s.finishTerminal(&job, domain.JobCompleted, "")
	}
}

// runStep drives one step Pending -> Working -> Completed/Failed, relaying
// runner progress. Progress is clamped monotonic: the supervisor never
// infers progress and never lets it move backward.
func (s *Supervisor) runStep(ctx context.Context, job *domain.BuildJob, step *domain.AgentStep) error {
	step.Status = domain.StepWorking
	step.Message = fmt.Sprintf("%s agent working", step.AgentType)
	if err := s.persistStep(ctx, *step); err != nil {
		return err
	}
	s.publishStep(*job, *step)

	lastPct := 0
	progress := func(pct int, msg string) {
		if pct < lastPct {
			pct = lastPct
		}
		if pct > 100 {
			pct = 100
		}
		lastPct = pct
		step.Progress = pct
		if msg != "" {
			step.Message = msg
		}
		if err := s.Repo.UpdateStepProgress(ctx, step.JobID, step.Ordinal, step.Progress, step.Message); err != nil {
			s.Log.Warn("persist step progress", "job", step.JobID, "step", step.AgentType, "err", err)
		}
		s.publishStep(*job, *step)
	}

	result, err := s.Runner.RunStep(ctx, *job, *step, progress)
	if err != nil {
		step.Status = domain.StepFailed
		step.Message = err.Error()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// The step did not fail; the build was cancelled out from
			// under it. Its state matches the other unrun steps.
			step.Status = domain.StepSkipped
			step.Message = "build cancelled"
		}
		if perr := s.persistStep(context.WithoutCancel(ctx), *step); perr != nil {
			s.Log.Error("persist failed step", "job", step.JobID, "err", perr)
		}
		s.publishStep(*job, *step)
		return err
	}

	step.Status = domain.StepCompleted
	step.Progress = 100
	cost := result.ActualCost
	if cost < 0 {
		cost = 0
	}
	step.ActualCost = &cost
	if result.Output != "" {
		step.Message = result.Output
	}
	if err := s.persistStep(ctx, *step); err != nil {
		return err
	}
	s.publishStep(*job, *step)
	return nil
}

// finishTerminal drives the job to its terminal state and settles the
// ledger. Billing is fail-fast: only steps that completed contribute, and
// the charge is capped at the reserved estimate.
func (s *Supervisor) finishTerminal(job *domain.BuildJob, status domain.JobStatus, errMsg string) {
	// Settlement must run even if the server is shutting down.
	ctx := context.Background()

	accrued := 0
	anyCompleted := false
	breakdown := map[string]int{}
	for i := range job.Steps {
		st := &job.Steps[i]
		switch st.Status {
		case domain.StepCompleted:
			anyCompleted = true
			if st.ActualCost != nil {
				accrued += *st.ActualCost
				breakdown[st.AgentType] = *st.ActualCost
			}
		case domain.StepPending, domain.StepWorking:
			st.Status = domain.StepSkipped
			if err := s.persistStep(ctx, *st); err != nil {
				s.Log.Error("skip step", "job", job.ID, "step", st.AgentType, "err", err)
			}
			s.publishStep(*job, *st)
		}
	}

	charged := 0
	refunded := 0
	if status != domain.JobCompleted && !anyCompleted {
		if err := s.Ledger.Release(ctx, job.ReservationID); err != nil && !errors.Is(err, ledger.ErrReservationClosed) {
			s.Log.Error("release reservation", "job", job.ID, "err", err)
		}
		refunded = job.EstimatedCost
	} else {
		settled, err := s.Ledger.Settle(ctx, job.ReservationID, accrued)
		if err != nil && !errors.Is(err, ledger.ErrReservationClosed) {
			s.Log.Error("settle reservation", "job", job.ID, "err", err)
		}
		charged = settled.Charged
		refunded = settled.Refunded
		if settled.Overrun {
			// Accrued cost exceeded the hold. The user is charged only the
			// reserved amount; the discrepancy is flagged, not collected.
			job.CostOverrun = true
			s.Log.Error("cost overrun capped at reservation", "job", job.ID, "accrued", accrued, "reserved", job.EstimatedCost)
		}
	}

	now := s.now().UTC()
	endedAt := now.Format(time.RFC3339)
	job.Status = status
	job.EndedAt = &endedAt
	job.ActualCost = &charged
	if errMsg != "" {
		job.Error = &errMsg
	}
	buildTime := 0.0
	if job.StartedAt != nil {
		if started, err := time.Parse(time.RFC3339, *job.StartedAt); err == nil {
			buildTime = now.Sub(started).Seconds()
		}
	}
	if status == domain.JobCompleted {
		result := fmt.Sprintf("artifact://%s/%s", job.ProjectID, job.ID)
		job.Result = &result
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		s.Log.Error("finish job", "job", job.ID, "err", err)
		return
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateJob(ctx, tx, *job); err != nil {
		s.Log.Error("finish job", "job", job.ID, "err", err)
		return
	}
	if err := s.Events.Append(ctx, tx, "build."+string(status), job.ProjectID, "build_job", job.ID, events.EventPayload{
		"charged":  charged,
		"refunded": refunded,
		"error":    errMsg,
	}); err != nil {
		s.Log.Error("append terminal event", "job", job.ID, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.Log.Error("finish job", "job", job.ID, "err", err)
		return
	}

	switch status {
	case domain.JobCompleted:
		s.publish(*job, stream.Message{Type: stream.TypeBuildComplete, Complete: &stream.CompletePayload{
			Result:        *job.Result,
			BuildTime:     buildTime,
			CostBreakdown: breakdown,
			Refunded:      refunded,
			Charged:       charged,
		}})
	case domain.JobCancelled:
		s.publish(*job, stream.Message{Type: stream.TypeBuildError, Error: &stream.ErrorPayload{Error: errMsg, Cancelled: true}})
	default:
		s.publish(*job, stream.Message{Type: stream.TypeBuildError, Error: &stream.ErrorPayload{Error: errMsg}})
	}
	s.notifyTerminal(*job)
}

func (s *Supervisor) persistStep(ctx context.Context, step domain.AgentStep) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateStep(ctx, tx, step); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Supervisor) publishStep(job domain.BuildJob, step domain.AgentStep) {
	s.publish(job, stream.Message{Type: stream.TypeAgentMessage, Agent: &stream.AgentPayload{
		AgentType: step.AgentType,
		Status:    step.Status,
		Progress:  step.Progress,
		Message:   step.Message,
	}})
}

func (s *Supervisor) publish(job domain.BuildJob, msg stream.Message) {
	if s.Broadcaster == nil {
		return
	}
	msg.JobID = job.ID
	s.Broadcaster.Publish(job.ProjectID, msg)
}

func (s *Supervisor) appendEvent(job domain.BuildJob, evtType string, payload events.EventPayload) {
	tx, err := s.DB.BeginTx(context.Background(), nil)
	if err != nil {
		s.Log.Error("append event", "type", evtType, "err", err)
		return
	}
	defer tx.Rollback()
	if err := s.Events.Append(context.Background(), tx, evtType, job.ProjectID, "build_job", job.ID, payload); err != nil {
		s.Log.Error("append event", "type", evtType, "err", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.Log.Error("append event", "type", evtType, "err", err)
	}
}

func (s *Supervisor) notifyTerminal(job domain.BuildJob) {
	if s.OnTerminal != nil {
		s.OnTerminal(job)
	}
}

// Snapshot returns the authoritative job state with steps, plus the stream
// sequence it reflects, for initial render and gap recovery.
func (s *Supervisor) Snapshot(ctx context.Context, jobID string) (domain.BuildJob, uint64, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.BuildJob{}, 0, err
	}
	job.Steps, err = s.Repo.ListSteps(ctx, jobID)
	if err != nil {
		return domain.BuildJob{}, 0, err
	}
	var seq uint64
	if s.Broadcaster != nil {
		seq = s.Broadcaster.CurrentSeq(jobID)
	}
	return job, seq, nil
}

// LatestSnapshot is Snapshot for a project's most recent job.
func (s *Supervisor) LatestSnapshot(ctx context.Context, projectID string) (domain.BuildJob, uint64, error) {
	job, err := s.Repo.LatestJob(ctx, projectID)
	if err != nil {
		return domain.BuildJob{}, 0, err
	}
	return s.Snapshot(ctx, job.ID)
}
