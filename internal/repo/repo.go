package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"siteforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,created_at) VALUES (?,?)`, u.ID, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,created_at FROM users WHERE id=?`, id).Scan(&u.ID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// --- build jobs ---

const jobColumns = `id,project_id,user_id,prompt,COALESCE(input_assets,''),status,estimated_cost,actual_cost,cost_overrun,reservation_id,result,error,created_at,started_at,ended_at`

func scanJob(row interface{ Scan(...any) error }) (domain.BuildJob, error) {
	var j domain.BuildJob
	var assets string
	var overrun int
	err := row.Scan(&j.ID, &j.ProjectID, &j.UserID, &j.Prompt, &assets, &j.Status,
		&j.EstimatedCost, &j.ActualCost, &overrun, &j.ReservationID, &j.Result, &j.Error,
		&j.CreatedAt, &j.StartedAt, &j.EndedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.CostOverrun = overrun != 0
	if assets != "" {
		if err := json.Unmarshal([]byte(assets), &j.InputAssets); err != nil {
			return j, fmt.Errorf("decode input assets for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.BuildJob) error {
	var assets any
	if len(j.InputAssets) > 0 {
		b, err := json.Marshal(j.InputAssets)
		if err != nil {
			return err
		}
		assets = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO build_jobs(id,project_id,user_id,prompt,input_assets,status,estimated_cost,actual_cost,cost_overrun,reservation_id,result,error,created_at,started_at,ended_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, j.UserID, j.Prompt, assets, j.Status, j.EstimatedCost,
		j.ActualCost, boolInt(j.CostOverrun), j.ReservationID, j.Result, j.Error,
		j.CreatedAt, j.StartedAt, j.EndedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.BuildJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM build_jobs WHERE id=?`, id))
}

// LatestJob returns the most recent job for a project, terminal or not.
func (r Repo) LatestJob(ctx context.Context, projectID string) (domain.BuildJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM build_jobs WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, projectID))
}

// ActiveJob returns the queued or running job for a project, if any.
func (r Repo) ActiveJob(ctx context.Context, projectID string) (domain.BuildJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM build_jobs WHERE project_id=? AND status IN ('queued','running') LIMIT 1`, projectID))
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.BuildJob) error {
	_, err := tx.ExecContext(ctx, `UPDATE build_jobs SET status=?,actual_cost=?,cost_overrun=?,result=?,error=?,started_at=?,ended_at=? WHERE id=?`,
		j.Status, j.ActualCost, boolInt(j.CostOverrun), j.Result, j.Error, j.StartedAt, j.EndedAt, j.ID)
	return err
}

func (r Repo) ListJobs(ctx context.Context, projectID string, limit int) ([]domain.BuildJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM build_jobs WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// --- agent steps ---

func (r Repo) InsertSteps(ctx context.Context, tx *sql.Tx, steps []domain.AgentStep) error {
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO agent_steps(job_id,ordinal,agent_type,status,progress,message,base_cost,actual_cost) VALUES (?,?,?,?,?,?,?,?)`,
			s.JobID, s.Ordinal, s.AgentType, s.Status, s.Progress, s.Message, s.BaseCost, s.ActualCost); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, s domain.AgentStep) error {
	_, err := tx.ExecContext(ctx, `UPDATE agent_steps SET status=?,progress=?,message=?,actual_cost=? WHERE job_id=? AND ordinal=?`,
		s.Status, s.Progress, s.Message, s.ActualCost, s.JobID, s.Ordinal)
	return err
}

// UpdateStepProgress is a single-statement progress tick; no tx because a
// lone UPDATE is already atomic and ticks are frequent.
func (r Repo) UpdateStepProgress(ctx context.Context, jobID string, ordinal, progress int, message string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agent_steps SET progress=?,message=? WHERE job_id=? AND ordinal=?`,
		progress, message, jobID, ordinal)
	return err
}

func (r Repo) ListSteps(ctx context.Context, jobID string) ([]domain.AgentStep, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT job_id,ordinal,agent_type,status,progress,message,base_cost,actual_cost FROM agent_steps WHERE job_id=? ORDER BY ordinal`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentStep
	for rows.Next() {
		var s domain.AgentStep
		if err := rows.Scan(&s.JobID, &s.Ordinal, &s.AgentType, &s.Status, &s.Progress, &s.Message, &s.BaseCost, &s.ActualCost); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- reservations ---

func (r Repo) InsertReservation(ctx context.Context, tx *sql.Tx, cr domain.CreditReservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO credit_reservations(id,job_id,user_id,amount,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		cr.ID, cr.JobID, cr.UserID, cr.Amount, cr.Status, cr.CreatedAt, cr.UpdatedAt)
	return err
}

func (r Repo) GetReservationTx(ctx context.Context, tx *sql.Tx, id string) (domain.CreditReservation, error) {
	var cr domain.CreditReservation
	err := tx.QueryRowContext(ctx, `SELECT id,job_id,user_id,amount,status,created_at,updated_at FROM credit_reservations WHERE id=?`, id).
		Scan(&cr.ID, &cr.JobID, &cr.UserID, &cr.Amount, &cr.Status, &cr.CreatedAt, &cr.UpdatedAt)
	if err == sql.ErrNoRows {
		return cr, ErrNotFound
	}
	return cr, err
}

func (r Repo) GetReservation(ctx context.Context, id string) (domain.CreditReservation, error) {
	var cr domain.CreditReservation
	err := r.DB.QueryRowContext(ctx, `SELECT id,job_id,user_id,amount,status,created_at,updated_at FROM credit_reservations WHERE id=?`, id).
		Scan(&cr.ID, &cr.JobID, &cr.UserID, &cr.Amount, &cr.Status, &cr.CreatedAt, &cr.UpdatedAt)
	if err == sql.ErrNoRows {
		return cr, ErrNotFound
	}
	return cr, err
}

func (r Repo) UpdateReservationStatus(ctx context.Context, tx *sql.Tx, id string, status domain.ReservationStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE credit_reservations SET status=?,updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- transactions ---

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions(id,user_id,type,amount,job_id,note,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Type, t.Amount, t.JobID, t.Note, t.CreatedAt)
	return err
}

// BalanceTx sums all transaction amounts for a user inside tx. Held
// reservations are already reflected because Reserve rows are negative.
func (r Repo) BalanceTx(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var balance int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM credit_transactions WHERE user_id=?`, userID).Scan(&balance)
	return balance, err
}

func (r Repo) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM credit_transactions WHERE user_id=?`, userID).Scan(&balance)
	return balance, err
}

func (r Repo) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,user_id,type,amount,job_id,note,created_at FROM credit_transactions WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.JobID, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
