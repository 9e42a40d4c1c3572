package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"siteforge/internal/domain"
	"siteforge/internal/repo"
)

var (
	// ErrInsufficientCredits means the balance cannot cover the requested hold.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrReservationClosed means a reservation was already settled or released.
	ErrReservationClosed = errors.New("reservation already settled or released")
)

// Ledger owns all credit movements. Every mutation appends transaction rows;
// nothing is ever updated or deleted, so the balance is always the sum of a
// user's rows. Reserve/Settle/Release serialize per user so two concurrent
// reserves cannot both pass the balance check.
type Ledger struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func New(db *sql.DB) *Ledger {
	return &Ledger{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Now:   time.Now,
		users: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.users[userID]
	if !ok {
		m = &sync.Mutex{}
		l.users[userID] = m
	}
	return m
}

// EnsureUser creates the account row on first sight and applies the signup
// grant. Existing users are untouched.
func (l *Ledger) EnsureUser(ctx context.Context, userID string, signupGrant int) error {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := l.Repo.GetUser(ctx, userID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	now := l.now().UTC().Format(time.RFC3339)
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id,created_at) VALUES (?,?)`, userID, now); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if signupGrant > 0 {
		if err := l.Repo.InsertTransaction(ctx, tx, domain.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      domain.TxPurchase,
			Amount:    signupGrant,
			Note:      "signup grant",
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Purchase appends a credit top-up.
func (l *Ledger) Purchase(ctx context.Context, userID string, amount int, note string) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, errors.New("purchase amount must be positive")
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := l.Repo.GetUser(ctx, userID); err != nil {
		return domain.Transaction{}, err
	}
	t := domain.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      domain.TxPurchase,
		Amount:    amount,
		Note:      note,
		CreatedAt: l.now().UTC().Format(time.RFC3339),
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertTransaction(ctx, tx, t); err != nil {
		return domain.Transaction{}, err
	}
	return t, tx.Commit()
}

// Reserve places a hold: it checks the balance and appends a negative Reserve
// transaction atomically. Returns ErrInsufficientCredits when the full amount
// does not fit.
func (l *Ledger) Reserve(ctx context.Context, userID, jobID string, amount int) (domain.CreditReservation, error) {
	if amount <= 0 {
		return domain.CreditReservation{}, errors.New("reserve amount must be positive")
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreditReservation{}, err
	}
	defer tx.Rollback()

	balance, err := l.Repo.BalanceTx(ctx, tx, userID)
	if err != nil {
		return domain.CreditReservation{}, err
	}
	if balance < amount {
		return domain.CreditReservation{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, amount, balance)
	}
	now := l.now().UTC().Format(time.RFC3339)
	res := domain.CreditReservation{
		ID:        uuid.New().String(),
		JobID:     jobID,
		UserID:    userID,
		Amount:    amount,
		Status:    domain.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.Repo.InsertReservation(ctx, tx, res); err != nil {
		return domain.CreditReservation{}, err
	}
	if err := l.Repo.InsertTransaction(ctx, tx, domain.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      domain.TxReserve,
		Amount:    -amount,
		JobID:     &jobID,
		Note:      fmt.Sprintf("hold for build %s", jobID),
		CreatedAt: now,
	}); err != nil {
		return domain.CreditReservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CreditReservation{}, err
	}
	return res, nil
}

// SettleResult reports what a settlement actually charged.
type SettleResult struct {
	Charged  int
	Refunded int
	// Overrun is set when the accrued cost exceeded the hold. The charge is
	// capped at the reserved amount; the user is never overdrawn.
	Overrun bool
}

// Settle converts a held reservation into a final charge. The hold already
// debited the reserved amount, so the Settle row is a zero-amount realization
// marker and the unspent difference comes back as a Refund row.
func (l *Ledger) Settle(ctx context.Context, reservationID string, actual int) (SettleResult, error) {
	if actual < 0 {
		return SettleResult{}, errors.New("settle amount must not be negative")
	}
	res, err := l.Repo.GetReservation(ctx, reservationID)
	if err != nil {
		return SettleResult{}, err
	}
	lock := l.userLock(res.UserID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return SettleResult{}, err
	}
	defer tx.Rollback()

	res, err = l.Repo.GetReservationTx(ctx, tx, reservationID)
	if err != nil {
		return SettleResult{}, err
	}
	if res.Status != domain.ReservationHeld {
		return SettleResult{}, ErrReservationClosed
	}

	out := SettleResult{Charged: actual}
	if actual > res.Amount {
		out.Charged = res.Amount
		out.Overrun = true
	}
	out.Refunded = res.Amount - out.Charged

	now := l.now().UTC().Format(time.RFC3339)
	if err := l.Repo.InsertTransaction(ctx, tx, domain.Transaction{
		ID:        uuid.New().String(),
		UserID:    res.UserID,
		Type:      domain.TxSettle,
		Amount:    0,
		JobID:     &res.JobID,
		Note:      fmt.Sprintf("charged %d of %d reserved", out.Charged, res.Amount),
		CreatedAt: now,
	}); err != nil {
		return SettleResult{}, err
	}
	if out.Refunded > 0 {
		if err := l.Repo.InsertTransaction(ctx, tx, domain.Transaction{
			ID:        uuid.New().String(),
			UserID:    res.UserID,
			Type:      domain.TxRefund,
			Amount:    out.Refunded,
			JobID:     &res.JobID,
			Note:      "unused reservation refund",
			CreatedAt: now,
		}); err != nil {
			return SettleResult{}, err
		}
	}
	if err := l.Repo.UpdateReservationStatus(ctx, tx, reservationID, domain.ReservationSettled, now); err != nil {
		return SettleResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SettleResult{}, err
	}
	return out, nil
}

// Release returns the full held amount. Used when a job ends without having
// incurred any cost.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	res, err := l.Repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	lock := l.userLock(res.UserID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err = l.Repo.GetReservationTx(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if res.Status != domain.ReservationHeld {
		return ErrReservationClosed
	}
	now := l.now().UTC().Format(time.RFC3339)
	if err := l.Repo.InsertTransaction(ctx, tx, domain.Transaction{
		ID:        uuid.New().String(),
		UserID:    res.UserID,
		Type:      domain.TxRefund,
		Amount:    res.Amount,
		JobID:     &res.JobID,
		Note:      "reservation released",
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := l.Repo.UpdateReservationStatus(ctx, tx, reservationID, domain.ReservationReleased, now); err != nil {
		return err
	}
	return tx.Commit()
}

// Balance is the sum of the user's transaction amounts. Held reservations are
// already debited via their Reserve rows.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.Repo.Balance(ctx, userID)
}

// History returns the paginated transaction export, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit, offset int) ([]domain.Transaction, error) {
	return l.Repo.ListTransactions(ctx, userID, limit, offset)
}
