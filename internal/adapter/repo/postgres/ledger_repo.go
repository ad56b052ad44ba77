package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// LedgerRepo implements the append-only credit ledger. The current balance
// of a user is the sum of deltas over their entries; holds are negative
// reserve rows that a later release or finalize squares off.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// Reserve appends a negative hold for (userID, jobID). It runs in a single
// serializable transaction so concurrent reserves cannot overdraw, and is
// idempotent: a second reserve for the same pair is a no-op.
func (r *LedgerRepo) Reserve(ctx domain.Context, userID, jobID string, amount int) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("credits.amount", amount))
	if amount <= 0 {
		return fmt.Errorf("op=ledger.reserve: %w: amount must be positive", domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("op=ledger.reserve: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotence on (user, job): an existing hold wins.
	var existing int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_ledger WHERE user_id=$1 AND job_id=$2 AND kind='reserve'`,
		userID, jobID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("op=ledger.reserve: check: %w", err)
	}
	if existing > 0 {
		return tx.Commit(ctx)
	}

	var balance int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta),0) FROM credit_ledger WHERE user_id=$1`,
		userID).Scan(&balance)
	if err != nil {
		return fmt.Errorf("op=ledger.reserve: balance: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("op=ledger.reserve: %w: required %d, available %d",
			domain.ErrInsufficientCredits, amount, balance)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, user_id, job_id, delta, kind, created_at) VALUES ($1,$2,$3,$4,'reserve',$5)`,
		uuid.New().String(), userID, jobID, -amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.reserve: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.reserve: commit: %w", err)
	}
	observability.ObserveCredits("reserve", amount)
	return nil
}

// Release reverses any outstanding hold for (userID, jobID). Idempotent: if
// the hold was already released or finalized, nothing happens.
func (r *LedgerRepo) Release(ctx domain.Context, userID, jobID string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Release")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("op=ledger.release: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	hold, settled, err := holdState(ctx, tx, userID, jobID)
	if err != nil {
		return fmt.Errorf("op=ledger.release: %w", err)
	}
	if hold == 0 || settled {
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, user_id, job_id, delta, kind, created_at) VALUES ($1,$2,$3,$4,'release',$5)`,
		uuid.New().String(), userID, jobID, hold, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.release: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.release: commit: %w", err)
	}
	observability.ObserveCredits("release", hold)
	return nil
}

// Finalize converts the hold for (userID, jobID) into a charge, adjusting to
// finalAmount when the backend that ran differs from the backend requested.
// Idempotent: a second finalize is a no-op.
func (r *LedgerRepo) Finalize(ctx domain.Context, userID, jobID string, finalAmount int) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Finalize")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("credits.final_amount", finalAmount))
	if finalAmount < 0 {
		return fmt.Errorf("op=ledger.finalize: %w: final amount must be non-negative", domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("op=ledger.finalize: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	hold, settled, err := holdState(ctx, tx, userID, jobID)
	if err != nil {
		return fmt.Errorf("op=ledger.finalize: %w", err)
	}
	if hold == 0 || settled {
		return tx.Commit(ctx)
	}

	// The finalize row squares the pair to exactly -finalAmount:
	// -hold + delta == -finalAmount.
	delta := hold - finalAmount
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, user_id, job_id, delta, kind, created_at) VALUES ($1,$2,$3,$4,'finalize',$5)`,
		uuid.New().String(), userID, jobID, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.finalize: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.finalize: commit: %w", err)
	}
	observability.ObserveCredits("finalize", finalAmount)
	return nil
}

// Balance returns the current balance (sum of deltas) for a user.
func (r *LedgerRepo) Balance(ctx domain.Context, userID string) (int, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Balance")
	defer span.End()
	var balance int
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta),0) FROM credit_ledger WHERE user_id=$1`,
		userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.balance: %w", err)
	}
	return balance, nil
}

// holdState returns the outstanding hold size (positive) for (user, job) and
// whether the pair was already settled by a release or finalize row.
func holdState(ctx context.Context, tx pgx.Tx, userID, jobID string) (hold int, settled bool, err error) {
	var reserved, settledCount int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(-SUM(delta) FILTER (WHERE kind='reserve'), 0),
		        COUNT(*) FILTER (WHERE kind IN ('release','finalize'))
		 FROM credit_ledger WHERE user_id=$1 AND job_id=$2`,
		userID, jobID).Scan(&reserved, &settledCount)
	if err != nil {
		return 0, false, fmt.Errorf("hold state: %w", err)
	}
	return reserved, settledCount > 0, nil
}
