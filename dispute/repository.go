package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/outbox"
)

var (
	// ErrNotFound is returned when no dispute row exists for the provided identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyResolved signals a second resolution attempt on the same dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrEmptyDescription signals a dispute description that is empty after trimming.
	ErrEmptyDescription = errors.New("dispute: description cannot be empty")
	// ErrEmptyResolution signals resolution text that is empty after trimming.
	ErrEmptyResolution = errors.New("dispute: resolution cannot be empty")
	// ErrBadTargetStatus signals a resolution target other than released or refunded.
	ErrBadTargetStatus = errors.New("dispute: escrow status must be released or refunded")
	// ErrEscrowNotFound signals the referenced escrow does not exist.
	ErrEscrowNotFound = errors.New("dispute: escrow not found")
	// ErrEscrowNotPending signals the referenced escrow already left custody.
	ErrEscrowNotPending = errors.New("dispute: escrow is not in pending state")
)

const recordColumns = `id, escrow_id, complainant_id, description, status::text, resolution, created_at, updated_at`

// Repository handles data access for disputes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a dispute outside any transaction.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: query by id: %w", err)
	}
	return rec, nil
}

// ListForEscrow returns every dispute raised against the escrow, newest
// first. Nothing caps this at one: disputes form an unordered set per escrow.
func (r *Repository) ListForEscrow(ctx context.Context, escrowID string) ([]Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, escrowID)
}

// ListForComplainant returns the disputes the user raised, newest first.
func (r *Repository) ListForComplainant(ctx context.Context, complainantID string) ([]Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM disputes
		WHERE complainant_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, complainantID)
}

// ListUnresolved returns every dispute still awaiting adjudication, oldest
// first so the backlog is worked in order.
func (r *Repository) ListUnresolved(ctx context.Context) ([]Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM disputes
		WHERE status <> 'resolved'
		ORDER BY created_at ASC
	`
	return r.list(ctx, query)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Insert creates an open dispute and its outbox message in the caller's
// transaction. The caller is expected to hold the escrow row lock.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Record, error) {
	const insertSQL = `
		INSERT INTO disputes (escrow_id, complainant_id, description, status)
		VALUES ($1, $2, $3, 'open')
		RETURNING ` + recordColumns + `
	`

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL, params.EscrowID, params.ComplainantID, params.Description))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if err := outbox.Enqueue(ctx, tx, TopicOpened, map[string]any{
		"dispute_id":     rec.ID,
		"escrow_id":      rec.EscrowID,
		"complainant_id": rec.ComplainantID,
	}); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// GetForUpdate locks the dispute row for the remainder of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return rec, nil
}

// MarkResolved stamps the resolution on a not-yet-resolved dispute. The
// status guard keeps a racing resolution from overwriting the first one.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id, resolution string, now time.Time) (Record, error) {
	const updateSQL = `
		UPDATE disputes
		SET status = 'resolved', resolution = $2, updated_at = $3
		WHERE id = $1 AND status <> 'resolved'
		RETURNING ` + recordColumns + `
	`

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL, id, resolution, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyResolved
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

// Announce enqueues an outbox message inside the caller's transaction.
func (r *Repository) Announce(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return outbox.Enqueue(ctx, tx, topic, payload)
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var status string
	err := row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.ComplainantID,
		&rec.Description,
		&status,
		&rec.Resolution,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
