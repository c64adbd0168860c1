package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/outbox"
)

var (
	// ErrNotFound is returned when no escrow row exists for the provided identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrPartyNotFound signals the buyer or seller does not resolve to a user.
	ErrPartyNotFound = errors.New("escrow: buyer or seller not found")
	// ErrProductNotFound signals the referenced product does not exist.
	ErrProductNotFound = errors.New("escrow: product not found")
	// ErrForbidden signals the acting user is not the escrow's buyer.
	ErrForbidden = errors.New("escrow: only the buyer can confirm receipt")
	// ErrNotPending signals a transition was attempted out of a terminal state.
	ErrNotPending = errors.New("escrow: not in pending state")
	// ErrInvalidAmount signals a non-positive escrow amount.
	ErrInvalidAmount = errors.New("escrow: amount must be greater than zero")
)

const recordColumns = `id, buyer_id, seller_id, product_id, amount, status::text, release_time, created_at, updated_at`

// Repository handles data access for escrows. Read helpers run against the
// pool; every mutating method takes the caller's transaction so state change,
// timeline event, and outbox message commit or roll back together.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches an escrow outside any transaction.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM escrows WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: query by id: %w", err)
	}
	return rec, nil
}

// ListForUser returns escrows where the user participates as buyer or seller,
// newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT ` + recordColumns + `
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}

// EnsureParties verifies both the buyer and the seller exist.
func (r *Repository) EnsureParties(ctx context.Context, tx pgx.Tx, buyerID, sellerID string) error {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE id IN ($1, $2)`, buyerID, sellerID).Scan(&n)
	if err != nil {
		return fmt.Errorf("escrow: ensure parties: %w", err)
	}
	want := 2
	if buyerID == sellerID {
		want = 1
	}
	if n < want {
		return ErrPartyNotFound
	}
	return nil
}

// EnsureProduct verifies the product exists.
func (r *Repository) EnsureProduct(ctx context.Context, tx pgx.Tx, productID string) error {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("escrow: ensure product: %w", err)
	}
	if !exists {
		return ErrProductNotFound
	}
	return nil
}

// Insert creates a pending escrow with the supplied release time and appends
// the creation event plus outbox message in the same transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params CreateParams, releaseTime time.Time) (Record, error) {
	const insertSQL = `
		INSERT INTO escrows (buyer_id, seller_id, product_id, amount, status, release_time)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING ` + recordColumns + `
	`

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		params.BuyerID,
		params.SellerID,
		params.ProductID,
		params.Amount,
		releaseTime,
	))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}

	payload := map[string]any{
		"product_id":   rec.ProductID,
		"amount":       rec.Amount,
		"release_time": rec.ReleaseTime.UTC(),
	}
	if err := r.AppendEvent(ctx, tx, rec.ID, EventCreated, &rec.BuyerID, payload); err != nil {
		return Record{}, err
	}

	outboxPayload := map[string]any{
		"escrow_id":  rec.ID,
		"buyer_id":   rec.BuyerID,
		"seller_id":  rec.SellerID,
		"product_id": rec.ProductID,
		"amount":     rec.Amount,
	}
	if err := outbox.Enqueue(ctx, tx, TopicCreated, outboxPayload); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// GetForUpdate locks the escrow row for the remainder of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM escrows WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: lock row: %w", err)
	}
	return rec, nil
}

// Transition moves a pending escrow into the target terminal state. The
// UPDATE is guarded on status so a concurrent transition that committed first
// makes this one fail with ErrNotPending instead of overwriting it.
func (r *Repository) Transition(ctx context.Context, tx pgx.Tx, id string, to Status, now time.Time) (Record, error) {
	if !CanTransition(StatusPending, to) {
		return Record{}, fmt.Errorf("escrow: illegal target status %q", to)
	}

	const updateSQL = `
		UPDATE escrows
		SET status = $2::escrow_status, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + recordColumns + `
	`

	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL, id, string(to), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row exists but the guard rejected it, or the row is gone.
			var exists bool
			if chkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); chkErr != nil {
				return Record{}, fmt.Errorf("escrow: transition recheck: %w", chkErr)
			}
			if !exists {
				return Record{}, ErrNotFound
			}
			return Record{}, ErrNotPending
		}
		return Record{}, fmt.Errorf("escrow: transition to %s: %w", to, err)
	}
	return rec, nil
}

// AppendEvent writes the next timeline event for the escrow. Sequence numbers
// are computed under the caller's row lock, keeping them monotonic per escrow.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM escrow_events WHERE escrow_id = $1`, escrowID).Scan(&seq); err != nil {
		return fmt.Errorf("escrow: next event seq: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id, payload)
		VALUES ($1, $2, $3, $4::uuid, $5::jsonb)
	`
	if _, err := tx.Exec(ctx, q, escrowID, seq, eventType, actor, body); err != nil {
		return fmt.Errorf("escrow: insert event: %w", err)
	}
	return nil
}

// OverdueCandidates locks and returns pending escrows whose release time has
// passed. SKIP LOCKED lets a sweep coexist with caller-driven transitions:
// a row mid-confirmation is simply picked up by a later run.
func (r *Repository) OverdueCandidates(ctx context.Context, tx pgx.Tx, now time.Time) ([]Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM escrows
		WHERE status = 'pending' AND release_time <= $1
		ORDER BY release_time
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("escrow: overdue candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 16)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan candidate: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate candidates: %w", err)
	}
	return out, nil
}

// HasUnresolvedDispute reports whether any dispute against the escrow is not
// yet resolved.
func (r *Repository) HasUnresolvedDispute(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM disputes WHERE escrow_id = $1 AND status <> 'resolved')`
	if err := tx.QueryRow(ctx, q, escrowID).Scan(&exists); err != nil {
		return false, fmt.Errorf("escrow: check disputes: %w", err)
	}
	return exists, nil
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
		&rec.BuyerID,
		&rec.SellerID,
		&rec.ProductID,
		&rec.Amount,
		&status,
		&rec.ReleaseTime,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
