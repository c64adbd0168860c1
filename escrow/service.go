package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo defines the data access required by the workflow service.
type Repo interface {
	GetByID(ctx context.Context, id string) (Record, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Record, error)
	EnsureParties(ctx context.Context, tx pgx.Tx, buyerID, sellerID string) error
	EnsureProduct(ctx context.Context, tx pgx.Tx, productID string) error
	Insert(ctx context.Context, tx pgx.Tx, params CreateParams, releaseTime time.Time) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, to Status, now time.Time) (Record, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error
	Announce(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the escrow side of the marketplace workflow: funds enter
// custody on a buy and leave it through exactly one transition.
type Service struct {
	pool TxBeginner
	repo Repo
	now  func() time.Time
}

func NewService(pool TxBeginner, repo Repo) *Service {
	return &Service{
		pool: pool,
		repo: repo,
		now:  time.Now,
	}
}

// WithClock overrides the time source, primarily for tests pinning the
// release window.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create places a new escrow in custody. The release time is fixed here and
// never recomputed.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.Amount <= 0 {
		return Record{}, ErrInvalidAmount
	}
	if params.BuyerID == "" || params.SellerID == "" {
		return Record{}, fmt.Errorf("escrow: buyer and seller ids required")
	}
	if params.ProductID == "" {
		return Record{}, fmt.Errorf("escrow: product id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.EnsureParties(ctx, tx, params.BuyerID, params.SellerID); err != nil {
		return Record{}, err
	}
	if err := s.repo.EnsureProduct(ctx, tx, params.ProductID); err != nil {
		return Record{}, err
	}

	rec, err := s.repo.Insert(ctx, tx, params, s.now().Add(ReleaseWindow))
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return rec, nil
}

// ConfirmReceipt releases custody to the seller once the buyer confirms
// delivery. The buyer check runs before the status check so a non-buyer is
// always rejected with ErrForbidden regardless of escrow state.
func (s *Service) ConfirmReceipt(ctx context.Context, escrowID, buyerID string) (Record, error) {
	if escrowID == "" {
		return Record{}, fmt.Errorf("escrow: escrow id required")
	}
	if buyerID == "" {
		return Record{}, fmt.Errorf("escrow: buyer id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return Record{}, err
	}
	if rec.BuyerID != buyerID {
		return Record{}, ErrForbidden
	}
	if rec.Status != StatusPending {
		return Record{}, ErrNotPending
	}

	now := s.now()
	rec, err = s.repo.Transition(ctx, tx, escrowID, StatusReleased, now)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, rec.ID, EventReleased, &buyerID, map[string]any{
		"seller_id": rec.SellerID,
	}); err != nil {
		return Record{}, err
	}
	if err := s.repo.Announce(ctx, tx, TopicReleased, map[string]any{
		"escrow_id": rec.ID,
		"seller_id": rec.SellerID,
		"amount":    rec.Amount,
		"reason":    "receipt_confirmed",
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit confirm: %w", err)
	}
	return rec, nil
}

// Get fetches a single escrow.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.GetByID(ctx, id)
}

// ListForUser returns the escrows the user takes part in.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	return s.repo.ListForUser(ctx, userID, limit)
}
