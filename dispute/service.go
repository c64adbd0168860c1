package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/escrow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo defines the dispute data access required by the service.
type Repo interface {
	GetByID(ctx context.Context, id string) (Record, error)
	ListForEscrow(ctx context.Context, escrowID string) ([]Record, error)
	ListForComplainant(ctx context.Context, complainantID string) ([]Record, error)
	ListUnresolved(ctx context.Context) ([]Record, error)
	Insert(ctx context.Context, tx pgx.Tx, params OpenParams) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id, resolution string, now time.Time) (Record, error)
	Announce(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// EscrowStore is the slice of the escrow repository the dispute workflow
// needs: locking the parent row, driving its terminal transition, and writing
// to its timeline. *escrow.Repository satisfies it.
type EscrowStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Record, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, to escrow.Status, now time.Time) (escrow.Record, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error
	Announce(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the dispute side of the workflow, coupled to its parent
// escrow through EscrowStore.
type Service struct {
	pool    TxBeginner
	repo    Repo
	escrows EscrowStore
	now     func() time.Time
}

func NewService(pool TxBeginner, repo Repo, escrows EscrowStore) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		escrows: escrows,
		now:     time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open raises a dispute against a pending escrow.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	params.Description = strings.TrimSpace(params.Description)
	if params.Description == "" {
		return Record{}, ErrEmptyDescription
	}
	if params.EscrowID == "" || params.ComplainantID == "" {
		return Record{}, fmt.Errorf("dispute: escrow and complainant ids required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := s.escrows.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return Record{}, ErrEscrowNotFound
		}
		return Record{}, err
	}
	if esc.Status != escrow.StatusPending {
		return Record{}, ErrEscrowNotPending
	}

	rec, err := s.repo.Insert(ctx, tx, params)
	if err != nil {
		return Record{}, err
	}

	if err := s.escrows.AppendEvent(ctx, tx, esc.ID, EventOpened, &params.ComplainantID, map[string]any{
		"dispute_id": rec.ID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// Resolve adjudicates a dispute and drives the parent escrow into the target
// terminal state. The escrow update is best-effort: a missing parent row, or
// one that already reached a terminal state, is logged and does not fail the
// dispute update.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	params.Resolution = strings.TrimSpace(params.Resolution)
	if params.Resolution == "" {
		return Record{}, ErrEmptyResolution
	}
	target := escrow.Status(params.EscrowStatus)
	if !escrow.CanTransition(escrow.StatusPending, target) {
		return Record{}, ErrBadTargetStatus
	}
	if params.DisputeID == "" {
		return Record{}, fmt.Errorf("dispute: dispute id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if current.Status == StatusResolved {
		return Record{}, ErrAlreadyResolved
	}

	now := s.now()
	rec, err := s.repo.MarkResolved(ctx, tx, params.DisputeID, params.Resolution, now)
	if err != nil {
		return Record{}, err
	}

	if err := s.resolveEscrow(ctx, tx, rec, target, params.AdminID, now); err != nil {
		return Record{}, err
	}

	if err := s.repo.Announce(ctx, tx, TopicResolved, map[string]any{
		"dispute_id":    rec.ID,
		"escrow_id":     rec.EscrowID,
		"escrow_status": string(target),
		"admin_id":      params.AdminID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return rec, nil
}

// resolveEscrow applies the adjudicated transition to the parent escrow.
// Only unexpected store errors propagate; orphaned or already-terminal
// escrows leave the dispute resolution intact.
func (s *Service) resolveEscrow(ctx context.Context, tx pgx.Tx, rec Record, target escrow.Status, adminID string, now time.Time) error {
	esc, err := s.escrows.GetForUpdate(ctx, tx, rec.EscrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			log.Printf("dispute: escrow %s missing while resolving dispute %s; dispute resolved anyway", rec.EscrowID, rec.ID)
			return nil
		}
		return err
	}

	if err := s.escrows.AppendEvent(ctx, tx, esc.ID, EventResolved, &adminID, map[string]any{
		"dispute_id":    rec.ID,
		"escrow_status": string(target),
	}); err != nil {
		return err
	}

	if esc.Status != escrow.StatusPending {
		log.Printf("dispute: escrow %s already %s while resolving dispute %s; terminal state kept", esc.ID, esc.Status, rec.ID)
		return nil
	}

	esc, err = s.escrows.Transition(ctx, tx, esc.ID, target, now)
	if err != nil {
		return err
	}

	eventType := escrow.EventReleased
	topic := escrow.TopicReleased
	if target == escrow.StatusRefunded {
		eventType = escrow.EventRefunded
		topic = escrow.TopicRefunded
	}
	if err := s.escrows.AppendEvent(ctx, tx, esc.ID, eventType, &adminID, map[string]any{
		"dispute_id": rec.ID,
	}); err != nil {
		return err
	}
	return s.escrows.Announce(ctx, tx, topic, map[string]any{
		"escrow_id": esc.ID,
		"seller_id": esc.SellerID,
		"amount":    esc.Amount,
		"reason":    "dispute_resolution",
	})
}

// Get fetches a single dispute.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.GetByID(ctx, id)
}

// ListForEscrow returns the disputes raised against an escrow.
func (s *Service) ListForEscrow(ctx context.Context, escrowID string) ([]Record, error) {
	return s.repo.ListForEscrow(ctx, escrowID)
}

// ListForComplainant returns the disputes a user raised.
func (s *Service) ListForComplainant(ctx context.Context, complainantID string) ([]Record, error) {
	return s.repo.ListForComplainant(ctx, complainantID)
}

// ListUnresolved returns the admin backlog.
func (s *Service) ListUnresolved(ctx context.Context) ([]Record, error) {
	return s.repo.ListUnresolved(ctx)
}
