package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// SweepRepo is the slice of the repository the sweeper needs.
type SweepRepo interface {
	OverdueCandidates(ctx context.Context, tx pgx.Tx, now time.Time) ([]Record, error)
	HasUnresolvedDispute(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error)
	Transition(ctx context.Context, tx pgx.Tx, id string, to Status, now time.Time) (Record, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType string, actorID *string, payload map[string]any) error
	Announce(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Sweeper periodically releases overdue, undisputed escrows. Each run is one
// transaction: a mid-sweep failure rolls back every release in that pass and
// the next tick retries.
type Sweeper struct {
	pool TxBeginner
	repo SweepRepo
	now  func() time.Time
}

func NewSweeper(pool TxBeginner, repo SweepRepo) *Sweeper {
	return &Sweeper{
		pool: pool,
		repo: repo,
		now:  time.Now,
	}
}

// WithClock overrides the time source for deterministic boundary tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// SweepOnce performs a single pass and returns how many escrows it released.
// Escrows with any unresolved dispute are skipped and stay pending until a
// later run finds them undisputed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: sweep begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	candidates, err := s.repo.OverdueCandidates(ctx, tx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, rec := range candidates {
		disputed, err := s.repo.HasUnresolvedDispute(ctx, tx, rec.ID)
		if err != nil {
			return 0, err
		}
		if disputed {
			continue
		}

		if _, err := s.repo.Transition(ctx, tx, rec.ID, StatusReleased, now); err != nil {
			// The candidate was locked for us, but keep the guard honest.
			if errors.Is(err, ErrNotPending) || errors.Is(err, ErrNotFound) {
				continue
			}
			return 0, err
		}

		if err := s.repo.AppendEvent(ctx, tx, rec.ID, EventAutoReleased, nil, map[string]any{
			"seller_id":    rec.SellerID,
			"release_time": rec.ReleaseTime.UTC(),
		}); err != nil {
			return 0, err
		}
		if err := s.repo.Announce(ctx, tx, TopicReleased, map[string]any{
			"escrow_id": rec.ID,
			"seller_id": rec.SellerID,
			"amount":    rec.Amount,
			"reason":    "auto_release",
		}); err != nil {
			return 0, err
		}
		released++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: sweep commit: %w", err)
	}
	return released, nil
}

// Run executes SweepOnce every interval until the context is cancelled.
// Failed runs are logged for operator visibility; the sweeper never retries
// within a tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("escrow: sweep interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.Printf("escrow: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("escrow: sweep released %d overdue escrow(s)", n)
			}
		}
	}
}
