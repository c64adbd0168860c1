// Package actors hosts the concurrent workload for the stress suite. Each
// actor loops until stopped and drives the real services, so every code path
// under test is the one production uses.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
)

// Buyer keeps opening new escrows against the seeded product.
func Buyer(ctx context.Context, svc *escrow.Service, buyerID, sellerID, productID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := float64(1+rand.Intn(500)) + rand.Float64()
		_, err := svc.Create(ctx, escrow.CreateParams{
			BuyerID:   buyerID,
			SellerID:  sellerID,
			ProductID: productID,
			Amount:    amount,
		})
		if err != nil && ctx.Err() == nil {
			// chaos can kill the backend mid call; the next loop retries
			if !transientErr(err) {
				return fmt.Errorf("buyer create: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Confirmer picks a random pending escrow for the buyer and confirms receipt.
// Losing a race to the sweeper or a duplicate confirm is expected.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `
			SELECT id FROM escrows
			WHERE buyer_id = $1 AND status = 'pending'
			ORDER BY random() LIMIT 1
		`, buyerID).Scan(&id)
		if err == nil {
			if _, err := svc.ConfirmReceipt(ctx, id, buyerID); err != nil && ctx.Err() == nil {
				if !expectedConfirmErr(err) && !transientErr(err) {
					return fmt.Errorf("confirm %s: %w", id, err)
				}
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Imposter hammers confirms with the wrong buyer; every call must be rejected.
func Imposter(ctx context.Context, pool *pgxpool.Pool, svc *escrow.Service, intruderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `SELECT id FROM escrows ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			_, err := svc.ConfirmReceipt(ctx, id, intruderID)
			if err == nil {
				return fmt.Errorf("imposter confirm of %s succeeded", id)
			}
			if !errors.Is(err, escrow.ErrForbidden) && !errors.Is(err, escrow.ErrNotFound) && ctx.Err() == nil && !transientErr(err) {
				return fmt.Errorf("imposter confirm %s: unexpected %w", id, err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Opener raises disputes against random pending escrows.
func Opener(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, complainantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `
			SELECT id FROM escrows WHERE status = 'pending'
			ORDER BY random() LIMIT 1
		`).Scan(&id)
		if err == nil {
			_, err := svc.Open(ctx, dispute.OpenParams{
				EscrowID:      id,
				ComplainantID: complainantID,
				Description:   fmt.Sprintf("stress dispute %d", rand.Int63()),
			})
			if err != nil && ctx.Err() == nil {
				if !expectedOpenErr(err) && !transientErr(err) {
					return fmt.Errorf("open dispute on %s: %w", id, err)
				}
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Resolver plays the admin, draining the unresolved backlog with random
// verdicts.
func Resolver(ctx context.Context, svc *dispute.Service, adminID string, stop <-chan struct{}) error {
	targets := []string{"released", "refunded"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		backlog, err := svc.ListUnresolved(ctx)
		if err != nil && ctx.Err() == nil && !transientErr(err) {
			return fmt.Errorf("list unresolved: %w", err)
		}
		for _, d := range backlog {
			_, err := svc.Resolve(ctx, dispute.ResolveParams{
				DisputeID:    d.ID,
				AdminID:      adminID,
				Resolution:   "adjudicated under load",
				EscrowStatus: targets[rand.Intn(len(targets))],
			})
			if err != nil && ctx.Err() == nil {
				if !errors.Is(err, dispute.ErrAlreadyResolved) && !errors.Is(err, dispute.ErrNotFound) && !transientErr(err) {
					return fmt.Errorf("resolve %s: %w", d.ID, err)
				}
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// AutoReleaser runs sweep passes with a clock pushed past the release window
// so every pending escrow is immediately overdue. This maximizes contention
// with Confirmer and Opener.
func AutoReleaser(ctx context.Context, sweeper *escrow.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := sweeper.SweepOnce(ctx); err != nil && ctx.Err() == nil && !transientErr(err) {
			return fmt.Errorf("sweep: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Drainer consumes the outbox in batches.
func Drainer(ctx context.Context, worker *outbox.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := worker.ProcessBatch(ctx); err != nil && ctx.Err() == nil && !transientErr(err) {
			return fmt.Errorf("drain outbox: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

func expectedConfirmErr(err error) bool {
	return errors.Is(err, escrow.ErrNotPending) || errors.Is(err, escrow.ErrNotFound)
}

func expectedOpenErr(err error) bool {
	return errors.Is(err, dispute.ErrEscrowNotPending) || errors.Is(err, dispute.ErrEscrowNotFound)
}

// transientErr covers connection loss from the chaos monkey and lock
// conflicts; domain violations never match.
func transientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, escrow.ErrForbidden),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrPartyNotFound),
		errors.Is(err, escrow.ErrProductNotFound),
		errors.Is(err, dispute.ErrEmptyDescription),
		errors.Is(err, dispute.ErrEmptyResolution),
		errors.Is(err, dispute.ErrBadTargetStatus):
		return false
	}
	return true
}
