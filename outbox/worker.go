package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher delivers a committed outbox message to downstream consumers
// (mirror publishing, fraud scoring, notifications). Delivery internals are
// out of scope here; failures are retried until MaxAttempts.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// LogPublisher writes each message to the process log. It stands in for real
// downstream consumers in development and tests.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, msg Message) error {
	log.Printf("outbox: publish %s %s", msg.Topic, string(msg.Payload))
	return nil
}

// Worker drains pending outbox rows in batches. Rows are claimed with
// SKIP LOCKED so multiple workers never double-deliver a message.
type Worker struct {
	pool        *pgxpool.Pool
	pub         Publisher
	batchSize   int
	maxAttempts int
}

func NewWorker(pool *pgxpool.Pool, pub Publisher) *Worker {
	return &Worker{
		pool:        pool,
		pub:         pub,
		batchSize:   25,
		maxAttempts: 5,
	}
}

// ProcessBatch claims and delivers one batch, returning how many messages
// were marked processed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`

	rows, err := tx.Query(ctx, claimSQL, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}

	batch := make([]Message, 0, w.batchSize)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	processed := 0
	for _, msg := range batch {
		if err := w.pub.Publish(ctx, msg); err != nil {
			status := StatusPending
			if msg.Attempts+1 >= w.maxAttempts {
				status = StatusDead
				log.Printf("outbox: message %s (%s) dead after %d attempts: %v", msg.ID, msg.Topic, msg.Attempts+1, err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = NOW() WHERE id = $1`,
				msg.ID, status,
			); err != nil {
				return 0, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`,
			msg.ID,
		); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return processed, nil
}

// Run drains the outbox every interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("outbox: worker interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.Printf("outbox: batch failed: %v", err)
			}
		}
	}
}
