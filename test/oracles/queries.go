// Package oracles holds SQL invariant checks run against the live database
// while the actors are working. Every query returns rows only on violation.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_terminal_transition",
			SQL: `SELECT escrow_id, COUNT(*) FROM escrow_events
                  WHERE type IN ('ESCROW_RELEASED','ESCROW_REFUNDED','ESCROW_AUTO_RELEASED')
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_status_event_agreement",
			SQL: `SELECT e.id, e.status FROM escrows e
                  WHERE (e.status = 'released' AND NOT EXISTS (
                          SELECT 1 FROM escrow_events ev WHERE ev.escrow_id = e.id
                            AND ev.type IN ('ESCROW_RELEASED','ESCROW_AUTO_RELEASED')))
                     OR (e.status = 'refunded' AND NOT EXISTS (
                          SELECT 1 FROM escrow_events ev WHERE ev.escrow_id = e.id
                            AND ev.type = 'ESCROW_REFUNDED'))
                     OR (e.status = 'pending' AND EXISTS (
                          SELECT 1 FROM escrow_events ev WHERE ev.escrow_id = e.id
                            AND ev.type IN ('ESCROW_RELEASED','ESCROW_REFUNDED','ESCROW_AUTO_RELEASED')))`,
		},
		{
			Name: "O3_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM escrow_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_positive_amounts",
			SQL:  `SELECT id, amount FROM escrows WHERE amount <= 0`,
		},
		{
			Name: "O5_resolution_text_present",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved'
                    AND (resolution IS NULL OR btrim(resolution) = '')`,
		},
		{
			Name: "O6_no_auto_release_while_disputed",
			SQL: `SELECT ev.escrow_id, d.id FROM escrow_events ev
                  JOIN disputes d ON d.escrow_id = ev.escrow_id
                  WHERE ev.type = 'ESCROW_AUTO_RELEASED'
                    AND d.status <> 'resolved'
                    AND d.created_at < ev.ts`,
		},
		{
			Name: "O7_release_time_fixed",
			// small tolerance for app clock vs DB clock; a recomputed
			// release_time drifts far past it
			SQL: `SELECT e.id FROM escrows e
                  WHERE abs(extract(epoch FROM e.release_time - (e.created_at + interval '14 days'))) > 5`,
		},
		{
			Name: "O8_outbox_drains",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '2 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
