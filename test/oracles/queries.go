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
			// A completed escrow needs either both parties confirmed or a
			// binding arbiter resolution.
			Name: "O1_completion_requires_consent",
			SQL: `SELECT id, status FROM escrows
                  WHERE status = 'completed'
                    AND NOT (initiator_confirmation AND participant_confirmation)
                    AND resolution IS NULL`,
		},
		{
			Name: "O2_worm_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O3_disputed_has_reason",
			SQL: `SELECT id FROM escrows
                  WHERE status = 'disputed' AND (dispute_reason IS NULL OR dispute_reason = '')`,
		},
		{
			// An active arbiter can only exist after both parties approved
			// the same proposal.
			Name: "O4_arbiter_double_approval",
			SQL: `SELECT id FROM escrows
                  WHERE active_arbiter_id IS NOT NULL
                    AND NOT (initiator_approved_arbiter AND participant_approved_arbiter)`,
		},
		{
			// Resolutions come only from an activated arbiter and only with a
			// recognized decision.
			Name: "O5_resolution_provenance",
			SQL: `SELECT id, resolution FROM escrows
                  WHERE resolution IS NOT NULL
                    AND (active_arbiter_id IS NULL
                         OR resolution NOT IN ('release', 'refund', 'split'))`,
		},
		{
			Name: "O6_settlement_done_integrity",
			SQL: `SELECT id FROM transactions
                  WHERE settlement_flag = 'done'
                    AND (settlement_hash IS NULL OR settled_at IS NULL)`,
		},
		{
			// Only a completed or arbiter-resolved escrow may ever settle.
			Name: "O7_settlement_requires_completion",
			SQL: `SELECT t.id, e.status FROM transactions t
                  JOIN escrows e ON e.transaction_id = t.id
                  WHERE t.settlement_flag IS NOT NULL
                    AND e.status NOT IN ('completed', 'cancelled')`,
		},
		{
			Name: "O8_anchor_at_most_once",
			SQL: `SELECT transaction_id, COUNT(*) FROM anchor_calls
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			// OR-merge reconciliation: every participant row of a transaction
			// carries the same unified flags.
			Name: "O9_unified_flags_agree",
			SQL: `SELECT transaction_id FROM transaction_participants
                  GROUP BY transaction_id
                  HAVING COUNT(DISTINCT item_confirmed) > 1
                      OR COUNT(DISTINCT payment_confirmed) > 1`,
		},
		{
			// Verified deliverables need at least one accepting verification
			// or a party confirmation completing them.
			Name: "O10_verified_needs_evidence",
			SQL: `SELECT d.id FROM deliverables d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.status = 'verified'
                    AND NOT EXISTS (
                        SELECT 1 FROM oracle_verifications v
                        WHERE v.deliverable_id = d.id AND v.verified)
                    AND NOT (e.initiator_confirmation OR e.participant_confirmation)
                    AND e.resolution IS NULL`,
		},
		{
			Name: "O11_outbox_not_stuck",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O12_append_only_guards_present",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_timeline_events')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_oracle_verifications')
                     OR NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_escrow_proofs')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
