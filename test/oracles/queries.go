// Package oracles encodes the ledger's invariants as queries that must
// return no rows, plus a full cryptographic chain walk.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"opsledger/ledger"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_seq_contiguous",
			SQL: `WITH s AS (
                      SELECT seq, LAG(seq) OVER (ORDER BY seq) AS prev FROM ledger_events)
                  SELECT seq, prev FROM s
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O2_timestamp_monotonic",
			SQL: `WITH t AS (
                      SELECT seq, ts_ms, LAG(ts_ms) OVER (ORDER BY seq) AS prev FROM ledger_events)
                  SELECT seq, ts_ms, prev FROM t WHERE prev IS NOT NULL AND ts_ms < prev`,
		},
		{
			Name: "O3_single_genesis",
			SQL: `SELECT COUNT(*) FROM ledger_events
                  WHERE prev_hash = repeat('0', 64)
                  HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_approved_matches_entry",
			SQL: `SELECT p.id, p.initiator_id, p.approver_id, e.actor_id, e.secondary_actor_id
                  FROM pending_actions p
                  LEFT JOIN ledger_events e ON e.id = p.ledger_entry_id
                  WHERE p.status = 'APPROVED'
                    AND (e.id IS NULL
                         OR e.actor_id <> p.initiator_id
                         OR e.secondary_actor_id IS DISTINCT FROM p.approver_id
                         OR e.action_type <> p.action_type)`,
		},
		{
			Name: "O5_cosigned_entry_has_approval",
			SQL: `SELECT e.seq, e.id FROM ledger_events e
                  WHERE e.secondary_actor_id IS NOT NULL
                    AND (SELECT COUNT(*) FROM pending_actions p WHERE p.ledger_entry_id = e.id) <> 1`,
		},
		{
			Name: "O6_dual_auth_types_cosigned",
			SQL: `SELECT seq, action_type FROM ledger_events
                  WHERE action_type IN ('SYSTEM_OVERRIDE', 'DEPLOYMENT') AND secondary_actor_id IS NULL`,
		},
		{
			Name: "O7_terminal_actions_decided",
			SQL: `SELECT id, status FROM pending_actions
                  WHERE status <> 'PENDING'
                    AND (decided_at IS NULL OR (status IN ('APPROVED', 'REJECTED') AND decided_by IS NULL))`,
		},
		{
			Name: "O8_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'ledger_events_no_update' AND tgenabled <> 'D')`,
		},
	}
}

// ChainVerifier walks the stored chain.
type ChainVerifier interface {
	Verify(ctx context.Context) (ledger.VerificationReport, error)
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, chain ChainVerifier) (string, string, error) {
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}

	if chain != nil {
		report, err := chain.Verify(ctx)
		if err != nil {
			return "O9_chain_verifies", "", err
		}
		if !report.Valid {
			return "O9_chain_verifies", fmt.Sprintf("seq=%d reason=%s detail=%s", *report.FailedSeq, report.Reason, report.Detail), nil
		}
	}
	return "", "", nil
}
