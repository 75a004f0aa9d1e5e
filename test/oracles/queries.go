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

// All returns the consistency checks. Each query selects offending rows, so
// an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ledger_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             LAG(seq) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM ledger_entries)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O2_ledger_hash_chain",
			SQL: `WITH chain AS (
                      SELECT dispute_id, seq, prev_hash,
                             LAG(hash) OVER (PARTITION BY dispute_id ORDER BY seq) AS expected
                      FROM ledger_entries)
                  SELECT * FROM chain WHERE prev_hash <> COALESCE(expected, '')`,
		},
		{
			Name: "O3_single_current_response",
			SQL: `SELECT r.dispute_id, r.violation_id, COUNT(*) FROM response_events r
                  WHERE NOT EXISTS (SELECT 1 FROM response_events s WHERE s.supersedes = r.id)
                  GROUP BY r.dispute_id, r.violation_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_violation_mirrors_response",
			SQL: `SELECT v.dispute_id, v.id, v.response, r.response_type FROM violations v
                  JOIN response_events r ON r.dispute_id = v.dispute_id AND r.violation_id = v.id
                  WHERE NOT EXISTS (SELECT 1 FROM response_events s WHERE s.supersedes = r.id)
                    AND v.response IS DISTINCT FROM r.response_type`,
		},
		{
			Name: "O5_locked_only_at_top_tier",
			SQL:  `SELECT id, tier, locked FROM disputes WHERE locked <> (tier = 3)`,
		},
		{
			Name: "O6_state_change_ledgered",
			SQL: `SELECT d.id, d.state FROM disputes d
                  WHERE d.state <> 'DETECTED'
                    AND NOT EXISTS (SELECT 1 FROM ledger_entries l
                                    WHERE l.dispute_id = d.id AND l.metadata->>'to_state' = d.state)`,
		},
		{
			Name: "O7_verdict_references_response",
			SQL: `SELECT e.* FROM examiner_results e
                  LEFT JOIN response_events r ON r.id = e.response_id AND r.dispute_id = e.dispute_id
                  WHERE r.id IS NULL`,
		},
		{
			Name: "O8_guards_installed",
			SQL: `SELECT t.name AS missing_trigger FROM (VALUES
                      ('ledger_entries_no_update'), ('ledger_entries_no_truncate'),
                      ('response_events_no_update'), ('disputes_tier_guard')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
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
