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
			Name: "O1_single_transfer_per_ref",
			SQL: `SELECT kind, ref, COUNT(*) FROM ledger_entries
                  WHERE kind IN ('release','advance')
                  GROUP BY kind, ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_milestone_sum_equals_total",
			SQL: `SELECT c.id FROM contracts c
                  JOIN (SELECT contract_id, SUM(amount) AS total FROM milestones GROUP BY contract_id) m
                    ON m.contract_id = c.id
                  WHERE m.total <> c.total_amount`,
		},
		{
			Name: "O3_one_accepted_bid_per_job",
			SQL: `SELECT job_id, COUNT(*) FROM bids
                  WHERE status = 'accepted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_no_negative_balances",
			SQL:  `SELECT address, balance FROM accounts WHERE balance < 0`,
		},
		{
			Name: "O5_approved_milestone_paid_exactly",
			SQL: `SELECT m.contract_id, m.idx FROM milestones m
                  LEFT JOIN (
                      SELECT ref, SUM(amount) AS paid FROM ledger_entries
                      WHERE kind IN ('release','advance') GROUP BY ref
                  ) le ON le.ref = 'contract:' || m.contract_id || ':milestone:' || m.idx
                  WHERE m.status = 'approved' AND COALESCE(le.paid, 0) <> m.amount`,
		},
		{
			Name: "O6_unapproved_milestone_never_fully_paid",
			SQL: `SELECT m.contract_id, m.idx FROM milestones m
                  JOIN (
                      SELECT ref, SUM(amount) AS paid FROM ledger_entries
                      WHERE kind IN ('release','advance') GROUP BY ref
                  ) le ON le.ref = 'contract:' || m.contract_id || ':milestone:' || m.idx
                  WHERE m.status <> 'approved' AND le.paid > m.advance_released`,
		},
		{
			Name: "O7_collateral_refunded_once",
			SQL: `SELECT ref, COUNT(*) FROM ledger_entries
                  WHERE kind = 'refund' AND (ref LIKE '%:deposit' OR ref LIKE '%:stake')
                  GROUP BY ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_completed_contract_fully_approved",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.status = 'completed'
                    AND EXISTS (SELECT 1 FROM milestones m
                                WHERE m.contract_id = c.id AND m.status <> 'approved')`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
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
