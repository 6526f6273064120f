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
			Name: "O1_single_accepted_bid",
			SQL: `SELECT case_id, COUNT(*) FROM bids
                  WHERE status = 'accepted'
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_winner_consistency",
			SQL: `SELECT b.id, b.case_id FROM bids b
                  JOIN international_cases ic ON ic.case_id = b.case_id
                  WHERE b.status = 'accepted'
                    AND (ic.winning_bid_id IS DISTINCT FROM b.id
                         OR ic.escalation_state NOT IN ('assigned_auction', 'completed'))`,
		},
		{
			Name: "O3_assignment_consistency",
			SQL: `SELECT ic.case_id, ic.escalation_state, lc.status FROM international_cases ic
                  JOIN legal_cases lc ON lc.id = ic.case_id
                  WHERE ic.escalation_state IN ('assigned_preferred', 'assigned_panel', 'assigned_auction')
                    AND (lc.status <> 'assigned' OR lc.assigned_partner_id IS NULL)`,
		},
		{
			Name: "O4_panel_answer_timestamps",
			SQL: `SELECT id, case_id, partner_id FROM panel_responses
                  WHERE (response = 'pending' AND responded_at IS NOT NULL)
                     OR (response <> 'pending' AND responded_at IS NULL)`,
		},
		{
			Name: "O5_funding_floor",
			SQL: `SELECT case_id, funding_amount, minimum_amount FROM international_cases
                  WHERE funding_amount <= minimum_amount`,
		},
		{
			Name: "O6_auction_window_present",
			SQL: `SELECT case_id, escalation_state FROM international_cases
                  WHERE escalation_state IN ('in_auction', 'assigned_auction')
                    AND (auction_started_at IS NULL OR auction_ends_at IS NULL)`,
		},
		{
			Name: "O7_bids_only_on_auctions",
			SQL: `SELECT b.id, b.case_id FROM bids b
                  JOIN international_cases ic ON ic.case_id = b.case_id
                  WHERE ic.auction_started_at IS NULL`,
		},
		{
			Name: "O8_outbox_liveness",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_jurisdictions_nonempty",
			SQL: `SELECT case_id FROM international_cases
                  WHERE cardinality(jurisdictions) = 0`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name when all pass.
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
