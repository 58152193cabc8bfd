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
			Name: "O1_status_mirrors_latest_event",
			SQL: `SELECT p.tracking_number, p.status, latest.status AS event_status
                  FROM tracking_packages p
                  JOIN LATERAL (
                      SELECT e.status FROM tracking_events e
                      WHERE e.package_id = p.id
                        AND e.status IN ('pending','picked_up','in_transit','out_for_delivery','delivered','exception')
                      ORDER BY e.seq DESC LIMIT 1
                  ) latest ON true
                  WHERE latest.status <> p.status`,
		},
		{
			Name: "O2_package_has_seed_event",
			SQL: `SELECT p.tracking_number FROM tracking_packages p
                  WHERE NOT EXISTS (SELECT 1 FROM tracking_events e WHERE e.package_id = p.id)`,
		},
		{
			Name: "O3_no_orphan_events",
			SQL: `SELECT e.id FROM tracking_events e
                  LEFT JOIN tracking_packages p ON p.id = e.package_id
                  WHERE p.id IS NULL`,
		},
		{
			Name: "O4_unique_tracking_number",
			SQL: `SELECT tracking_number, COUNT(*) FROM tracking_packages
                  GROUP BY tracking_number HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_created_message_per_package",
			SQL: `SELECT p.id FROM tracking_packages p
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic = 'package.created' AND o.payload->>'package_id' = p.id::text)`,
		},
		{
			Name: "O6_outbox_stale_or_overattempted",
			SQL: `SELECT id, status, attempts FROM outbox
                  WHERE (status = 'pending' AND now() - created_at > interval '5 minutes')
                     OR (status = 'pending' AND attempts >= 3)`,
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
