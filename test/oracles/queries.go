package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_member_status_matches_group",
			SQL: `SELECT p.id, p.status, c.id, c.status FROM packages p
                  JOIN consolidated_packages c ON c.id = p.consolidated_package_id
                  WHERE c.is_active AND p.status <> c.status`,
		},
		{
			Name: "O2_inactive_group_has_no_members",
			SQL: `SELECT p.id, c.id FROM packages p
                  JOIN consolidated_packages c ON c.id = p.consolidated_package_id
                  WHERE NOT c.is_active OR c.unconsolidated_at IS NOT NULL`,
		},
		{
			Name: "O3_member_owned_by_group_customer",
			SQL: `SELECT p.id, p.user_id, c.customer_id FROM packages p
                  JOIN consolidated_packages c ON c.id = p.consolidated_package_id
                  WHERE p.user_id <> c.customer_id`,
		},
		{
			Name: "O4_active_group_has_two_members",
			SQL: `SELECT c.id, COUNT(p.id) FROM consolidated_packages c
                  LEFT JOIN packages p ON p.consolidated_package_id = c.id
                  WHERE c.is_active
                  GROUP BY c.id HAVING COUNT(p.id) < 2`,
		},
		{
			Name: "O5_lock_changes_audited",
			SQL: `SELECT m.id FROM manifests m
                  WHERE NOT m.is_open
                    AND NOT EXISTS (
                        SELECT 1 FROM audit_logs a
                        WHERE a.auditable_type = 'manifest' AND a.auditable_id = m.id::text
                          AND a.action IN ('manifest_closed', 'manifest_auto_closed'))`,
		},
		{
			Name: "O6_status_changes_queued",
			SQL: `SELECT a.auditable_id FROM audit_logs a
                  WHERE a.auditable_type = 'package' AND a.action = 'update' AND a.new_values ? 'status'
                  GROUP BY a.auditable_id
                  HAVING COUNT(*) > (
                      SELECT COUNT(*) FROM outbox o
                      WHERE o.topic = 'event.package_status_changed' AND o.payload->>'package_id' = a.auditable_id)`,
		},
		{
			Name: "O7_outbox_settled",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE (status = 'pending' AND now() - created_at > interval '5 minutes')
                     OR (status = 'pending' AND attempts >= 3)`,
		},
		{
			Name: "O8_audit_append_only_guard",
			SQL: `SELECT 'missing_audit_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'audit_logs_no_mutation')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
	return "", "", nil
}
