package storage

import (
	"context"
	"fmt"
)

// Validation rules default to enabled; only explicit opt-outs are
// stored.

// DisabledRules returns the set of validation rules an agency has
// switched off.
func (q *queries) DisabledRules(ctx context.Context, agencyID int64) (map[string]bool, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT rule FROM validation_preferences WHERE agency_id = $1 AND NOT enabled`, agencyID)
	if err != nil {
		return nil, fmt.Errorf("querying validation preferences: %w", err)
	}
	defer rows.Close()

	disabled := map[string]bool{}
	for rows.Next() {
		var rule string
		if err := rows.Scan(&rule); err != nil {
			return nil, fmt.Errorf("scanning validation preference: %w", err)
		}
		disabled[rule] = true
	}
	return disabled, rows.Err()
}

// SetRuleEnabled records an agency's preference for one rule.
func (q *queries) SetRuleEnabled(ctx context.Context, agencyID int64, rule string, enabled bool) error {
	_, err := q.r.ExecContext(ctx, `
INSERT INTO validation_preferences (agency_id, rule, enabled)
VALUES ($1, $2, $3)
ON CONFLICT (agency_id, rule) DO UPDATE SET enabled = excluded.enabled`,
		agencyID, rule, enabled)
	if err != nil {
		return fmt.Errorf("setting validation preference: %w", err)
	}
	return nil
}
