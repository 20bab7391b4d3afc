package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20250812094000_scaling_events_table",
		Up: []string{`CREATE TABLE scaling_events (
			id BIGSERIAL PRIMARY KEY,
			applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT NOW(),
			bandwidth_limit_mbs DOUBLE PRECISION NOT NULL,
			max_concurrent_transfers INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		  )`,
			"CREATE INDEX scaling_events_applied_at_idx ON scaling_events (applied_at)",
		},
		Down: []string{"DROP TABLE scaling_events"},
	}

	allMigrations = append(allMigrations, m)
}
