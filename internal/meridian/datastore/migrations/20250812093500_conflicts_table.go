package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20250812093500_conflicts_table",
		Up: []string{`CREATE TABLE conflicts (
			id VARCHAR(36) PRIMARY KEY,
			path TEXT NOT NULL,
			source VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL,
			occurred_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT NOW(),
			resolution VARCHAR(16) NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			acknowledged_at TIMESTAMP WITHOUT TIME ZONE
		  )`,
			"CREATE INDEX conflicts_pending_idx ON conflicts (occurred_at) WHERE resolution = 'queued' AND acknowledged_at IS NULL",
			"CREATE INDEX conflicts_path_pair_idx ON conflicts (source, target, path, occurred_at)",
		},
		Down: []string{"DROP TABLE conflicts"},
	}

	allMigrations = append(allMigrations, m)
}
