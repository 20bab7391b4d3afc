package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20250812093000_sync_history_table",
		Up: []string{`CREATE TABLE sync_history (
			id BIGSERIAL PRIMARY KEY,
			source VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL,
			bytes_transferred BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			conflict_count INTEGER NOT NULL DEFAULT 0,
			observed_bandwidth_mbs DOUBLE PRECISION NOT NULL DEFAULT 0,
			pair_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			synced_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT NOW()
		  )`,
			"CREATE INDEX sync_history_synced_at_idx ON sync_history (synced_at)",
			"CREATE INDEX sync_history_pair_idx ON sync_history (source, target, synced_at)",
		},
		Down: []string{"DROP TABLE sync_history"},
	}

	allMigrations = append(allMigrations, m)
}
