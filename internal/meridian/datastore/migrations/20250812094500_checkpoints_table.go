package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20250812094500_checkpoints_table",
		Up: []string{`CREATE TABLE checkpoints (
			source VARCHAR(255) NOT NULL,
			target VARCHAR(255) NOT NULL,
			token TEXT NOT NULL,
			updated_at TIMESTAMP WITHOUT TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (source, target)
		  )`},
		Down: []string{"DROP TABLE checkpoints"},
	}

	allMigrations = append(allMigrations, m)
}
