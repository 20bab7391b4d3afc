package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore/glsql"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore/migrations"
)

// MigrationStatusRow represents an entry in the schema migrations table.
// If the migration is in the database but is not listed, Unknown will be true.
type MigrationStatusRow struct {
	Migrated  bool
	Unknown   bool
	AppliedAt time.Time
}

// CheckPostgresVersion checks the server version of the Postgres DB
// specified in conf. Postgres older than v11.0 misses features the
// datastore queries rely on.
func CheckPostgresVersion(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var serverVersion int
	if err := db.QueryRowContext(ctx, "SHOW server_version_num").Scan(&serverVersion); err != nil {
		return fmt.Errorf("get postgres server version: %v", err)
	}

	if serverVersion < 11_00_00 {
		return fmt.Errorf("postgres server version too old: %d", serverVersion)
	}

	return nil
}

const sqlMigrateDialect = "postgres"

// MigrateDownPlan does a dry run for rolling back at most max migrations.
func MigrateDownPlan(conf config.Config, max int) ([]string, error) {
	ctx := context.Background()

	openDBCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := glsql.OpenDB(openDBCtx, conf.DB)
	if err != nil {
		return nil, fmt.Errorf("sql open: %v", err)
	}
	defer db.Close()

	migrationSet := migrate.MigrationSet{
		TableName: migrations.MigrationTableName,
	}

	planned, _, err := migrationSet.PlanMigration(db, sqlMigrateDialect, migrationSource(), migrate.Down, max)
	if err != nil {
		return nil, err
	}

	var result []string
	for _, m := range planned {
		result = append(result, m.Id)
	}

	return result, nil
}

// MigrateDown rolls back at most max migrations.
func MigrateDown(conf config.Config, max int) (int, error) {
	ctx := context.Background()

	openDBCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := glsql.OpenDB(openDBCtx, conf.DB)
	if err != nil {
		return 0, fmt.Errorf("sql open: %v", err)
	}
	defer db.Close()

	migrationSet := migrate.MigrationSet{
		TableName: migrations.MigrationTableName,
	}

	return migrationSet.ExecMax(db, sqlMigrateDialect, migrationSource(), migrate.Down, max)
}

// MigrateStatus returns the status of database migrations. The key of the map
// indexes the migration ID.
func MigrateStatus(conf config.Config) (map[string]*MigrationStatusRow, error) {
	ctx := context.Background()

	openDBCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := glsql.OpenDB(openDBCtx, conf.DB)
	if err != nil {
		return nil, fmt.Errorf("sql open: %v", err)
	}
	defer db.Close()

	migrationSet := migrate.MigrationSet{
		TableName: migrations.MigrationTableName,
	}

	migrations, err := migrationSource().FindMigrations()
	if err != nil {
		return nil, err
	}

	records, err := migrationSet.GetMigrationRecords(db, sqlMigrateDialect)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*MigrationStatusRow)

	for _, m := range migrations {
		rows[m.Id] = &MigrationStatusRow{
			Migrated: false,
		}
	}

	for _, r := range records {
		if rows[r.Id] == nil {
			rows[r.Id] = &MigrationStatusRow{
				Unknown: true,
			}
		}

		rows[r.Id].Migrated = true
		rows[r.Id].AppliedAt = r.AppliedAt
	}

	return rows, nil
}

func migrationSource() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: migrations.All()}
}

// NewPostgresDatastore returns a datastore backed by the given querier. It
// implements MetricsSink, ReviewQueue and CheckpointStore so sync history
// and pending conflicts survive restarts and are shared between processes.
func NewPostgresDatastore(qc glsql.Querier) *PostgresDatastore {
	return &PostgresDatastore{qc: qc}
}

// PostgresDatastore provides methods on the database for recording sync
// outcomes, conflicts and scaling decisions.
type PostgresDatastore struct {
	qc glsql.Querier
}

// RecordSync inserts the cycle outcome for one pair into sync_history.
func (pd *PostgresDatastore) RecordSync(ctx context.Context, source, target string, metrics SyncMetrics) error {
	if _, err := pd.qc.ExecContext(
		ctx,
		`INSERT INTO sync_history (source, target, bytes_transferred, duration_ms, success_rate, conflict_count, observed_bandwidth_mbs, pair_latency_ms, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW() AT TIME ZONE 'utc')`,
		source, target, metrics.BytesTransferred, metrics.DurationMs, metrics.SuccessRate,
		metrics.ConflictCount, metrics.ObservedBandwidthMBs, metrics.PairLatencyMs,
	); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// RecordConflict stores the audit record for a conflict. Recording the same
// id again overwrites resolution and details of the previous record.
func (pd *PostgresDatastore) RecordConflict(ctx context.Context, record ConflictRecord) error {
	if _, err := pd.qc.ExecContext(
		ctx,
		`INSERT INTO conflicts (id, path, source, target, occurred_at, resolution, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET resolution = EXCLUDED.resolution, details = EXCLUDED.details`,
		record.ID, record.Path, record.Source, record.Target, record.OccurredAt, string(record.Resolution), record.Details,
	); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// MarkConflictResolution flips the stored conflict to the given resolution.
func (pd *PostgresDatastore) MarkConflictResolution(ctx context.Context, id string, resolution ConflictResolution) error {
	res, err := pd.qc.ExecContext(
		ctx,
		`UPDATE conflicts SET resolution = $2 WHERE id = $1`,
		id, string(resolution),
	)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflictNotFound
	}
	return nil
}

// RecordScaling inserts one adaptive controller decision into scaling_events.
func (pd *PostgresDatastore) RecordScaling(ctx context.Context, event ScalingEvent) error {
	if _, err := pd.qc.ExecContext(
		ctx,
		`INSERT INTO scaling_events (applied_at, bandwidth_limit_mbs, max_concurrent_transfers, reason)
		VALUES ($1, $2, $3, $4)`,
		event.At, event.BandwidthLimitMBs, event.MaxConcurrentTransfers, event.Reason,
	); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// LastNMinutes aggregates sync history recorded within the last n minutes.
func (pd *PostgresDatastore) LastNMinutes(ctx context.Context, minutes uint) (Window, error) {
	var window Window
	if err := pd.qc.QueryRowContext(
		ctx,
		`SELECT COALESCE(AVG(success_rate), 0), COALESCE(AVG(pair_latency_ms), 0), COALESCE(AVG(observed_bandwidth_mbs), 0), COUNT(*)
		FROM sync_history
		WHERE synced_at >= NOW() AT TIME ZONE 'utc' - INTERVAL '1 MINUTE' * $1`,
		minutes,
	).Scan(&window.SuccessRate, &window.AvgLatencyMs, &window.AvgBandwidthMBs, &window.Samples); err != nil {
		return Window{}, fmt.Errorf("scan: %w", err)
	}
	return window, nil
}

// RegionMetrics summarizes the history of each named region.
func (pd *PostgresDatastore) RegionMetrics(ctx context.Context, regions []string) (map[string]RegionStats, error) {
	stats := make(map[string]RegionStats, len(regions))

	rows, err := pd.qc.QueryContext(
		ctx,
		`SELECT r.region, COUNT(h.id), COALESCE(AVG(h.success_rate), 0), COALESCE(AVG(h.observed_bandwidth_mbs), 0), MAX(h.synced_at)
		FROM UNNEST($1::TEXT[]) AS r(region)
		LEFT JOIN sync_history AS h ON h.source = r.region OR h.target = r.region
		GROUP BY r.region`,
		pq.StringArray(regions),
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rs RegionStats
		var lastSync sql.NullTime
		if err := rows.Scan(&rs.Region, &rs.Syncs, &rs.SuccessRate, &rs.AvgBandwidthMBs, &lastSync); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if lastSync.Valid {
			rs.LastSyncAt = lastSync.Time
		}
		stats[rs.Region] = rs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}

	conflictRows, err := pd.qc.QueryContext(
		ctx,
		`SELECT r.region, COUNT(c.id)
		FROM UNNEST($1::TEXT[]) AS r(region)
		LEFT JOIN conflicts AS c ON c.source = r.region OR c.target = r.region
		GROUP BY r.region`,
		pq.StringArray(regions),
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = conflictRows.Close() }()

	for conflictRows.Next() {
		var region string
		var conflicts int
		if err := conflictRows.Scan(&region, &conflicts); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rs := stats[region]
		rs.Conflicts = conflicts
		stats[region] = rs
	}
	if err := conflictRows.Err(); err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	if err := conflictRows.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}

	return stats, nil
}

// LastObservedBandwidth returns the bandwidth observed during the most
// recent sync of the directed pair, or 0 without history.
func (pd *PostgresDatastore) LastObservedBandwidth(ctx context.Context, source, target string) (float64, error) {
	var bandwidth float64
	if err := pd.qc.QueryRowContext(
		ctx,
		`SELECT observed_bandwidth_mbs
		FROM sync_history
		WHERE source = $1 AND target = $2
		ORDER BY synced_at DESC, id DESC
		LIMIT 1`,
		source, target,
	).Scan(&bandwidth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan: %w", err)
	}
	return bandwidth, nil
}

// ConflictsSince counts conflicts recorded for the path on the directed
// pair at or after the given time.
func (pd *PostgresDatastore) ConflictsSince(ctx context.Context, source, target, path string, since time.Time) (int, error) {
	var count int
	if err := pd.qc.QueryRowContext(
		ctx,
		`SELECT COUNT(*)
		FROM conflicts
		WHERE source = $1 AND target = $2 AND path = $3 AND occurred_at >= $4`,
		source, target, path, since,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("scan: %w", err)
	}
	return count, nil
}

// Enqueue places a conflict on the manual review queue. Enqueueing an
// already recorded conflict keeps a single record and marks it queued.
func (pd *PostgresDatastore) Enqueue(ctx context.Context, record ConflictRecord) error {
	if _, err := pd.qc.ExecContext(
		ctx,
		`INSERT INTO conflicts (id, path, source, target, occurred_at, resolution, details)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6)
		ON CONFLICT (id) DO UPDATE SET resolution = 'queued'`,
		record.ID, record.Path, record.Source, record.Target, record.OccurredAt, record.Details,
	); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// ListPending returns queued conflicts which have not been acknowledged,
// oldest first.
func (pd *PostgresDatastore) ListPending(ctx context.Context) ([]ConflictRecord, error) {
	rows, err := pd.qc.QueryContext(
		ctx,
		`SELECT id, path, source, target, occurred_at, resolution, details
		FROM conflicts
		WHERE resolution = 'queued' AND acknowledged_at IS NULL
		ORDER BY occurred_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []ConflictRecord
	for rows.Next() {
		var record ConflictRecord
		if err := rows.Scan(&record.ID, &record.Path, &record.Source, &record.Target, &record.OccurredAt, &record.Resolution, &record.Details); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		pending = append(pending, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	return pending, nil
}

// Acknowledge removes a conflict from the pending queue. The audit record
// itself is retained.
func (pd *PostgresDatastore) Acknowledge(ctx context.Context, id string) error {
	res, err := pd.qc.ExecContext(
		ctx,
		`UPDATE conflicts
		SET acknowledged_at = NOW() AT TIME ZONE 'utc'
		WHERE id = $1 AND resolution = 'queued' AND acknowledged_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflictNotFound
	}
	return nil
}

// Get returns the last sync token of the directed pair, or an empty token
// when the pair has never completed a sync.
func (pd *PostgresDatastore) Get(ctx context.Context, source, target string) (string, error) {
	var token string
	if err := pd.qc.QueryRowContext(
		ctx,
		`SELECT token FROM checkpoints WHERE source = $1 AND target = $2`,
		source, target,
	).Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("scan: %w", err)
	}
	return token, nil
}

// Put stores the last sync token of the directed pair.
func (pd *PostgresDatastore) Put(ctx context.Context, source, target, token string) error {
	if _, err := pd.qc.ExecContext(
		ctx,
		`INSERT INTO checkpoints (source, target, token, updated_at)
		VALUES ($1, $2, $3, NOW() AT TIME ZONE 'utc')
		ON CONFLICT (source, target) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW() AT TIME ZONE 'utc'`,
		source, target, token,
	); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}
