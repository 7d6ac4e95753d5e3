package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Migration SQL uses {{id}}, {{real}}, {{ts}} and {{blob}} for the column types that
// differ between SQLite and Postgres.
var migrations = []migration{
	{
		Version:     1,
		Description: "Sensor data, surveys and water depth",
		SQL: `
CREATE TABLE IF NOT EXISTS sensor_data (
    place TEXT NOT NULL,
    sensor_id TEXT NOT NULL,
    date {{ts}} NOT NULL,
    pressure {{real}} NOT NULL,
    voltage {{real}},
    notes TEXT,
    atm_station_id TEXT,
    atm_data_src TEXT,
    processed BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (place, sensor_id, date)
);

CREATE INDEX IF NOT EXISTS idx_sensor_data_unprocessed ON sensor_data(processed, place, sensor_id, date);

CREATE TABLE IF NOT EXISTS sensor_surveys (
    place TEXT NOT NULL,
    sensor_id TEXT NOT NULL,
    date_surveyed {{ts}} NOT NULL,
    sensor_elevation {{real}} NOT NULL,
    road_elevation {{real}} NOT NULL,
    lat {{real}},
    lng {{real}},
    alert_threshold {{real}},
    notes TEXT,
    atm_station_id TEXT,
    atm_data_src TEXT,
    PRIMARY KEY (place, sensor_id, date_surveyed)
);

CREATE TABLE IF NOT EXISTS sensor_water_depth (
    place TEXT NOT NULL,
    sensor_id TEXT NOT NULL,
    date {{ts}} NOT NULL,
    atm_pressure {{real}} NOT NULL,
    sensor_pressure {{real}} NOT NULL,
    sensor_water_depth {{real}} NOT NULL,
    voltage {{real}},
    notes TEXT,
    qa_qc_flag BOOLEAN NOT NULL DEFAULT FALSE,
    tag TEXT,
    atm_data_src TEXT,
    atm_station_id TEXT,
    PRIMARY KEY (place, sensor_id, date)
);

CREATE INDEX IF NOT EXISTS idx_sensor_water_depth_date ON sensor_water_depth(date);
`,
	},
	{
		Version:     2,
		Description: "Drift-corrected display table",
		SQL: `
CREATE TABLE IF NOT EXISTS data_for_display (
    place TEXT NOT NULL,
    sensor_id TEXT NOT NULL,
    date {{ts}} NOT NULL,
    voltage {{real}},
    sensor_water_depth {{real}} NOT NULL,
    qa_qc_flag BOOLEAN NOT NULL DEFAULT FALSE,
    date_surveyed {{ts}} NOT NULL,
    sensor_elevation {{real}} NOT NULL,
    road_elevation {{real}} NOT NULL,
    lat {{real}},
    lng {{real}},
    alert_threshold {{real}},
    smoothed_min_water_depth {{real}} NOT NULL,
    sensor_water_level {{real}} NOT NULL,
    road_water_level {{real}} NOT NULL,
    sensor_water_level_adj {{real}} NOT NULL,
    road_water_level_adj {{real}} NOT NULL,
    PRIMARY KEY (place, sensor_id, date)
);

CREATE INDEX IF NOT EXISTS idx_data_for_display_date ON data_for_display(date);
`,
	},
	{
		Version:     3,
		Description: "Atmospheric fetch audit tables",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id {{id}},
    run_id TEXT,
    started_at {{ts}} NOT NULL,
    finished_at {{ts}},
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    range_begin {{ts}},
    range_end {{ts}},
    http_status INTEGER,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    outcome TEXT,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_source ON ingest_runs(source, station_id);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id {{id}},
    ingest_run_id INTEGER,
    fetched_at {{ts}} NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    station_id TEXT,
    payload_compressed {{blob}} NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

var dialectTypes = map[Dialect]*strings.Replacer{
	SQLite: strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{real}}", "REAL",
		"{{ts}}", "DATETIME",
		"{{blob}}", "BLOB",
	),
	Postgres: strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{real}}", "DOUBLE PRECISION",
		"{{ts}}", "TIMESTAMPTZ",
		"{{blob}}", "BYTEA",
	),
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		slog.Info("migrations: applying", "version", m.Version, "description", m.Description, "dialect", s.dialect.String())

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		for _, stmt := range splitStatements(dialectTypes[s.dialect].Replace(m.SQL)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("execute migration %d: %w", m.Version, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			s.rebind("INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		slog.Info("migrations: completed", "version", m.Version)
	}

	return nil
}

// splitStatements breaks a migration into single statements; the pgx driver does not
// accept several statements in one prepared Exec.
func splitStatements(sqlText string) []string {
	var out []string
	for _, part := range strings.Split(sqlText, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.exec(ctx, dialectTypes[s.dialect].Replace(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at {{ts}}
		)
	`))
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.queryRow(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
