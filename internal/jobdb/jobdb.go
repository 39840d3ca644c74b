// Package jobdb stores the history of conversion jobs in SQLite.
package jobdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by GetJob for an unknown ID.
var ErrNotFound = errors.New("job not found")

var logf = monitoring.Tagged("JobDB")

// DB is the job history database.
type DB struct {
	*sql.DB
	path string
}

var _ conversion.History = (*DB)(nil)

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp applies every pending embedded migration.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close db.DB as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version, 0 if none.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { logf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// RecordJob inserts or replaces the record for rec.ID.
func (db *DB) RecordJob(ctx context.Context, rec conversion.Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversion_jobs (
			job_id, video_path, output_dir, policy, status, error,
			frames, fps, created_unix_ms, started_unix_ms, finished_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			frames = excluded.frames,
			fps = excluded.fps,
			started_unix_ms = excluded.started_unix_ms,
			finished_unix_ms = excluded.finished_unix_ms`,
		rec.ID, rec.VideoPath, rec.OutputDir, rec.Policy, rec.Status, rec.Error,
		rec.Frames, rec.FPS, toMillis(rec.CreatedAt), nullMillis(rec.StartedAt), toMillis(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("recording job %s: %w", rec.ID, err)
	}
	return nil
}

const selectJobs = `
	SELECT job_id, video_path, output_dir, policy, status, error,
		frames, fps, created_unix_ms, started_unix_ms, finished_unix_ms
	FROM conversion_jobs`

// ListJobs returns up to limit records, most recently finished first. A
// limit <= 0 returns all of them.
func (db *DB) ListJobs(ctx context.Context, limit int) ([]conversion.Record, error) {
	query := selectJobs + ` ORDER BY finished_unix_ms DESC, job_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversion.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetJob returns the record for id.
func (db *DB) GetJob(ctx context.Context, id string) (conversion.Record, error) {
	rec, err := scanRecord(db.QueryRowContext(ctx, selectJobs+` WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return conversion.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (conversion.Record, error) {
	var (
		rec               conversion.Record
		created, finished int64
		started           sql.NullInt64
	)
	err := s.Scan(&rec.ID, &rec.VideoPath, &rec.OutputDir, &rec.Policy, &rec.Status, &rec.Error,
		&rec.Frames, &rec.FPS, &created, &started, &finished)
	if err != nil {
		return conversion.Record{}, err
	}
	rec.CreatedAt = fromMillis(created)
	if started.Valid {
		rec.StartedAt = fromMillis(started.Int64)
	}
	rec.FinishedAt = fromMillis(finished)
	return rec, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// AttachAdminRoutes mounts the tsweb debug index on mux with a tailsql live
// SQL view of the history and a JSON dump of recent jobs.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Conversion jobs",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("jobs", "Recent conversion jobs (JSON)", http.HandlerFunc(db.handleJobs))
	return nil
}
