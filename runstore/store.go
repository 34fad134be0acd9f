// Package runstore persists a ledger of completed renders in SQLite.
//
// Every finished image, including individual gobig tiles, gets a row
// recording its prompt, seed, resolved schedules and output path, so a
// batch can be audited or reproduced after the fact.
package runstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"progdiff/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one persisted render.
type Record struct {
	ID         string
	BatchName  string
	ImageIndex int
	// TileIndex is -1 for a whole-canvas render and the slice index
	// for a gobig tile.
	TileIndex  int
	Prompt     string
	Seed       int64
	Steps      int
	SkipSteps  int
	Width      int
	Height     int
	OutputPath string
	// Schedules maps schedule names to their summary strings.
	Schedules  map[string]string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store wraps a SQLite database holding the run ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, core.ErrStoreFailed(fmt.Errorf("ledger path is empty"))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.ErrStoreFailed(err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, core.ErrStoreFailed(err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, core.ErrStoreFailed(fmt.Errorf("%s: %w", p, err))
		}
	}

	// SQLite handles concurrency best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, core.ErrStoreFailed(err)
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "main", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Insert writes one record to the ledger.
func (s *Store) Insert(ctx context.Context, r Record) error {
	schedules, err := json.Marshal(r.Schedules)
	if err != nil {
		return core.ErrStoreFailed(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, batch_name, image_index, tile_index, prompt, seed,
			steps, skip_steps, width, height, output_path, schedules,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BatchName, r.ImageIndex, r.TileIndex, r.Prompt, r.Seed,
		r.Steps, r.SkipSteps, r.Width, r.Height, r.OutputPath, string(schedules),
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.ErrStoreFailed(err)
	}
	return nil
}

// Recent returns the most recently finished records for a batch, newest
// first. A limit of 0 or less returns everything.
func (s *Store) Recent(ctx context.Context, batch string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_name, image_index, tile_index, prompt, seed,
		       steps, skip_steps, width, height, output_path, schedules,
		       started_at, finished_at
		FROM runs
		WHERE batch_name = ?
		ORDER BY finished_at DESC
		LIMIT ?`, batch, limit)
	if err != nil {
		return nil, core.ErrStoreFailed(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var schedules, started, finished string
		if err := rows.Scan(
			&r.ID, &r.BatchName, &r.ImageIndex, &r.TileIndex, &r.Prompt, &r.Seed,
			&r.Steps, &r.SkipSteps, &r.Width, &r.Height, &r.OutputPath, &schedules,
			&started, &finished,
		); err != nil {
			return nil, core.ErrStoreFailed(err)
		}
		if schedules != "" {
			if err := json.Unmarshal([]byte(schedules), &r.Schedules); err != nil {
				return nil, core.ErrStoreFailed(err)
			}
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, core.ErrStoreFailed(err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, core.ErrStoreFailed(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, core.ErrStoreFailed(err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
