// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

// Package journal persists reinitialization cycles and plugin invocations in
// a local SQLite database. It is an audit trail for `plexus status`, not
// plugin state: plugins themselves stay stateless across reloads.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/plexushq/plexus/internal/plugin"
)

// Compile-time interface check.
var _ plugin.Journal = (*Store)(nil)

// defaultLimit caps read queries when the caller passes no limit.
const defaultLimit = 20

// Store is a SQLite-backed journal. Safe for concurrent writers: WAL mode
// plus a busy timeout serialize access across the connection pool.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the journal database at path, creating
// parent directories and applying migrations as needed.
func Open(path string) (*Store, error) {
	errb := oops.In("journal").With("path", path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errb.Hint("journal directory must be creatable").Wrap(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errb.Wrap(err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, errb.With("pragma", pragma).Wrap(execErr)
		}
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, errb.Wrap(err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCycle implements plugin.Journal.
func (s *Store) RecordCycle(ctx context.Context, rec plugin.CycleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (
            id, trigger_kind, detail, state, error, plugins, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Trigger,
		rec.Detail,
		rec.State,
		rec.Error,
		rec.Plugins,
		rec.Started.UTC().Format(time.RFC3339Nano),
		rec.Finished.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return oops.In("journal").With("cycle", rec.ID).Wrap(err)
	}
	return nil
}

// RecordInvocation implements plugin.Journal.
func (s *Store) RecordInvocation(ctx context.Context, rec plugin.InvocationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (
            dispatch_id, event, plugin, status, error, elapsed_ns, at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DispatchID,
		rec.Event,
		rec.Plugin,
		rec.Status,
		rec.Error,
		rec.Elapsed.Nanoseconds(),
		rec.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return oops.In("journal").With("dispatch", rec.DispatchID).With("plugin", rec.Plugin).Wrap(err)
	}
	return nil
}

// RecentCycles returns up to limit cycles, newest first.
func (s *Store) RecentCycles(ctx context.Context, limit int) ([]plugin.CycleRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger_kind, detail, state, error, plugins, started_at, finished_at
           FROM cycles ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, oops.In("journal").Wrap(err)
	}
	defer rows.Close()

	var out []plugin.CycleRecord
	for rows.Next() {
		var rec plugin.CycleRecord
		var started, finished string
		if err := rows.Scan(&rec.ID, &rec.Trigger, &rec.Detail, &rec.State, &rec.Error,
			&rec.Plugins, &started, &finished); err != nil {
			return nil, oops.In("journal").Wrap(err)
		}
		if rec.Started, err = parseTime(started); err != nil {
			return nil, err
		}
		if rec.Finished, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("journal").Wrap(err)
	}
	return out, nil
}

// RecentInvocations returns up to limit invocations, newest first.
func (s *Store) RecentInvocations(ctx context.Context, limit int) ([]plugin.InvocationRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT dispatch_id, event, plugin, status, error, elapsed_ns, at
           FROM invocations ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, oops.In("journal").Wrap(err)
	}
	defer rows.Close()

	var out []plugin.InvocationRecord
	for rows.Next() {
		var rec plugin.InvocationRecord
		var elapsedNS int64
		var at string
		if err := rows.Scan(&rec.DispatchID, &rec.Event, &rec.Plugin, &rec.Status,
			&rec.Error, &elapsedNS, &at); err != nil {
			return nil, oops.In("journal").Wrap(err)
		}
		rec.Elapsed = time.Duration(elapsedNS)
		if rec.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("journal").Wrap(err)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, oops.In("journal").With("timestamp", s).Wrap(err)
	}
	return t, nil
}
