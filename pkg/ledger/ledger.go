// Package ledger records which checkpoint artifacts have been archived, so
// an artifact whose content was already copied to a destination is never
// copied again, across polls and across controller restarts.
//
// An artifact is current when the most recent copy of its name at the
// destination carries the same content hash. A stable file name whose
// content changed is archived again, including when it returns to content
// archived earlier, so the newest generation always matches the source.
// Generation numbers are allocated per destination and only grow.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schemaVersion = 2

// Artifact is one archived checkpoint entry.
type Artifact struct {
	Destination string
	Name        string
	ContentHash string
	Size        int64
	ModTime     time.Time
	Generation  int
	Key         string
	ArchivedAt  time.Time
}

// Generation summarizes one archive pass that copied at least one artifact.
type Generation struct {
	Destination string
	Number      int
	Dir         string
	JobID       string
	CreatedAt   time.Time
	Artifacts   int
	Bytes       int64
}

// Ledger is a SQLite-backed archive ledger. It is safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger database.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO ledger_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS generations (
			destination TEXT NOT NULL,
			number INTEGER NOT NULL,
			dir TEXT NOT NULL,
			job_id TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (destination, number)
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			destination TEXT NOT NULL,
			name TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			mtime TEXT NOT NULL,
			generation INTEGER NOT NULL,
			object_key TEXT NOT NULL,
			archived_at TEXT NOT NULL,
			PRIMARY KEY (destination, name, generation)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_generation ON artifacts(destination, generation);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		var err error
		if i == 1 {
			_, err = l.db.ExecContext(ctx, stmt, schemaVersion, now)
		} else {
			_, err = l.db.ExecContext(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return l.migrate(ctx)
}

// migrate upgrades a version 1 ledger, whose artifacts were keyed by content
// hash, to one row per name and generation.
func (l *Ledger) migrate(ctx context.Context) error {
	var version int
	if err := l.db.QueryRowContext(ctx, `SELECT schema_version FROM ledger_meta WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("read ledger schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE artifacts_v2 (
			destination TEXT NOT NULL,
			name TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			mtime TEXT NOT NULL,
			generation INTEGER NOT NULL,
			object_key TEXT NOT NULL,
			archived_at TEXT NOT NULL,
			PRIMARY KEY (destination, name, generation)
		);`,
		`INSERT OR IGNORE INTO artifacts_v2
			SELECT destination, name, content_hash, size_bytes, mtime, generation, object_key, archived_at
			FROM artifacts;`,
		`DROP TABLE artifacts;`,
		`ALTER TABLE artifacts_v2 RENAME TO artifacts;`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_generation ON artifacts(destination, generation);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ledger_meta SET schema_version = ? WHERE id = 1`, schemaVersion); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return tx.Commit()
}

// Latest returns the most recent archived copy of name at destination.
// found is false when name was never archived there.
func (l *Ledger) Latest(ctx context.Context, destination, name string) (a Artifact, found bool, err error) {
	var mtime, archived string
	err = l.db.QueryRowContext(ctx, `
		SELECT content_hash, size_bytes, mtime, generation, object_key, archived_at
		FROM artifacts WHERE destination = ? AND name = ?
		ORDER BY generation DESC LIMIT 1
	`, destination, name).Scan(&a.ContentHash, &a.Size, &mtime, &a.Generation, &a.Key, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, nil
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("query latest artifact: %w", err)
	}
	a.Destination = destination
	a.Name = name
	a.ModTime = parseTime(mtime)
	a.ArchivedAt = parseTime(archived)
	return a, true, nil
}

// LastGeneration returns the highest generation allocated for destination,
// or 0 when none exists.
func (l *Ledger) LastGeneration(ctx context.Context, destination string) (int, error) {
	var last sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(number) FROM generations WHERE destination = ?`, destination,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last generation: %w", err)
	}
	return int(last.Int64), nil
}

// AllocateGeneration reserves the next generation number for destination.
// dirFor renders the generation directory from the allocated number.
func (l *Ledger) AllocateGeneration(ctx context.Context, destination, jobID string, at time.Time, dirFor func(int) string) (Generation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Generation{}, fmt.Errorf("begin allocation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(number) FROM generations WHERE destination = ?`, destination,
	).Scan(&last); err != nil {
		return Generation{}, fmt.Errorf("query last generation: %w", err)
	}

	gen := Generation{
		Destination: destination,
		Number:      int(last.Int64) + 1,
		JobID:       jobID,
		CreatedAt:   at.UTC(),
	}
	gen.Dir = dirFor(gen.Number)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO generations (destination, number, dir, job_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		destination, gen.Number, gen.Dir, jobID, gen.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return Generation{}, fmt.Errorf("insert generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Generation{}, fmt.Errorf("commit allocation: %w", err)
	}
	return gen, nil
}

// Record marks an artifact as archived in its generation. Recording the
// same name twice in one generation is a no-op; the first copy wins.
func (l *Ledger) Record(ctx context.Context, a Artifact) error {
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO artifacts (destination, name, content_hash, size_bytes, mtime, generation, object_key, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(destination, name, generation) DO NOTHING
	`,
		a.Destination, a.Name, a.ContentHash, a.Size,
		a.ModTime.UTC().Format(time.RFC3339Nano), a.Generation, a.Key,
		a.ArchivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.Name, err)
	}
	return nil
}

// Generations lists the generations of destination, oldest first, with
// artifact counts. Generations whose copies all failed report zero artifacts.
func (l *Ledger) Generations(ctx context.Context, destination string) ([]Generation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT g.number, g.dir, COALESCE(g.job_id, ''), g.created_at,
			COUNT(a.name), COALESCE(SUM(a.size_bytes), 0)
		FROM generations g
		LEFT JOIN artifacts a ON a.destination = g.destination AND a.generation = g.number
		WHERE g.destination = ?
		GROUP BY g.number, g.dir, g.job_id, g.created_at
		ORDER BY g.number
	`, destination)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Generation
	for rows.Next() {
		g := Generation{Destination: destination}
		var created string
		if err := rows.Scan(&g.Number, &g.Dir, &g.JobID, &created, &g.Artifacts, &g.Bytes); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		g.CreatedAt = parseTime(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

// Artifacts lists what a generation holds, by name.
func (l *Ledger) Artifacts(ctx context.Context, destination string, generation int) ([]Artifact, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT name, content_hash, size_bytes, mtime, object_key, archived_at
		FROM artifacts WHERE destination = ? AND generation = ?
		ORDER BY name
	`, destination, generation)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		a := Artifact{Destination: destination, Generation: generation}
		var mtime, archived string
		if err := rows.Scan(&a.Name, &a.ContentHash, &a.Size, &mtime, &a.Key, &archived); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.ModTime = parseTime(mtime)
		a.ArchivedAt = parseTime(archived)
		out = append(out, a)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
