package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"hwtopo/internal/codec"
	"hwtopo/internal/repository"
)

var _ repository.SnapshotStore = (*Repository)(nil)

// Repository implements repository.SnapshotStore using SQLite
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// New opens or creates the database at dbPath. ":memory:" gives a private
// in-memory store.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: sqlite has a single writer and an in-memory
	// database lives and dies with its connection
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db, now: time.Now}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		label TEXT,
		source TEXT,
		generation INTEGER NOT NULL DEFAULT 0,
		objects INTEGER NOT NULL DEFAULT 0,
		facts BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// SaveSnapshot stores snap, filling in ID, Objects and CreatedAt when unset
func (r *Repository) SaveSnapshot(ctx context.Context, snap *repository.Snapshot) (bool, error) {
	if snap.Facts == nil || len(snap.Facts.Objects) == 0 {
		return false, errors.New("snapshot has no facts")
	}

	blob, id, err := encodeFacts(snap.Facts)
	if err != nil {
		return false, err
	}
	if snap.ID.IsZero() {
		snap.ID = id
	} else if snap.ID != id {
		return false, fmt.Errorf("snapshot id %s does not match its facts (%s)", snap.ID, id)
	}
	snap.Objects = len(snap.Facts.Objects)
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = r.now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots (id, label, source, generation, objects, facts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snapshotInsertArgs(snap, blob)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	created := n > 0
	if !created && snap.Label != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE snapshots SET label = ? WHERE id = ? AND (label IS NULL OR label = '')
		`, snap.Label, snap.ID.String()); err != nil {
			return false, fmt.Errorf("failed to update label: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return created, nil
}

// GetSnapshot loads a snapshot with its facts
func (r *Repository) GetSnapshot(ctx context.Context, id codec.Digest) (*repository.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`, facts FROM snapshots WHERE id = ?
	`, id.String())
	return scanFullSnapshot(row)
}

// LatestSnapshot loads the newest snapshot
func (r *Repository) LatestSnapshot(ctx context.Context) (*repository.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`, facts FROM snapshots
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`)
	return scanFullSnapshot(row)
}

// ListSnapshots returns snapshot metadata, newest first
func (r *Repository) ListSnapshots(ctx context.Context, limit int) ([]repository.Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []repository.Snapshot
	for rows.Next() {
		var sr snapshotRow
		if err := rows.Scan(sr.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap, err := sr.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// DeleteSnapshot removes one snapshot
func (r *Repository) DeleteSnapshot(ctx context.Context, id codec.Digest) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	return nil
}

// PruneSnapshots keeps the newest keep snapshots
func (r *Repository) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Close releases the database
func (r *Repository) Close() error {
	return r.db.Close()
}
