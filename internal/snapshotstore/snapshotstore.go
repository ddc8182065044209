// Package snapshotstore persists periodic full-state snapshots of a collab
// capped at N per object with the oldest pruned on insert. It is backed
// by SQLite (mattn/go-sqlite3).
package snapshotstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/colabio/collab-core/internal/collab"
)

// Snapshot is one stored full-state record.
type Snapshot struct {
	ID          string
	Object      collab.ID
	State       []byte
	StateVector []byte
	// Cursor is the durable-log MessageID (ChannelCollab) already folded
	// into State at the time this snapshot was taken. Rehydration seeds
	// its replay's sinceID from it instead of starting at zero.
	Cursor    uint64
	CreatedAt time.Time
}

// Store is the snapshot table.
type Store struct {
	db  *sql.DB
	cap int
}

// Open opens (creating if absent) a SQLite-backed Store at path, capped at
// capPerObject snapshots per object.
func Open(path string, capPerObject int) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshotstore: creating schema: %w", err)
	}
	return &Store{db: db, cap: capPerObject}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	workspace_id TEXT NOT NULL,
	object_id    TEXT NOT NULL,
	snapshot_id  TEXT NOT NULL,
	state        BLOB NOT NULL,
	state_vector BLOB NOT NULL,
	since_id     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, object_id, snapshot_id)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_object_created
	ON snapshots (workspace_id, object_id, created_at);
`

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts a new snapshot and, in the same transaction, prunes the
// oldest entries for this object down to the configured cap.
func (s *Store) Put(ctx context.Context, object collab.ID, snapshotID string, state, stateVector []byte, cursor uint64) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshotstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (workspace_id, object_id, snapshot_id, state, state_vector, since_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		object.WorkspaceID, object.ObjectID, snapshotID, state, stateVector, cursor, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("snapshotstore: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE workspace_id = ? AND object_id = ? AND snapshot_id NOT IN (
			SELECT snapshot_id FROM snapshots
			WHERE workspace_id = ? AND object_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)`, object.WorkspaceID, object.ObjectID, object.WorkspaceID, object.ObjectID, s.cap)
	if err != nil {
		return fmt.Errorf("snapshotstore: prune: %w", err)
	}

	return tx.Commit()
}

// Latest returns the most recently created snapshot for object, if any.
func (s *Store) Latest(ctx context.Context, object collab.ID) (Snapshot, bool, error) {
	var row = s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, state, state_vector, since_id, created_at FROM snapshots
		WHERE workspace_id = ? AND object_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		object.WorkspaceID, object.ObjectID)

	var snap = Snapshot{Object: object}
	var createdAt int64
	switch err := row.Scan(&snap.ID, &snap.State, &snap.StateVector, &snap.Cursor, &createdAt); err {
	case nil:
		snap.CreatedAt = time.Unix(createdAt, 0)
		return snap, true, nil
	case sql.ErrNoRows:
		return Snapshot{}, false, nil
	default:
		return Snapshot{}, false, fmt.Errorf("snapshotstore: query latest: %w", err)
	}
}
