// Package collabstore is the authoritative persistent Collab record table
// one row per object-id, with an owner membership insert
// alongside first creation. Like snapshotstore, it is backed by SQLite.
package collabstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/colabio/collab-core/internal/cerrors"
	"github.com/colabio/collab-core/internal/collab"
)

// Store is the Collab record table.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS collabs (
	workspace_id TEXT NOT NULL,
	object_id    TEXT NOT NULL,
	kind         INTEGER NOT NULL,
	blob         BLOB NOT NULL,
	state_vector BLOB,
	length       INTEGER NOT NULL,
	owner_uid    TEXT NOT NULL,
	updated_at   INTEGER NOT NULL,
	deleted_at   INTEGER,
	PRIMARY KEY (object_id)
);
CREATE TABLE IF NOT EXISTS collab_owners (
	object_id TEXT NOT NULL,
	owner_uid TEXT NOT NULL,
	PRIMARY KEY (object_id, owner_uid)
);
`

// Open opens (creating if absent) a SQLite-backed Store at path.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("collabstore: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("collabstore: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the record for id, or cerrors.ErrNotFound if absent (a GET
// before any persisted write returns not-found).
func (s *Store) Get(ctx context.Context, id collab.ID) (collab.Record, error) {
	var row = s.db.QueryRowContext(ctx, `
		SELECT workspace_id, kind, blob, state_vector, owner_uid, updated_at, deleted_at
		FROM collabs WHERE object_id = ?`, id.ObjectID)

	var rec = collab.Record{ID: id}
	var updatedAt int64
	var deletedAt sql.NullInt64
	var stateVector []byte
	switch err := row.Scan(&rec.ID.WorkspaceID, &rec.Kind, &rec.Blob, &stateVector, &rec.OwnerUID, &updatedAt, &deletedAt); err {
	case nil:
		rec.StateVector = stateVector
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		if deletedAt.Valid {
			var t = time.Unix(deletedAt.Int64, 0)
			rec.DeletedAt = &t
		}
		return rec, nil
	case sql.ErrNoRows:
		return collab.Record{}, fmt.Errorf("collabstore: object %s: %w", id.ObjectID, cerrors.ErrNotFound)
	default:
		return collab.Record{}, fmt.Errorf("collabstore: get %s: %w", id.ObjectID, err)
	}
}

// Upsert inserts or updates the record for id. An attempt to write with a
// workspace-id differing from the one already on file is a hard error:
// it fails without mutating state.
func (s *Store) Upsert(ctx context.Context, rec collab.Record) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("collabstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existingWorkspace string
	switch err := tx.QueryRowContext(ctx,
		`SELECT workspace_id FROM collabs WHERE object_id = ?`, rec.ID.ObjectID,
	).Scan(&existingWorkspace); err {
	case nil:
		if existingWorkspace != rec.ID.WorkspaceID {
			return fmt.Errorf("collabstore: object %s belongs to workspace %s, refusing write under %s: %w",
				rec.ID.ObjectID, existingWorkspace, rec.ID.WorkspaceID, cerrors.ErrInvariantViolation)
		}
		// owner_uid is set once at insert and never overwritten here:
		// ownership doesn't change as a side effect of content edits.
		_, err = tx.ExecContext(ctx, `
			UPDATE collabs SET kind = ?, blob = ?, state_vector = ?, length = ?, updated_at = ?
			WHERE object_id = ?`,
			rec.Kind, rec.Blob, rec.StateVector, len(rec.Blob), rec.UpdatedAt.Unix(), rec.ID.ObjectID)
		if err != nil {
			return fmt.Errorf("collabstore: update: %w", err)
		}
	case sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO collabs (workspace_id, object_id, kind, blob, state_vector, length, owner_uid, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID.WorkspaceID, rec.ID.ObjectID, rec.Kind, rec.Blob, rec.StateVector, len(rec.Blob), rec.OwnerUID, rec.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("collabstore: insert: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO collab_owners (object_id, owner_uid) VALUES (?, ?)`,
			rec.ID.ObjectID, rec.OwnerUID)
		if err != nil {
			return fmt.Errorf("collabstore: insert owner: %w", err)
		}
	default:
		return fmt.Errorf("collabstore: checking existing workspace: %w", err)
	}

	return tx.Commit()
}
