package snapshotstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colabio/collab-core/internal/collab"
)

func openTestStore(t *testing.T, cap int) *Store {
	t.Helper()
	var s, err = Open(filepath.Join(t.TempDir(), "snapshots.db"), cap)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLatestOnEmptyReturnsFalse(t *testing.T) {
	var s = openTestStore(t, 10)
	var _, ok, err = s.Latest(context.Background(), collab.ID{WorkspaceID: "w", ObjectID: "o"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutThenLatest(t *testing.T) {
	var s = openTestStore(t, 10)
	var obj = collab.ID{WorkspaceID: "w", ObjectID: "o"}
	require.NoError(t, s.Put(context.Background(), obj, "snap-1", []byte("state1"), []byte("sv1"), 42))

	var snap, ok, err = s.Latest(context.Background(), obj)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("state1"), snap.State)
	require.Equal(t, uint64(42), snap.Cursor)
}

func TestPutPrunesToCap(t *testing.T) {
	var s = openTestStore(t, 2)
	var obj = collab.ID{WorkspaceID: "w", ObjectID: "o"}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(context.Background(), obj, fmt.Sprintf("snap-%d", i), []byte{byte(i)}, nil, uint64(i)))
	}

	var rows int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM snapshots WHERE workspace_id = ? AND object_id = ?`,
		obj.WorkspaceID, obj.ObjectID).Scan(&rows))
	require.Equal(t, 2, rows)

	var snap, ok, err = s.Latest(context.Background(), obj)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{4}, snap.State)
}

func TestSnapshotsAreIsolatedPerObject(t *testing.T) {
	var s = openTestStore(t, 10)
	var obj1 = collab.ID{WorkspaceID: "w", ObjectID: "o1"}
	var obj2 = collab.ID{WorkspaceID: "w", ObjectID: "o2"}

	require.NoError(t, s.Put(context.Background(), obj1, "s1", []byte("a"), nil, 0))
	var _, ok, err = s.Latest(context.Background(), obj2)
	require.NoError(t, err)
	require.False(t, ok)
}
