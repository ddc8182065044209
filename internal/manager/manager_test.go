package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colabio/collab-core/internal/access"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/collabstore"
	"github.com/colabio/collab-core/internal/docengine/jsonengine"
	"github.com/colabio/collab-core/internal/durablelog/memlog"
	"github.com/colabio/collab-core/internal/lease"
	"github.com/colabio/collab-core/internal/snapshotstore"
)

type fixedKindResolver struct{ kind collab.Kind }

func (r fixedKindResolver) KindOf(ctx context.Context, id collab.ID) (collab.Kind, error) {
	return r.kind, nil
}

type allowAllResolver struct{}

func (allowAllResolver) CanSend(ctx context.Context, uid string, object collab.ID) (bool, error) {
	return true, nil
}
func (allowAllResolver) CanRecv(ctx context.Context, uid string, object collab.ID) (bool, error) {
	return true, nil
}

var _ access.Resolver = allowAllResolver{}

func newTestManager(t *testing.T, ctx context.Context, kind collab.Kind) *Manager {
	t.Helper()
	var snaps, err = snapshotstore.Open(filepath.Join(t.TempDir(), "snaps.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	var collabs *collabstore.Store
	collabs, err = collabstore.Open(filepath.Join(t.TempDir(), "collabs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { collabs.Close() })

	return New(ctx, Deps{
		Engine:    jsonengine.Engine{},
		Log:       memlog.New(1000),
		Snapshots: snaps,
		Collabs:   collabs,
		Access:    allowAllResolver{},
		Leases:    lease.NewMemManager(),
		Kinds:     fixedKindResolver{kind: kind},
	})
}

func TestEnsureCreatesOnce(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, ctx, collab.KindDocument)
	var id = collab.ID{WorkspaceID: "w", ObjectID: "o"}

	var g1, err1 = m.Ensure(ctx, id)
	require.NoError(t, err1)
	var g2, err2 = m.Ensure(ctx, id)
	require.NoError(t, err2)
	require.Same(t, g1, g2)
	require.Equal(t, 1, m.Len())
}

func TestEnsureConcurrentCallersShareOneGroup(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, ctx, collab.KindDocument)
	var id = collab.ID{WorkspaceID: "w", ObjectID: "o"}

	const n = 16
	var got = make([]any, n)
	var done = make(chan int, n)
	for i := 0; i < n; i++ {
		var idx = i
		go func() {
			g, err := m.Ensure(ctx, id)
			require.NoError(t, err)
			got[idx] = g
			done <- idx
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	for i := 1; i < n; i++ {
		require.Same(t, got[0], got[i])
	}
	require.Equal(t, 1, m.Len())
}

func TestInactiveGroupIDsAndSweep(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, ctx, collab.KindDocument)
	var id = collab.ID{WorkspaceID: "w", ObjectID: "o"}

	var _, err = m.Ensure(ctx, id)
	require.NoError(t, err)
	require.Empty(t, m.InactiveGroupIDs(5))

	var g, _ = m.Ensure(ctx, id)
	// Force staleness by checking against a far-future "now" via Inactive
	// directly (IdleTimeout for Document is 10 minutes).
	require.True(t, g.Inactive(time.Now().Add(24*time.Hour)))

	m.evict(id)
	require.Equal(t, 0, m.Len())
}

func TestRemoveUserEverywhere(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, ctx, collab.KindDocument)
	var id1 = collab.ID{WorkspaceID: "w", ObjectID: "o1"}
	var id2 = collab.ID{WorkspaceID: "w", ObjectID: "o2"}

	var _, err1 = m.Ensure(ctx, id1)
	require.NoError(t, err1)
	var _, err2 = m.Ensure(ctx, id2)
	require.NoError(t, err2)

	// RemoveUserEverywhere should not error even though the principal was
	// never actually subscribed to either group.
	m.RemoveUserEverywhere(ctx, collab.Principal{UID: "a", DeviceID: "d1"})
}
