package lease

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colabio/collab-core/internal/collab"
)

func TestMemManagerGrantsExclusively(t *testing.T) {
	var m = NewMemManager()
	var obj = collab.ID{WorkspaceID: "w", ObjectID: "o"}

	var h1, ok1, err1 = m.Acquire(context.Background(), obj)
	require.NoError(t, err1)
	require.True(t, ok1)

	var _, ok2, err2 = m.Acquire(context.Background(), obj)
	require.NoError(t, err2)
	require.False(t, ok2)

	require.NoError(t, h1.Release(context.Background()))

	var _, ok3, err3 = m.Acquire(context.Background(), obj)
	require.NoError(t, err3)
	require.True(t, ok3)
}

func TestMemManagerIsolatesObjects(t *testing.T) {
	var m = NewMemManager()
	var obj1 = collab.ID{WorkspaceID: "w", ObjectID: "o1"}
	var obj2 = collab.ID{WorkspaceID: "w", ObjectID: "o2"}

	var _, ok1, err1 = m.Acquire(context.Background(), obj1)
	require.NoError(t, err1)
	require.True(t, ok1)

	var _, ok2, err2 = m.Acquire(context.Background(), obj2)
	require.NoError(t, err2)
	require.True(t, ok2)
}
