package access

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colabio/collab-core/internal/collab"
)

type countingResolver struct {
	calls   atomic.Int32
	allowed bool
}

func (r *countingResolver) CanSend(context.Context, string, collab.ID) (bool, error) {
	r.calls.Add(1)
	return r.allowed, nil
}

func (r *countingResolver) CanRecv(context.Context, string, collab.ID) (bool, error) {
	r.calls.Add(1)
	return r.allowed, nil
}

func TestControllerCachesWithinTTL(t *testing.T) {
	var delegate = &countingResolver{allowed: true}
	var c, err = NewController(delegate, 16, time.Hour)
	require.NoError(t, err)

	var obj = collab.ID{WorkspaceID: "w1", ObjectID: "o1"}
	for i := 0; i < 5; i++ {
		allowed, err := c.CanSend(context.Background(), "u1", obj)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	require.EqualValues(t, 1, delegate.calls.Load())
}

func TestControllerExpiresAfterTTL(t *testing.T) {
	var delegate = &countingResolver{allowed: true}
	var c, err = NewController(delegate, 16, 10*time.Millisecond)
	require.NoError(t, err)

	var obj = collab.ID{WorkspaceID: "w1", ObjectID: "o1"}
	_, err = c.CanRecv(context.Background(), "u1", obj)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = c.CanRecv(context.Background(), "u1", obj)
	require.NoError(t, err)

	require.EqualValues(t, 2, delegate.calls.Load())
}

func TestControllerDistinguishesSendAndRecv(t *testing.T) {
	var delegate = &countingResolver{allowed: false}
	var c, err = NewController(delegate, 16, time.Hour)
	require.NoError(t, err)

	var obj = collab.ID{WorkspaceID: "w1", ObjectID: "o1"}
	_, _ = c.CanSend(context.Background(), "u1", obj)
	_, _ = c.CanRecv(context.Background(), "u1", obj)
	require.EqualValues(t, 2, delegate.calls.Load())
}
