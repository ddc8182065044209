package sink

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colabio/collab-core/internal/wire"
)

// frameBytes wire-encodes a minimal Update frame carrying payload, for
// tests that exercise mergeHead's frame-aware coalescing.
func frameBytes(t testing.TB, payload []byte) []byte {
	t.Helper()
	var encoded, err = wire.Encode(&wire.Frame{ObjectID: "obj", Kind: wire.KindUpdate, Payload: payload})
	require.NoError(t, err)
	return encoded
}

func decodedPayload(t testing.TB, frame []byte) []byte {
	t.Helper()
	var f, err = wire.Decode(frame)
	require.NoError(t, err)
	return f.Payload
}

// recordingTransport captures every payload TrySend is asked to deliver.
// Sends never fail or contend unless told to.
type recordingTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	sentCh   chan []byte
	contend  bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sentCh: make(chan []byte, 64)}
}

func (t *recordingTransport) TrySend(payload []byte) (bool, error) {
	t.mu.Lock()
	if t.contend {
		t.contend = false
		t.mu.Unlock()
		return false, nil
	}
	t.sent = append(t.sent, append([]byte(nil), payload...))
	t.mu.Unlock()
	t.sentCh <- payload
	return true, nil
}

func (t *recordingTransport) awaitSend(tb testing.TB) []byte {
	tb.Helper()
	select {
	case p := <-t.sentCh:
		return p
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for send")
		return nil
	}
}

func staticBuilder(payload []byte, mergeable bool) Builder {
	return func(uint64) ([]byte, bool, error) { return payload, mergeable, nil }
}

func TestEnqueueDeliversInOrder(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t1", transport, time.Second, 1<<20)
	defer s.Close()

	id1, err := s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("first"), false))
	require.NoError(t, err)
	id2, err := s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("second"), false))
	require.NoError(t, err)
	require.Less(t, id1, id2) // msg-ids strictly increasing

	require.Equal(t, []byte("first"), transport.awaitSend(t))
	s.Acknowledge(id1)

	require.Equal(t, []byte("second"), transport.awaitSend(t))
	s.Acknowledge(id2)
}

func TestAtMostOneProcessing(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t2", transport, 5*time.Second, 1<<20)
	defer s.Close()

	_, _ = s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("a"), false))
	_, _ = s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("b"), false))

	transport.awaitSend(t) // "a" sent, now Processing

	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	var processing = 0
	for _, p := range s.queue {
		if p.state == StateProcessing {
			processing++
		}
	}
	s.mu.Unlock()
	require.Equal(t, 1, processing)
}

func TestUnmatchedAckIsNoop(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t3", transport, time.Second, 1<<20)
	defer s.Close()

	id, _ := s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("a"), false))
	transport.awaitSend(t)

	s.Acknowledge(id + 999) // unknown msg-id: dropped silently
	s.Acknowledge(id)       // the real ack still lands

	require.Eventually(t, func() bool {
		return s.Depth() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestInitDisplacesQueue(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t4", transport, 5*time.Second, 1<<20)
	defer s.Close()

	s.Pause() // keep the runner from draining while we build up the queue
	_, _ = s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("u1"), false))
	_, _ = s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("u2"), false))
	_, _ = s.Enqueue(PriorityAwareness, false, staticBuilder([]byte("aw"), false))
	require.Equal(t, 3, s.Depth())

	require.True(t, s.CanEnqueueInit())
	_, ok, err := s.EnqueueInit(staticBuilder([]byte("init"), false))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, s.Depth())
	require.False(t, s.CanEnqueueInit())

	s.Resume()
	require.Equal(t, []byte("init"), transport.awaitSend(t))
}

func TestMergeCombinesAdjacentMergeablePayloads(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t5", transport, 5*time.Second, 1<<20)
	defer s.Close()

	s.Pause()
	_, _ = s.Enqueue(PriorityAwareness, true, staticBuilder(frameBytes(t, []byte(`{"a":1}`)), true))
	_, _ = s.Enqueue(PriorityAwareness, true, staticBuilder(frameBytes(t, []byte(`{"b":2}`)), true))
	_, _ = s.Enqueue(PriorityAwareness, true, staticBuilder(frameBytes(t, []byte(`{"c":3}`)), true))
	s.Resume()

	var sent = transport.awaitSend(t)
	var got map[string]int
	require.NoError(t, json.Unmarshal(decodedPayload(t, sent), &got))
	require.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, got)
}

func TestMergeSkipsOverlappingKeys(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t5b", transport, 5*time.Second, 1<<20)
	defer s.Close()

	s.Pause()
	_, _ = s.Enqueue(PriorityAwareness, true, staticBuilder(frameBytes(t, []byte(`{"a":1}`)), true))
	_, _ = s.Enqueue(PriorityAwareness, true, staticBuilder(frameBytes(t, []byte(`{"a":2}`)), true))
	s.Resume()

	// Both touch key "a", so they must not be folded together: the head
	// is delivered alone, carrying only its own value.
	var sent = transport.awaitSend(t)
	var got map[string]int
	require.NoError(t, json.Unmarshal(decodedPayload(t, sent), &got))
	require.Equal(t, map[string]int{"a": 1}, got)
}

func TestMergeRespectsMaxPayloadBytes(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t6", transport, 5*time.Second, 10)
	defer s.Close()

	s.Pause()
	_, _ = s.Enqueue(PriorityAwareness, true, staticBuilder(frameBytes(t, []byte(`{"a":1}`)), true))
	_, _ = s.Enqueue(PriorityAwareness, true, staticBuilder(frameBytes(t, []byte(`{"b":2}`)), true))
	s.Resume()

	// Merging would produce a re-encoded frame well over MaxPayloadBytes(10),
	// so the two must not merge; the head is delivered on its own.
	var sent = transport.awaitSend(t)
	var got map[string]int
	require.NoError(t, json.Unmarshal(decodedPayload(t, sent), &got))
	require.Equal(t, map[string]int{"a": 1}, got)
}

func TestTimeoutRetriesMessage(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	var s = New(ctx, "t7", transport, 20*time.Millisecond, 1<<20)
	defer s.Close()

	id, _ := s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("x"), false))
	transport.awaitSend(t) // first attempt, never acked -> times out

	// Second delivery attempt after the timeout, same payload.
	transport.awaitSend(t)
	s.Acknowledge(id)
}

func TestTimeoutThresholds(t *testing.T) {
	var d = time.Second
	require.Equal(t, d, timeoutFor(0, d))
	require.Equal(t, d, timeoutFor(40959, d))
	require.Equal(t, 10*time.Second, timeoutFor(40960, d))
	require.Equal(t, 10*time.Second, timeoutFor(1048576, d))
	require.Equal(t, 20*time.Second, timeoutFor(1048577, d))
	require.Equal(t, 20*time.Second, timeoutFor(2097152, d))
	require.Equal(t, 50*time.Second, timeoutFor(2097153, d))
	require.Equal(t, 50*time.Second, timeoutFor(4194304, d))
	require.Equal(t, 160*time.Second, timeoutFor(4194305, d))
}

func TestLockContentionReschedules(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var transport = newRecordingTransport()
	transport.contend = true // first TrySend reports contention
	var s = New(ctx, "t8", transport, time.Second, 1<<20)
	s.RetryBackoff = 5 * time.Millisecond
	defer s.Close()

	_, _ = s.Enqueue(PriorityUpdate, false, staticBuilder([]byte("z"), false))
	require.Equal(t, []byte("z"), transport.awaitSend(t))
}
