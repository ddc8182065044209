// Package sink implements the per-subscriber, per-object Outbound Sink
// a priority, coalescing, ack-driven queue that delivers
// ordered messages to one client over an unreliable transport. Coalescing
// needs to look inside a mergeable message's wire frame to check that two
// updates touch disjoint JSON keys before folding them together, so unlike
// the rest of the queue's bookkeeping, mergeHead is not payload-agnostic.
package sink

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"

	"github.com/colabio/collab-core/internal/wire"
)

// Priority orders Pending Messages within a sink. Higher values are served
// first; an Init message always displaces non-Init content.
type Priority int

const (
	PriorityAwareness Priority = iota
	PriorityUpdate
	PriorityInit
)

// State is the lifecycle of a Pending Message.
type State int

const (
	StatePending State = iota
	StateProcessing
	StateDone
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Builder produces the payload bytes for a Pending Message once it has been
// assigned a msg-id. It must be pure. Enqueue calls it exactly once;
// merging and re-sending work on the bytes it returned.
type Builder func(msgID uint64) (payload []byte, mergeable bool, err error)

// Transport is the narrow send surface a sink's runner drives. A real
// implementation wraps a shared connection; tests may use a fake.
type Transport interface {
	// TrySend attempts a non-blocking send of payload. ok is false if the
	// transport's lock is currently held by another sink; the runner must
	// then reschedule rather than block.
	TrySend(payload []byte) (ok bool, err error)
}

// pending is one queued message.
type pending struct {
	msgID     uint64
	mergedIDs []uint64
	priority  Priority
	mergeable bool
	builder   Builder
	payload   []byte
	built     bool
	state     State
	ackCh     chan struct{}
}

// timeoutFor returns the ack timeout for a payload of the given size,
// per a threshold table keyed to payload size.
func timeoutFor(n int, defaultTimeout time.Duration) time.Duration {
	switch {
	case n <= 40959:
		return defaultTimeout
	case n <= 1048576:
		return 10 * time.Second
	case n <= 2097152:
		return 20 * time.Second
	case n <= 4194304:
		return 50 * time.Second
	default:
		return 160 * time.Second
	}
}

// Sink is the per-subscriber outbound queue.
type Sink struct {
	ID        string // for logging; the router passes the object's collab.ID string
	Transport Transport

	DefaultTimeout   time.Duration
	MaxPayloadBytes  int
	RetryBackoff     time.Duration // lock-contention reschedule delay, ~100ms

	mu       sync.Mutex
	queue    []*pending
	nextID   uint64
	paused   bool
	closed   bool
	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New constructs a Sink and starts its runner goroutine under ctx.
func New(ctx context.Context, id string, transport Transport, defaultTimeout time.Duration, maxPayloadBytes int) *Sink {
	var s = &Sink{
		ID:              id,
		Transport:       transport,
		DefaultTimeout:  defaultTimeout,
		MaxPayloadBytes: maxPayloadBytes,
		RetryBackoff:    100 * time.Millisecond,
		wake:            make(chan struct{}, 1),
		stopped:         make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Sink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue allocates a msg-id, builds the message, and pushes it according
// to priority.
func (s *Sink) Enqueue(priority Priority, mergeable bool, build Builder) (uint64, error) {
	s.mu.Lock()
	var msgID = s.nextID
	s.nextID++
	s.mu.Unlock()

	payload, merge, err := build(msgID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.queue = append(s.queue, &pending{
		msgID:     msgID,
		priority:  priority,
		mergeable: mergeable && merge,
		builder:   build,
		payload:   payload,
		built:     true,
		state:     StatePending,
	})
	s.stablePrioritySort()
	s.mu.Unlock()
	s.signal()
	return msgID, nil
}

// stablePrioritySort keeps the queue ordered Init > Update > Awareness
// while preserving FIFO order within a priority band. A head that is
// Processing or Done keeps its place, so it stays the ack target and no
// second message becomes Processing before it is popped. Caller holds mu.
func (s *Sink) stablePrioritySort() {
	var tail = s.queue
	if len(tail) > 0 && (tail[0].state == StateProcessing || tail[0].state == StateDone) {
		tail = tail[1:]
	}
	sort.SliceStable(tail, func(i, j int) bool {
		return tail[i].priority > tail[j].priority
	})
}

// CanEnqueueInit reports whether the head of the queue is not already an
// Init message.
func (s *Sink) CanEnqueueInit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 || s.queue[0].priority != PriorityInit
}

// EnqueueInit enqueues build as an Init message, first clearing the queue
// of any pending non-Init content, unless the head is already Init (no-op;
// an Init subsumes everything earlier, so a second one is redundant).
func (s *Sink) EnqueueInit(build Builder) (uint64, bool, error) {
	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[0].priority == PriorityInit {
		s.mu.Unlock()
		return 0, false, nil
	}
	// Drop everything not currently Processing; an in-flight Processing
	// message still owns the wire until acked or timed out.
	var kept []*pending
	for _, p := range s.queue {
		if p.state == StateProcessing {
			kept = append(kept, p)
		}
	}
	s.queue = kept
	s.mu.Unlock()

	var msgID, err = s.Enqueue(PriorityInit, false, build)
	return msgID, err == nil, err
}

// Acknowledge marks msgID Done if it is the current head and Processing.
// A mismatched or unknown msgID is dropped silently: the client may
// retransmit an ack whose target was already popped, and P2 (at most one
// Processing message) means only the head can ever be the ack's target.
func (s *Sink) Acknowledge(msgID uint64) {
	s.mu.Lock()
	var target *pending
	if len(s.queue) > 0 && s.queue[0].msgID == msgID && s.queue[0].state == StateProcessing {
		s.queue[0].state = StateDone
		target = s.queue[0]
	}
	s.mu.Unlock()
	if target != nil && target.ackCh != nil {
		close(target.ackCh)
	}
}

// Pause halts the runner without dropping the queue.
func (s *Sink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume restarts the runner.
func (s *Sink) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
}

// Clear drops all pending messages. Clearing is always explicit; the sink
// never drops messages silently on its own.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Close stops the runner goroutine.
func (s *Sink) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopped)
	})
}

// Depth reports the current queue length, for metrics/tests.
func (s *Sink) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sink) run(ctx context.Context) {
	var logger = log.WithFields(log.Fields{"sink": s.ID})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-s.wake:
		}

		if done := s.tick(ctx, logger); done {
			return
		}
	}
}

// tick performs one runner pass. A true result makes run exit; every
// current path returns false, since run's own select already watches ctx
// and Close.
func (s *Sink) tick(ctx context.Context, logger *log.Entry) bool {
	s.mu.Lock()
	if s.paused || s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}

	var head = s.queue[0]
	switch head.state {
	case StateDone:
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.signal()
		return false
	case StateProcessing:
		s.mu.Unlock()
		return false // wait for ack or timeout
	}

	s.mergeHead(logger)
	head = s.queue[0]

	head.state = StateProcessing
	var ackCh = make(chan struct{})
	head.ackCh = ackCh
	var payload = head.payload
	s.mu.Unlock()

	ok, err := s.Transport.TrySend(payload)
	if err != nil {
		logger.WithError(err).Warn("sink transport send failed")
		// The error is only logged: the runner keeps going and no sink
		// state is exposed to callers. The message goes back to Pending and
		// is re-attempted after RetryBackoff, so it is never dropped.
		s.mu.Lock()
		head.state = StatePending
		s.mu.Unlock()
		time.AfterFunc(s.RetryBackoff, s.signal)
		return false
	}
	if !ok {
		// Transport lock contended; reschedule rather than block.
		s.mu.Lock()
		head.state = StatePending
		s.mu.Unlock()
		time.AfterFunc(s.RetryBackoff, s.signal)
		return false
	}

	go s.awaitAckOrTimeout(ctx, head, timeoutFor(len(payload), s.DefaultTimeout), logger)
	return false
}

// mergeHead, while holding mu, pops additional mergeable messages behind
// the head and folds their decoded frame payloads into it, provided each
// candidate's top-level JSON keys are disjoint from what's already merged
// and the re-encoded result stays within MaxPayloadBytes. Caller holds mu.
func (s *Sink) mergeHead(logger *log.Entry) {
	if len(s.queue) < 2 {
		return
	}
	var head = s.queue[0]
	if !head.mergeable || head.state != StatePending {
		return
	}

	var headFrame, err = wire.Decode(head.payload)
	if err != nil {
		// Not a frame this sink can merge-inspect; leave it queued as is.
		return
	}

	var merged = headFrame.Payload
	var mergedIDs = append([]uint64(nil), head.mergedIDs...)
	var consumed = 0

	for i := 1; i < len(s.queue); i++ {
		var next = s.queue[i]
		if !next.mergeable || next.priority != head.priority {
			break
		}
		var nextFrame, decErr = wire.Decode(next.payload)
		if decErr != nil {
			break
		}
		if !jsonKeysDisjoint(merged, nextFrame.Payload) {
			break
		}
		var combined, mergeErr = jsonpatch.MergeMergePatches(merged, nextFrame.Payload)
		if mergeErr != nil {
			break
		}
		var encoded, encErr = wire.Encode(&wire.Frame{
			ObjectID: headFrame.ObjectID,
			MsgID:    headFrame.MsgID,
			Kind:     headFrame.Kind,
			Origin:   headFrame.Origin,
			Payload:  combined,
		})
		if encErr != nil || len(encoded) > s.MaxPayloadBytes {
			break
		}
		merged = combined
		mergedIDs = append(mergedIDs, next.msgID)
		consumed++
	}

	if consumed == 0 {
		return
	}

	var finalEncoded, finalErr = wire.Encode(&wire.Frame{
		ObjectID: headFrame.ObjectID,
		MsgID:    headFrame.MsgID,
		Kind:     headFrame.Kind,
		Origin:   headFrame.Origin,
		Payload:  merged,
	})
	if finalErr != nil {
		return
	}
	head.payload = finalEncoded
	head.mergedIDs = mergedIDs
	s.queue = append(s.queue[:1], s.queue[1+consumed:]...)
	logger.WithField("mergedCount", consumed).Debug("merged pending messages")
}

// jsonKeysDisjoint reports whether a and b, each the JSON body of a decoded
// frame, share no top-level key. Undecodable or non-object payloads are
// treated as incompatible, since the sink then has no way to reason about
// what they might collide on.
func jsonKeysDisjoint(a, b []byte) bool {
	var am, bm = map[string]json.RawMessage{}, map[string]json.RawMessage{}
	if err := json.Unmarshal(a, &am); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return false
	}
	for k := range bm {
		if _, ok := am[k]; ok {
			return false
		}
	}
	return true
}

func (s *Sink) awaitAckOrTimeout(ctx context.Context, p *pending, timeout time.Duration, logger *log.Entry) {
	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-p.ackCh:
		// Acknowledge() already transitioned state to Done.
		s.signal()
	case <-timer.C:
		s.mu.Lock()
		if p.state == StateProcessing {
			p.state = StateTimeout
		}
		s.mu.Unlock()
		logger.WithField("msgID", p.msgID).Warn("sink ack timed out; will retry")
		s.retryTimedOut(p)
		s.signal()
	}
}

// retryTimedOut flips a Timeout message back to Pending so the next tick
// retries it.
func (s *Sink) retryTimedOut(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state == StateTimeout {
		p.state = StatePending
	}
}

