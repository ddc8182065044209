// Package group implements the Collab Group: the in-memory authoritative
// replica of one collaborative object plus its subscriber fan-out. Every
// mutation arrives through a single command channel consumed by exactly
// one goroutine per group, so the document and subscriber set never need
// their own locks.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/colabio/collab-core/internal/access"
	"github.com/colabio/collab-core/internal/cerrors"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/collabstore"
	"github.com/colabio/collab-core/internal/docengine"
	"github.com/colabio/collab-core/internal/durablelog"
	"github.com/colabio/collab-core/internal/lease"
	"github.com/colabio/collab-core/internal/sink"
	"github.com/colabio/collab-core/internal/snapshotstore"
	"github.com/colabio/collab-core/internal/wire"
	"github.com/colabio/collab-core/internal/workerpool"
)

// CommandQueueCapacity bounds each group's command channel. A producer
// that would block on a full channel gets a soft error instead of
// stalling its caller.
const CommandQueueCapacity = 2000

// TickInterval is how often a group's own goroutine runs its maintenance
// pass independent of client traffic: a snapshot attempt if any update
// arrived since the last snapshot. Eviction is decided separately by
// Inactive, which the sweeper calls.
const TickInterval = 30 * time.Second

// ErrEvicted is returned by any operation sent to a group whose command
// channel has already been closed by the manager.
var ErrEvicted = errors.New("group: evicted")

// ErrQueueFull is returned when a group's bounded command channel has no
// room; the caller should surface a soft error rather than block.
var ErrQueueFull = fmt.Errorf("group: command queue full: %w", cerrors.ErrTransient)

// EncodeResult is the reply to an Encode command: the document's full
// state plus the state vector summarizing it.
type EncodeResult struct {
	State       []byte
	StateVector []byte
}

type subscriber struct {
	principal collab.Principal
	sink      *sink.Sink
	origin    string
}

type cmdHandleClientMessage struct {
	principal collab.Principal
	origin    string
	frames    []*wire.Frame
	reply     chan error
}

type cmdSubscribe struct {
	principal collab.Principal
	origin    string
	sink      *sink.Sink
	reply     chan struct{}
}

type cmdRemoveUser struct {
	principal collab.Principal
	reply     chan struct{}
}

type cmdEncode struct {
	reply chan EncodeResult
}

type answerInitResult struct {
	diff []byte
	err  error
}

type cmdAnswerInit struct {
	stateVector []byte
	reply       chan answerInitResult
}

// Deps bundles a group's external collaborators, each a narrow interface
// so tests can substitute fakes.
type Deps struct {
	Engine    docengine.Engine
	Log       durablelog.Log
	Snapshots *snapshotstore.Store
	Collabs   *collabstore.Store
	Access    access.Resolver
	Leases    lease.Manager
	// Pool bounds concurrent rehydration work across the whole process.
	// Nil is a supported mode: rehydration then runs directly on the
	// group's own consumer goroutine.
	Pool *workerpool.Pool
}

// Group is one active collab's authoritative in-memory replica.
type Group struct {
	ID   collab.ID
	Kind collab.Kind
	deps Deps

	cmds  chan any
	ready chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	// Consumer-owned state: touched only by the run goroutine.
	doc           docengine.Document
	subscribers   map[collab.Principal]*subscriber
	lastActivity  time.Time
	hasSubscriber bool
	updateCounter int
	// lastLogID is the MessageID of the most recently appended
	// ChannelCollab durable-log entry folded into doc, used as the cursor
	// stamped onto the next snapshot so rehydration can skip straight past
	// it instead of replaying the whole retained log.
	lastLogID uint64
	logger    *log.Entry
}

// New creates a Group and starts its consumer goroutine. The returned
// Group is not ready for use until Ready() closes: the consumer first
// rehydrates from the snapshot store and durable log.
func New(ctx context.Context, id collab.ID, kind collab.Kind, deps Deps) *Group {
	var g = &Group{
		ID:          id,
		Kind:        kind,
		deps:        deps,
		cmds:        make(chan any, CommandQueueCapacity),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[collab.Principal]*subscriber),
		logger:      log.WithFields(log.Fields{"object": id.String(), "kind": kind.String()}),
	}
	go g.run(ctx)
	return g
}

// Ready returns a channel closed once rehydration has completed and the
// group is accepting commands.
func (g *Group) Ready() <-chan struct{} { return g.ready }

// Done returns a channel closed once the consumer has fully exited.
func (g *Group) Done() <-chan struct{} { return g.done }

// Stop closes the command channel, signalling the consumer to drain,
// flush, and exit. Safe to call more than once.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.cmds)
}

func (g *Group) send(cmd any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrEvicted
	}
	select {
	case g.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// HandleClientMessage is the main hot path: it authorises, applies,
// persists, and broadcasts each frame in order, returning the first
// error encountered (subsequent frames in the batch still run).
func (g *Group) HandleClientMessage(ctx context.Context, principal collab.Principal, origin string, frames []*wire.Frame) error {
	var reply = make(chan error, 1)
	if err := g.send(cmdHandleClientMessage{principal, origin, frames, reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a new subscriber. A pre-existing subscriber for the
// same principal is evicted first (its sink is closed asynchronously).
func (g *Group) Subscribe(ctx context.Context, principal collab.Principal, origin string, snk *sink.Sink) error {
	var reply = make(chan struct{}, 1)
	if err := g.send(cmdSubscribe{principal, origin, snk, reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveUser unsubscribes principal, if present.
func (g *Group) RemoveUser(ctx context.Context, principal collab.Principal) error {
	var reply = make(chan struct{}, 1)
	if err := g.send(cmdRemoveUser{principal, reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Encode returns the group's current encoded state and state vector, for
// answering an out-of-band init-sync request (e.g. a late HTTP fallback).
func (g *Group) Encode(ctx context.Context) (EncodeResult, error) {
	var reply = make(chan EncodeResult, 1)
	if err := g.send(cmdEncode{reply}); err != nil {
		return EncodeResult{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return EncodeResult{}, ctx.Err()
	}
}

// AnswerInit computes the update bytes needed to bring a remote replica
// summarised by stateVector up to date, without requiring the caller to
// already be a subscriber. Used by the HTTP POST fallback path, where an
// init-sync request arrives out of band of any live outbound sink.
func (g *Group) AnswerInit(ctx context.Context, stateVector []byte) ([]byte, error) {
	var reply = make(chan answerInitResult, 1)
	if err := g.send(cmdAnswerInit{stateVector, reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.diff, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Group) run(ctx context.Context) {
	if err := g.rehydrate(ctx); err != nil {
		g.logger.WithError(err).Error("group rehydration failed; starting empty")
	}
	g.doc = cmpOrNewDoc(g.doc, g.deps.Engine)
	g.setActivity(false)
	close(g.ready)

	var ticker = time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd, ok := <-g.cmds:
			if !ok {
				g.flushOnEvict(context.Background())
				close(g.done)
				return
			}
			g.dispatch(ctx, cmd)
		case <-ticker.C:
			g.tick(ctx)
		case <-ctx.Done():
			g.flushOnEvict(context.Background())
			close(g.done)
			return
		}
	}
}

func cmpOrNewDoc(doc docengine.Document, engine docengine.Engine) docengine.Document {
	if doc != nil {
		return doc
	}
	return engine.New()
}

func (g *Group) dispatch(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case cmdHandleClientMessage:
		c.reply <- g.handleClientMessage(ctx, c.principal, c.origin, c.frames)
	case cmdSubscribe:
		g.subscribe(c.principal, c.origin, c.sink)
		c.reply <- struct{}{}
	case cmdRemoveUser:
		g.removeUser(c.principal)
		c.reply <- struct{}{}
	case cmdEncode:
		c.reply <- g.encode()
	case cmdAnswerInit:
		var diff, err = g.doc.DiffSince(c.stateVector)
		c.reply <- answerInitResult{diff: diff, err: err}
	default:
		g.logger.Errorf("group: unknown command %T", cmd)
	}
}

func (g *Group) encode() EncodeResult {
	var state, _ = g.doc.Encode()
	var sv, _ = g.doc.StateVector()
	return EncodeResult{State: state, StateVector: sv}
}

func (g *Group) subscribe(principal collab.Principal, origin string, snk *sink.Sink) {
	if old, exists := g.subscribers[principal]; exists {
		g.logger.WithField("uid", principal.UID).Info("evicting prior subscription for principal")
		old.sink.Close()
	}
	g.subscribers[principal] = &subscriber{principal: principal, sink: snk, origin: origin}
	g.setActivity(true)
}

func (g *Group) removeUser(principal collab.Principal) {
	if sub, ok := g.subscribers[principal]; ok {
		sub.sink.Close()
		delete(g.subscribers, principal)
	}
	g.setActivity(len(g.subscribers) > 0)
}

// setActivity records the consumer's view of subscriber presence and the
// current time under mu, since Inactive is read from the sweeper
// goroutine concurrently with the consumer's writes.
func (g *Group) setActivity(hasSubscriber bool) {
	g.mu.Lock()
	g.hasSubscriber = hasSubscriber
	g.lastActivity = time.Now()
	g.mu.Unlock()
}

// Inactive reports whether this group is idle long enough to be swept,
// per its kind's idle timeout.
func (g *Group) Inactive(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.hasSubscriber && now.Sub(g.lastActivity) > g.Kind.IdleTimeout()
}

func (g *Group) tick(ctx context.Context) {
	if g.updateCounter > 0 {
		g.maybeSnapshot(ctx)
	}
}

// flushOnEvict waits briefly for outbound sinks to drain, then emits a
// final snapshot if there is unsaved progress.
func (g *Group) flushOnEvict(ctx context.Context) {
	var deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var pending = false
		for _, sub := range g.subscribers {
			if sub.sink.Depth() > 0 {
				pending = true
				break
			}
		}
		if !pending {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	for _, sub := range g.subscribers {
		sub.sink.Close()
	}
	if g.updateCounter > 0 {
		g.snapshotNow(ctx)
	}
}
