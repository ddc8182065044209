// Package router implements the Client Router: one instance per transport
// connection, multiplexing many objects' traffic over a single outbound
// connection and re-checking permissions on every message rather than
// once at connection time.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/colabio/collab-core/internal/access"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/manager"
	"github.com/colabio/collab-core/internal/sink"
	"github.com/colabio/collab-core/internal/wire"
)

// RawTransport is the physical connection's outbound half, shared by every
// object channel this router opens. It is the same narrow surface
// sink.Transport expects; router wraps it per object so a permission
// check can run before each send.
type RawTransport interface {
	TrySend(payload []byte) (ok bool, err error)
}

// channel is one object's half of this router: an outbound sink and the
// bookkeeping needed to tear it down.
type channel struct {
	objectID collab.ID
	snk      *sink.Sink
}

// Router multiplexes one transport connection across many objects for a
// single connected principal.
type Router struct {
	Principal collab.Principal
	Origin    string

	transport RawTransport
	manager   *manager.Manager
	access    access.Resolver

	defaultTimeout  time.Duration
	maxPayloadBytes int

	logger *log.Entry

	mu       sync.Mutex
	channels map[collab.ID]*channel
	closed   bool
}

// New returns a Router for one connection belonging to principal. origin
// is the CRDT-level identity this connection's own updates carry, used by
// every group it subscribes to for self-echo suppression.
func New(principal collab.Principal, origin string, transport RawTransport, mgr *manager.Manager, acc access.Resolver, defaultTimeout time.Duration, maxPayloadBytes int) *Router {
	return &Router{
		Principal:       principal,
		Origin:          origin,
		transport:       transport,
		manager:         mgr,
		access:          acc,
		defaultTimeout:  defaultTimeout,
		maxPayloadBytes: maxPayloadBytes,
		logger:          log.WithField("uid", principal.UID).WithField("device", principal.DeviceID),
		channels:        make(map[collab.ID]*channel),
	}
}

// filteringTransport re-evaluates CanRecv for object before every send,
// so a permission downgrade that lands mid-session takes effect on the
// very next outbound message rather than waiting for the sink to be torn
// down and rebuilt.
type filteringTransport struct {
	base   RawTransport
	access access.Resolver
	uid    string
	object collab.ID
}

func (t *filteringTransport) TrySend(payload []byte) (bool, error) {
	var allowed, err = t.access.CanRecv(context.Background(), t.uid, t.object)
	if err != nil {
		return false, fmt.Errorf("router: checking recv permission: %w", err)
	}
	if !allowed {
		// Permission was revoked since subscribing: this attempt is not
		// written to the wire but is reported as sent. The sink then
		// waits for an ack that never comes, so after each ack timeout it
		// re-attempts the same message, which stays at the head of the
		// queue until recv permission returns.
		return true, nil
	}
	return t.base.TrySend(payload)
}

// OpenChannel ensures the group for object exists and subscribes this
// router's outbound sink to it, evicting any previous channel this
// router already held open for the same object.
func (r *Router) OpenChannel(ctx context.Context, id collab.ID) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("router: closed")
	}
	if existing, ok := r.channels[id]; ok {
		existing.snk.Close()
		delete(r.channels, id)
	}
	r.mu.Unlock()

	var g, err = r.manager.Ensure(ctx, id)
	if err != nil {
		return fmt.Errorf("router: ensuring group %s: %w", id, err)
	}

	var snk = sink.New(ctx, id.String(), &filteringTransport{
		base:   r.transport,
		access: r.access,
		uid:    r.Principal.UID,
		object: id,
	}, r.defaultTimeout, r.maxPayloadBytes)

	if err := g.Subscribe(ctx, r.Principal, r.Origin, snk); err != nil {
		snk.Close()
		return fmt.Errorf("router: subscribing to group %s: %w", id, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		snk.Close()
		_ = g.RemoveUser(ctx, r.Principal)
		return fmt.Errorf("router: closed")
	}
	r.channels[id] = &channel{objectID: id, snk: snk}
	r.mu.Unlock()

	return nil
}

// HandleInbound applies the stream-filter (CanSend, exempt for
// init-sync requests so a read-only subscriber can still catch up) and
// forwards the surviving frames to the object's group command loop.
func (r *Router) HandleInbound(ctx context.Context, id collab.ID, frames []*wire.Frame) error {
	var writeFrames = make([]*wire.Frame, 0, len(frames))
	for _, f := range frames {
		if f.Kind == wire.KindInitSync {
			writeFrames = append(writeFrames, f)
			continue
		}
		var allowed, err = r.access.CanSend(ctx, r.Principal.UID, id)
		if err != nil {
			return fmt.Errorf("router: checking send permission: %w", err)
		}
		if !allowed {
			r.logger.WithField("object", id.String()).Debug("dropping frame: send permission denied")
			continue
		}
		writeFrames = append(writeFrames, f)
	}
	if len(writeFrames) == 0 {
		return nil
	}

	g, err := r.manager.Ensure(ctx, id)
	if err != nil {
		return fmt.Errorf("router: ensuring group %s: %w", id, err)
	}
	return g.HandleClientMessage(ctx, r.Principal, r.Origin, writeFrames)
}

// CloseChannel tears down the outbound sink for a single object without
// closing the whole router.
func (r *Router) CloseChannel(ctx context.Context, id collab.ID) {
	r.mu.Lock()
	var ch, ok = r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ch.snk.Close()
	if g, found := r.manager.Lookup(id); found {
		_ = g.RemoveUser(ctx, r.Principal)
	}
}

// Close tears down every open channel and removes this router's
// principal from every group it was subscribed to. Close is what a
// connection-replacement handoff calls on the router it is displacing,
// per the no-orphan-subscriber guarantee.
func (r *Router) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var channels = r.channels
	r.channels = nil
	r.mu.Unlock()

	for _, ch := range channels {
		ch.snk.Close()
	}
	r.manager.RemoveUserEverywhere(ctx, r.Principal)
}
