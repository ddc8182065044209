// Package frontend implements the Command Front-End: it reads inbound
// wire frames off one connection and dispatches each to the right
// object's group command loop, lazily opening that object's channel on
// the connection's Client Router the first time a frame for it arrives.
package frontend

import (
	"bufio"
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/router"
	"github.com/colabio/collab-core/internal/wire"
)

// Registry tracks the one live Router per connected principal, so a
// reconnect can find and evict whatever router the same principal
// already held open rather than leaving it as an orphan subscriber on
// every group it touched.
type Registry struct {
	mu      sync.Mutex
	routers map[collab.Principal]*router.Router
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{routers: make(map[collab.Principal]*router.Router)}
}

// Attach records r as the current router for principal, closing and
// replacing whatever router previously held that slot.
func (reg *Registry) Attach(ctx context.Context, principal collab.Principal, r *router.Router) {
	reg.mu.Lock()
	var prior = reg.routers[principal]
	reg.routers[principal] = r
	reg.mu.Unlock()

	if prior != nil {
		prior.Close(ctx)
	}
}

// Detach removes r as the registered router for principal, but only if it
// is still the current one (a newer connection may have already replaced
// it, in which case this is a no-op).
func (reg *Registry) Detach(principal collab.Principal, r *router.Router) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.routers[principal] == r {
		delete(reg.routers, principal)
	}
}

// Dispatcher binds one connection's Router to its inbound frame stream.
type Dispatcher struct {
	workspaceID string
	router      *router.Router

	mu     sync.Mutex
	opened map[collab.ID]bool

	logger *log.Entry
}

// NewDispatcher returns a Dispatcher that opens channels on r as needed for
// connections belonging to workspaceID.
func NewDispatcher(workspaceID string, r *router.Router) *Dispatcher {
	return &Dispatcher{
		workspaceID: workspaceID,
		router:      r,
		opened:      make(map[collab.ID]bool),
		logger:      log.WithField("workspace", workspaceID),
	}
}

// Dispatch routes a single inbound frame, opening its object's channel on
// first sight.
func (d *Dispatcher) Dispatch(ctx context.Context, f *wire.Frame) error {
	var id = collab.ID{WorkspaceID: d.workspaceID, ObjectID: f.ObjectID}

	d.mu.Lock()
	var firstSight = !d.opened[id]
	if firstSight {
		d.opened[id] = true
	}
	d.mu.Unlock()

	if firstSight {
		if err := d.router.OpenChannel(ctx, id); err != nil {
			d.mu.Lock()
			delete(d.opened, id)
			d.mu.Unlock()
			return err
		}
	}

	return d.router.HandleInbound(ctx, id, []*wire.Frame{f})
}

// ServeConn reads length-prefixed frames from br until it errors (normally
// on connection close) or ctx is cancelled, dispatching each in turn. A
// per-frame dispatch error is logged and does not end the connection: a
// bad or denied frame should not take down the whole session.
func (d *Dispatcher) ServeConn(ctx context.Context, br *bufio.Reader) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f, err = wire.ReadFrame(br)
		if err != nil {
			return err
		}
		if err := d.Dispatch(ctx, f); err != nil {
			d.logger.WithError(err).WithField("object", f.ObjectID).Warn("dropping frame: dispatch failed")
		}
	}
}

// Close tears down every channel this dispatcher ever opened, by closing
// the underlying router.
func (d *Dispatcher) Close(ctx context.Context) {
	d.router.Close(ctx)
}
