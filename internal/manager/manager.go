// Package manager implements the Group Manager: a registry of collab
// groups keyed by object-id, responsible for on-demand creation,
// idle-group sweeping, and broadcasting disconnects across every group a
// principal was subscribed to.
package manager

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/colabio/collab-core/internal/access"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/collabstore"
	"github.com/colabio/collab-core/internal/docengine"
	"github.com/colabio/collab-core/internal/durablelog"
	"github.com/colabio/collab-core/internal/group"
	"github.com/colabio/collab-core/internal/lease"
	"github.com/colabio/collab-core/internal/snapshotstore"
	"github.com/colabio/collab-core/internal/workerpool"
)

// SweepInterval is the sweeper's wake cadence.
const SweepInterval = 20 * time.Second

// SweepFirstDelay is how long the sweeper waits after boot before its
// first pass, giving recently rehydrated groups a chance to attract
// subscribers before being considered for eviction.
const SweepFirstDelay = 60 * time.Second

// SweepBatchSize bounds how many groups one sweep tick may evict, so a
// large idle backlog doesn't cause a tail-latency spike.
const SweepBatchSize = 5

// KindResolver maps an object-id to the collab Kind that governs its
// timeout and snapshot cadence. In production this is backed by the
// persistent Collab record (or a creation request carrying the kind
// explicitly); tests may use a fixed map.
type KindResolver interface {
	KindOf(ctx context.Context, id collab.ID) (collab.Kind, error)
}

// Deps are the collaborators every group the manager creates will share.
type Deps struct {
	Engine    docengine.Engine
	Log       durablelog.Log
	Snapshots *snapshotstore.Store
	Collabs   *collabstore.Store
	Access    access.Resolver
	Leases    lease.Manager
	Kinds     KindResolver
	// Pool is optional; nil means every group rehydrates directly on its
	// own consumer goroutine instead of a bounded shared pool.
	Pool *workerpool.Pool
}

// Manager owns the map from object-id to group handle.
type Manager struct {
	ctx  context.Context
	deps Deps

	mu     sync.Mutex
	groups map[collab.ID]*group.Group

	logger *log.Entry
}

// New returns a Manager bound to ctx: when ctx is cancelled every live
// group is also torn down.
func New(ctx context.Context, deps Deps) *Manager {
	return &Manager{
		ctx:    ctx,
		deps:   deps,
		groups: make(map[collab.ID]*group.Group),
		logger: log.WithField("component", "group-manager"),
	}
}

// Ensure returns the group handle for id, creating it (and spawning its
// consumer) if absent. Concurrent Ensure calls for the same object-id
// never race: the map entry is created and published under the same
// lock, and the caller always waits on Ready() before first use.
func (m *Manager) Ensure(ctx context.Context, id collab.ID) (*group.Group, error) {
	m.mu.Lock()
	if g, ok := m.groups[id]; ok {
		m.mu.Unlock()
		return g, nil
	}

	kind, err := m.deps.Kinds.KindOf(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	var g = group.New(m.ctx, id, kind, group.Deps{
		Engine:    m.deps.Engine,
		Log:       m.deps.Log,
		Snapshots: m.deps.Snapshots,
		Collabs:   m.deps.Collabs,
		Access:    m.deps.Access,
		Leases:    m.deps.Leases,
		Pool:      m.deps.Pool,
	})
	m.groups[id] = g
	m.mu.Unlock()

	select {
	case <-g.Ready():
		return g, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup returns the currently registered group for id without creating
// one, for callers that only want to act on a group if it already exists.
func (m *Manager) Lookup(id collab.ID) (*group.Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	return g, ok
}

// RemoveUserEverywhere unsubscribes principal from every currently
// registered group, used on client disconnect.
func (m *Manager) RemoveUserEverywhere(ctx context.Context, principal collab.Principal) {
	m.mu.Lock()
	var groups = make([]*group.Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		if err := g.RemoveUser(ctx, principal); err != nil {
			m.logger.WithError(err).Debug("remove-user-everywhere: group no longer reachable")
		}
	}
}

// InactiveGroupIDs returns up to limit object-ids whose groups are
// currently idle past their kind's timeout.
func (m *Manager) InactiveGroupIDs(limit int) []collab.ID {
	var now = time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []collab.ID
	for id, g := range m.groups {
		if len(ids) >= limit {
			break
		}
		if g.Inactive(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// evict removes id from the registry and stops its group. The group's own
// consumer drains, flushes, and exits asynchronously; evict does not wait
// for that to finish.
func (m *Manager) evict(id collab.ID) {
	m.mu.Lock()
	var g, ok = m.groups[id]
	if ok {
		delete(m.groups, id)
	}
	m.mu.Unlock()

	if ok {
		g.Stop()
	}
}

// RunSweeper blocks, running the periodic idle-group sweep until ctx is
// cancelled. Callers typically run it in its own goroutine (or under a
// supervised task.Group) for the manager's lifetime.
func (m *Manager) RunSweeper(ctx context.Context) {
	var timer = time.NewTimer(SweepFirstDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.sweepOnce()
			timer.Reset(SweepInterval)
		}
	}
}

func (m *Manager) sweepOnce() {
	for _, id := range m.InactiveGroupIDs(SweepBatchSize) {
		m.logger.WithField("object", id.String()).Info("sweeping idle group")
		m.evict(id)
	}
}

// Len reports the number of currently registered groups, for tests and
// operational introspection.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}
