// Package access wraps the external Access Controller with an
// in-memory LRU cache. collab-core never implements authorization policy
// itself; Resolver is the seam to whatever system owns it.
package access

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/colabio/collab-core/internal/collab"
)

// Resolver answers the two permission questions the core needs. Real
// implementations call out to the access-control service; they may cache,
// but collab-core's own Controller caches regardless so a slow or
// rate-limited Resolver doesn't sit on the hot path.
type Resolver interface {
	CanSend(ctx context.Context, uid string, object collab.ID) (bool, error)
	CanRecv(ctx context.Context, uid string, object collab.ID) (bool, error)
}

type cacheKey struct {
	uid    string
	object collab.ID
	op     byte // 's' send, 'r' recv
}

type cacheEntry struct {
	allowed bool
	expires time.Time
}

// Controller is a caching Resolver. There is
// no explicit invalidation path for permission changes pushed mid-flight;
// staleness is bounded instead by a short per-entry TTL, so the Client
// Router's per-frame re-query converges quickly after a
// permission change.
type Controller struct {
	delegate Resolver
	ttl      time.Duration
	cache    *lru.Cache[cacheKey, cacheEntry]
}

// NewController wraps delegate with an LRU cache of the given size and a
// TTL after which an entry is re-resolved even on a cache hit.
func NewController(delegate Resolver, size int, ttl time.Duration) (*Controller, error) {
	var cache, err = lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Controller{delegate: delegate, ttl: ttl, cache: cache}, nil
}

func (c *Controller) resolve(ctx context.Context, op byte, uid string, object collab.ID) (bool, error) {
	var key = cacheKey{uid: uid, object: object, op: op}
	if entry, ok := c.cache.Get(key); ok && time.Now().Before(entry.expires) {
		return entry.allowed, nil
	}

	var allowed bool
	var err error
	if op == 's' {
		allowed, err = c.delegate.CanSend(ctx, uid, object)
	} else {
		allowed, err = c.delegate.CanRecv(ctx, uid, object)
	}
	if err != nil {
		return false, err
	}
	c.cache.Add(key, cacheEntry{allowed: allowed, expires: time.Now().Add(c.ttl)})
	return allowed, nil
}

// CanSend reports whether uid may write to object.
func (c *Controller) CanSend(ctx context.Context, uid string, object collab.ID) (bool, error) {
	return c.resolve(ctx, 's', uid, object)
}

// CanRecv reports whether uid may read broadcasts of object.
func (c *Controller) CanRecv(ctx context.Context, uid string, object collab.ID) (bool, error) {
	return c.resolve(ctx, 'r', uid, object)
}

var _ Resolver = (*Controller)(nil)

// AllowAll is a Resolver stand-in for a deployment that has no external
// access-control service wired up yet (e.g. a local/dev instance):
// every request is permitted. Production deployments should supply a
// real delegate to Controller instead.
type AllowAll struct{}

func (AllowAll) CanSend(ctx context.Context, uid string, object collab.ID) (bool, error) {
	return true, nil
}

func (AllowAll) CanRecv(ctx context.Context, uid string, object collab.ID) (bool, error) {
	return true, nil
}

var _ Resolver = AllowAll{}
