package lease

import (
	"context"
	"sync"

	"github.com/colabio/collab-core/internal/collab"
)

// MemManager is an in-process Manager for tests and for single-replica
// deployments that have no etcd cluster to coordinate against.
type MemManager struct {
	mu      sync.Mutex
	holders map[string]struct{}
}

// NewMemManager returns an empty MemManager.
func NewMemManager() *MemManager {
	return &MemManager{holders: make(map[string]struct{})}
}

type memHandle struct {
	m   *MemManager
	key string
}

// Acquire installs object's key as held if no one currently holds it.
func (m *MemManager) Acquire(ctx context.Context, object collab.ID) (Handle, bool, error) {
	var key = keyFor(object)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.holders[key]; held {
		return nil, false, nil
	}
	m.holders[key] = struct{}{}
	return &memHandle{m: m, key: key}, true, nil
}

// Release frees the key for the next acquirer.
func (h *memHandle) Release(ctx context.Context) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	delete(h.m.holders, h.key)
	return nil
}

var _ Manager = (*MemManager)(nil)
