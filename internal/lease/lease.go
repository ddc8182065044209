// Package lease coordinates snapshot attempts across process replicas so
// that at most one of them writes a given object's snapshot at a time. It
// is a thin wrapper over go.etcd.io/etcd/client/v3, the same etcd client
// used elsewhere in this module for journal/shard key spaces.
package lease

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/colabio/collab-core/internal/collab"
)

// TTL is the lease duration granted for a snapshot attempt. A holder that
// does not release within this window (e.g. it crashed mid-snapshot) frees
// the object for another replica to try.
const TTL = 60 * time.Second

// Manager grants short leases used to serialize snapshot attempts for an
// object across replicas.
type Manager interface {
	// Acquire attempts to take the snapshot lease for object. ok is false
	// if another holder currently has it; callers should skip the
	// snapshot attempt rather than wait.
	Acquire(ctx context.Context, object collab.ID) (h Handle, ok bool, err error)
}

// Handle must be released by whoever acquired it, normally via a deferred
// Release once the snapshot attempt (successful or not) is finished.
type Handle interface {
	Release(ctx context.Context) error
}

func keyFor(object collab.ID) string {
	return fmt.Sprintf("af:%s:%s:snapshot_lease", object.WorkspaceID, object.ObjectID)
}

// EtcdManager is the production Manager, backed by etcd's lease primitive:
// Grant ties a TTL to a LeaseID, and a Txn only installs the lease's owner
// key if it doesn't already exist, so contention resolves to exactly one
// winner.
type EtcdManager struct {
	client *clientv3.Client
}

// NewEtcdManager returns a Manager that grants leases through client.
func NewEtcdManager(client *clientv3.Client) *EtcdManager {
	return &EtcdManager{client: client}
}

type etcdHandle struct {
	client  *clientv3.Client
	key     string
	leaseID clientv3.LeaseID
}

// Acquire grants a TTL lease and attempts to install it as the sole owner
// key for object. If a live owner key already exists, ok is false and the
// granted lease is immediately revoked rather than left to expire idle.
func (m *EtcdManager) Acquire(ctx context.Context, object collab.ID) (Handle, bool, error) {
	var key = keyFor(object)

	var grant, err = m.client.Grant(ctx, int64(TTL.Seconds()))
	if err != nil {
		return nil, false, fmt.Errorf("lease: granting: %w", err)
	}

	var txn = m.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grant.ID))).
		Else()

	resp, err := txn.Commit()
	if err != nil {
		_, _ = m.client.Revoke(ctx, grant.ID)
		return nil, false, fmt.Errorf("lease: committing: %w", err)
	}
	if !resp.Succeeded {
		_, _ = m.client.Revoke(ctx, grant.ID)
		return nil, false, nil
	}

	return &etcdHandle{client: m.client, key: key, leaseID: grant.ID}, true, nil
}

// Release revokes the lease, which both removes the owner key and frees
// the object for the next attempt immediately instead of waiting out the
// TTL.
func (h *etcdHandle) Release(ctx context.Context) error {
	if _, err := h.client.Revoke(ctx, h.leaseID); err != nil {
		return fmt.Errorf("lease: revoking: %w", err)
	}
	return nil
}

var _ Manager = (*EtcdManager)(nil)
