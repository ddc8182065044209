package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/colabio/collab-core/internal/cerrors"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/collabstore"
)

// StoreKindResolver resolves a Kind from the persistent Collab record
// when one already exists, and falls back to a configured default for an
// object-id the store has never seen, since Ensure may race ahead of any
// explicit create-with-kind call for a brand new object.
type StoreKindResolver struct {
	Collabs *collabstore.Store
	Default collab.Kind
}

func (r StoreKindResolver) KindOf(ctx context.Context, id collab.ID) (collab.Kind, error) {
	var rec, err = r.Collabs.Get(ctx, id)
	switch {
	case err == nil:
		return rec.Kind, nil
	case errors.Is(err, cerrors.ErrNotFound):
		return r.Default, nil
	default:
		return 0, fmt.Errorf("manager: resolving kind for %s: %w", id, err)
	}
}

var _ KindResolver = StoreKindResolver{}
