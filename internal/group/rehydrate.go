package group

import (
	"context"
	"time"

	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/durablelog"
)

// rehydrate is the sole path by which a client sees state across server
// restarts: it loads the most recent snapshot (if any), replays durable
// log entries after the snapshot's cursor, and only then the group
// signals readiness. When a worker pool is configured, the actual work
// runs on it instead of this goroutine, bounding how many objects rehydrate
// concurrently across the whole process.
func (g *Group) rehydrate(ctx context.Context) error {
	if g.deps.Pool == nil {
		return g.rehydrateNow(ctx)
	}
	var err error
	g.deps.Pool.Run(g.ID.String(), func() { err = g.rehydrateNow(ctx) })
	return err
}

func (g *Group) rehydrateNow(ctx context.Context) error {
	var doc = g.deps.Engine.New()
	var sinceID uint64

	if snap, ok, err := g.deps.Snapshots.Latest(ctx, g.ID); err != nil {
		return err
	} else if ok {
		if err := doc.Decode(snap.State); err != nil {
			return err
		}
		sinceID = snap.Cursor
	}

	var key = durablelog.StreamKey{WorkspaceID: g.ID.WorkspaceID, ObjectID: g.ID.ObjectID, Channel: durablelog.ChannelCollab}
replay:
	for {
		var entries, err = g.deps.Log.Read(ctx, key, sinceID, 500)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if e.Checksum != durablelog.Checksum(e.Payload) {
				// A checksum mismatch means this and every later entry in
				// the stream may be a truncated/corrupt tail write; stop
				// replaying rather than risk applying garbage.
				g.logger.WithField("messageID", e.MessageID).Warn("durable-log checksum mismatch; stopping replay")
				break replay
			}
			// ApplyUpdate is idempotent, so replaying an entry that was
			// already folded into the loaded snapshot is harmless.
			if err := doc.ApplyUpdate(e.Payload); err != nil {
				g.logger.WithError(err).Warn("skipping corrupt durable-log entry during rehydration")
				continue
			}
			sinceID = e.MessageID
		}
		if len(entries) < 500 {
			break
		}
	}

	g.doc = doc
	g.lastLogID = sinceID
	return nil
}

// recordFromSnapshot builds the collabstore.Record written alongside a
// successful snapshot, keeping the persistent Collab row's blob/state
// vector in step with the durable snapshot just taken.
func recordFromSnapshot(id collab.ID, kind collab.Kind, state, stateVector []byte) collab.Record {
	return collab.Record{
		ID:          id,
		Kind:        kind,
		Blob:        state,
		StateVector: stateVector,
		UpdatedAt:   time.Now(),
	}
}
