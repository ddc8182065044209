package group

import (
	"context"
	"fmt"
	"time"

	"github.com/colabio/collab-core/internal/cerrors"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/durablelog"
	"github.com/colabio/collab-core/internal/sink"
	"github.com/colabio/collab-core/internal/wire"
)

// handleClientMessage runs the authorise -> classify -> apply -> persist
// -> broadcast -> touch pipeline for each frame in order. It returns the
// first error encountered; later frames in the batch still run, matching
// the rest of the pipeline's "continue on a single bad frame" posture.
func (g *Group) handleClientMessage(ctx context.Context, principal collab.Principal, origin string, frames []*wire.Frame) error {
	var firstErr error
	for _, f := range frames {
		if err := g.handleOne(ctx, principal, origin, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.setActivity(len(g.subscribers) > 0)
	return firstErr
}

func (g *Group) handleOne(ctx context.Context, principal collab.Principal, origin string, f *wire.Frame) error {
	switch f.Kind {
	case wire.KindAck:
		if sub, ok := g.subscribers[principal]; ok && f.MsgID != nil {
			sub.sink.Acknowledge(*f.MsgID)
		}
		return nil
	case wire.KindInitSync:
		return g.handleInitSync(principal, f)
	case wire.KindUpdate:
		return g.handleUpdate(ctx, principal, origin, f, durablelog.ChannelCollab, sink.PriorityUpdate)
	case wire.KindAwareness:
		return g.handleUpdate(ctx, principal, origin, f, durablelog.ChannelAwareness, sink.PriorityAwareness)
	default:
		return fmt.Errorf("group: unexpected frame kind %s: %w", f.Kind, cerrors.ErrInvariantViolation)
	}
}

// handleInitSync always accepts: it computes the diff from the client's
// reported state vector and enqueues it on the requesting subscriber's
// own sink as an Init message, displacing whatever else was queued there.
func (g *Group) handleInitSync(principal collab.Principal, f *wire.Frame) error {
	var sub, ok = g.subscribers[principal]
	if !ok {
		return fmt.Errorf("group: init-sync from unsubscribed principal: %w", cerrors.ErrInvariantViolation)
	}

	var diff, err = g.doc.DiffSince(f.Payload)
	if err != nil {
		return fmt.Errorf("group: computing init-sync diff: %w", err)
	}

	var objectID = g.ID.ObjectID
	var _, _, enqueueErr = sub.sink.EnqueueInit(func(msgID uint64) ([]byte, bool, error) {
		var encoded, encErr = wire.Encode(&wire.Frame{
			ObjectID: objectID,
			MsgID:    &msgID,
			Kind:     wire.KindInitSync,
			Origin:   sub.origin,
			Payload:  diff,
		})
		return encoded, false, encErr
	})
	return enqueueErr
}

// handleUpdate authorises, applies, persists, and broadcasts one Update
// or Awareness frame. On permission denial it is dropped silently, per
// the same rule the broadcast path uses: the client's own local state
// still reflects its edit, but the server and its peers never see it.
func (g *Group) handleUpdate(ctx context.Context, principal collab.Principal, origin string, f *wire.Frame, channel durablelog.Channel, priority sink.Priority) error {
	var allowed, err = g.deps.Access.CanSend(ctx, principal.UID, g.ID)
	if err != nil {
		return fmt.Errorf("group: checking send permission: %w", err)
	}
	if !allowed {
		g.logger.WithField("uid", principal.UID).Debug("dropping update: permission denied")
		return nil
	}

	if err := g.doc.ApplyUpdate(f.Payload); err != nil {
		return fmt.Errorf("group: applying update: %w", cerrors.ErrInvariantViolation)
	}
	g.updateCounter++

	var key = durablelog.StreamKey{WorkspaceID: g.ID.WorkspaceID, ObjectID: g.ID.ObjectID, Channel: channel}
	var messageID, appendErr = g.deps.Log.Append(ctx, key, origin, f.Payload)
	if appendErr != nil {
		// Persistence precedes visibility: an append failure must not
		// broadcast, even though the update is already applied locally.
		return fmt.Errorf("group: appending to durable log: %w", cerrors.ErrTransient)
	}
	if channel == durablelog.ChannelCollab {
		// Rehydration only replays ChannelCollab, so only its cursor is
		// meaningful as a snapshot's replay-resume point.
		g.lastLogID = messageID
	}

	g.broadcast(origin, f, priority)

	if g.updateCounter >= g.Kind.SnapshotThreshold() {
		g.maybeSnapshot(ctx)
	}
	return nil
}

// broadcast fans the frame out to every subscriber but the originating
// one, via each subscriber's own outbound sink.
func (g *Group) broadcast(origin string, f *wire.Frame, priority sink.Priority) {
	var objectID = g.ID.ObjectID
	var payload = f.Payload
	var kind = f.Kind

	for _, sub := range g.subscribers {
		if sub.origin == origin {
			continue
		}
		var recvAllowed, err = g.deps.Access.CanRecv(context.Background(), sub.principal.UID, g.ID)
		if err != nil || !recvAllowed {
			continue
		}
		var _, enqueueErr = sub.sink.Enqueue(priority, true, func(msgID uint64) ([]byte, bool, error) {
			var encoded, encErr = wire.Encode(&wire.Frame{
				ObjectID: objectID,
				MsgID:    &msgID,
				Kind:     kind,
				Origin:   origin,
				Payload:  payload,
			})
			return encoded, true, encErr
		})
		if enqueueErr != nil {
			g.logger.WithError(enqueueErr).Warn("broadcast enqueue failed")
		}
	}
}

// maybeSnapshot attempts to acquire the snapshot lease; on contention it
// yields without error (another replica is already snapshotting).
func (g *Group) maybeSnapshot(ctx context.Context) {
	var handle, ok, err = g.deps.Leases.Acquire(ctx, g.ID)
	if err != nil {
		g.logger.WithError(err).Warn("snapshot lease acquisition failed")
		return
	}
	if !ok {
		return
	}
	defer handle.Release(context.Background())
	g.snapshotNow(ctx)
}

func (g *Group) snapshotNow(ctx context.Context) {
	var state, err = g.doc.Snapshot()
	if err != nil {
		g.logger.WithError(err).Warn("snapshot encode failed")
		return
	}
	var sv, svErr = g.doc.StateVector()
	if svErr != nil {
		g.logger.WithError(svErr).Warn("state vector encode failed")
		return
	}
	var snapshotID = fmt.Sprintf("%s-%d", g.ID.ObjectID, time.Now().UnixNano())
	if err := g.deps.Snapshots.Put(ctx, g.ID, snapshotID, state, sv, g.lastLogID); err != nil {
		g.logger.WithError(err).Warn("snapshot write failed")
		return
	}
	if err := g.deps.Collabs.Upsert(ctx, recordFromSnapshot(g.ID, g.Kind, state, sv)); err != nil {
		g.logger.WithError(err).Warn("collab record upsert failed")
	}
	g.updateCounter = 0
}
