// Package durablelog defines the append-only event stream of the Durable
// Log: every update must be appended to it before it is broadcast.
// collab-core ships two implementations: memlog, an in-process ring
// buffer for tests and local/dev mode, and a production adapter over
// go.gazette.dev/core/broker/client journals.
package durablelog

import (
	"context"

	"github.com/minio/highwayhash"
)

// checksumKey is a fixed 32-byte HighwayHash key, shared by every Log
// implementation. It need not be secret: the checksum exists to catch
// truncation/corruption of a replayed tail segment, not to authenticate it.
var checksumKey = [32]byte{}

// Checksum returns payload's HighwayHash checksum, the same value every
// Log implementation stamps into Entry.Checksum on Append. A reader
// (rehydration's log replay, in particular) recomputes this independently
// to detect a truncated or corrupted tail record without needing a full
// docengine decode to find out.
func Checksum(payload []byte) uint64 {
	return highwayhash.Sum64(payload, checksumKey[:])
}

// Channel distinguishes collab updates from awareness updates within one
// object's stream.
type Channel string

const (
	ChannelCollab    Channel = "collab"
	ChannelAwareness Channel = "awareness"
)

// StreamKey addresses one durable-log stream.
type StreamKey struct {
	WorkspaceID string
	ObjectID    string
	Channel     Channel
}

// JournalName renders the stream key using the naming scheme
// af_collab_update-{workspace}-{object}; the Channel is not part of the
// name. memlog keeps a separate stream per full StreamKey, channel
// included. gazettelog appends both channels to the one journal and does
// not store the channel in the record: entries it reads carry the
// reader's key.Channel.
func (k StreamKey) JournalName() string {
	return "af_collab_update-" + k.WorkspaceID + "-" + k.ObjectID
}

// ControlStreamName is the shared control stream capped at 1000 entries
// used for cross-cutting signals like forced eviction.
const ControlStreamName = "af_collab_control"

// Entry is one appended record. MessageID is server-assigned and
// monotonic within a stream; "since" cursors are derived from it.
type Entry struct {
	MessageID uint64
	Origin    string
	Channel   Channel
	Payload   []byte
	Checksum  uint64
}

// Log is the durable append-only log contract.
type Log interface {
	// Append writes payload under key, assigned the next MessageID, and
	// returns it. Append must not return until the write is durable:
	// broadcast must never precede durability.
	Append(ctx context.Context, key StreamKey, origin string, payload []byte) (messageID uint64, err error)

	// Read returns entries with MessageID > sinceID, oldest first, up to
	// count entries.
	Read(ctx context.Context, key StreamKey, sinceID uint64, count int) ([]Entry, error)
}
