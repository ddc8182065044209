// Package docengine defines the contract a CRDT/OT document engine must
// satisfy; the algebra itself is treated as opaque. collab-core ships one
// reference implementation, jsonengine, suitable for tests and simple
// deployments; production systems may substitute a real CRDT engine
// behind the same interface.
package docengine

// Engine is the document-engine contract. Implementations must be safe for
// sequential use by a single Collab Group consumer; collab-core never calls
// an Engine from more than one goroutine at a time for a given document.
type Engine interface {
	// New returns an empty document of this engine's type.
	New() Document
}

// Document is one collab's in-memory replica.
type Document interface {
	// Encode returns the document's full opaque encoded state.
	Encode() ([]byte, error)

	// Decode replaces the document's state with the given encoded bytes.
	// Used during rehydration from a snapshot.
	Decode(encoded []byte) error

	// StateVector returns a compact summary of updates this replica has
	// integrated. The vector must accurately summarise
	// Encode()'s output).
	StateVector() ([]byte, error)

	// ApplyUpdate integrates an incoming update. It must be idempotent:
	// applying the same update bytes twice is equivalent to applying it
	// once, which makes replay safe
	// during rehydration).
	ApplyUpdate(update []byte) error

	// DiffSince returns the update bytes needed to bring a replica whose
	// state is summarised by sv up to this document's current state. Used
	// to answer init-sync requests.
	DiffSince(sv []byte) ([]byte, error)

	// Snapshot returns the same bytes as Encode, named distinctly because
	// callers invoke it specifically for the durable snapshot store.
	Snapshot() ([]byte, error)
}
