// Package collab defines the core data types shared across the group
// manager, outbound sink, and durable-log adapters: the identity of a
// collaborative object, its kind-specific lifecycle parameters, and the
// principal of a connected client.
package collab

import (
	"fmt"
	"time"
)

// ID identifies a collab globally. WorkspaceID is the tenant scope and
// ObjectID is opaque and unique within it. Once a Collab Record exists for
// an ObjectID, its WorkspaceID is immutable once a Collab Record exists.
type ID struct {
	WorkspaceID string
	ObjectID    string
}

func (id ID) String() string { return id.WorkspaceID + "/" + id.ObjectID }

// Kind determines a collab's eviction timeout and snapshot cadence.
type Kind int

const (
	KindDocument Kind = iota
	KindDatabase
	KindDatabaseRow
	KindWorkspaceDatabase
	KindFolder
	KindUserAwareness
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindDatabase:
		return "database"
	case KindDatabaseRow:
		return "database_row"
	case KindWorkspaceDatabase:
		return "workspace_database"
	case KindFolder:
		return "folder"
	case KindUserAwareness:
		return "user_awareness"
	default:
		return "unknown"
	}
}

// ParseKind maps a Kind's string form back to its value, for config flags
// and persisted records that carry kinds as text.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "document":
		return KindDocument, nil
	case "database":
		return KindDatabase, nil
	case "database_row":
		return KindDatabaseRow, nil
	case "workspace_database":
		return KindWorkspaceDatabase, nil
	case "folder":
		return KindFolder, nil
	case "user_awareness":
		return KindUserAwareness, nil
	default:
		return 0, fmt.Errorf("collab: unrecognized kind %q", s)
	}
}

// IdleTimeout is the duration a group of this kind may sit without a
// subscriber before the sweeper evicts it.
func (k Kind) IdleTimeout() time.Duration {
	switch k {
	case KindDocument:
		return 10 * time.Minute
	case KindDatabase, KindDatabaseRow:
		return 60 * time.Minute
	case KindWorkspaceDatabase, KindFolder, KindUserAwareness:
		return 120 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// SnapshotThreshold is the number of applied updates that triggers a
// snapshot attempt for this kind.
func (k Kind) SnapshotThreshold() int {
	switch k {
	case KindDocument:
		return 100
	case KindDatabase:
		return 20
	case KindDatabaseRow:
		return 10
	case KindFolder:
		return 20
	case KindUserAwareness:
		return 50
	default:
		return 100
	}
}

// Principal identifies a connected client: a user and the device they're
// connected from. A group holds at most one Subscriber per Principal.
type Principal struct {
	UID      string
	DeviceID string
}

// Record is the authoritative persistent row for a Collab.
type Record struct {
	ID         ID
	Kind       Kind
	Blob       []byte
	StateVector []byte
	OwnerUID   string
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}
