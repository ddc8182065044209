// Package config aggregates collabd's operational surface into the
// go-flags struct shape used throughout the mainboilerplate ecosystem:
// grouped, namespaced fields with long/env/default tags, composed with
// go.gazette.dev/core/mainboilerplate's own reusable groups for logging,
// diagnostics, and etcd connectivity.
package config

import (
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"
)

// Config is collabd's full command-line and environment surface.
type Config struct {
	Listen      ListenConfig          `group:"Listen" namespace:"listen" env-namespace:"LISTEN"`
	Collab      CollabConfig          `group:"Collab" namespace:"collab" env-namespace:"COLLAB"`
	Etcd        mbp.EtcdConfig        `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// ListenConfig configures the two listeners collabd exposes: the raw
// wire-frame socket used by live client connections, and the HTTP server
// carrying the init-sync POST fallback plus diagnostics.
type ListenConfig struct {
	Interface string `long:"interface" env:"INTERFACE" default:"" description:"Interface to bind; empty binds all interfaces"`
	FramePort uint16 `long:"frame-port" env:"FRAME_PORT" default:"7300" description:"Port serving the raw wire-frame protocol"`
	HTTPPort  uint16 `long:"http-port" env:"HTTP_PORT" default:"7301" description:"Port serving the init-sync HTTP POST fallback and diagnostics"`
}

// CollabConfig configures the collaborative-editing core itself.
type CollabConfig struct {
	SnapshotDBPath  string        `long:"snapshot-db" env:"SNAPSHOT_DB" default:"collab-snapshots.db" description:"SQLite path for the snapshot store"`
	SnapshotCap     int           `long:"snapshot-cap" env:"SNAPSHOT_CAP" default:"10" description:"Snapshots retained per object before pruning the oldest"`
	CollabDBPath    string        `long:"collab-db" env:"COLLAB_DB" default:"collab-records.db" description:"SQLite path for the authoritative collab record table"`
	MaxPayloadBytes int           `long:"max-payload-bytes" env:"MAX_PAYLOAD_BYTES" default:"1048576" description:"Largest frame the Outbound Sink builds when coalescing queued updates; merging stops before exceeding it"`
	DefaultAckTimeout time.Duration `long:"default-ack-timeout" env:"DEFAULT_ACK_TIMEOUT" default:"6s" description:"Outbound Sink ack timeout for small payloads"`
	TokenSecret     string        `long:"token-secret" env:"TOKEN_SECRET" required:"true" description:"HMAC secret verifying client bearer tokens"`
	AccessCacheSize int           `long:"access-cache-size" env:"ACCESS_CACHE_SIZE" default:"10000" description:"Entries held in the Access Controller's permission cache"`
	AccessCacheTTL  time.Duration `long:"access-cache-ttl" env:"ACCESS_CACHE_TTL" default:"30s" description:"Staleness bound on a cached permission answer"`
	DefaultKind     string        `long:"default-kind" env:"DEFAULT_KIND" default:"document" choice:"document" choice:"database" choice:"database_row" choice:"workspace_database" choice:"folder" choice:"user_awareness" description:"Kind assumed for an object-id with no persisted collab record yet"`
	UseEtcdLease    bool          `long:"use-etcd-lease" env:"USE_ETCD_LEASE" description:"Coordinate snapshot attempts across replicas via the configured Etcd cluster instead of in-process (single-replica) locking"`
}
