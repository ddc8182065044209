// Package jsonengine is a reference docengine.Engine: a flat,
// last-writer-wins JSON object keyed by top-level field name. It exists so
// collab-core's group/sink/manager logic can be exercised end-to-end
// without depending on a real CRDT library; it is not intended as a
// production document algebra.
package jsonengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/colabio/collab-core/internal/docengine"
)

// Engine constructs empty jsonengine Documents.
type Engine struct{}

var _ docengine.Engine = Engine{}

// field is one LWW register: a value and the logical clock that wrote it.
type field struct {
	Value json.RawMessage `json:"v"`
	Clock uint64          `json:"c"`
}

// Document is a flat last-writer-wins JSON object.
type Document struct {
	fields map[string]field
}

var _ docengine.Document = (*Document)(nil)

// New returns an empty Document.
func (Engine) New() docengine.Document {
	return &Document{fields: make(map[string]field)}
}

// Set assigns key to value at the given logical clock and returns the
// update bytes that carry the change, for a caller simulating a local
// client edit. clock must be strictly greater than any previously observed
// clock for key to take effect once applied.
func (d *Document) Set(key string, value json.RawMessage, clock uint64) ([]byte, error) {
	var upd = map[string]field{key: {Value: value, Clock: clock}}
	var out, err = json.Marshal(upd)
	if err != nil {
		return nil, err
	}
	// Apply locally too, so the caller's own replica reflects the edit
	// immediately (mirrors a client applying its own optimistic update).
	if err := d.ApplyUpdate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyMergePatch accepts an RFC 7396 JSON merge patch (a client sending a
// partial document rather than an explicit field list, e.g. a form
// autosave), resolves it against the document's current flattened values,
// and applies the resulting per-field changes at clock exactly as Set
// would. It returns the update bytes covering only the fields the patch
// actually changed, so an unrelated field untouched by the patch doesn't
// get re-broadcast. A merge-patch null removing a key is not reflected as
// a deletion here: this engine's fields are append-only LWW registers with
// no tombstone, so a nulled-out key keeps its current value and the patch
// produces no update for it.
func (d *Document) ApplyMergePatch(patch []byte, clock uint64) ([]byte, error) {
	var current = make(map[string]json.RawMessage, len(d.fields))
	for k, f := range d.fields {
		current[k] = f.Value
	}
	currentBytes, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}

	merged, err := jsonpatch.MergePatch(currentBytes, patch)
	if err != nil {
		return nil, fmt.Errorf("jsonengine: applying merge patch: %w", err)
	}
	var mergedFields map[string]json.RawMessage
	if err := json.Unmarshal(merged, &mergedFields); err != nil {
		return nil, err
	}

	var upd = make(map[string]field)
	for k, v := range mergedFields {
		if cur, ok := current[k]; !ok || !bytes.Equal(cur, v) {
			upd[k] = field{Value: v, Clock: clock}
		}
	}
	var out, outErr = json.Marshal(upd)
	if outErr != nil {
		return nil, outErr
	}
	if err := d.ApplyUpdate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode returns the document's full state as {key: {v, c}}.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d.fields)
}

// Decode replaces the document's state wholesale, used when rehydrating
// from a snapshot.
func (d *Document) Decode(encoded []byte) error {
	var fields = make(map[string]field)
	if len(encoded) > 0 {
		if err := json.Unmarshal(encoded, &fields); err != nil {
			return err
		}
	}
	d.fields = fields
	return nil
}

// StateVector returns {key: clock} for every field currently held.
func (d *Document) StateVector() ([]byte, error) {
	var sv = make(map[string]uint64, len(d.fields))
	for k, f := range d.fields {
		sv[k] = f.Clock
	}
	return json.Marshal(sv)
}

// ApplyUpdate merges incoming {key: {v, c}} entries, keeping the
// higher-clock value per key. Idempotent: re-applying the same bytes never
// changes state, since the incoming clock never exceeds the one already
// stored from the first application.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	var incoming = make(map[string]field)
	if err := json.Unmarshal(update, &incoming); err != nil {
		return err
	}
	for k, in := range incoming {
		if cur, ok := d.fields[k]; !ok || in.Clock > cur.Clock {
			d.fields[k] = in
		}
	}
	return nil
}

// DiffSince returns the subset of fields whose clock exceeds the one
// recorded in sv (a StateVector), i.e. what a replica summarised by sv is
// missing.
func (d *Document) DiffSince(sv []byte) ([]byte, error) {
	var have = make(map[string]uint64)
	if len(sv) > 0 {
		if err := json.Unmarshal(sv, &have); err != nil {
			return nil, err
		}
	}
	var diff = make(map[string]field)
	for k, f := range d.fields {
		if seen, ok := have[k]; !ok || f.Clock > seen {
			diff[k] = f
		}
	}
	return json.Marshal(diff)
}

// Snapshot is an alias for Encode, named for the durable snapshot path.
func (d *Document) Snapshot() ([]byte, error) {
	return d.Encode()
}

// Keys returns the document's field names in sorted order, for tests that
// assert on convergence.
func (d *Document) Keys() []string {
	var keys = make([]string, 0, len(d.fields))
	for k := range d.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
