// Package memlog is an in-process durablelog.Log backed by a bounded ring
// buffer per stream. It is the zero-dependency local/dev implementation and
// the one used throughout collab-core's tests.
package memlog

import (
	"context"
	"sync"

	"github.com/colabio/collab-core/internal/durablelog"
)

// stream is one StreamKey's bounded append log.
type stream struct {
	mu      sync.Mutex
	entries []durablelog.Entry
	nextID  uint64
	cap     int
}

func newStream(cap int) *stream {
	return &stream{cap: cap}
}

func (s *stream) append(origin string, channel durablelog.Channel, payload []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.entries = append(s.entries, durablelog.Entry{
		MessageID: s.nextID,
		Origin:    origin,
		Channel:   channel,
		Payload:   payload,
		Checksum:  durablelog.Checksum(payload),
	})
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return s.nextID
}

func (s *stream) read(sinceID uint64, count int) []durablelog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []durablelog.Entry
	for _, e := range s.entries {
		if e.MessageID <= sinceID {
			continue
		}
		out = append(out, e)
		if len(out) >= count {
			break
		}
	}
	return out
}

// Log is an in-memory durablelog.Log. Safe for concurrent use.
type Log struct {
	cap int

	mu      sync.Mutex
	streams map[durablelog.StreamKey]*stream
}

// New returns a Log whose per-stream ring buffers hold at most capPerStream
// entries.
func New(capPerStream int) *Log {
	return &Log{cap: capPerStream, streams: make(map[durablelog.StreamKey]*stream)}
}

func (l *Log) streamFor(key durablelog.StreamKey) *stream {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.streams[key]; ok {
		return s
	}
	var s = newStream(l.cap)
	l.streams[key] = s
	return s
}

// Append implements durablelog.Log.
func (l *Log) Append(_ context.Context, key durablelog.StreamKey, origin string, payload []byte) (uint64, error) {
	return l.streamFor(key).append(origin, key.Channel, payload), nil
}

// Read implements durablelog.Log.
func (l *Log) Read(_ context.Context, key durablelog.StreamKey, sinceID uint64, count int) ([]durablelog.Entry, error) {
	return l.streamFor(key).read(sinceID, count), nil
}

var _ durablelog.Log = (*Log)(nil)
