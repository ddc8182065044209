// Package gazettelog is the production durablelog.Log adapter: it maps
// each StreamKey onto a gazette journal and appends/reads length-prefixed
// records through go.gazette.dev/core/broker/client's AppendService and
// Reader primitives. Journals themselves (with their fragment stores and
// retention policy) are provisioned out of band by a gazette control-plane
// operator; this package only appends to and reads from journals that
// already exist.
package gazettelog

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"

	"github.com/colabio/collab-core/internal/durablelog"
)

// Log is a durablelog.Log backed by gazette journals.
type Log struct {
	journals pb.RoutedJournalClient
	appender *client.AppendService
}

// New returns a Log that appends via an AppendService shared across all
// streams (gazette recommends one AppendService per process; it pipelines
// and batches concurrent appends to the same journal internally).
func New(ctx context.Context, journals pb.RoutedJournalClient) *Log {
	return &Log{
		journals: journals,
		appender: client.NewAppendService(ctx, journals),
	}
}

// record is the on-journal encoding of one Entry: a length-prefixed frame
// carrying origin and payload, checksummed with HighwayHash so a reader
// recovering from a partially-written tail fragment can detect and stop
// at the first corrupt record rather than misinterpret its bytes.
//
//	[4B total len][8B checksum][4B origin len][origin][payload]
func encodeRecord(origin string, payload []byte) []byte {
	var originB = []byte(origin)
	var body = make([]byte, 0, 8+4+len(originB)+len(payload))
	body = appendUint64(body, durablelog.Checksum(payload))
	body = appendUint32(body, uint32(len(originB)))
	body = append(body, originB...)
	body = append(body, payload...)

	var out = make([]byte, 0, 4+len(body))
	out = appendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func decodeRecord(body []byte) (origin string, payload []byte, sum uint64, err error) {
	if len(body) < 8+4 {
		return "", nil, 0, fmt.Errorf("gazettelog: truncated record header")
	}
	sum = binary.BigEndian.Uint64(body[0:8])
	var originLen = binary.BigEndian.Uint32(body[8:12])
	var off = 12 + int(originLen)
	if off > len(body) {
		return "", nil, 0, fmt.Errorf("gazettelog: truncated origin field")
	}
	origin = string(body[12:off])
	payload = body[off:]
	return origin, payload, sum, nil
}

// Append writes one record to key's journal and returns the journal
// fragment offset immediately after it, which we use as the MessageID:
// strictly increasing, and sufficient to resume a Read from.
func (l *Log) Append(ctx context.Context, key durablelog.StreamKey, origin string, payload []byte) (uint64, error) {
	var aa = l.appender.StartAppend(pb.Journal(key.JournalName()))
	if _, err := aa.Writer().Write(encodeRecord(origin, payload)); err != nil {
		_ = aa.Release()
		return 0, fmt.Errorf("gazettelog: writing record: %w", err)
	}
	if err := aa.Release(); err != nil {
		return 0, fmt.Errorf("gazettelog: releasing append: %w", err)
	}
	select {
	case <-aa.Done():
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if aa.Err() != nil {
		return 0, fmt.Errorf("gazettelog: append failed: %w", aa.Err())
	}
	return uint64(aa.Response().Commit.End), nil
}

// Read streams journal bytes starting at offset sinceID and decodes up to
// count records.
func (l *Log) Read(ctx context.Context, key durablelog.StreamKey, sinceID uint64, count int) ([]durablelog.Entry, error) {
	var reader = client.NewReader(ctx, l.journals, pb.ReadRequest{
		Journal:    pb.Journal(key.JournalName()),
		Offset:     int64(sinceID),
		Block:      false,
		DoNotProxy: false,
	})

	var br = bufio.NewReader(reader)
	var out []durablelog.Entry
	var offset = sinceID

	for len(out) < count {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return out, fmt.Errorf("gazettelog: reading record length: %w", err)
		}
		var n = binary.BigEndian.Uint32(lenBuf[:])
		var body = make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return out, fmt.Errorf("gazettelog: reading record body: %w", err)
		}
		origin, payload, sum, err := decodeRecord(body)
		if err != nil {
			return out, err
		}
		offset += uint64(4 + len(body))
		out = append(out, durablelog.Entry{
			MessageID: offset,
			Origin:    origin,
			Channel:   key.Channel,
			Payload:   payload,
			Checksum:  sum,
		})
	}
	return out, nil
}

var _ durablelog.Log = (*Log)(nil)
