// Package wire implements the client<->server frame envelope and its
// length-prefixed binary codec. The shape mirrors the Framing
// interface used by gazette's message package (Marshal/Unmarshal/Unpack),
// swapped from line-delimited JSON to a fixed binary layout.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tags the purpose of a Frame.
type Kind uint8

const (
	KindInitSync Kind = iota
	KindUpdate
	KindAck
	KindAwareness
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindInitSync:
		return "init-sync"
	case KindUpdate:
		return "update"
	case KindAck:
		return "ack"
	case KindAwareness:
		return "awareness"
	case KindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// noMsgID sentinel marks a Frame with no msg-id (e.g. a client->server
// Update which hasn't yet been assigned a sink msg-id).
const noMsgID = ^uint64(0)

// Frame is the tagged envelope exchanged over the transport.
type Frame struct {
	ObjectID string
	MsgID    *uint64
	Kind     Kind
	Origin   string
	Payload  []byte
}

// MaxFrameBytes is the transport-level limit above which a client should
// fall back to the HTTP POST path.
const MaxFrameBytes = 1 << 20 // 1 MiB

// Marshal writes f to bw as a length-prefixed binary frame.
func Marshal(f *Frame, bw *bufio.Writer) error {
	var body = marshalBody(f)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := bw.Write(body)
	return err
}

func marshalBody(f *Frame) []byte {
	var objID = []byte(f.ObjectID)
	var origin = []byte(f.Origin)

	var size = 1 /* kind */ + 8 /* msg-id */ +
		4 + len(objID) + 4 + len(origin) + 4 + len(f.Payload)
	var buf = make([]byte, 0, size)

	buf = append(buf, byte(f.Kind))

	var msgID = noMsgID
	if f.MsgID != nil {
		msgID = *f.MsgID
	}
	buf = appendUint64(buf, msgID)

	buf = appendUint32(buf, uint32(len(objID)))
	buf = append(buf, objID...)

	buf = appendUint32(buf, uint32(len(origin)))
	buf = append(buf, origin...)

	buf = appendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)

	return buf
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

// Unpack reads exactly one length-prefixed frame from br and returns its
// raw (still-encoded) body, for callers that want to separate read framing
// from decode (mirrors message.Framing.Unpack).
func Unpack(br *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	var n = binary.BigEndian.Uint32(lenBuf[:])
	if n > 64<<20 {
		return nil, fmt.Errorf("wire: frame body too large (%d bytes)", n)
	}
	var body = make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Unmarshal decodes a frame body previously returned by Unpack.
func Unmarshal(body []byte, f *Frame) error {
	if len(body) < 1+8+4 {
		return fmt.Errorf("wire: frame body too short (%d bytes)", len(body))
	}
	f.Kind = Kind(body[0])
	var off = 1

	var msgID = binary.BigEndian.Uint64(body[off : off+8])
	off += 8
	if msgID == noMsgID {
		f.MsgID = nil
	} else {
		f.MsgID = &msgID
	}

	objLen, off2, err := readLenPrefixed(body, off)
	if err != nil {
		return err
	}
	f.ObjectID = string(objLen)
	off = off2

	origin, off3, err := readLenPrefixed(body, off)
	if err != nil {
		return err
	}
	f.Origin = string(origin)
	off = off3

	payload, off4, err := readLenPrefixed(body, off)
	if err != nil {
		return err
	}
	f.Payload = payload
	off = off4

	if off != len(body) {
		return fmt.Errorf("wire: %d trailing bytes after frame", len(body)-off)
	}
	return nil
}

func readLenPrefixed(body []byte, off int) ([]byte, int, error) {
	if off+4 > len(body) {
		return nil, 0, fmt.Errorf("wire: truncated length prefix at offset %d", off)
	}
	var n = int(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	if off+n > len(body) {
		return nil, 0, fmt.Errorf("wire: truncated field at offset %d (want %d bytes)", off, n)
	}
	return body[off : off+n], off + n, nil
}

// ReadFrame reads and decodes a single frame from br.
func ReadFrame(br *bufio.Reader) (*Frame, error) {
	var body, err = Unpack(br)
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := Unmarshal(body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// WriteFrame marshals and flushes a single frame to bw.
func WriteFrame(f *Frame, bw *bufio.Writer) error {
	if err := Marshal(f, bw); err != nil {
		return err
	}
	return bw.Flush()
}

// Encode marshals f to a standalone byte slice, for callers (sink
// builders, the HTTP fallback handler) that need frame bytes without
// owning a buffered writer.
func Encode(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	var bw = bufio.NewWriter(&buf)
	if err := Marshal(f, bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes a single standalone frame previously produced by Encode.
func Decode(raw []byte) (*Frame, error) {
	return ReadFrame(bufio.NewReader(bytes.NewReader(raw)))
}
