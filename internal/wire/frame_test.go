package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	var msgID = uint64(42)
	var f = &Frame{
		ObjectID: "doc1",
		MsgID:    &msgID,
		Kind:     KindUpdate,
		Origin:   "origin-a",
		Payload:  []byte(`{"hello":"world"}`),
	}

	var encoded, err = Encode(f)
	require.NoError(t, err)

	var got, err2 = Decode(encoded)
	require.NoError(t, err2)
	require.Equal(t, f.ObjectID, got.ObjectID)
	require.Equal(t, f.Kind, got.Kind)
	require.Equal(t, f.Origin, got.Origin)
	require.Equal(t, f.Payload, got.Payload)
	require.NotNil(t, got.MsgID)
	require.Equal(t, *f.MsgID, *got.MsgID)
}

func TestEncodeDecodeNilMsgID(t *testing.T) {
	var f = &Frame{ObjectID: "doc1", Kind: KindAwareness, Origin: "o", Payload: nil}

	var encoded, err = Encode(f)
	require.NoError(t, err)

	var got, err2 = Decode(encoded)
	require.NoError(t, err2)
	require.Nil(t, got.MsgID)
	require.Empty(t, got.Payload)
}

func TestReadFrameStreamsMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	var bw = bufio.NewWriter(&buf)

	for i := 0; i < 3; i++ {
		require.NoError(t, Marshal(&Frame{ObjectID: "doc1", Kind: KindUpdate, Origin: "o"}, bw))
	}
	require.NoError(t, bw.Flush())

	var br = bufio.NewReader(&buf)
	for i := 0; i < 3; i++ {
		var f, err = ReadFrame(br)
		require.NoError(t, err)
		require.Equal(t, "doc1", f.ObjectID)
	}
	var _, err = ReadFrame(br)
	require.Error(t, err)
}

func TestUnmarshalRejectsTruncatedBody(t *testing.T) {
	var f Frame
	require.Error(t, Unmarshal([]byte{1, 2, 3}, &f))
}

func TestKindStringCoversEveryValue(t *testing.T) {
	for _, k := range []Kind{KindInitSync, KindUpdate, KindAck, KindAwareness, KindBroadcast} {
		require.NotEqual(t, "unknown", k.String())
	}
	require.Equal(t, "unknown", Kind(255).String())
}
