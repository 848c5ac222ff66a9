package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestInfoReply_SizeIsBigEndian(t *testing.T) {
	b, err := InfoReply("scene.blend", 200000, "req-1").Marshal()
	require.NoError(t, err)
	// 200000 = 0x030D40
	assert.True(t, bytes.Contains(b, []byte{0, 0, 0, 0, 0, 0x03, 0x0d, 0x40}), "size must be encoded as 8 big-endian bytes")

	var got Message
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, KindFileInfoReply, got.Kind)
	assert.Equal(t, int64(200000), got.Size)
	assert.NoError(t, got.Validate())
}

func TestDataRequest_RangesSurviveEncoding(t *testing.T) {
	ranges := []Range{{Offset: 0, Length: 64000}, {Offset: 64000, Length: 64000}, {Offset: 192000, Length: 8000}}
	b, err := DataRequest("tex/wood.exr", "task/3", ranges).Marshal()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, ranges, got.Ranges)
	assert.Equal(t, "task/3", got.RequestID)
	assert.NoError(t, got.Validate())
}

func TestUnmarshal_CopiesPayload(t *testing.T) {
	b, err := DataReply("f", 64000, "r", []byte("chunk-bytes")).Marshal()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.Unmarshal(b))
	// Écraser le buffer source ne doit pas toucher le message décodé.
	for i := range b {
		b[i] = 0xff
	}
	assert.Equal(t, []byte("chunk-bytes"), got.Data)
	assert.True(t, VerifyDigest(got.Data, got.Digest))
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	b, err := Hello("node-a").Marshal()
	require.NoError(t, err)
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	var got Message
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, KindHello, got.Kind)
	assert.Equal(t, "node-a", got.NodeID)
}

func TestUnmarshal_Truncated(t *testing.T) {
	b, err := DataReply("f", 0, "r", []byte("abc")).Marshal()
	require.NoError(t, err)

	var got Message
	err = got.Unmarshal(b[:len(b)-2])
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
		want error
	}{
		{"unknown kind", &Message{Kind: Kind(42)}, ErrUnknownKind},
		{"info request without file", InfoRequest("", "r"), ErrMissingField},
		{"data request without ranges", DataRequest("f", "r", nil), ErrMissingField},
		{"data request with empty range", DataRequest("f", "r", []Range{{Offset: 0, Length: 0}}), ErrMalformedField},
		{"data reply with short digest", &Message{Kind: KindFileDataReply, FileID: "f", RequestID: "r", Digest: []byte{1}}, ErrMalformedField},
		{"error without request id", ErrorReply("f", "", "boom"), ErrMissingField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.msg.Validate(), tc.want)
		})
	}
}

func TestVerifyDigest_RejectsTamperedData(t *testing.T) {
	data := []byte("render tile 12")
	d := Digest(data)
	assert.True(t, VerifyDigest(data, d))
	assert.False(t, VerifyDigest([]byte("render tile 13"), d))
	assert.False(t, VerifyDigest(data, d[:16]))
}
