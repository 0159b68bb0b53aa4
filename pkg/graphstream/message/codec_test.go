package message_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
)

func newEnvelope(t *testing.T, typ message.Type) *message.Envelope {
	t.Helper()
	env := &message.Envelope{
		Header: message.NewHeader("thread-1", "tenant-a", message.Real(7)),
		Type:   typ,
	}
	switch typ {
	case message.TypeEvent:
		env.Event = &message.Event{EventType: message.EventNodeStart, NodeID: "n1"}
	case message.TypeTokenChunk:
		env.TokenChunk = &message.TokenChunk{NodeID: "n1", Content: "hello", Index: 0}
	default:
		t.Fatalf("unsupported type %s", typ)
	}
	return env
}

// TestCodecRoundTrip verifies an envelope survives encode and decode.
func TestCodecRoundTrip(t *testing.T) {
	codec, err := message.NewCodec(message.CodecConfig{})
	require.NoError(t, err)

	env := newEnvelope(t, message.TypeEvent)
	frame, err := codec.Encode(env)
	require.NoError(t, err)

	decoded, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, env.Header.MessageID, decoded.Header.MessageID)
	assert.Equal(t, env.Header.Sequence, decoded.Header.Sequence)
	assert.Equal(t, message.TypeEvent, decoded.Type)
	require.NotNil(t, decoded.Event)
	assert.Equal(t, message.EventNodeStart, decoded.Event.EventType)
}

// TestCodecCompressesLargeBodies verifies bodies over the threshold come
// back identical through the compressed path.
func TestCodecCompressesLargeBodies(t *testing.T) {
	codec, err := message.NewCodec(message.CodecConfig{CompressionThreshold: 64})
	require.NoError(t, err)

	env := newEnvelope(t, message.TypeTokenChunk)
	env.TokenChunk.Content = strings.Repeat("telemetry ", 200)

	frame, err := codec.Encode(env)
	require.NoError(t, err)

	decoded, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, env.TokenChunk.Content, decoded.TokenChunk.Content)
}

// TestCodecRejectsOversized verifies frames over the limit fail with
// ErrOversized on encode.
func TestCodecRejectsOversized(t *testing.T) {
	// Threshold above the limit keeps compression out of the way.
	codec, err := message.NewCodec(message.CodecConfig{MaxMessageSize: 128, CompressionThreshold: 1 << 20})
	require.NoError(t, err)

	env := newEnvelope(t, message.TypeTokenChunk)
	env.TokenChunk.Content = strings.Repeat("x", 256)

	_, err = codec.Encode(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, message.ErrOversized))
}

// TestCodecDecodeErrors verifies malformed frames surface DecodeError.
func TestCodecDecodeErrors(t *testing.T) {
	codec, err := message.NewCodec(message.CodecConfig{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"too short", []byte{0x00}},
		{"unknown flag", []byte{0x7f, '{', '}'}},
		{"bad json", []byte{0x00, 'n', 'o', 'p', 'e'}},
		{"bad zstd", []byte{0x01, 0xde, 0xad, 0xbe, 0xef}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.frame)
			var decodeErr *gserrors.DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

// TestStateHashDeterministic verifies the hash is stable across key order
// and differs when values change.
func TestStateHashDeterministic(t *testing.T) {
	a := map[string]any{"x": float64(1), "y": []any{"a", "b"}}
	b := map[string]any{"y": []any{"a", "b"}, "x": float64(1)}

	ha, err := message.StateHash(a)
	require.NoError(t, err)
	hb, err := message.StateHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b["x"] = float64(2)
	hc, err := message.StateHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

// TestCloneStateIsolation verifies mutations of the clone never reach the
// original tree.
func TestCloneStateIsolation(t *testing.T) {
	original := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{float64(1), float64(2)},
	}
	cloned, err := message.CloneState(original)
	require.NoError(t, err)

	clonedMap := cloned.(map[string]any)
	clonedMap["nested"].(map[string]any)["k"] = "changed"
	clonedMap["list"].([]any)[0] = float64(99)

	assert.Equal(t, "v", original["nested"].(map[string]any)["k"])
	assert.Equal(t, float64(1), original["list"].([]any)[0])
}

// TestCloneStateRejectsUnsupported verifies non-JSON node types are a hard
// error instead of a silent alias.
func TestCloneStateRejectsUnsupported(t *testing.T) {
	_, err := message.CloneState(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

// TestCompressStateRoundTrip verifies checkpoint state survives the
// compress/decompress cycle.
func TestCompressStateRoundTrip(t *testing.T) {
	codec, err := message.NewCodec(message.CodecConfig{})
	require.NoError(t, err)

	state := map[string]any{"nodes": []any{"a", "b", "c"}, "counter": float64(42)}
	compressed, err := codec.CompressState(state)
	require.NoError(t, err)

	restored, err := codec.DecompressState(compressed)
	require.NoError(t, err)
	assert.Equal(t, state, restored)
}

// TestEnvelopeValidate verifies type and payload must agree.
func TestEnvelopeValidate(t *testing.T) {
	env := newEnvelope(t, message.TypeEvent)
	require.NoError(t, env.Validate())

	env.Event = nil
	require.Error(t, env.Validate())

	env = newEnvelope(t, message.TypeEvent)
	env.Header.ThreadID = ""
	require.Error(t, env.Validate())
}
