package benchmarks

import (
	"encoding/json"
	"testing"

	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
)

// largeState builds a state tree representative of a real graph run.
func largeState() map[string]any {
	items := make([]any, 50)
	for i := range items {
		items[i] = map[string]any{
			"id":    i,
			"name":  "item",
			"tags":  []any{"a", "b", "c"},
			"score": float64(i) * 1.5,
		}
	}
	return map[string]any{
		"step":    float64(42),
		"items":   items,
		"context": map[string]any{"model": "large", "temperature": 0.7},
	}
}

func diffEnvelope(b *testing.B, seq uint64) *message.Envelope {
	b.Helper()
	value, err := json.Marshal(seq)
	if err != nil {
		b.Fatal(err)
	}
	return &message.Envelope{
		Header: message.NewHeader("bench-thread", "", message.Real(seq)),
		Type:   message.TypeStateDiff,
		StateDiff: &message.StateDiff{
			Ops: []message.PatchOp{
				{Op: message.PatchReplace, Path: "/step", Value: value},
			},
		},
	}
}

func mustCodec(b *testing.B, cfg message.CodecConfig) *message.Codec {
	b.Helper()
	codec, err := message.NewCodec(cfg)
	if err != nil {
		b.Fatal(err)
	}
	return codec
}

// BenchmarkCodec_Encode measures wire encoding of a typical state diff.
func BenchmarkCodec_Encode(b *testing.B) {
	codec := mustCodec(b, message.CodecConfig{})
	env := diffEnvelope(b, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Encode(env); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCodec_Decode measures decode and validation of a wire frame.
func BenchmarkCodec_Decode(b *testing.B) {
	codec := mustCodec(b, message.CodecConfig{})
	frame, err := codec.Encode(diffEnvelope(b, 1))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.Decode(frame); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCodec_CompressState measures checkpoint snapshot compression.
func BenchmarkCodec_CompressState(b *testing.B) {
	codec := mustCodec(b, message.CodecConfig{})
	state := largeState()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.CompressState(state); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCodec_DecompressState measures checkpoint recovery decompression.
func BenchmarkCodec_DecompressState(b *testing.B) {
	codec := mustCodec(b, message.CodecConfig{})
	compressed, err := codec.CompressState(largeState())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := codec.DecompressState(compressed); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStateHash measures canonical hashing of the state tree, the
// per-diff integrity cost on both ends of the pipeline.
func BenchmarkStateHash(b *testing.B) {
	state := largeState()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := message.StateHash(state); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCloneState measures the deep copy taken before every patch apply.
func BenchmarkCloneState(b *testing.B) {
	state := largeState()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := message.CloneState(state); err != nil {
			b.Fatal(err)
		}
	}
}
