package message_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/graphstream/pkg/graphstream/message"
)

// TestSequenceRoundTripLarge verifies sequences beyond the 2^53 float-safe
// range survive a JSON round trip intact.
func TestSequenceRoundTripLarge(t *testing.T) {
	const big = uint64(9223372036854775000)

	seq := message.Real(big)
	data, err := json.Marshal(seq)
	require.NoError(t, err)
	assert.Equal(t, `"9223372036854775000"`, string(data))

	var decoded message.Sequence
	require.NoError(t, json.Unmarshal(data, &decoded))
	got, ok := decoded.Value()
	require.True(t, ok)
	assert.Equal(t, big, got)
}

// TestSequenceZeroIsValid verifies zero is a valid first sequence.
func TestSequenceZeroIsValid(t *testing.T) {
	seq := message.Real(0)
	assert.True(t, seq.IsReal())
	got, ok := seq.Value()
	require.True(t, ok)
	assert.Equal(t, uint64(0), got)
}

// TestSyntheticSequence verifies synthetic sequences are negative, ordered
// by ordinal, and never mistaken for real ones.
func TestSyntheticSequence(t *testing.T) {
	first := message.Synthetic(0)
	second := message.Synthetic(1)

	assert.False(t, first.IsReal())
	_, ok := first.Value()
	assert.False(t, ok)

	assert.Equal(t, "-1", first.String())
	assert.Equal(t, "-2", second.String())
}

// TestSequenceBefore verifies ordering comparisons are only defined between
// real sequences.
func TestSequenceBefore(t *testing.T) {
	tests := []struct {
		name string
		a, b message.Sequence
		want bool
	}{
		{"real ascending", message.Real(1), message.Real(2), true},
		{"real equal", message.Real(5), message.Real(5), false},
		{"real descending", message.Real(9), message.Real(3), false},
		{"synthetic left", message.Synthetic(0), message.Real(1), false},
		{"synthetic right", message.Real(1), message.Synthetic(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Before(tt.b))
		})
	}
}

// TestSequenceUnmarshalForms verifies both string and bare integer wire
// forms decode.
func TestSequenceUnmarshalForms(t *testing.T) {
	var seq message.Sequence
	require.NoError(t, json.Unmarshal([]byte(`"42"`), &seq))
	got, ok := seq.Value()
	require.True(t, ok)
	assert.Equal(t, uint64(42), got)

	require.NoError(t, json.Unmarshal([]byte(`42`), &seq))
	got, ok = seq.Value()
	require.True(t, ok)
	assert.Equal(t, uint64(42), got)

	// Negative values decode as synthetic.
	require.NoError(t, json.Unmarshal([]byte(`"-3"`), &seq))
	assert.False(t, seq.IsReal())
}
