package message

import (
	"fmt"
	"strconv"
)

// Sequence is a per-thread monotonic counter tagged as either wire-derived
// (real) or locally synthesized. Real and synthetic values live in disjoint
// numeric namespaces and never alias in comparisons or dedup maps.
//
// Zero is a valid first real sequence; absence must be expressed with a
// synthetic value, never with zero.
//
// Sequences are encoded as decimal strings in JSON so the full unsigned
// 64-bit range survives any JSON-based control plane. Synthetic values
// render as negative strings; they are a display aid only and must never
// feed state mutation logic.
type Sequence struct {
	real  bool
	value uint64 // real counter value
	synth int64  // synthetic display value, always negative
}

// Real creates a wire-derived sequence.
func Real(n uint64) Sequence {
	return Sequence{real: true, value: n}
}

// Synthetic creates a locally synthesized sequence from a display ordinal.
// The ordinal is mapped into the negative range: Synthetic(0) renders as
// "-1", Synthetic(1) as "-2", and so on.
func Synthetic(ordinal uint32) Sequence {
	return Sequence{synth: -1 - int64(ordinal)}
}

// IsReal reports whether the sequence was derived from a wire header.
func (s Sequence) IsReal() bool {
	return s.real
}

// Value returns the real counter value. It must only be called when IsReal
// is true; for synthetic sequences it returns 0 and ok=false.
func (s Sequence) Value() (uint64, bool) {
	if !s.real {
		return 0, false
	}
	return s.value, true
}

// Before reports whether s orders strictly before other. Ordering is only
// defined between two real sequences on the same thread; any comparison
// involving a synthetic sequence reports false.
func (s Sequence) Before(other Sequence) bool {
	if !s.real || !other.real {
		return false
	}
	return s.value < other.value
}

// String renders the sequence as a decimal string, negative for synthetic.
func (s Sequence) String() string {
	if s.real {
		return strconv.FormatUint(s.value, 10)
	}
	return strconv.FormatInt(s.synth, 10)
}

// MarshalJSON encodes the sequence as a JSON string. Never a JSON number:
// real deployments exceed 2^53 and float-backed decoders would silently
// corrupt the value.
func (s Sequence) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a sequence from either a JSON string or, for
// tolerance of hand-written fixtures, a JSON integer token. Negative values
// decode as synthetic.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	if raw == "" || raw == "null" {
		return fmt.Errorf("sequence: empty value")
	}
	if raw[0] == '-' {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("sequence: parse synthetic %q: %w", raw, err)
		}
		*s = Sequence{synth: n}
		return nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("sequence: parse %q: %w", raw, err)
	}
	*s = Sequence{real: true, value: n}
	return nil
}

// ParseSequence parses a decimal string into a Sequence. Used by the resume
// protocol where offsets and sequences travel as strings.
func ParseSequence(raw string) (Sequence, error) {
	var s Sequence
	if err := s.UnmarshalJSON([]byte(raw)); err != nil {
		return Sequence{}, err
	}
	return s, nil
}
