package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
)

// ErrOversized indicates an encoded frame exceeded the configured maximum
// message size.
var ErrOversized = errors.New("message exceeds max size")

// Frame flag bytes. The flag travels outside the compressed body so a
// decoder can pick the path without sniffing.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// Codec defaults.
const (
	// DefaultCompressionThreshold is the minimum uncompressed size, in
	// bytes, at which the codec attempts compression.
	DefaultCompressionThreshold = 512

	// DefaultMaxMessageSize matches the Kafka broker default
	// message.max.bytes. Producer and consumer must agree on it.
	DefaultMaxMessageSize = 1 << 20
)

// CodecConfig configures the wire codec.
type CodecConfig struct {
	// CompressionThreshold is the minimum body size to attempt compression.
	// Default: DefaultCompressionThreshold.
	CompressionThreshold int

	// CompressionLevel is the zstd encoder level.
	// Default: zstd.SpeedDefault (level 3).
	CompressionLevel zstd.EncoderLevel

	// MaxMessageSize rejects frames larger than this on encode and decode.
	// Default: DefaultMaxMessageSize.
	MaxMessageSize int
}

// Codec encodes envelopes into wire frames and back. The frame is a single
// flag byte followed by the (optionally zstd-compressed) JSON body.
//
// A Codec is safe for concurrent use.
type Codec struct {
	cfg CodecConfig
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a codec. Invalid configuration returns a ConfigError.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.CompressionThreshold < 0 {
		return nil, &gserrors.ConfigError{Field: "compression_threshold", Message: "must be non-negative"}
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = zstd.SpeedDefault
	}
	if cfg.MaxMessageSize < 0 {
		return nil, &gserrors.ConfigError{Field: "max_message_size", Message: "must be non-negative"}
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(cfg.CompressionLevel))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Codec{cfg: cfg, enc: enc, dec: dec}, nil
}

// Encode serializes the envelope into a wire frame. Bodies at or above the
// compression threshold are zstd-compressed; compression that does not
// shrink the body is discarded.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	frame := make([]byte, 1, 1+len(body))
	frame[0] = frameRaw

	if len(body) >= c.cfg.CompressionThreshold {
		compressed := c.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
		if len(compressed) < len(body) {
			frame[0] = frameZstd
			body = compressed
		}
	}
	frame = append(frame, body...)

	if len(frame) > c.cfg.MaxMessageSize {
		return nil, fmt.Errorf("envelope frame %d bytes over limit %d: %w", len(frame), c.cfg.MaxMessageSize, ErrOversized)
	}
	return frame, nil
}

// Decode parses a wire frame back into an envelope. Malformed frames return
// a DecodeError suitable for dead-lettering.
func (c *Codec) Decode(frame []byte) (*Envelope, error) {
	if len(frame) < 2 {
		return nil, &gserrors.DecodeError{Reason: "frame too short"}
	}
	if len(frame) > c.cfg.MaxMessageSize {
		return nil, &gserrors.DecodeError{Reason: fmt.Sprintf("frame %d bytes exceeds max message size %d", len(frame), c.cfg.MaxMessageSize)}
	}

	body := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameZstd:
		decompressed, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, &gserrors.DecodeError{Reason: "zstd decompress", Err: err}
		}
		body = decompressed
	default:
		return nil, &gserrors.DecodeError{Reason: fmt.Sprintf("unknown frame flag 0x%02x", frame[0])}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &gserrors.DecodeError{Reason: "unmarshal envelope", Err: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &gserrors.DecodeError{Reason: "invalid envelope", Err: err}
	}
	return &env, nil
}

// CompressState compresses a canonical-JSON state tree for embedding in a
// Checkpoint.
func (c *Codec) CompressState(state any) ([]byte, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return c.enc.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
}

// DecompressState reverses CompressState into a JSON-like tree.
func (c *Codec) DecompressState(compressed []byte) (any, error) {
	body, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, &gserrors.DecodeError{Reason: "decompress checkpoint state", Err: err}
	}
	var state any
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, &gserrors.DecodeError{Reason: "unmarshal checkpoint state", Err: err}
	}
	return state, nil
}
