package snapshot

import (
	"fmt"

	"github.com/LeJamon/trustrelay/internal/storage/compression"
	"github.com/ugorji/go/codec"
)

// Codec turns checkpoints into bytes: canonical CBOR, then framed by a
// compressor. Equal checkpoints encode to equal bytes.
type Codec struct {
	handle     *codec.CborHandle
	compressor compression.Compressor
}

// NewCodec creates a codec compressing with the named compressor.
func NewCodec(compressor string) (*Codec, error) {
	c, err := compression.Get(compressor)
	if err != nil {
		return nil, err
	}
	h := &codec.CborHandle{}
	h.Canonical = true
	return &Codec{handle: h, compressor: c}, nil
}

// MustCodec is NewCodec for names known to be registered.
func MustCodec(compressor string) *Codec {
	c, err := NewCodec(compressor)
	if err != nil {
		panic(err)
	}
	return c
}

// Compressor returns the compressor name.
func (c *Codec) Compressor() string {
	return c.compressor.Name()
}

func (c *Codec) Encode(s *Snapshot) ([]byte, error) {
	var raw []byte
	if err := codec.NewEncoderBytes(&raw, c.handle).Encode(s); err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return c.compressor.Encode(raw)
}

// Decode reads a checkpoint written with any compressor.
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	raw, err := compression.Decode(data)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := codec.NewDecoderBytes(raw, c.handle).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &s, nil
}
