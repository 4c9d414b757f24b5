// Package compression frames snapshot payloads with an optional block
// compression.
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCorrupt is returned for frames that cannot be decoded.
var ErrCorrupt = errors.New("corrupt compressed frame")

// Method identifies how a frame body is stored. It is the first byte of every frame.
type Method byte

const (
	MethodRaw Method = 0
	MethodLZ4 Method = 1
)

// Compressor is a block compression algorithm.
type Compressor interface {
	// Name returns the configuration name of the algorithm.
	Name() string
	// Encode returns data framed as method byte, uvarint decoded length, body.
	Encode(data []byte) ([]byte, error)
	// Decode reverses Encode. Frames written by any registered compressor decode.
	Decode(frame []byte) ([]byte, error)
}

// Factory creates a compressor.
type Factory func() Compressor

var (
	mu          sync.RWMutex
	compressors = make(map[string]Factory)
)

// Register adds a compressor under name.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	compressors[name] = factory
}

// Get returns a new compressor registered under name.
func Get(name string) (Compressor, error) {
	mu.RLock()
	factory, ok := compressors[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown compressor: %s", name)
	}
	return factory(), nil
}

// Available returns the registered names in sorted order.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(compressors))
	for name := range compressors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("none", func() Compressor { return NoCompressor{} })
	Register("lz4", func() Compressor { return LZ4Compressor{} })
}

func header(m Method, n int) []byte {
	buf := make([]byte, 1, 1+binary.MaxVarintLen64)
	buf[0] = byte(m)
	return binary.AppendUvarint(buf, uint64(n))
}

// maxFrameSize bounds the decoded length a frame may claim.
const maxFrameSize = 1 << 30

func parseHeader(frame []byte) (Method, int, []byte, error) {
	if len(frame) == 0 {
		return 0, 0, nil, fmt.Errorf("%w: empty", ErrCorrupt)
	}
	n, k := binary.Uvarint(frame[1:])
	if k <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: bad length", ErrCorrupt)
	}
	if n > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: length %d too large", ErrCorrupt, n)
	}
	return Method(frame[0]), int(n), frame[1+k:], nil
}

// Decode decodes a frame written by any compressor in this package.
func Decode(frame []byte) ([]byte, error) {
	m, n, body, err := parseHeader(frame)
	if err != nil {
		return nil, err
	}
	switch m {
	case MethodRaw:
		if len(body) != n {
			return nil, fmt.Errorf("%w: raw length %d, want %d", ErrCorrupt, len(body), n)
		}
		out := make([]byte, n)
		copy(out, body)
		return out, nil
	case MethodLZ4:
		return decodeLZ4(body, n)
	default:
		return nil, fmt.Errorf("%w: unknown method %d", ErrCorrupt, m)
	}
}

// NoCompressor stores data as is.
type NoCompressor struct{}

func (NoCompressor) Name() string { return "none" }

func (NoCompressor) Encode(data []byte) ([]byte, error) {
	return append(header(MethodRaw, len(data)), data...), nil
}

func (NoCompressor) Decode(frame []byte) ([]byte, error) {
	return Decode(frame)
}
