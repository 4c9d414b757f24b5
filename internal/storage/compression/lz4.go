package compression

import (
	"fmt"

	"github.com/pierrec/lz4"
)

// LZ4Compressor uses LZ4 block compression. Data that does not shrink is
// stored raw.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return header(MethodRaw, 0), nil
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}
	// zero means incompressible
	if n == 0 || n >= len(data) {
		return append(header(MethodRaw, len(data)), data...), nil
	}
	return append(header(MethodLZ4, len(data)), compressed[:n]...), nil
}

func (LZ4Compressor) Decode(frame []byte) ([]byte, error) {
	return Decode(frame)
}

func decodeLZ4(body []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: lz4 length %d, want %d", ErrCorrupt, n, size)
	}
	return out, nil
}
