package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"lz4", "none"}, Available())

	c, err := Get("lz4")
	require.NoError(t, err)
	assert.Equal(t, "lz4", c.Name())

	_, err = Get("zstd")
	assert.Error(t, err)
}

func TestLZ4ShrinksRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("trustline"), 1000)
	frame, err := LZ4Compressor{}.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, byte(MethodLZ4), frame[0])
	assert.Less(t, len(frame), len(data)/4)

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestLZ4StoresIncompressibleDataRaw(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	frame, err := LZ4Compressor{}.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, byte(MethodRaw), frame[0])

	out, err := LZ4Compressor{}.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	empty, err := LZ4Compressor{}.Encode(nil)
	require.NoError(t, err)
	out, err = Decode(empty)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFramesDecodeAcrossCompressors(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 512)
	raw, err := NoCompressor{}.Encode(data)
	require.NoError(t, err)
	out, err := LZ4Compressor{}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCorruptFrames(t *testing.T) {
	for name, frame := range map[string][]byte{
		"empty":          nil,
		"no length":      {byte(MethodRaw)},
		"short raw":      {byte(MethodRaw), 5, 1, 2},
		"unknown method": {9, 0},
		"bad lz4":        {byte(MethodLZ4), 100, 0xff, 0xff},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
