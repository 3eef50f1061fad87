package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/zstd"
)

// Clouds are stored as little-endian float32 x, y, z triplets compressed
// with zstd. Single precision keeps well under a millimetre at mapping
// ranges.

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// EncodeCloud packs and compresses points. A nil or empty cloud encodes to
// nil.
func EncodeCloud(points []r3.Vector) ([]byte, error) {
	if len(points) == 0 {
		return nil, nil
	}
	enc, _, err := codecs()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 12*len(points))
	for i, p := range points {
		binary.LittleEndian.PutUint32(raw[12*i:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(raw[12*i+4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(raw[12*i+8:], math.Float32bits(float32(p.Z)))
	}
	return enc.EncodeAll(raw, nil), nil
}

// DecodeCloud reverses EncodeCloud.
func DecodeCloud(blob []byte) ([]r3.Vector, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	_, dec, err := codecs()
	if err != nil {
		return nil, err
	}
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress cloud: %w", err)
	}
	if len(raw)%12 != 0 {
		return nil, fmt.Errorf("decompress cloud: %d bytes is not a whole number of points", len(raw))
	}
	out := make([]r3.Vector, len(raw)/12)
	for i := range out {
		out[i] = r3.Vector{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[12*i:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[12*i+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[12*i+8:]))),
		}
	}
	return out, nil
}
