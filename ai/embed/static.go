package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// static is a deterministic offline embedder. It hashes the text into a unit
// vector so identical texts always map to identical vectors. It has no
// semantic power and exists for development setups without a provider key.
type static struct {
	dimensions int
}

// NewStatic creates a provider-free embedding service with the given
// dimension.
func NewStatic(dimensions int) Service {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &static{dimensions: dimensions}
}

func (s *static) Embed(_ context.Context, text string) ([]float32, error) {
	// Expand the text hash into a byte stream, four bytes per dimension.
	raw := make([]byte, 0, s.dimensions*4)
	digest := sha256.Sum256([]byte(text))
	for len(raw) < s.dimensions*4 {
		raw = append(raw, digest[:]...)
		digest = sha256.Sum256(digest[:])
	}

	out := make([]float32, s.dimensions)
	var norm float64
	for i := 0; i < s.dimensions; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		v := float32(int32(bits)) / float32(math.MaxInt32)
		out[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= scale
		}
	}
	return out, nil
}

func (s *static) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *static) Dimensions() int {
	return s.dimensions
}

func (s *static) Model() string {
	return "static-hash"
}
