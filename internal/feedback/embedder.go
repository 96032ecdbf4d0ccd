package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Embedder turns text into a vector. The production embedder is injected by
// the agent runtime; it is a black box to this subsystem.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is the fallback embedder used when no model-backed embedder
// is configured. It hashes token trigrams into a fixed-dimension vector, so
// identical and near-identical queries still rank deterministically and
// feedback capture never blocks on an external model.
type HashEmbedder struct {
	Dimension int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dimension: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.Dimension)
	runes := []rune(text)
	if len(runes) == 0 {
		return vec, nil
	}

	for i := 0; i+3 <= len(runes); i++ {
		sum := sha256.Sum256([]byte(string(runes[i : i+3])))
		idx := binary.LittleEndian.Uint32(sum[:4]) % uint32(h.Dimension)
		sign := float32(1)
		if sum[4]&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
