package embed

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

const dummyDimension = 32

// DummyEmbedder produces a deterministic, hash-derived vector for any input
// text — no model file, no tokenizer, no ONNX runtime. It exists for tests
// and for config validation dry-runs, mirroring the provider registry's
// "dummy" adapter: same call shape as the real thing, zero external
// dependencies.
type DummyEmbedder struct{}

func NewDummyEmbedder() *DummyEmbedder { return &DummyEmbedder{} }

func (d *DummyEmbedder) Dimension() int { return dummyDimension }

// Embed hashes text under dummyDimension different seeds and spreads each
// hash into [-1, 1], giving two different input strings visibly different
// (though not semantically meaningful) vectors — enough to exercise TopK's
// ranking logic deterministically in tests.
func (d *DummyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, dummyDimension)
	for i := range vec {
		h := xxhash.New()
		_, _ = h.Write([]byte{byte(i)})
		_, _ = h.WriteString(text)
		sum := h.Sum64()
		vec[i] = float32(sum%2000)/1000 - 1
	}
	return vec, nil
}
