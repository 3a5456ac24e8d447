// Package embed implements the example store backing
// dynamic_in_context_learning variants (spec §4.4): an Embedder turns text
// into a vector, and a Store answers top-k cosine-similarity queries against
// the examples embedded so far for one (function, variant, namespace).
package embed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/viterin/partial"
	"github.com/viterin/vek/vek32"
)

// Example is one few-shot example a dynamic_in_context_learning variant can
// inject into its rendered prompt.
type Example struct {
	Input  string
	Output string
}

// Embedder turns text into a fixed-dimension vector. NewOnnxEmbedder is the
// production implementation; NewDummyEmbedder backs tests, mirroring the
// provider registry's own dummy/real split.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// record is one embedded example stored under a namespace key.
type record struct {
	embedding []float32
	example   Example
}

// Store holds embedded examples partitioned by namespace, where the caller
// composes the namespace key from (function, variant, config-level
// namespace) so examples never leak across variants (spec §4.4 "keyed on
// the function/variant/namespace").
type Store struct {
	mu         sync.RWMutex
	namespaces map[string][]record
}

func NewStore() *Store {
	return &Store{namespaces: make(map[string][]record)}
}

// Add appends one embedded example to namespace. Examples accumulate for
// the process lifetime; there is no eviction because DICL stores are
// expected to be seeded at startup or via an out-of-band ingestion path, not
// grown unbounded by live traffic.
func (s *Store) Add(namespace string, embedding []float32, example Example) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[namespace] = append(s.namespaces[namespace], record{embedding: embedding, example: example})
}

// Len reports how many examples are stored under namespace.
func (s *Store) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace])
}

// TopK returns the k examples in namespace whose embeddings are most
// cosine-similar to query, most similar first. Fewer than k are returned if
// the namespace holds fewer examples.
func (s *Store) TopK(namespace string, query []float32, k int) ([]Example, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	records := s.namespaces[namespace]
	s.mu.RUnlock()
	if len(records) == 0 {
		return nil, nil
	}

	qNorm := vek32.Norm(query)
	if qNorm == 0 {
		return nil, fmt.Errorf("embed: query vector has zero norm")
	}

	// Negate similarity so ascending partial-select (smallest-first) yields
	// the most-similar records, avoiding a full O(n log n) sort over
	// potentially large example stores.
	negSim := make([]float32, len(records))
	for i, rec := range records {
		negSim[i] = -cosineSimilarity(query, qNorm, rec.embedding)
	}

	kk := k
	if kk > len(negSim) {
		kk = len(negSim)
	}
	// partial.Sort reorders in place to find the kk smallest values without
	// fully sorting; run it on a scratch copy so negSim[i] still lines up
	// with records[i] below.
	scratch := append([]float32(nil), negSim...)
	partial.Sort(scratch, kk)
	threshold := scratch[kk-1]

	type scored struct {
		sim float32
		ex  Example
	}
	top := make([]scored, 0, kk+1)
	for i, rec := range records {
		if negSim[i] <= threshold {
			top = append(top, scored{sim: negSim[i], ex: rec.example})
		}
	}
	sort.Slice(top, func(i, j int) bool { return top[i].sim < top[j].sim })
	if len(top) > kk {
		top = top[:kk]
	}

	out := make([]Example, len(top))
	for i, t := range top {
		out[i] = t.ex
	}
	return out, nil
}

func cosineSimilarity(query []float32, queryNorm float32, candidate []float32) float32 {
	cNorm := vek32.Norm(candidate)
	if cNorm == 0 {
		return 0
	}
	return vek32.Dot(query, candidate) / (queryNorm * cNorm)
}
