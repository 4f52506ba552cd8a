package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/felixgeelhaar/mnemo/internal/store"
)

// Hit is a similarity match from the index.
type Hit struct {
	ID         int64
	Similarity float64
}

// Index is the in-process similarity index: a flat list of
// (id, embedding) pairs scanned linearly with cosine similarity.
// Read-mostly, append-on-insert; a wholesale rebuild only happens via
// Load. Exhaustive scan is fine at the target scale (tens of thousands
// of records); an ANN structure can replace this without changing the
// Search contract.
type Index struct {
	mu      sync.RWMutex
	ids     []int64
	vectors [][]float32
	loaded  bool
}

func NewIndex() *Index {
	return &Index{}
}

// Load rebuilds the index from persisted storage. It must be called
// once before first use; keeping this explicit (rather than lazy on
// first search) gives deterministic startup behavior.
func (ix *Index) Load(ctx context.Context, storage store.Storage) error {
	var ids []int64
	var vectors [][]float32

	err := storage.ScanEmbeddings(ctx, func(id int64, vec []float32) error {
		ids = append(ids, id)
		vectors = append(vectors, vec)
		return nil
	})
	if err != nil {
		return err
	}

	ix.mu.Lock()
	ix.ids = ids
	ix.vectors = vectors
	ix.loaded = true
	ix.mu.Unlock()
	return nil
}

// Loaded reports whether Load has completed since construction or the
// last Invalidate.
func (ix *Index) Loaded() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.loaded
}

// Invalidate drops the index contents; Load must run again before the
// next search.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	ix.ids = nil
	ix.vectors = nil
	ix.loaded = false
	ix.mu.Unlock()
}

// Add appends one entry. Only called after the corresponding durable
// write succeeded, so index and store never disagree.
func (ix *Index) Add(id int64, vec []float32) {
	ix.mu.Lock()
	ix.ids = append(ix.ids, id)
	ix.vectors = append(ix.vectors, vec)
	ix.mu.Unlock()
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Search returns up to limit hits with similarity >= threshold,
// ordered by descending similarity.
func (ix *Index) Search(vec []float32, limit int, threshold float64) []Hit {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var hits []Hit
	for i, candidate := range ix.vectors {
		sim := cosineSimilarity(vec, candidate)
		if sim >= threshold {
			hits = append(hits, Hit{ID: ix.ids[i], Similarity: sim})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
