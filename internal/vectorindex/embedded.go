// Package vectorindex stores workspace file vectors and answers cosine
// similarity queries. The embedded in-memory index is the default and
// needs no setup; a Postgres pgvector backend persists vectors across
// sessions when KILN_PGVECTOR_URL is configured.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/kilnworks/kiln/pkg/models"
)

// Embedded is a brute-force in-memory index keyed by file path. Workspace
// file counts stay in the hundreds, so linear scan beats any structure.
type Embedded struct {
	mu    sync.RWMutex
	files map[string]models.EmbeddedFile
}

// NewEmbedded creates an empty in-memory index.
func NewEmbedded() *Embedded {
	return &Embedded{files: make(map[string]models.EmbeddedFile)}
}

func (s *Embedded) Kind() string { return "embedded" }

// Upsert replaces the vector stored for a path.
func (s *Embedded) Upsert(_ context.Context, file models.EmbeddedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vec := make([]float64, len(file.Vector))
	copy(vec, file.Vector)
	file.Vector = vec
	s.files[file.Path] = file
	return nil
}

// Delete removes a path. Unknown paths are a no-op.
func (s *Embedded) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

// Search returns the top-k paths by cosine similarity. Entries whose
// dimensions do not match the query are skipped.
func (s *Embedded) Search(_ context.Context, vector []float64, k int) ([]models.Retrieved, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []models.Retrieved
	for path, f := range s.files {
		if len(f.Vector) != len(vector) || len(vector) == 0 {
			continue
		}
		hits = append(hits, models.Retrieved{Path: path, Score: cosine(vector, f.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Path < hits[j].Path
	})
	if k >= 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// All returns every stored entry, sorted by path for stable snapshots.
func (s *Embedded) All(_ context.Context) ([]models.EmbeddedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.EmbeddedFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Embedded) Close() error { return nil }

func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
