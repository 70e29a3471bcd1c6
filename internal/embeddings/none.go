package embeddings

import "context"

// NoneDriver is the inert fallback used when no embedding model is
// installed. Every text embeds to an empty vector, so indexing stores
// nothing and retrieval finds nothing, deterministically.
type NoneDriver struct{}

func (NoneDriver) Kind() string    { return "none" }
func (NoneDriver) Dimensions() int { return 0 }

func (NoneDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	return make([][]float64, len(texts)), nil
}
