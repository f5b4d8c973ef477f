package resilience

import (
	"context"

	"github.com/nexsuslabs/nexsus/pkg/provider/embeddings"
)

// EmbeddingFallback implements [embeddings.Provider] with automatic failover
// across multiple embedding backends sharing the same dimensionality. Used
// as the Embedding Gateway's provider, it lets a primary outage degrade to
// a fallback backend. The CLI builds its gateway over a single configured
// provider and does not construct one of these.
type EmbeddingFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingFallback)(nil)

// NewEmbeddingFallback creates an [EmbeddingFallback] with primary as the
// preferred backend.
func NewEmbeddingFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingFallback {
	return &EmbeddingFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional embedding provider as a fallback.
// Callers are responsible for only adding providers whose Dimensions()
// matches the primary's — mixing dimensions would silently corrupt
// downstream cosine search.
func (f *EmbeddingFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed delegates to the first healthy provider.
func (f *EmbeddingFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch delegates to the first healthy provider.
func (f *EmbeddingFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the primary's dimensionality; fallbacks must match it.
func (f *EmbeddingFallback) Dimensions() int {
	if len(f.group.entries) == 0 {
		return 0
	}
	return f.group.entries[0].value.Dimensions()
}

// ModelID returns the primary's model id. This does not participate in
// failover since it is static metadata, not a live call.
func (f *EmbeddingFallback) ModelID() string {
	if len(f.group.entries) == 0 {
		return ""
	}
	return f.group.entries[0].value.ModelID()
}
