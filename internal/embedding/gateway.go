// Package embedding implements the Embedding Gateway: it sanitizes
// narrative text, batches it token-and-count-aware, and drives a
// [embeddings.Provider] behind a circuit breaker, degrading to per-item
// retries when the provider rejects a whole batch.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/nexsuslabs/nexsus/internal/resilience"
	"github.com/nexsuslabs/nexsus/pkg/provider/embeddings"
)

// Defaults mirror the tunables a deployment may override via config.
const (
	DefaultMaxBatchTokens = 280_000
	DefaultMaxBatchItems  = 1_000
	DefaultMaxChars       = 8_000
)

// InputType labels the intent of a text passed to [Gateway.EmbedTexts], since
// some providers embed queries and documents differently.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// BadRequestError marks a provider error as a per-item-retryable 4xx. Record
// source or provider adapters that can distinguish 4xx from transport
// failures should wrap their error in this type so the gateway knows to
// degrade rather than propagate.
type BadRequestError struct{ Err error }

func (e *BadRequestError) Error() string { return fmt.Sprintf("bad request: %v", e.Err) }
func (e *BadRequestError) Unwrap() error { return e.Err }

// Config tunes batching and sanitization.
type Config struct {
	MaxBatchTokens int
	MaxBatchItems  int
	MaxChars       int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchTokens <= 0 {
		c.MaxBatchTokens = DefaultMaxBatchTokens
	}
	if c.MaxBatchItems <= 0 {
		c.MaxBatchItems = DefaultMaxBatchItems
	}
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	return c
}

// Gateway is the Embedding Gateway. It is safe for concurrent use.
type Gateway struct {
	provider embeddings.Provider
	breaker  *resilience.CircuitBreaker
	cfg      Config
}

// New constructs a Gateway wrapping provider with breaker for failure
// isolation. cfg's zero fields fall back to the package defaults.
func New(provider embeddings.Provider, breaker *resilience.CircuitBreaker, cfg Config) *Gateway {
	return &Gateway{provider: provider, breaker: breaker, cfg: cfg.withDefaults()}
}

// Dimensions returns the provider's fixed vector length.
func (g *Gateway) Dimensions() int { return g.provider.Dimensions() }

// EmbedTexts sanitizes and embeds texts in order, returning one vector per
// input. Texts individually rejected by the provider come back as a zero
// vector rather than failing the whole call.
func (g *Gateway) EmbedTexts(ctx context.Context, texts []string, kind InputType) ([][]float32, error) {
	clean := make([]string, len(texts))
	for i, t := range texts {
		clean[i] = sanitize(t, g.cfg.MaxChars)
	}

	out := make([][]float32, len(clean))
	for _, batch := range g.plan(clean) {
		vectors, err := g.embedBatch(ctx, pick(clean, batch))
		if err != nil {
			return nil, fmt.Errorf("embedding gateway: %w", err)
		}
		for i, idx := range batch {
			out[idx] = vectors[i]
		}
	}
	return out, nil
}

// batch is a list of original indices whose texts are submitted together.
type batch []int

// plan groups texts into batches respecting MaxBatchTokens and
// MaxBatchItems. A single text whose own estimated token count exceeds the
// ceiling is submitted alone.
func (g *Gateway) plan(texts []string) []batch {
	var batches []batch
	var cur batch
	var curTokens int

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			curTokens = 0
		}
	}

	for i, t := range texts {
		tokens := estimateTokens(t)
		if tokens > g.cfg.MaxBatchTokens {
			flush()
			batches = append(batches, batch{i})
			continue
		}
		if len(cur) > 0 && (curTokens+tokens > g.cfg.MaxBatchTokens || len(cur) >= g.cfg.MaxBatchItems) {
			flush()
		}
		cur = append(cur, i)
		curTokens += tokens
	}
	flush()
	return batches
}

// embedBatch runs one batch through the circuit breaker, degrading to
// per-item retries on a bad-request rejection.
func (g *Gateway) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := g.breaker.Execute(func() error {
		v, err := g.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		vectors = v
		return nil
	})
	if err == nil {
		return vectors, nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, err
	}

	var badReq *BadRequestError
	if !errors.As(err, &badReq) {
		return nil, err
	}

	slog.Info("embedding gateway: batch rejected, degrading to per-item retries",
		"batch_size", len(texts), "err", err)
	return g.embedOneByOne(ctx, texts)
}

// embedOneByOne retries each text individually, substituting a zero vector
// for any text the provider still rejects.
func (g *Gateway) embedOneByOne(ctx context.Context, texts []string) ([][]float32, error) {
	dims := g.provider.Dimensions()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var vec []float32
		err := g.breaker.Execute(func() error {
			v, err := g.provider.Embed(ctx, t)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		if err == nil {
			out[i] = vec
			continue
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		var badReq *BadRequestError
		if errors.As(err, &badReq) {
			slog.Info("embedding gateway: item rejected, using zero vector", "err", err)
			out[i] = make([]float32, dims)
			continue
		}
		return nil, err
	}
	return out, nil
}

func pick(texts []string, idxs batch) []string {
	out := make([]string, len(idxs))
	for i, idx := range idxs {
		out[i] = texts[idx]
	}
	return out
}

// estimateTokens is a deliberate ceil(len/4) under-approximation, keeping
// batches safely below provider limits. Do not swap in a real tokenizer
// without revising the batch defaults.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// sanitize strips null bytes and control characters (preserving tab and
// newline), replaces blank text with the "[empty]" sentinel, and truncates
// to maxChars runes. Any mutation is logged at info.
func sanitize(s string, maxChars int) string {
	original := s

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == 0 {
			continue
		}
		if r == '\t' || r == '\n' {
			sb.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		sb.WriteRune(r)
	}
	cleaned := sb.String()

	if strings.TrimSpace(cleaned) == "" {
		cleaned = "[empty]"
	}

	runes := []rune(cleaned)
	if len(runes) > maxChars {
		cleaned = string(runes[:maxChars])
	}

	if cleaned != original {
		slog.Info("embedding gateway: sanitized input text",
			"original_len", len(original), "sanitized_len", len(cleaned))
	}
	return cleaned
}
