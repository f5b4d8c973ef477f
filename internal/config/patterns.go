package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nexsuslabs/nexsus/pkg/narrative"
)

// patternFile is the on-disk JSON shape of one model's narrative pattern.
type patternFile struct {
	Template           string   `json:"template"`
	KeyFields          []string `json:"key_fields"`
	MaxNarrativeLength int      `json:"max_narrative_length"`
	ManyToManySummary  bool     `json:"many_to_many_summary"`
}

// PatternCatalog loads per-model narrative-pattern JSON files from a
// directory, one "<model>.json" file per opted-in model, and caches them.
// Models without a file get the default rendering (a not-found error the
// cascade scheduler treats as "no pattern").
//
// Safe for concurrent use.
type PatternCatalog struct {
	dir string

	mu    sync.RWMutex
	cache map[string]narrative.Pattern
}

// NewPatternCatalog constructs a catalog over dir. dir may be empty, in
// which case every lookup reports no pattern.
func NewPatternCatalog(dir string) *PatternCatalog {
	return &PatternCatalog{dir: dir, cache: make(map[string]narrative.Pattern)}
}

// Pattern returns model's loaded narrative pattern. A missing file is an
// error wrapping [os.ErrNotExist]; callers fall back to default rendering.
func (c *PatternCatalog) Pattern(_ context.Context, model string) (narrative.Pattern, error) {
	c.mu.RLock()
	p, ok := c.cache[model]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	if c.dir == "" {
		return narrative.Pattern{}, fmt.Errorf("config: no pattern directory configured: %w", os.ErrNotExist)
	}

	data, err := os.ReadFile(filepath.Join(c.dir, model+".json"))
	if err != nil {
		return narrative.Pattern{}, fmt.Errorf("config: pattern for %s: %w", model, err)
	}

	var pf patternFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return narrative.Pattern{}, fmt.Errorf("config: pattern for %s: decode: %w", model, err)
	}
	p = narrative.Pattern{
		Template:           pf.Template,
		KeyFields:          pf.KeyFields,
		MaxNarrativeLength: pf.MaxNarrativeLength,
		ManyToManySummary:  pf.ManyToManySummary,
	}

	c.mu.Lock()
	c.cache[model] = p
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops the cache so subsequent lookups re-read from disk. The
// CLI's config-watcher callback does not call it; it builds a new catalog
// when the pattern directory changes.
func (c *PatternCatalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]narrative.Pattern)
}
