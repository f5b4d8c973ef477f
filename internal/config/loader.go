package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known adapter names per kind. Used by [Validate]
// to warn about unrecognised names without rejecting third-party adapters.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama"},
	"source":     {"odoo", "excel", "yaml"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Store.Dimensions != 0 && cfg.Store.Dimensions < 512 {
		errs = append(errs, fmt.Errorf("store.dimensions %d is below the 512 minimum", cfg.Store.Dimensions))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; all sync and query commands will fail until it is set")
	}

	validateProviderName("embeddings", cfg.Embeddings.Name)
	validateProviderName("source", cfg.Source.Name)

	if cfg.Source.Name == "odoo" && cfg.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required when source.name is odoo"))
	}
	if (cfg.Source.Name == "excel" || cfg.Source.Name == "yaml") && cfg.Source.Path == "" {
		errs = append(errs, fmt.Errorf("source.path is required when source.name is %s", cfg.Source.Name))
	}

	if cfg.Sync.ParallelTargets < 0 {
		errs = append(errs, fmt.Errorf("sync.parallel_targets %d is negative", cfg.Sync.ParallelTargets))
	}
	for _, b := range []struct {
		name string
		cfg  BreakerConfig
	}{
		{"breakers.source", cfg.Breakers.Source},
		{"breakers.embedding", cfg.Breakers.Embedding},
		{"breakers.store", cfg.Breakers.Store},
	} {
		if b.cfg.FailureThreshold < 0 || b.cfg.ResetTimeoutMS < 0 || b.cfg.HalfOpenRequests < 0 {
			errs = append(errs, fmt.Errorf("%s has a negative value", b.name))
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d is negative", cfg.Retry.MaxAttempts))
	}
	if cfg.DLQ.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("dlq.max_size %d is negative", cfg.DLQ.MaxSize))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party adapter",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
