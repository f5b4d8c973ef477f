// Command nexsus is the CLI front-end for the Nexsus semantic-data gateway:
// it drives schema/data/knowledge syncs, FK validation and repair, cleanup,
// and status reporting against one unified vector collection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexsuslabs/nexsus/internal/config"
	"github.com/nexsuslabs/nexsus/internal/embedding"
	"github.com/nexsuslabs/nexsus/internal/health"
	"github.com/nexsuslabs/nexsus/internal/observe"
	"github.com/nexsuslabs/nexsus/internal/resilience"
	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/schemasync"
	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/internal/source/yamlsource"
	"github.com/nexsuslabs/nexsus/internal/store"
	"github.com/nexsuslabs/nexsus/internal/watermark"
	"github.com/nexsuslabs/nexsus/pkg/provider/embeddings"
	embollama "github.com/nexsuslabs/nexsus/pkg/provider/embeddings/ollama"
	embopenai "github.com/nexsuslabs/nexsus/pkg/provider/embeddings/openai"
)

// Exit codes: 0 success, 1 fatal error, 2 usage error.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("nexsus", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "nexsus: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nexsus: %v\n", err)
		}
		return exitFatal
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "nexsus"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFatal
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObserve(shutdownCtx)
	}()

	env, err := buildEnv(ctx, cfg)
	if err != nil {
		slog.Error("failed to build environment", "err", err)
		return exitFatal
	}
	defer env.close()
	env.logLevel = logLevel

	// Hot-reload the safe subset of the config (log level, sync knobs,
	// pattern dir) while a long-running command is in flight. The
	// startup-bound settings (store, providers, breakers) still require a
	// restart.
	watcher, err := config.NewWatcher(*configPath, env.applyConfigChange)
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	if cfg.Server.MetricsAddr != "" {
		srv := env.startMetricsServer(cfg.Server.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return dispatch(ctx, env, fs.Args())
}

func dispatch(ctx context.Context, env *environment, args []string) int {
	switch args[0] {
	case "sync":
		return cmdSync(ctx, env, args[1:])
	case "validate-fk":
		return cmdValidateFK(ctx, env, args[1:])
	case "fix-orphans":
		return cmdFixOrphans(ctx, env, args[1:])
	case "cleanup":
		return cmdCleanup(ctx, env, args[1:])
	case "status":
		return cmdStatus(ctx, env, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "nexsus: unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: nexsus [-config path] <command> [options]

Commands:
  sync model <name>  [--date-from D] [--date-to D] [--no-cascade] [--force] [--dry-run]
  sync schema        [--source name] [--model m]... [--force]
  sync knowledge     [--force]
  validate-fk        [--model m] [--auto-sync] [--store-orphans] [--bidirectional] [--track-history]
  fix-orphans        <model> | --all  [--limit N]
  cleanup <model>    [--dry-run]
  status
`)
}

// environment holds everything a command needs, wired once per invocation.
type environment struct {
	cfg *config.Config

	store      *store.Store
	registry   *config.Registry
	schema     *schema.Registry
	gateway    *embedding.Gateway
	recSource  source.RecordSource
	dlq        *resilience.DLQ
	watermarks *watermark.Store
	metrics    *observe.Metrics
	logLevel   *slog.LevelVar

	sourceBreaker *resilience.CircuitBreaker
	storeBreaker  *resilience.CircuitBreaker
	retry         resilience.RetryConfig

	// Hot-reloadable state, swapped by the config watcher mid-process.
	mu       sync.Mutex
	syncCfg  config.SyncConfig
	patterns *config.PatternCatalog
}

// syncConfig returns the current sync knobs, which the config watcher may
// have updated since startup.
func (e *environment) syncConfig() config.SyncConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncCfg
}

func (e *environment) patternSource() *config.PatternCatalog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patterns
}

// applyConfigChange is the watcher callback: it applies the hot-reload-safe
// diff between the old and new configs to the running environment.
func (e *environment) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && e.logLevel != nil {
		e.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level reloaded", "level", d.NewLogLevel)
	}
	if d.SyncChanged {
		e.mu.Lock()
		e.syncCfg = d.NewSync
		e.mu.Unlock()
		slog.Info("sync settings reloaded", "parallel_targets", d.NewSync.ParallelTargets)
	}
	if d.PatternsDirChanged {
		e.mu.Lock()
		e.patterns = config.NewPatternCatalog(d.NewPatternsDir)
		e.mu.Unlock()
		slog.Info("narrative pattern dir reloaded", "dir", d.NewPatternsDir)
	}
}

func buildEnv(ctx context.Context, cfg *config.Config) (*environment, error) {
	env := &environment{cfg: cfg, metrics: observe.DefaultMetrics()}

	st, err := store.NewStore(ctx, cfg.Store.PostgresDSN, store.Config{
		Dimensions:      cfg.Store.Dimensions,
		HNSWM:           cfg.Store.HNSWM,
		HNSWEfConstruct: cfg.Store.HNSWEfConstruct,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	env.store = st

	env.schema = schema.New(schemasync.NewStoreSource(st, 0))
	env.patterns = config.NewPatternCatalog(cfg.Patterns.Dir)
	env.syncCfg = cfg.Sync

	registry := config.NewRegistry()
	registerBuiltins(registry)
	env.registry = registry

	provider, err := registry.CreateEmbeddings(cfg.Embeddings)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build embeddings provider: %w", err)
	}

	env.sourceBreaker = newBreaker("source", cfg.Breakers.Source)
	env.storeBreaker = newBreaker("store", cfg.Breakers.Store)
	embeddingBreaker := newBreaker("embedding", cfg.Breakers.Embedding)

	env.gateway = embedding.New(provider, embeddingBreaker, embedding.Config{
		MaxBatchTokens: cfg.Sync.MaxBatchTokens,
		MaxBatchItems:  cfg.Sync.MaxBatchItems,
		MaxChars:       cfg.Sync.MaxChars,
	})

	env.retry = resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
	}

	if cfg.Source.Name != "" {
		src, err := registry.CreateSource(cfg.Source)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("build record source: %w", err)
		}
		env.recSource = src
	}

	dlqPath := cfg.DLQ.Path
	if dlqPath == "" {
		dlqPath = "data/dlq.json"
	}
	if err := os.MkdirAll(filepath.Dir(dlqPath), 0o755); err != nil {
		st.Close()
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}
	dlqOpts := []resilience.Option{}
	if cfg.DLQ.MaxSize > 0 {
		dlqOpts = append(dlqOpts, resilience.WithMaxSize(cfg.DLQ.MaxSize))
	}
	dlq, err := resilience.Open(dlqPath, dlqOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open dlq: %w", err)
	}
	env.dlq = dlq

	wmDir := cfg.Watermarks.Dir
	if wmDir == "" {
		wmDir = "data/watermarks"
	}
	wm, err := watermark.NewStore(wmDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open watermarks: %w", err)
	}
	env.watermarks = wm

	return env, nil
}

func (e *environment) close() {
	if e.store != nil {
		e.store.Close()
	}
}

// requireSource guards commands that cannot run without a record source.
func (e *environment) requireSource() error {
	if e.recSource == nil {
		return errors.New("no record source configured; set source.name in the config file")
	}
	return nil
}

// startMetricsServer serves /metrics, /healthz, and /readyz for the duration
// of the command, so long sync runs can be scraped and probed.
func (e *environment) startMetricsServer(addr string) *http.Server {
	checkers := []health.Checker{
		{Name: "store", Check: func(ctx context.Context) error {
			_, err := e.store.CollectionInfo(ctx)
			return err
		}},
	}
	if e.recSource != nil {
		checkers = append(checkers, health.Checker{Name: "source", Check: func(ctx context.Context) error {
			_, err := e.recSource.ListModels(ctx)
			return err
		}})
	}
	h := health.New(checkers...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)

	srv := &http.Server{Addr: addr, Handler: observe.Middleware(e.metrics)(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	slog.Info("metrics server listening", "addr", addr)
	return srv
}

func registerBuiltins(r *config.Registry) {
	r.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		return embopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return embollama.New(entry.BaseURL, entry.Model)
	})

	// The Odoo and Excel adapters live outside this module and register
	// themselves the same way; the yaml catalog source is the built-in.
	r.RegisterSource("yaml", func(cfg config.SourceConfig) (source.RecordSource, error) {
		return yamlsource.Load(cfg.Path)
	})
}

func newBreaker(name string, cfg config.BreakerConfig) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  cfg.FailureThreshold,
		ResetTimeout: time.Duration(cfg.ResetTimeoutMS) * time.Millisecond,
		HalfOpenMax:  cfg.HalfOpenRequests,
	})
}
