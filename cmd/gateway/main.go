// Command gateway wires the inference dispatch and observation pipeline
// (spec §2) into a runnable process. Per spec §1 Non-goals, HTTP routing,
// CLI argument parsing frameworks, and TOML function/variant/model config
// loading are external collaborators — this binary wires the pipeline
// directly and exposes a small CLI surface (version, build-info, help,
// migrate) modeled on the teacher's own cmd/axonhub, using go.uber.org/fx for lifecycle the way the teacher's startServer does.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/tensorzero/tensorzero-sub029/internal/batch"
	"github.com/tensorzero/tensorzero-sub029/internal/bootconfig"
	"github.com/tensorzero/tensorzero-sub029/internal/build"
	"github.com/tensorzero/tensorzero-sub029/internal/cache"
	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/dispatcher"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/tensorzero/tensorzero-sub029/internal/log"
	"github.com/tensorzero/tensorzero-sub029/internal/migrate"
	"github.com/tensorzero/tensorzero-sub029/internal/observability"
	"github.com/tensorzero/tensorzero-sub029/internal/provider"
	"github.com/tensorzero/tensorzero-sub029/internal/ratelimit"
	"github.com/tensorzero/tensorzero-sub029/internal/runner"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
	"github.com/tensorzero/tensorzero-sub029/internal/variant"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Println(build.Version)
			return
		case "build-info":
			fmt.Println(build.GetBuildInfo())
			return
		case "help", "--help", "-h":
			showHelp()
			return
		case "migrate":
			runMigrateOnly()
			return
		}
	}

	startGateway()
}

func showHelp() {
	fmt.Println("TensorZero gateway")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  gateway                Start the dispatch/observability pipeline")
	fmt.Println("  gateway migrate        Run schema migrations against the configured store and exit")
	fmt.Println("  gateway version        Show version")
	fmt.Println("  gateway build-info     Show build information")
	fmt.Println("  gateway help           Show this help message")
}

type fxLogger struct{}

func (fxLogger) LogEvent(event fxevent.Event) {
	log.Debug(context.Background(), "fx event", log.Any("event", event))
}

// openStore opens the configured store and runs every registered migration
// (spec §4.9 component I) before the store is handed to any other
// component.
func openStore(cfg bootconfig.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Store.Dialect, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	mgr := migrate.NewManager(st)
	for _, m := range migrate.DefaultMigrations() {
		mgr.Register(m)
	}

	// A store whose chat_inference table is missing or empty is a clean
	// start; otherwise migrations get the chance to backfill existing rows.
	var existingRows int
	cleanStart := st.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM chat_inference").Scan(&existingRows) != nil || existingRows == 0

	if err := mgr.Run(context.Background(), cleanStart); err != nil {
		st.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return st, nil
}

func runMigrateOnly() {
	cfg, err := bootconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	defer st.Close()

	fmt.Println("migrations applied")
}

// setupMeterProvider installs the process-wide OTel MeterProvider that
// internal/observability's Writer reports queue-depth/flush counters
// through (spec §4.8 instrumentation). No metrics backend is configured
// here (out of the core's scope per spec §1 Non-goals — "observability
// layers" beyond the analytical store itself); a manual reader keeps the
// instruments live so recorded values are at least queryable via the
// reader's own Collect, without requiring a running exporter endpoint.
func setupMeterProvider() *sdkmetric.MeterProvider {
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
	)

	otel.SetMeterProvider(mp)

	return mp
}

func redisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// buildRateLimiter wires internal/ratelimit's Redis-backed Store when an
// address is configured, otherwise the in-memory Store (spec §5 "rate-limit
// store pool: connection pool sized >= expected concurrency" — the
// in-memory store is the single-process stand-in for that pool).
func buildRateLimiter(cfg bootconfig.RateLimitConfig) *ratelimit.Limiter {
	var st ratelimit.Store = ratelimit.NewMemoryStore()

	if cfg.RedisAddr != "" {
		client := redisClient(cfg.RedisAddr)
		st = ratelimit.NewRedisStore(client)
	}

	buckets := map[string]ratelimit.BucketParams{}

	if cfg.Enabled {
		if cfg.ModelInference.Capacity > 0 {
			buckets["model_inference"] = ratelimit.BucketParams{
				Capacity:       cfg.ModelInference.Capacity,
				RefillAmount:   cfg.ModelInference.RefillAmount,
				RefillInterval: cfg.ModelInference.RefillInterval,
			}
		}

		if cfg.Token.Capacity > 0 {
			buckets["token"] = ratelimit.BucketParams{
				Capacity:       cfg.Token.Capacity,
				RefillAmount:   cfg.Token.RefillAmount,
				RefillInterval: cfg.Token.RefillInterval,
			}
		}
	}

	return ratelimit.New(st, buckets)
}

// demoConfig is the minimal llmtypes.Config the gateway boots with when no
// function/variant/model graph is supplied externally: a single
// chat_completion function over the deterministic dummy provider, matching
// spec §8 scenario 1 ("Dummy chat non-streaming"). Real deployments build
// an llmtypes.Config from their own TOML loader (out of the core's scope,
// spec §1 Non-goals) and pass it to dispatcher.New instead.
func demoConfig() *llmtypes.Config {
	model := &llmtypes.Model{
		Name: "dummy::basic",
		Providers: []llmtypes.ModelProvider{
			{Name: "dummy", Kind: "dummy", ModelID: "dummy::basic"},
		},
	}

	fn := &llmtypes.Function{
		Name: "basic_test",
		Type: llmtypes.FunctionTypeChat,
		Variants: map[string]*llmtypes.Variant{
			"basic": {
				Name:       "basic",
				Kind:       llmtypes.VariantChatCompletion,
				Weight:     1,
				ModelNames: []string{model.Name},
			},
		},
	}

	return &llmtypes.Config{
		Functions: map[string]*llmtypes.Function{fn.Name: fn},
		Models:    map[string]*llmtypes.Model{model.Name: model},
	}
}

func startGateway() {
	fx.New(
		fx.WithLogger(func() fxevent.Logger { return fxLogger{} }),
		fx.Provide(bootconfig.Load),
		fx.Provide(openStore),
		fx.Provide(func(cfg bootconfig.Config) (*cache.Cache, error) {
			return cache.NewFromConfig(cfg.Cache)
		}),
		fx.Provide(func(cfg bootconfig.Config) *ratelimit.Limiter {
			return buildRateLimiter(cfg.RateLimit)
		}),
		fx.Provide(func() *provider.Registry { return provider.NewRegistry() }),
		fx.Provide(func() *credential.Resolver { return &credential.Resolver{} }),
		fx.Provide(func(reg *provider.Registry, c *cache.Cache, rl *ratelimit.Limiter, cred *credential.Resolver) *runner.Runner {
			return runner.New(reg, c, rl, cred)
		}),
		fx.Provide(func() *llmtypes.Config { return demoConfig() }),
		fx.Provide(func(r *runner.Runner, cfg *llmtypes.Config) *variant.Executor {
			return variant.New(r, cfg)
		}),
		fx.Provide(func(st *store.Store, cfg bootconfig.Config) *observability.Writer {
			return observability.NewWriter(st, cfg.Observability)
		}),
		fx.Provide(func(cfg *llmtypes.Config, exec *variant.Executor, w *observability.Writer) *dispatcher.Dispatcher {
			return dispatcher.New(cfg, exec, w)
		}),
		fx.Provide(func(st *store.Store) *batch.Poller {
			return batch.NewPoller(st, batch.NewDummyAdapter(), func(string, string) (*llmtypes.ModelProvider, bool) {
				return nil, false
			}, "*/5 * * * *")
		}),
		fx.Invoke(func(lc fx.Lifecycle, cfg bootconfig.Config, st *store.Store, w *observability.Writer, poller *batch.Poller, d *dispatcher.Dispatcher) {
			_ = log.Init(cfg.Log)

			meterProvider := setupMeterProvider()

			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					w.Start(context.Background())

					if err := poller.Start(context.Background()); err != nil {
						log.Warn(ctx, "batch poller did not start", log.Cause(err))
					}

					log.Info(ctx, "tensorzero gateway pipeline ready",
						log.String("store_dialect", string(cfg.Store.Dialect)),
						log.Int("functions", len(d.Config.Functions)))

					return nil
				},
				OnStop: func(ctx context.Context) error {
					if err := poller.Stop(ctx); err != nil {
						log.Warn(ctx, "batch poller stop error", log.Cause(err))
					}

					w.Stop()

					if err := meterProvider.Shutdown(ctx); err != nil {
						log.Warn(ctx, "meter provider shutdown error", log.Cause(err))
					}

					if err := st.Close(); err != nil {
						log.Error(ctx, "store close error", log.Cause(err))
					}

					return nil
				},
			})
		}),
	).Run()
}
