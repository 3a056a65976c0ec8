package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rohmanhakim/harvester/internal/config"
	"github.com/rohmanhakim/harvester/internal/fetcher"
	"github.com/rohmanhakim/harvester/internal/kv"
	"github.com/rohmanhakim/harvester/internal/locator"
	"github.com/rohmanhakim/harvester/internal/metadata"
	"github.com/rohmanhakim/harvester/internal/metrics"
	"github.com/rohmanhakim/harvester/internal/notify"
	"github.com/rohmanhakim/harvester/internal/orchestrator"
	"github.com/rohmanhakim/harvester/internal/pool"
	"github.com/rohmanhakim/harvester/internal/robots"
	"github.com/rohmanhakim/harvester/internal/storage"
	"github.com/rohmanhakim/harvester/internal/telemetry"
	"github.com/rohmanhakim/harvester/internal/work"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run (or resume) a harvest",
	Long: `Run discovers and loads work until every source is exhausted.

On SIGINT or SIGTERM in-flight items get a grace period to finish, unfinished
items stay in the queue, and the run can be resumed with the same --run-id
against a persistent --kv backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := InitConfigWithError()
		if err != nil {
			return err
		}

		logger := telemetry.SetupLogger(cfg.LogLevel(), cfg.LogFormat())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := Harvest(ctx, cfg, logger)
		printSummary(cmd.OutOrStdout(), result)
		return err
	},
}

// Harvest wires every component described by cfg and executes one run.
func Harvest(ctx context.Context, cfg config.Config, logger *slog.Logger) (orchestrator.RunResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStore(cfg)
	if err != nil {
		return orchestrator.RunResult{RunID: cfg.RunID()}, err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	m := metrics.New()
	if addr := cfg.MetricsAddr(); addr != "" {
		stopMetrics := serveMetrics(addr, m, logger)
		defer stopMetrics()
	}

	recorder := metadata.NewRecorder("harvester", logger)
	sink := storage.NewLocalSink(cfg.OutputDir(), recorder,
		storage.WithHashAlgo(cfg.HashAlgo()),
		storage.WithCompression(cfg.Compress()),
		storage.WithLogger(logger),
	)

	if cfg.KafkaBroker() != "" {
		notifier := notify.NewKafkaNotifier(cfg.KafkaBroker(), cfg.KafkaTopic(), logger)
		defer notifier.Close()
		unsubscribe := sink.Subscribe(notifier)
		defer unsubscribe()
	}

	sourceDir, err := absSourceDir(cfg.SourceDir())
	if err != nil {
		return orchestrator.RunResult{RunID: cfg.RunID()}, err
	}

	var httpOpts []fetcher.HTTPOption
	if cfg.RespectRobots() {
		// rules are cached next to the queue, so a persistent backend shares them across runs
		policy := robots.NewPolicy(cfg.Protocol(config.ProtocolHTTP), store, recorder)
		httpOpts = append(httpOpts, fetcher.WithAccessPolicy(policy))
	}

	fileLoader := fetcher.NewFileLoader(sourceDir, cfg.Protocol(config.ProtocolFile), recorder)
	registry := fetcher.NewRegistry().
		Register(fetcher.NewHTTPLoader(cfg.Protocol(config.ProtocolHTTP), recorder, httpOpts...), "http", "https").
		Register(fileLoader, "file").
		Fallback(fileLoader)

	o := orchestrator.New(orchestrator.Config{
		Store:        store,
		Sink:         sink,
		Pools:        pool.NewManager(pool.WithObserver(m), pool.WithLogger(logger)),
		App:          appContext(cfg),
		Logger:       logger,
		Metrics:      m,
		MetadataSink: recorder,
		Finalizer:    recorder,
		BatchSize:    cfg.BatchSize(),
		GracePeriod:  cfg.GracePeriod(),
	})

	return o.Run(ctx, orchestrator.RunParams{
		RunID:           cfg.RunID(),
		Locators:        buildLocators(cfg, sourceDir, logger),
		Dispatcher:      registry,
		Concurrency:     cfg.Concurrency(),
		TargetQueueSize: cfg.TargetQueueSize(),
	})
}

func openStore(cfg config.Config) (kv.Store, error) {
	switch cfg.KVBackend() {
	case config.KVRedis:
		return kv.NewRedisStore(cfg.KVAddr(), cfg.KVPrefix()), nil
	case config.KVSQLite:
		store, err := kv.NewSQLiteStore(cfg.KVPath())
		if err != nil {
			return nil, fmt.Errorf("open queue store: %w", err)
		}
		return store, nil
	default:
		return kv.NewMemoryStore(), nil
	}
}

func appContext(cfg config.Config) pool.AppContext {
	app := pool.AppContext{UserAgent: cfg.UserAgent()}
	if token := cfg.AuthToken(); token != "" {
		app.Credentials = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
	return app
}

// absSourceDir anchors the walked directory, so that walked paths and
// relative seeds resolve to the same files.
func absSourceDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve source dir: %w", err)
	}
	return abs, nil
}

func buildLocators(cfg config.Config, sourceDir string, logger *slog.Logger) []work.Locator {
	var locators []work.Locator
	if s := cfg.Seeds(); len(s) > 0 {
		locators = append(locators, locator.NewSeedLocator("seeds", locator.SeedsFromIDs(s...)))
	}
	if sourceDir != "" {
		locators = append(locators, locator.NewDirectoryLocator("source", sourceDir,
			locator.WithMaxDepth(cfg.SourceMaxDepth()),
			locator.WithExtensions(cfg.SourceExtensions()...),
			locator.WithDirectoryLogger(logger),
		))
	}
	if u := cfg.ListingURL(); u != "" {
		locators = append(locators, locator.NewPaginatedLocator(locator.PaginatedConfig{
			StartURL: u,
			MaxPages: cfg.ListingMaxPages(),
			Protocol: cfg.Protocol(config.ProtocolHTTP),
		}))
	}
	return locators
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printSummary(w io.Writer, r orchestrator.RunResult) {
	if r.RunID == "" {
		return
	}
	fmt.Fprintf(w, "Run: %s\n", r.RunID)
	fmt.Fprintf(w, "Processed: %d\n", r.Processed)
	fmt.Fprintf(w, "Failed: %d\n", r.Failed)
	fmt.Fprintf(w, "Bundles: %d\n", r.Bundles)
	fmt.Fprintf(w, "Remaining: %d\n", r.Remaining)
	if r.Skipped > 0 {
		fmt.Fprintf(w, "Skipped (undecodable): %d\n", r.Skipped)
	}
	fmt.Fprintf(w, "Duration: %v\n", r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failed %s: %v\n", f.ItemID, f.Err)
	}
}
