// Package main provides the Sentinel telemetry polling service.
//
// Sentinel periodically queries an analytics backend for every configured tenant,
// persists deduplicated results and notifies on previously unseen failures.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/correlator-io/sentinel/internal/alerting"
	"github.com/correlator-io/sentinel/internal/api"
	"github.com/correlator-io/sentinel/internal/api/middleware"
	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/ingestion"
	"github.com/correlator-io/sentinel/internal/query"
	"github.com/correlator-io/sentinel/internal/runner"
	"github.com/correlator-io/sentinel/internal/scheduler"
	"github.com/correlator-io/sentinel/internal/storage"
	"github.com/correlator-io/sentinel/internal/window"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "sentinel"
)

var errEmptyToken = errors.New("token cannot be empty")

type (
	// telemetryBackend is the store surface needed by ingestion, alerting and readiness.
	telemetryBackend interface {
		ingestion.Store
		alerting.Store
		api.HealthChecker
	}

	// backend bundles the stores selected by SENTINEL_STORE.
	backend struct {
		telemetry telemetryBackend
		windows   interface {
			window.Store
			api.WindowStore
		}
		close func()
	}
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [hash-token]\n\n", name)
		fmt.Fprintln(flag.CommandLine.Output(), "Commands:")
		fmt.Fprintln(flag.CommandLine.Output(), "  hash-token   read an admin token from stdin and print its bcrypt hash")
		fmt.Fprintln(flag.CommandLine.Output(), "\nFlags:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.Arg(0) == "hash-token" {
		if err := hashToken(os.Stdin, os.Stdout); err != nil {
			log.Printf("hash-token failed: %v", err)
			os.Exit(1)
		}

		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(name)

	logger.Info("Starting Sentinel service",
		slog.String("service", name),
		slog.String("version", version),
	)

	if err := run(ctx, logger); err != nil {
		logger.Error("Sentinel service failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1) //nolint:gocritic // stop() is called explicitly above
	}

	logger.Info("Sentinel service stopped")
}

// run wires every component, blocks until ctx is cancelled and then shuts down in
// reverse dependency order: API, scheduler, alerter, stores.
func run(ctx context.Context, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stores, err := openBackend(logger)
	if err != nil {
		return err
	}
	defer stores.close()

	environment := config.GetEnvStr("SENTINEL_ENVIRONMENT", query.ProductionEnvironment)

	catalog, err := query.NewCatalog(query.LoadCatalogConfig())
	if err != nil {
		return fmt.Errorf("invalid catalog configuration: %w", err)
	}

	defs, err := catalog.Load(environment)
	if err != nil {
		return fmt.Errorf("failed to load query catalog: %w", err)
	}

	logger.Info("Query catalog loaded",
		slog.String("environment", environment),
		slog.Int("queries", len(defs)),
	)

	tracker, err := window.NewTracker(stores.windows, window.LoadConfig(),
		window.WithLogger(config.NewLogger("window")))
	if err != nil {
		return fmt.Errorf("failed to create window tracker: %w", err)
	}

	executor, err := runner.NewHTTPExecutor(runner.LoadHTTPConfig(), nil)
	if err != nil {
		return fmt.Errorf("failed to create query executor: %w", err)
	}

	queryRunner, err := runner.New(executor, runner.LoadConfig(), config.NewLogger("runner"))
	if err != nil {
		return fmt.Errorf("failed to create query runner: %w", err)
	}

	ingestor, err := ingestion.NewIngestor(stores.telemetry, ingestion.WithLogger(config.NewLogger("ingestion")))
	if err != nil {
		return fmt.Errorf("failed to create ingestor: %w", err)
	}

	alerter, closeNotifier, err := startAlerter(ctx, stores.telemetry, defs, registry)
	if err != nil {
		return err
	}
	defer closeNotifier()

	schedulerMetrics, err := scheduler.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register scheduler metrics: %w", err)
	}

	sched, err := scheduler.New(scheduler.Dependencies{
		Tracker:  tracker,
		Runner:   queryRunner,
		Ingestor: ingestor,
		Alerts:   alerter,
	}, defs, scheduler.LoadConfig(),
		scheduler.WithLogger(config.NewLogger("scheduler")),
		scheduler.WithMetrics(schedulerMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	serverConfig := api.LoadServerConfig()

	var rateLimiter middleware.RateLimiter

	if limiterConfig := middleware.LoadConfig(); limiterConfig.Enabled {
		rateLimiter = middleware.NewInMemoryRateLimiter(limiterConfig)

		logger.Info("Rate limiter initialized",
			slog.Int("global_rps", limiterConfig.GlobalRPS),
			slog.Int("client_rps", limiterConfig.ClientRPS),
		)
	}

	server, err := api.NewServer(serverConfig, api.Dependencies{
		Store:       stores.telemetry,
		Windows:     stores.windows,
		Pairs:       sched,
		Gatherer:    registry,
		RateLimiter: rateLimiter,
		Logger:      config.NewLogger("api"),
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create ops server: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	serverErr := server.Start(ctx)

	// Persisting and committing inside the scheduler outlive ctx, so shutdown uses a
	// fresh context bounded by each component's own timeout.
	shutdownCtx := context.WithoutCancel(ctx)

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler did not stop cleanly", slog.String("error", err.Error()))
	}

	stopCtx, cancel := context.WithTimeout(shutdownCtx, serverConfig.ShutdownTimeout)
	defer cancel()

	if err := alerter.Stop(stopCtx); err != nil {
		logger.Error("Alerter did not stop cleanly", slog.String("error", err.Error()))
	}

	return serverErr
}

// openBackend opens the stores selected by SENTINEL_STORE.
func openBackend(logger *slog.Logger) (*backend, error) {
	storageConfig := storage.LoadConfig()

	if err := storageConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	if storageConfig.Backend == storage.BackendMemory {
		logger.Warn("Using in-memory store",
			slog.String("note", "windows and dedup state are lost on restart"),
		)

		memory := storage.NewMemoryStore()

		return &backend{telemetry: memory, windows: memory, close: func() {}}, nil
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	telemetry, err := storage.NewTelemetryStore(conn,
		storage.WithPoisonCleanup(storageConfig.PoisonRetention, storageConfig.CleanupInterval),
		storage.WithTelemetryLogger(config.NewLogger("storage")),
	)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to create telemetry store: %w", err)
	}

	windows, err := storage.NewWindowStore(conn)
	if err != nil {
		_ = telemetry.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("failed to create window store: %w", err)
	}

	logger.Info("PostgreSQL store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Duration("poison_retention", storageConfig.PoisonRetention),
		slog.Duration("cleanup_interval", storageConfig.CleanupInterval),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	return &backend{
		telemetry: telemetry,
		windows:   windows,
		close: func() {
			_ = telemetry.Close()
			_ = conn.Close()
		},
	}, nil
}

// startAlerter builds the notifier and alerter, re-enqueues records left pending by
// an earlier run and starts delivery. The returned func releases the notifier.
func startAlerter(
	ctx context.Context, store alerting.Store, defs []*query.Definition, reg prometheus.Registerer,
) (*alerting.Alerter, func(), error) {
	alertConfig := alerting.LoadConfig()
	alertLogger := config.NewLogger("alerting")

	notifier, err := alerting.NewNotifier(alertConfig, alertLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	closeNotifier := func() {
		if closer, ok := notifier.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				alertLogger.Error("Failed to close notifier", slog.String("error", err.Error()))
			}
		}
	}

	metrics, err := alerting.NewMetrics(reg)
	if err != nil {
		closeNotifier()

		return nil, nil, fmt.Errorf("failed to register alerting metrics: %w", err)
	}

	alerter, err := alerting.NewAlerter(store, notifier, alertConfig,
		alerting.WithLogger(alertLogger),
		alerting.WithMetrics(metrics),
	)
	if err != nil {
		closeNotifier()

		return nil, nil, fmt.Errorf("failed to create alerter: %w", err)
	}

	alerter.SetDefinitions(defs)

	if resumed, err := alerter.Resume(ctx); err != nil {
		alertLogger.Warn("Failed to resume pending alerts", slog.String("error", err.Error()))
	} else if resumed > 0 {
		alertLogger.Info("Resumed pending alerts", slog.Int("count", resumed))
	}

	if err := alerter.Start(ctx); err != nil {
		closeNotifier()

		return nil, nil, fmt.Errorf("failed to start alerter: %w", err)
	}

	return alerter, closeNotifier, nil
}

// hashToken reads one line from in and writes the bcrypt hash for
// SENTINEL_ADMIN_TOKEN_HASH to out.
func hashToken(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read token: %w", err)
	}

	token := strings.TrimSpace(line)
	if token == "" {
		return errEmptyToken
	}

	hash, err := middleware.HashAdminToken(token)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, hash)

	return err
}
