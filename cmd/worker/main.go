package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gorax/shieldflow/internal/adapters/connector"
	"github.com/gorax/shieldflow/internal/adapters/mpc"
	"github.com/gorax/shieldflow/internal/adapters/nilai"
	"github.com/gorax/shieldflow/internal/adapters/vault"
	"github.com/gorax/shieldflow/internal/adapters/zcash"
	"github.com/gorax/shieldflow/internal/buildinfo"
	"github.com/gorax/shieldflow/internal/config"
	"github.com/gorax/shieldflow/internal/credit"
	"github.com/gorax/shieldflow/internal/executor"
	"github.com/gorax/shieldflow/internal/executor/dispatch"
	"github.com/gorax/shieldflow/internal/metrics"
	"github.com/gorax/shieldflow/internal/realtime"
	"github.com/gorax/shieldflow/internal/resilience"
	"github.com/gorax/shieldflow/internal/tracing"
	"github.com/gorax/shieldflow/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	logger.Info("starting run executor", "version", buildinfo.GetVersion(), "git_commit", buildinfo.GetGitCommit())

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	tracingCleanup, err := tracing.InitGlobalTracer(context.Background(), &cfg.Observability)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer tracingCleanup()

	if cfg.Observability.TracingEnabled {
		slog.Info("distributed tracing enabled",
			"endpoint", cfg.Observability.TracingEndpoint,
			"service_name", cfg.Observability.TracingServiceName,
			"sample_rate", cfg.Observability.TracingSampleRate,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlx.Connect("postgres", cfg.Database.ConnectionString())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	repo := workflow.NewRepository(db)
	registry := dispatch.NewRegistry()

	circuitRegistry := resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig(), logger)

	mpcClient := mpc.NewClient(cfg.Adapters.MPC.BaseURL, cfg.Adapters.MPC.APIKey, cfg.Adapters.MPC.Timeout, logger, circuitRegistry)
	nilaiClient := nilai.NewClient(cfg.Adapters.Nilai.BaseURL, cfg.Adapters.Nilai.APIKey, cfg.Adapters.Nilai.Model, cfg.Adapters.Nilai.Timeout, logger, circuitRegistry)
	zcashClient := zcash.NewClient(cfg.Adapters.Zcash.BaseURL, cfg.Adapters.Zcash.APIKey, logger, circuitRegistry)
	vaultClient := vault.NewClient(cfg.Adapters.Vault.BaseURL, cfg.Adapters.Vault.APIKey, logger, circuitRegistry)
	connectorClient := connector.NewClient(circuitRegistry, cfg.Adapters.Connector.AllowPrivateNetworks, logger)

	dispatcher := dispatch.NewDispatcher(
		registry,
		mpcClient, mpcClient,
		nilaiClient,
		zcashClient,
		vaultClient,
		connectorClient,
		&connectorStore{db: db},
	)
	batchPlanner := dispatch.NewBatchPlanner(registry, mpcClient)

	ledger := credit.NewRedisLedger(redisClient)
	planner := credit.NewPlanner(registry, ledger)

	hub := realtime.NewHub(logger)
	go hub.Run()
	broadcaster := realtime.NewBroadcaster(hub, logger)
	wsHandler := realtime.NewHandler(hub, cfg.Realtime, logger)

	promRegistry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics()
	if err := appMetrics.Register(promRegistry); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	exec := executor.New(repo, registry, dispatcher, batchPlanner, planner, logger, broadcaster, appMetrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/realtime", wsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	healthServer := &http.Server{Addr: ":" + cfg.Worker.HealthPort, Handler: mux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runPollLoop(ctx, repo, exec, logger, cfg.Worker)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down run executor...")
	cancel()
	<-runnerDone
	slog.Info("run executor stopped")
}

// runPollLoop claims and runs pending runs until ctx is cancelled, bounding
// in-flight runs to cfg.Concurrency via a semaphore.
func runPollLoop(ctx context.Context, repo *workflow.Repository, exec *executor.Executor, logger *slog.Logger, cfg config.WorkerConfig) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, cfg.Concurrency)
	var inFlight sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			inFlight.Wait()
			return
		case <-ticker.C:
			select {
			case sem <- struct{}{}:
			default:
				continue
			}

			run, err := repo.ClaimNextPendingRun(ctx)
			if err != nil {
				logger.Error("failed to claim pending run", "error", err)
				<-sem
				continue
			}
			if run == nil {
				<-sem
				continue
			}

			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				defer func() { <-sem }()

				logger.Info("executing run", "run_id", run.ID, "org_id", run.OrgID, "workflow_id", run.WorkflowID)
				if err := exec.Run(ctx, run.OrgID, run.ID); err != nil {
					logger.Error("run executor returned a plumbing error", "run_id", run.ID, "error", err)
				}
			}()
		}
	}
}

// connectorStore satisfies dispatch.ConnectorLookup over the connectors
// table: each row holds a connector's base URL and a pre-decrypted header
// set (decryption happens upstream of this table, at connector save time).
type connectorStore struct {
	db *sqlx.DB
}

type connectorRow struct {
	BaseURL string          `db:"base_url"`
	Headers json.RawMessage `db:"headers"`
}

func (s *connectorStore) GetConnector(ctx context.Context, connectorID string) (dispatch.Connector, error) {
	const query = `SELECT base_url, headers FROM connectors WHERE id = $1`

	var row connectorRow
	err := s.db.GetContext(ctx, &row, query, connectorID)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Connector{}, workflow.ErrNotFound
	}
	if err != nil {
		return dispatch.Connector{}, fmt.Errorf("get connector: %w", err)
	}

	headers := map[string]string{}
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &headers); err != nil {
			return dispatch.Connector{}, fmt.Errorf("decode connector headers: %w", err)
		}
	}
	return dispatch.Connector{BaseURL: row.BaseURL, Headers: headers}, nil
}
