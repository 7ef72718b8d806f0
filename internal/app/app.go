package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/membersync/internal/billing"
	"github.com/hitoshi/membersync/internal/config"
	"github.com/hitoshi/membersync/internal/database"
	"github.com/hitoshi/membersync/internal/handler"
	"github.com/hitoshi/membersync/internal/logger"
	"github.com/hitoshi/membersync/internal/metrics"
	"github.com/hitoshi/membersync/internal/middleware"
	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/reconcile"
	"github.com/hitoshi/membersync/internal/repository"
	"github.com/hitoshi/membersync/internal/webhook"
	"github.com/hitoshi/membersync/internal/worker/batch"
	"github.com/hitoshi/membersync/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、LOG_LEVELに応じたJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	if err := config.LoadDotEnv(""); err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandReconcile:
		return runReconcileOnce(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components は各起動モードで共有する照合処理の依存関係。
type components struct {
	db            *sql.DB
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	members       *repository.PostgresMemberRepo
	discrepancies *repository.PostgresDiscrepancyRepo
	corrector     *reconcile.Corrector
	batch         *reconcile.BatchReconciler
}

// openComponents はDB接続を開き、Verifier → Corrector → BatchReconciler をワイヤリングする。
func openComponents(cfg *config.Config, log *slog.Logger) (*components, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	members := repository.NewPostgresMemberRepo(db)

	backend := billing.NewStripeBackend(billing.StripeConfig{
		APIURL:            cfg.StripeAPIURL,
		MaxNetworkRetries: cfg.StripeMaxNetworkRetries,
		HTTPClient:        &http.Client{Timeout: cfg.VerifyTimeout + 5*time.Second},
		Logger:            &billing.SlogLeveledLogger{Logger: log},
	})
	verifier := billing.NewVerifier(
		billing.NewStripeClient(backend, cfg.StripeSecretKey),
		log,
		billing.WithTimeout(cfg.VerifyTimeout),
		billing.WithRateLimit(cfg.ProviderRateLimit),
		billing.WithMetrics(collector),
	)

	corrector := reconcile.NewCorrector(members, verifier, collector, log)
	batchReconciler := reconcile.NewBatchReconciler(members, corrector, reconcile.BatchConfig{
		BatchSize:  cfg.ReconcileBatchSize,
		BatchDelay: cfg.ReconcileBatchDelay,
	}, collector, log)

	return &components{
		db:            db,
		registry:      registry,
		metrics:       collector,
		members:       members,
		discrepancies: repository.NewPostgresDiscrepancyRepo(db),
		corrector:     corrector,
		batch:         batchReconciler,
	}, nil
}

// newDeduper はREDIS_URLが設定されていればRedis、なければPostgreSQLでWebhookの重複を判定する。
func newDeduper(cfg *config.Config, db *sql.DB) (webhook.Deduper, func(), error) {
	if cfg.RedisURL == "" {
		return repository.NewPostgresWebhookEventRepo(db), func() {}, nil
	}
	client, err := webhook.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("using redis for webhook de-duplication")
	return webhook.NewRedisDeduper(client, cfg.WebhookEventTTL), func() { client.Close() }, nil
}

// runServe はAPIサーバーモードで起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := openComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	deduper, closeDeduper, err := newDeduper(cfg, c.db)
	if err != nil {
		return err
	}
	defer closeDeduper()

	webhookService := webhook.NewService(webhook.Config{
		Secret:    cfg.StripeWebhookSecret,
		Tolerance: cfg.WebhookTolerance,
	}, deduper, c.members, c.corrector, c.metrics, log)

	loginChecker := reconcile.NewLoginChecker(c.members, c.corrector, model.StrictStatusPolicy{}, log)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitAPI))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:           log,
		InternalAPIToken: cfg.InternalAPIToken,
		RateLimiter:      rateLimiter,
		HealthChecker:    c.db,
		MetricsHandler:   metrics.Handler(c.registry),
		WebhookProcessor: webhookService,
		LoginChecker:     loginChecker,
		BatchRunner:      c.batch,
		Reconciler:       c.corrector,
		Discrepancies:    c.discrepancies,
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// 管理APIの一括照合は同期実行のため長めにとる
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 一括照合スケジューラとWebhookイベント記録のクリーンアップを並行して実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := openComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	scheduler := batch.NewScheduler(c.batch, log)
	cleanupJob := cleanup.NewWebhookEventCleanupJob(c.db, log, cfg.WebhookRetentionDays)

	log.Info("worker starting",
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
		slog.Int("batch_size", cfg.ReconcileBatchSize),
		slog.Duration("batch_delay", cfg.ReconcileBatchDelay),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(gctx, cfg.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, 24*time.Hour)
		return nil
	})
	err = g.Wait()

	log.Info("worker stopped gracefully")
	return err
}

// runReconcileOnce は一括照合を1回実行して終了する。
func runReconcileOnce(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := openComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	summary, err := c.batch.RunAll(ctx, model.SourceManual)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	if summary.Errored > 0 {
		log.Warn("一部の会員の照合に失敗しました", slog.Int("errored", summary.Errored))
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
