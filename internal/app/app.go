// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/noticeman/internal/config"
	"github.com/hitoshi/noticeman/internal/database"
	"github.com/hitoshi/noticeman/internal/document"
	"github.com/hitoshi/noticeman/internal/handler"
	"github.com/hitoshi/noticeman/internal/logger"
	"github.com/hitoshi/noticeman/internal/metrics"
	"github.com/hitoshi/noticeman/internal/model"
	"github.com/hitoshi/noticeman/internal/reconcile"
	"github.com/hitoshi/noticeman/internal/repository"
	"github.com/hitoshi/noticeman/internal/security"
	"github.com/hitoshi/noticeman/internal/source"
	"github.com/hitoshi/noticeman/internal/worker/schedule"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandOnce:
		return runOnce(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe は管理APIサーバーモードで起動する。
// DB接続を開き、読み取り専用のAPIルーターを構成してHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. ソースカタログの読み込み（事業者コードの検証に使用）
	catalog, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return fmt.Errorf("failed to load sources: %w", err)
	}

	// 3. リポジトリとメトリクスの初期化
	noticeRepo := repository.NewPostgresNoticeRepo(db)

	registry := prometheus.NewRegistry()
	metrics.NewCollector(registry)

	// 4. ルーターの構築
	deps := &handler.RouterDeps{
		Logger:      slog.Default(),
		DB:          db,
		NoticeQuery: noticeRepo,
		Operators:   operatorCodes(catalog),
		Gatherer:    registry,
	}
	router := handler.NewRouter(deps)

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、日次スケジューラを起動する。メトリクスエンドポイントも併せて公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, coordinator, ledgerRepo, registry, err := buildCycle(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	loc, err := time.LoadLocation(cfg.RunTimezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.RunTimezone, err)
	}

	scheduler := schedule.NewScheduler(
		coordinator, ledgerRepo, slog.Default(), cfg.RunHour, loc,
	)

	// メトリクスとヘルスチェックのみの軽量サーバー
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: workerOpsHandler(db, registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("run_hour", cfg.RunHour),
		slog.String("timezone", cfg.RunTimezone),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runOnce は調整サイクルを1回だけ実行して終了する。
// 「本日実行済み」ガードは適用しない。サイクルは冪等のため、
// 同日に複数回実行しても観測可能な状態変化は発生しない。
func runOnce(cfg *config.Config) error {
	db, coordinator, _, _, err := buildCycle(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	loc, err := time.LoadLocation(cfg.RunTimezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.RunTimezone, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return coordinator.RunCycle(ctx, time.Now().In(loc))
}

// buildCycle は調整サイクルの実行に必要な依存関係を組み立てる。
// worker/onceの両モードで共有される。呼び出し側がdbをCloseする責任を持つ。
func buildCycle(cfg *config.Config) (*sql.DB, *reconcile.Coordinator, repository.RunLedgerRepository, *prometheus.Registry, error) {
	// 1. DB接続
	sqlDB, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. ソースカタログの読み込み
	catalog, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		sqlDB.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to load sources: %w", err)
	}

	// 3. リポジトリの初期化
	noticeRepo := repository.NewPostgresNoticeRepo(sqlDB)
	runLedgerRepo := repository.NewPostgresRunLedgerRepo(sqlDB)

	// 4. セキュリティサービスと外向きHTTPクライアントの初期化
	ssrfGuard := security.NewSSRFGuard()
	safeClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout)
	sanitizer := security.NewTitleSanitizer()

	// 5. ソースアダプタの構築
	sources, err := source.Build(catalog, ssrfGuard, safeClient, cfg.SourceRateLimit)
	if err != nil {
		sqlDB.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to build sources: %w", err)
	}

	// 6. 文書の取得と保存
	fetcher := document.NewFetcher(ssrfGuard, safeClient, cfg.FetchMaxSize)
	store, err := document.NewFSStore(cfg.DocumentRoot)
	if err != nil {
		sqlDB.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to init document store: %w", err)
	}

	// 7. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 8. 調整エンジンとコーディネータ
	engine := reconcile.NewEngine(
		noticeRepo, fetcher, store, sanitizer, collector, slog.Default(),
	)
	coord := reconcile.NewCoordinator(
		engine, sources, runLedgerRepo, collector, slog.Default(), cfg.FetchMaxConcurrent,
	)

	return sqlDB, coord, runLedgerRepo, reg, nil
}

// workerOpsHandler はワーカーモードの運用エンドポイント（/health, /metrics）を返す。
func workerOpsHandler(db handler.Pinger, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler(registry))
	return mux
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
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
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

// operatorCodes はカタログに登録されている事業者コードの一覧を返す。
func operatorCodes(catalog *config.SourceCatalog) []model.OperatorCode {
	codes := make([]model.OperatorCode, 0, len(catalog.Sources))
	for _, src := range catalog.Sources {
		codes = append(codes, model.OperatorCode(src.Code))
	}
	return codes
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
