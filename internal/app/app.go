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

	"github.com/hitoshi/tasktracker/internal/auth"
	"github.com/hitoshi/tasktracker/internal/config"
	"github.com/hitoshi/tasktracker/internal/database"
	"github.com/hitoshi/tasktracker/internal/dispatch"
	"github.com/hitoshi/tasktracker/internal/handler"
	"github.com/hitoshi/tasktracker/internal/logger"
	"github.com/hitoshi/tasktracker/internal/metrics"
	"github.com/hitoshi/tasktracker/internal/middleware"
	"github.com/hitoshi/tasktracker/internal/projection"
	"github.com/hitoshi/tasktracker/internal/repository"
	"github.com/hitoshi/tasktracker/internal/security"
	"github.com/hitoshi/tasktracker/internal/session"
	"github.com/hitoshi/tasktracker/internal/syncstore"
	"github.com/hitoshi/tasktracker/internal/worker/cleanup"
)

const (
	dbPingTimeout   = 5 * time.Second
	restoreTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
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
		host := os.Getenv("SERVER_HOST")
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(host, port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("addr", cfg.Addr()),
		slog.String("store_backend", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はクライアントインスタンスとしてAPIサーバーを起動する。
// DB接続を開き、全依存関係をワイヤリングし、前回のセッションを復元してからHTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return err
	}

	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	// 3. 通知配信ループ
	loop := dispatch.New(slog.Default())
	loop.Start(ctx)

	// 4. 同期ストア
	store, closeStore, err := newStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()

	// 5. 認証とセッション
	authService := auth.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresSessionRepo(db),
		auth.NewFileTokenStore(cfg.SessionFile),
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge, BcryptCost: cfg.BcryptCost},
	)
	manager := session.NewManager(authService, loop, mc)

	// 6. タスク一覧。セッション復元より先に追従を開始する
	tasks := projection.New(store, loop, security.NewNameSanitizer(), mc)
	cancelFollow := tasks.Follow(manager)
	defer cancelFollow()

	restoreCtx, cancelRestore := context.WithTimeout(ctx, restoreTimeout)
	if sess, err := manager.Restore(restoreCtx); err != nil {
		slog.Warn("failed to restore session; starting signed out", slog.String("error", err.Error()))
	} else if sess != nil {
		slog.Info("session restored", slog.String("user_id", sess.UserID))
	}
	cancelRestore()

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig().
		WithGeneralPerMinute(cfg.RateLimitGeneral).
		WithAuthPerMinute(cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure:  cfg.CookieSecure,
			AllowedOrigin: cfg.CORSAllowedOrigin,
		},
		RateLimiter:    rateLimiter,
		Metrics:        mc,
		MetricsHandler: metrics.Handler(reg),
		Logger:         slog.Default(),
		HealthChecker:  db,
		SessionService: manager,
		SessionEvents:  manager,
		TaskService:    tasks,
		TaskFeed:       tasks,
	})

	// 8. 期限切れセッションのクリーンアップ
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	go cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 配信中の通知を処理してから終了する
	if err := loop.Flush(shutdownCtx); err != nil && !errors.Is(err, dispatch.ErrStopped) {
		slog.Warn("failed to flush dispatch loop", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newStore は設定に応じた同期ストアを生成する。返り値の関数でリソースを解放する。
func newStore(ctx context.Context, cfg *config.Config, db *sql.DB) (syncstore.Store, func(), error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		slog.Info("using in-memory task store; changes are not shared across instances")
		return syncstore.NewMemoryStore(), func() {}, nil
	}

	listener := syncstore.NewListener(cfg.DatabaseURL, cfg.StoreMinReconnect, cfg.StoreMaxReconnect, slog.Default())
	store := syncstore.NewPostgresStore(repository.NewPostgresTaskRepo(db), listener, slog.Default())
	if err := store.Start(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to start sync store: %w", err)
	}

	return store, func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close sync store listener", slog.String("error", err.Error()))
		}
	}, nil
}

// runCleanup は期限切れセッションの削除を1回実行する。
func runCleanup(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return err
	}

	return cleanup.NewCleanupJob(db, slog.Default()).Run(ctx)
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
func runHealthcheck(host, port string) error {
	url := fmt.Sprintf("http://%s:%s/health", host, port)
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
