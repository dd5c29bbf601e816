// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"agent-trust-service/config"
	"agent-trust-service/internal/handler"
	"agent-trust-service/internal/infra"
	"agent-trust-service/internal/metrics"
	"agent-trust-service/internal/repository"
	"agent-trust-service/internal/trust"
	"agent-trust-service/internal/usecase"
	"agent-trust-service/internal/verifier"
	"agent-trust-service/migrations"
)

// version はビルド時に -ldflags で上書きする。
var version = "dev"

// dueLifecycleBatch は1回の定期処理で扱う予約遷移の上限。
const dueLifecycleBatch = 100

type keyEncrypter interface {
	usecase.KeyEncrypter
	Close() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg, version)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	if cfg.AutoMigrate {
		applied, err := usecase.NewMigrationService(repository.NewMigrationRepository(db), migrations.FS).ApplyMigrations(ctx)
		if err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied", "count", applied)
	}

	// 鍵暗号化（Cloud KMSまたはローカルKEK）
	encrypter, err := newKeyEncrypter(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key encrypter", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := encrypter.Close(); closeErr != nil {
			slog.Error("failed to close key encrypter", "error", closeErr)
		}
	}()

	// DI
	m := metrics.New()
	agentRepo := repository.NewAgentRepository(db)
	keyRepo := repository.NewKeyRepository(db)
	trustRepo := repository.NewTrustRepository(db)
	lifecycleRepo := repository.NewLifecycleRepository(db)

	engine := trust.NewEngine(trust.WithValidity(cfg.TrustScoreValidity))
	agentService := usecase.NewAgentService(agentRepo, keyRepo, lifecycleRepo, encrypter, cfg.MinKeyStrengthBits)
	trustService := usecase.NewTrustService(agentRepo, trustRepo, lifecycleRepo, engine, m)
	rotationService := usecase.NewRotationService(usecase.RotationDeps{
		Agents:     agentRepo,
		Keys:       keyRepo,
		Lifecycles: lifecycleRepo,
		History:    repository.NewRotationHistoryRepository(db),
		Requests:   repository.NewVerificationRepository(db),
		Trust:      trustService,
		Selector:   verifier.NewSelector(trustService, repository.NewStatsRepository(db)),
		Encrypter:  encrypter,
		Metrics:    m,
	}, cfg.Rotation, cfg.MinKeyStrengthBits)

	router := handler.NewRouter(handler.Handlers{
		Agents:   handler.NewAgentHandler(agentService),
		Trust:    handler.NewTrustHandler(trustService),
		Rotation: handler.NewRotationHandler(rotationService),
	}, m)

	go runScheduler(ctx, cfg.LifecycleCheckInterval, trustService, rotationService)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "version", version)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newKeyEncrypter(ctx context.Context, cfg *config.Config) (keyEncrypter, error) {
	if cfg.KMSKeyName != "" {
		return infra.NewKMSClient(ctx, cfg.KMSKeyName)
	}
	slog.Warn("KMS_KEY_NAME is not set, using LOCAL_KEK for agent keys")
	return infra.NewLocalKeyEncrypter(cfg.LocalKEK)
}

// runScheduler は予約済みのライフサイクル遷移とローテーションを定期的に処理する。
func runScheduler(ctx context.Context, interval time.Duration, trustService *usecase.TrustService, rotationService *usecase.RotationService) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := trustService.CheckDue(ctx, dueLifecycleBatch); err != nil {
				slog.ErrorContext(ctx, "failed to check scheduled lifecycle transitions",
					"operation", "check_due_lifecycles",
					"error", err,
				)
			} else if n > 0 {
				slog.InfoContext(ctx, "scheduled lifecycle transitions applied", "count", n)
			}
			if n := rotationService.BeginDue(ctx); n > 0 {
				slog.InfoContext(ctx, "scheduled rotations begun", "count", n)
			}
		}
	}
}
