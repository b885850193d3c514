// Точка входа Release Module — модуля приёма и модерации релизов.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/arturkryukov/cxrner/release-module/internal/api/handlers"
	"github.com/arturkryukov/cxrner/release-module/internal/bot"
	"github.com/arturkryukov/cxrner/release-module/internal/config"
	"github.com/arturkryukov/cxrner/release-module/internal/gateway"
	"github.com/arturkryukov/cxrner/release-module/internal/remote"
	"github.com/arturkryukov/cxrner/release-module/internal/server"
	"github.com/arturkryukov/cxrner/release-module/internal/service"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

// tgClientTimeout превышает long polling timeout getUpdates.
const tgClientTimeout = 45 * time.Second

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Release Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("remote_sync", cfg.RemoteEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Инициализация компонентов ---

	// 1. Локальное хранилище
	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Удалённая синхронизация. Недоступность базы не мешает
	// запуску: модуль работает по локальному хранилищу.
	var (
		pool   *pgxpool.Pool
		engine *remote.Engine
	)
	if cfg.RemoteEnabled() {
		pool, err = remote.Connect(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			logger.Warn("Удалённая база недоступна, запуск в локальном режиме",
				slog.String("error", err.Error()),
			)
		} else {
			repo := remote.NewPGRepository(pool)
			engine = remote.NewEngine(repo, st,
				cfg.PushDebounce, cfg.PushBatchSize, cfg.RemoteRetries, cfg.RemoteTimeout, logger)

			// Стартовый pull-merge до подключения mutation hook:
			// импорт не является мутацией и не должен планировать push
			engine.PullMerge(ctx)
			st.OnMutate(engine.Schedule)
		}
	} else {
		logger.Info("Синхронизация с удалённой базой отключена конфигурацией")
	}

	// 3. Сервисы
	pending := service.NewPending(cfg.PendingTTL, cfg.PendingSweepInterval, logger)
	pending.Start(ctx)

	replay := service.NewReplay(cfg.ReplayWindow, logger)

	// 4. Диалоговый канал
	tgClient := gateway.NewClient(cfg.BotAPIURL, cfg.BotToken, tgClientTimeout, logger)

	var wiper bot.Wiper
	var mirror service.MirrorCleaner
	if engine != nil {
		wiper = engine
		mirror = engine
	}

	dispatcher := bot.NewDispatcher(tgClient, st, pending, wiper, cfg, logger)
	intake := service.NewIntake(st, replay, dispatcher, logger)
	moderation := service.NewModeration(st, dispatcher, mirror, logger)
	dispatcher.Bind(intake, moderation)
	dispatcher.Start(ctx)

	// 5. topologymetrics — мониторинг зависимостей
	var db *sql.DB
	if pool != nil {
		db = stdlib.OpenDBFromPool(pool)
	}
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.DephealthName,
		db,
		cfg.DatabaseDSN,
		cfg.BotAPIURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	}

	// 6. HTTP-сервер
	var readiness handlers.ReadinessChecker
	if pool != nil {
		readiness = &remoteReadiness{pool: pool}
	}
	h := handlers.New(intake, st, readiness, logger)
	srv := server.New(cfg, logger, h)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		}
	case <-ctx.Done():
	}

	// --- Graceful shutdown ---
	logger.Info("Остановка фоновых процессов...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ошибка остановки HTTP-сервера", slog.String("error", err.Error()))
	}

	dispatcher.Stop()
	pending.Stop()
	if engine != nil {
		engine.Stop()
	}
	if dephealthErr == nil {
		dephealthSvc.Stop()
	}
	if pool != nil {
		pool.Close()
	}
	if err := st.Flush(); err != nil {
		logger.Error("Ошибка финальной записи хранилища", slog.String("error", err.Error()))
	}

	logger.Info("Release Module остановлен")
}

// remoteReadiness — проверка готовности удалённой базы для /health/ready.
type remoteReadiness struct {
	pool *pgxpool.Pool
}

// CheckReady проверяет подключение к PostgreSQL через ping.
func (c *remoteReadiness) CheckReady(ctx context.Context) (string, string) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.pool.Ping(pingCtx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
