// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Release Module мониторит:
//   - PostgreSQL (удалённая база синхронизации) — SQL checker через
//     pgxpool, не critical: модуль деградирует до локального хранилища
//   - Telegram Bot API — HTTP checker, critical: без него не работают
//     ни карточки модерации, ни уведомления
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// db может быть nil — тогда PostgreSQL не мониторится (синхронизация
// отключена конфигурацией). db получают из pgxpool через
// stdlib.OpenDBFromPool(), что отражает реальное состояние пула.
func NewDephealthService(
	serviceID string,
	db *sql.DB,
	pgConnURL string,
	tgAPIURL string,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	tgDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(tgAPIURL),
		dephealth.CheckInterval(checkInterval),
		dephealth.Critical(true),
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.HTTP("telegram-api", tgDepOpts...),
	}

	if db != nil {
		pgDepOpts := []dephealth.DependencyOption{
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			// Недоступность базы переводит модуль в локальный режим,
			// а не выводит его из строя
			dephealth.Critical(false),
		}
		opts = append(opts,
			dephealth.AddDependency("postgresql", dephealth.TypePostgres,
				pgcheck.New(pgcheck.WithDB(db)), pgDepOpts...),
		)
	}

	dh, err := dephealth.New(serviceID, "release-module", opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
