// Пакет server — HTTP-сервер Release Module с graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturkryukov/cxrner/release-module/internal/api/handlers"
	"github.com/arturkryukov/cxrner/release-module/internal/api/middleware"
	"github.com/arturkryukov/cxrner/release-module/internal/config"
)

// Server — HTTP-сервер Release Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// Health и metrics — публичные; приём заявок и проекции релизов
// закрыты intake-токеном, если секрет задан. Без секрета приём
// открытый: владельца определяет telegram_id конверта.
func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if len(cfg.IntakeSecret) > 0 {
			auth := middleware.NewIntakeAuth(cfg.IntakeSecret)
			r.Use(auth.Middleware)
		} else {
			logger.Warn("RM_INTAKE_SECRET не задан, приём заявок открытый")
		}
		r.Post("/submissions", h.SubmitRelease)
		r.Get("/releases/{owner}", h.ListReleases)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start запускает сервер. Блокирует до остановки.
func (s *Server) Start() error {
	s.logger.Info("HTTP-сервер запущен", slog.Int("port", s.cfg.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP-сервер: %w", err)
	}
	return nil
}

// Shutdown останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP-сервер останавливается")
	return s.httpServer.Shutdown(ctx)
}
