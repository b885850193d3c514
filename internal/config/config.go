// Пакет config — загрузка и валидация конфигурации Release Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Release Module.
type Config struct {
	// Порт HTTP-сервера (intake + публичная проекция + metrics)
	Port int
	// Путь к директории хранения локальной базы (releases.json и экспорт)
	DataDir string
	// Токен бота messaging-шлюза
	BotToken string
	// Базовый URL API messaging-шлюза (без токена)
	BotAPIURL string
	// Идентификатор чата группы модерации
	ModerationChatID int64
	// Список идентификаторов администраторов (bulk wipe и служебные команды)
	AdminIDs []int64
	// DSN удалённого зеркала PostgreSQL. Пустая строка — синхронизация отключена.
	DatabaseDSN string
	// Период тишины перед push в удалённое зеркало
	PushDebounce time.Duration
	// Размер батча upsert при push
	PushBatchSize int
	// Таймаут одного запроса к удалённому зеркалу
	RemoteTimeout time.Duration
	// Количество попыток при транспортных ошибках удалённого зеркала.
	// Ноль означает одну попытку без повторов.
	RemoteRetries int
	// TTL ожидающего действия модератора
	PendingTTL time.Duration
	// Интервал фоновой очистки просроченных ожидающих действий
	PendingSweepInterval time.Duration
	// Окно защиты от повторной отправки идентичной анкеты
	ReplayWindow time.Duration
	// Секрет проверки integrity-токена конверта отправки (опционально)
	IntakeSecret []byte
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя вершины графа topologymetrics
	DephealthName string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// RM_PORT — порт HTTP-сервера (по умолчанию 8080)
	port, err := getEnvInt("RM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("RM_PORT: %w", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("RM_PORT: значение %d вне допустимого диапазона", port)
	}
	cfg.Port = port

	// RM_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("RM_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// RM_BOT_TOKEN — обязательный
	cfg.BotToken, err = getEnvRequired("RM_BOT_TOKEN")
	if err != nil {
		return nil, err
	}

	// RM_BOT_API_URL — базовый URL шлюза (по умолчанию Telegram Bot API)
	cfg.BotAPIURL = getEnvDefault("RM_BOT_API_URL", "https://api.telegram.org")

	// RM_MODERATION_CHAT_ID — обязательный
	cfg.ModerationChatID, err = getEnvInt64Required("RM_MODERATION_CHAT_ID")
	if err != nil {
		return nil, err
	}

	// RM_ADMIN_IDS — список id через запятую (опционально)
	cfg.AdminIDs, err = getEnvInt64List("RM_ADMIN_IDS")
	if err != nil {
		return nil, fmt.Errorf("RM_ADMIN_IDS: %w", err)
	}

	// RM_DATABASE_DSN — опциональный, пустая строка отключает удалённое зеркало
	cfg.DatabaseDSN = getEnvDefault("RM_DATABASE_DSN", "")

	// RM_PUSH_DEBOUNCE — период тишины перед push (по умолчанию 5s)
	cfg.PushDebounce, err = getEnvDuration("RM_PUSH_DEBOUNCE", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_PUSH_DEBOUNCE: %w", err)
	}

	// RM_PUSH_BATCH_SIZE — размер батча upsert (по умолчанию 100)
	cfg.PushBatchSize, err = getEnvInt("RM_PUSH_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("RM_PUSH_BATCH_SIZE: %w", err)
	}
	if cfg.PushBatchSize <= 0 {
		return nil, fmt.Errorf("RM_PUSH_BATCH_SIZE: значение должно быть положительным")
	}

	// RM_REMOTE_TIMEOUT — таймаут запроса к зеркалу (по умолчанию 10s)
	cfg.RemoteTimeout, err = getEnvDuration("RM_REMOTE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_REMOTE_TIMEOUT: %w", err)
	}

	// RM_REMOTE_RETRIES — повторы транспортных ошибок (по умолчанию 3)
	cfg.RemoteRetries, err = getEnvInt("RM_REMOTE_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("RM_REMOTE_RETRIES: %w", err)
	}
	if cfg.RemoteRetries < 0 {
		return nil, fmt.Errorf("RM_REMOTE_RETRIES: значение не может быть отрицательным")
	}

	// RM_PENDING_TTL — TTL ожидающего действия (по умолчанию 6h)
	cfg.PendingTTL, err = getEnvDuration("RM_PENDING_TTL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("RM_PENDING_TTL: %w", err)
	}

	// RM_PENDING_SWEEP_INTERVAL — интервал очистки (по умолчанию 10m)
	cfg.PendingSweepInterval, err = getEnvDuration("RM_PENDING_SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RM_PENDING_SWEEP_INTERVAL: %w", err)
	}

	// RM_REPLAY_WINDOW — окно anti-replay (по умолчанию 2m)
	cfg.ReplayWindow, err = getEnvDuration("RM_REPLAY_WINDOW", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RM_REPLAY_WINDOW: %w", err)
	}

	// RM_INTAKE_SECRET — секрет integrity-токена (опционально)
	if secret := getEnvDefault("RM_INTAKE_SECRET", ""); secret != "" {
		cfg.IntakeSecret = []byte(secret)
	}

	// RM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RM_LOG_LEVEL: %w", err)
	}

	// RM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("RM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// RM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("RM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// RM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("RM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// RM_DEPHEALTH_NAME — имя вершины графа (по умолчанию "release-module")
	cfg.DephealthName = getEnvDefault("RM_DEPHEALTH_NAME", "release-module")

	return cfg, nil
}

// RemoteEnabled возвращает true, если настроено удалённое зеркало.
func (c *Config) RemoteEnabled() bool {
	return c.DatabaseDSN != ""
}

// IsAdmin проверяет, входит ли идентификатор в список администраторов.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64Required возвращает обязательное int64 значение переменной окружения.
func getEnvInt64Required(key string) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректное целое число: %q", key, val)
	}
	return n, nil
}

// getEnvInt64List возвращает список int64 из переменной окружения (через запятую).
func getEnvInt64List(key string) ([]int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return nil, nil
	}
	parts := strings.Split(val, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("некорректное целое число: %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
