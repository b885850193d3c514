// Пакет handlers — HTTP-обработчики Release Module: приём заявок из
// WebApp, проекция релизов владельца, health endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/cxrner/release-module/internal/api/errors"
	"github.com/arturkryukov/cxrner/release-module/internal/api/middleware"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/form"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/service"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

// maxSubmissionBytes — верхняя граница размера тела заявки.
const maxSubmissionBytes = 64 << 10

// ReadinessChecker — проверка готовности зависимости для /health/ready.
type ReadinessChecker interface {
	CheckReady(ctx context.Context) (status string, message string)
}

// Handlers — HTTP-обработчики API.
type Handlers struct {
	intake *service.Intake
	store  *store.Store
	remote ReadinessChecker
	logger *slog.Logger
}

// New создаёт обработчики. remote может быть nil (синхронизация
// отключена, readiness проверяет только локальное хранилище).
func New(intake *service.Intake, st *store.Store, remote ReadinessChecker, logger *slog.Logger) *Handlers {
	return &Handlers{
		intake: intake,
		store:  st,
		remote: remote,
		logger: logger.With(slog.String("component", "handlers")),
	}
}

// submissionResponse — тело успешного ответа приёма заявки.
type submissionResponse struct {
	OwnerID string `json:"owner_id"`
	Index   int    `json:"index"`
	FormID  string `json:"form_id"`
	Status  string `json:"status"`
}

// SubmitRelease обрабатывает POST /api/v1/submissions.
// При настроенном секрете субъект intake-токена обязан совпадать с
// telegram_id конверта: токен подтверждает целостность, конверт —
// содержимое. Без секрета приём открытый и владельца определяет
// сам конверт.
func (h *Handlers) SubmitRelease(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionBytes))
	if err != nil {
		apierrors.ValidationError(w, "не удалось прочитать тело запроса")
		return
	}

	var env form.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		apierrors.ValidationError(w, "тело запроса не является корректным JSON-конвертом")
		return
	}

	ownerID := middleware.SubjectFromContext(r.Context())
	if ownerID == "" {
		if env.TelegramID == 0 {
			apierrors.ValidationError(w, "telegram_id конверта обязателен")
			return
		}
		ownerID = formatID(env.TelegramID)
	} else if envID := env.TelegramID; envID != 0 && formatID(envID) != ownerID {
		apierrors.Forbidden(w, "telegram_id конверта не совпадает с токеном")
		return
	}

	username := ""
	if env.Form != nil {
		username = env.Form.TG
	}

	rel, idx, err := h.intake.Submit(r.Context(), ownerID, username, &env, raw, service.SourceWebApp)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(submissionResponse{
		OwnerID: ownerID,
		Index:   idx,
		FormID:  rel.FormID,
		Status:  string(rel.Status),
	})
}

// releasesResponse — тело ответа проекции релизов владельца.
type releasesResponse struct {
	Releases []*model.Release `json:"releases"`
}

// ListReleases обрабатывает GET /api/v1/releases/{owner}.
// С токеном владелец видит только собственные записи; при открытом
// приёме проекция публична, как и экспортный документ. Мягко
// удалённые записи скрыты в обоих режимах.
func (h *Handlers) ListReleases(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if subject := middleware.SubjectFromContext(r.Context()); subject != "" && subject != owner {
		apierrors.Forbidden(w, "доступ только к собственным релизам")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(releasesResponse{
		Releases: h.store.ListOwner(owner, false),
	})
}

// HealthLive обрабатывает GET /health/live.
func (h *Handlers) HealthLive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// healthCheck — состояние одной зависимости в ответе readiness.
type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthReady обрабатывает GET /health/ready.
// Локальное хранилище обязательно; удалённая база деградируемая:
// её недоступность понижает ответ до degraded, но не до 503.
// Проба читает результат последней записи хранилища, не порождая
// собственных записей на диск.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]healthCheck)
	overall := "ok"
	code := http.StatusOK

	if err := h.store.LastFlushError(); err != nil {
		checks["store"] = healthCheck{Status: "fail", Message: err.Error()}
		overall = "fail"
		code = http.StatusServiceUnavailable
	} else {
		checks["store"] = healthCheck{Status: "ok"}
	}

	if h.remote != nil {
		st, msg := h.remote.CheckReady(r.Context())
		checks["remote_db"] = healthCheck{Status: st, Message: msg}
		if st != "ok" && overall == "ok" {
			overall = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": overall,
		"checks": checks,
	})
}

// writeIntakeError переводит ошибку конвейера приёма в HTTP-ответ.
func (h *Handlers) writeIntakeError(w http.ResponseWriter, err error) {
	var ie *service.IntakeError
	if !errors.As(err, &ie) {
		h.logger.Error("Ошибка приёма заявки", slog.String("error", err.Error()))
		apierrors.InternalError(w, "не удалось сохранить заявку")
		return
	}
	switch ie.Code {
	case service.CodeValidationFailed:
		apierrors.WriteValidation(w, ie.Violations)
	case service.CodeDuplicateSubmission:
		apierrors.DuplicateSubmission(w, "эта заявка уже была отправлена, подождите немного")
	default:
		apierrors.ValidationError(w, "неподдерживаемое действие конверта")
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
