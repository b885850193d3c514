package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/cxrner/release-module/internal/api/middleware"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/form"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
	"github.com/arturkryukov/cxrner/release-module/internal/service"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T) (*Handlers, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir, testLogger())
	if err != nil {
		t.Fatalf("ошибка создания хранилища: %v", err)
	}
	replay := service.NewReplay(time.Minute, testLogger())
	intake := service.NewIntake(st, replay, nil, testLogger())
	return New(intake, st, nil, testLogger()), st, dir
}

func envelopeBody(t *testing.T, telegramID int64) []byte {
	t.Helper()
	env := form.Envelope{
		Action:     "submit_release",
		TelegramID: telegramID,
		Form: &form.RawForm{
			Type:      "сингл",
			Name:      "Первый сингл",
			HasLyrics: "Да",
			Nick:      "DVKRAT",
			FIO:       "Иванов Иван Иванович",
			Date:      time.Now().AddDate(0, 1, 0).Format("02.01.2006"),
			Genre:     "Поп",
			Link:      "https://disk.example.com/folder/123",
			Mat:       "Нет",
			TG:        "@dvkrat",
		},
	}
	body, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("сериализация конверта: %v", err)
	}
	return body
}

func withSubject(r *http.Request, subject string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.ContextKeySubject, subject)
	return r.WithContext(ctx)
}

// TestSubmitRelease_OpenIntake проверяет открытый приём: без секрета
// владельца определяет telegram_id конверта.
func TestSubmitRelease_OpenIntake(t *testing.T) {
	h, _, _ := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", bytes.NewReader(envelopeBody(t, 100)))
	rec := httptest.NewRecorder()
	h.SubmitRelease(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("открытый приём должен проходить: код %d, тело %s", rec.Code, rec.Body.String())
	}
	var resp submissionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	if resp.OwnerID != "100" || resp.Status != string(status.OnUpload) {
		t.Errorf("ответ приёма: %+v", resp)
	}
}

// TestSubmitRelease_OpenIntakeRequiresTelegramID проверяет отказ
// открытого приёма без telegram_id в конверте.
func TestSubmitRelease_OpenIntakeRequiresTelegramID(t *testing.T) {
	h, _, _ := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", bytes.NewReader(envelopeBody(t, 0)))
	rec := httptest.NewRecorder()
	h.SubmitRelease(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("без telegram_id ожидался 400, получен %d", rec.Code)
	}
}

// TestSubmitRelease_SubjectMismatch проверяет сверку субъекта токена
// с telegram_id конверта.
func TestSubmitRelease_SubjectMismatch(t *testing.T) {
	h, _, _ := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", bytes.NewReader(envelopeBody(t, 222)))
	rec := httptest.NewRecorder()
	h.SubmitRelease(rec, withSubject(req, "111"))

	if rec.Code != http.StatusForbidden {
		t.Errorf("чужой конверт ожидал 403, получен %d", rec.Code)
	}
}

func listRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/releases/{owner}", h.ListReleases)
	return r
}

// TestListReleases проверяет проекцию владельца в обоих режимах
// доступа.
func TestListReleases(t *testing.T) {
	h, st, _ := newFixture(t)
	if _, err := st.Append("100", &model.Release{Name: "Сингл", Status: status.OnUpload}); err != nil {
		t.Fatalf("ошибка добавления: %v", err)
	}
	router := listRouter(h)

	// Открытый режим: субъекта нет, проекция доступна
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/releases/100", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("открытая проекция: код %d", rec.Code)
	}

	// Свой токен — доступ есть
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withSubject(httptest.NewRequest(http.MethodGet, "/api/v1/releases/100", nil), "100"))
	if rec.Code != http.StatusOK {
		t.Errorf("собственная проекция: код %d", rec.Code)
	}

	// Чужой токен — отказ
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withSubject(httptest.NewRequest(http.MethodGet, "/api/v1/releases/100", nil), "111"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("чужая проекция ожидала 403, получен %d", rec.Code)
	}
}

// TestHealthReady_UsesLastFlushResult проверяет, что readiness не
// пишет на диск, а отражает результат последней записи хранилища.
func TestHealthReady_UsesLastFlushResult(t *testing.T) {
	h, st, dir := newFixture(t)
	if _, err := st.Append("100", &model.Release{Name: "Сингл", Status: status.OnUpload}); err != nil {
		t.Fatalf("ошибка добавления: %v", err)
	}

	// Директория данных исчезла; последняя запись была успешной, так
	// что проба не должна деградировать сама по себе
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("не удалось удалить директорию: %v", err)
	}
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("проба не должна писать на диск: код %d, тело %s", rec.Code, rec.Body.String())
	}

	// После неудачной записи проба обязана отражать отказ
	if err := st.Flush(); err == nil {
		t.Fatal("ожидалась ошибка записи в удалённую директорию")
	}
	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("после отказа записи ожидался 503, получен %d", rec.Code)
	}
}
