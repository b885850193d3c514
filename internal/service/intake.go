package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/form"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

// Источники поступления заявок.
const (
	SourceWebApp = "webapp"
	SourceBot    = "bot"
)

// Коды ошибок приёма заявок.
const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeUnsupportedAction   = "UNSUPPORTED_ACTION"
)

var (
	intakeAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rm_intake_accepted_total",
		Help: "Общее количество принятых заявок",
	}, []string{"source"})

	intakeRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rm_intake_rejected_total",
		Help: "Общее количество отклонённых заявок",
	}, []string{"source", "code"})
)

// IntakeError — отказ приёма заявки с машинным кодом и списком
// нарушений для возврата отправителю.
type IntakeError struct {
	Code       string
	Violations []string
}

func (e *IntakeError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("intake %s: %s", e.Code, strings.Join(e.Violations, "; "))
	}
	return "intake " + e.Code
}

// Announcer публикует карточку новой заявки в чат модерации.
// Возвращает ссылку на сообщение и исходный текст карточки.
type Announcer interface {
	AnnounceCard(ctx context.Context, ownerID string, idx int, rel *model.Release) (messageRef int64, cardText string, err error)
}

// Intake — единый конвейер приёма заявок из обоих каналов
// (WebApp и диалог бота): защита от дублей, валидация, нормализация,
// запись в хранилище и анонс карточки модерации.
type Intake struct {
	store     *store.Store
	replay    *Replay
	announcer Announcer
	logger    *slog.Logger
	now       func() time.Time
}

// NewIntake создаёт конвейер приёма. announcer может быть nil
// (карточка не публикуется, запись всё равно сохраняется).
func NewIntake(st *store.Store, replay *Replay, announcer Announcer, logger *slog.Logger) *Intake {
	return &Intake{
		store:     st,
		replay:    replay,
		announcer: announcer,
		logger:    logger.With(slog.String("component", "intake")),
		now:       time.Now,
	}
}

// Submit проводит заявку через конвейер приёма.
//
// rawPayload — байты исходной полезной нагрузки, по ним строится
// отпечаток защиты от дублей. Отказ анонса карточки не откатывает
// запись: заявка сохранена и будет показана при следующей
// синхронизации карточек.
func (i *Intake) Submit(ctx context.Context, ownerID, username string, env *form.Envelope, rawPayload []byte, source string) (*model.Release, int, error) {
	if env.NormalizeAction() != form.ActionSubmit || env.Form == nil {
		intakeRejectedTotal.WithLabelValues(source, CodeUnsupportedAction).Inc()
		return nil, 0, &IntakeError{Code: CodeUnsupportedAction}
	}

	if !i.replay.Check(ownerID, rawPayload) {
		intakeRejectedTotal.WithLabelValues(source, CodeDuplicateSubmission).Inc()
		return nil, 0, &IntakeError{
			Code:       CodeDuplicateSubmission,
			Violations: []string{"Эта заявка уже была отправлена, подождите немного"},
		}
	}

	now := i.now()
	if violations := form.Validate(env.Form, now); len(violations) > 0 {
		intakeRejectedTotal.WithLabelValues(source, CodeValidationFailed).Inc()
		return nil, 0, &IntakeError{Code: CodeValidationFailed, Violations: violations}
	}

	n := form.Normalize(env.Form)
	rel := &model.Release{
		FormID:         uuid.NewString(),
		Type:           n.Type,
		Name:           n.Name,
		Subname:        n.Subname,
		HasLyrics:      n.HasLyrics,
		Nick:           n.Nick,
		FIO:            n.FIO,
		Date:           n.Date,
		Version:        n.Version,
		Genre:          n.Genre,
		Link:           n.Link,
		Yandex:         n.Yandex,
		Mat:            n.Mat,
		Promo:          n.Promo,
		Comment:        n.Comment,
		Tracklist:      n.Tracklist,
		TG:             n.TG,
		Status:         status.OnUpload,
		SubmissionTime: now.UTC().Format(time.RFC3339),
		Username:       username,
		Source:         source,
	}

	idx, err := i.store.Append(ownerID, rel)
	if err != nil {
		return nil, 0, fmt.Errorf("сохранение заявки: %w", err)
	}
	intakeAcceptedTotal.WithLabelValues(source).Inc()

	i.announce(ctx, ownerID, idx)

	saved, _ := i.store.Get(ownerID, idx)
	i.logger.Info("Заявка принята",
		slog.String("owner", ownerID),
		slog.Int("index", idx),
		slog.String("name", rel.Name),
		slog.String("source", source),
	)
	return saved, idx, nil
}

// announce публикует карточку модерации и запоминает ссылку на
// сообщение как резервный ключ поиска записи. Best-effort.
func (i *Intake) announce(ctx context.Context, ownerID string, idx int) {
	if i.announcer == nil {
		return
	}
	rel, ok := i.store.Get(ownerID, idx)
	if !ok {
		return
	}
	msgRef, cardText, err := i.announcer.AnnounceCard(ctx, ownerID, idx, rel)
	if err != nil {
		i.logger.Warn("Не удалось опубликовать карточку модерации",
			slog.String("owner", ownerID),
			slog.Int("index", idx),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := i.store.Update(ownerID, idx, func(r *model.Release) {
		r.ModerationMessageRef = msgRef
		r.ModerationCardText = cardText
	}); err != nil {
		i.logger.Warn("Не удалось сохранить ссылку на карточку",
			slog.String("owner", ownerID),
			slog.Int("index", idx),
			slog.String("error", err.Error()),
		)
	}
}
