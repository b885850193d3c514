// Пакет service — бизнес-логика Release Module.
//
// moderation.go — применение модерационных действий к записям релизов:
// смена статуса по матрице переходов, журнал взаимодействий, побочные
// поля (причина отклонения, UPC, флаг доступности), best-effort
// уведомления и синхронизация зеркала одобренных релизов.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

// Prometheus метрики модерации.
var (
	moderationActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rm_moderation_actions_total",
		Help: "Общее количество применённых модерационных действий",
	}, []string{"verb"})

	moderationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rm_moderation_failures_total",
		Help: "Общее количество отклонённых модерационных действий",
	}, []string{"code"})
)

// Тексты по умолчанию для побочных полей.
const (
	// DefaultRejectReason подставляется, когда модератор не указал причину
	DefaultRejectReason = "Отклонено модератором"
	// DefaultFixComment подставляется при needs_fix без комментария
	DefaultFixComment = "Нужны правки перед публикацией"
)

// RecordRef — ссылка на запись: первичная идентичность плюс резервный
// ключ по сообщению-карточке модерации.
type RecordRef struct {
	OwnerID    string
	Index      int
	MessageRef int64
}

// Actor — модератор, выполняющий действие.
type Actor struct {
	ID      string
	Display string
}

// ApplyOptions — необязательные параметры действия.
type ApplyOptions struct {
	// Reason — причина отклонения; явная причина всегда перекрывает
	// причину по умолчанию
	Reason string
	// Comment — комментарий модератора (needs_fix)
	Comment string
	// PublishedLink — ссылка на опубликованный релиз (published)
	PublishedLink string
}

// Notifier — best-effort исходящие эффекты после фиксации перехода.
// Ошибки эффектов логируются и никогда не откатывают переход.
type Notifier interface {
	// NotifySubmitter отправляет владельцу сводку нового статуса
	NotifySubmitter(ctx context.Context, ownerID string, rel *model.Release) error
	// UpdateCard переотрисовывает карточку в чате модерации
	UpdateCard(ctx context.Context, ownerID string, idx int, rel *model.Release) error
}

// MirrorCleaner — удаление строки зеркала одобренных релизов при
// выходе записи из approved/published. Best-effort.
type MirrorCleaner interface {
	DeleteApprovedRow(ctx context.Context, formID string)
}

// Moderation — сервис применения модерационных действий.
type Moderation struct {
	store    *store.Store
	notifier Notifier
	mirror   MirrorCleaner
	logger   *slog.Logger
	now      func() time.Time
}

// NewModeration создаёт сервис модерации.
// notifier и mirror могут быть nil (эффекты отключены).
func NewModeration(st *store.Store, notifier Notifier, mirror MirrorCleaner, logger *slog.Logger) *Moderation {
	return &Moderation{
		store:    st,
		notifier: notifier,
		mirror:   mirror,
		logger:   logger.With(slog.String("component", "moderation")),
		now:      time.Now,
	}
}

// Apply применяет целевой статус к записи.
//
// Контракт перехода:
//   - запись ищется по первичной идентичности, при промахе — по
//     резервному ключу сообщения-карточки (индексы могли сместиться);
//   - rejected требует непустую причину: причина по умолчанию
//     подставляется, явная причина из ответа всегда перекрывает её;
//   - on_upload выставляет available_for_intake и автора отметки,
//     любой другой статус сбрасывает флаг;
//   - запись в журнал добавляется только если статус реально сменился
//     или причина указана заново; идемпотентное повторное применение
//     того же статуса обновляет только временные метки;
//   - уведомление владельца и переотрисовка карточки — best-effort.
//
// Возвращает копию записи после применения.
func (m *Moderation) Apply(ctx context.Context, ref RecordRef, target status.Status, actor Actor, opts ApplyOptions) (*model.Release, error) {
	if !status.IsValid(target) {
		moderationFailuresTotal.WithLabelValues(status.CodeInvalidStatus).Inc()
		return nil, status.ErrInvalidStatus(string(target))
	}

	ownerID, idx, rel, ok := m.resolve(ref)
	if !ok {
		moderationFailuresTotal.WithLabelValues(status.CodeNotFound).Inc()
		return nil, status.ErrNotFound(ref.OwnerID)
	}

	from := rel.Status
	if !status.CanTransition(from, target) {
		moderationFailuresTotal.WithLabelValues(status.CodeInvalidTransition).Inc()
		return nil, status.ErrInvalidTransition(from, target)
	}

	now := m.now().UTC().Format(time.RFC3339)
	freshNote := ""

	err := m.store.Update(ownerID, idx, func(r *model.Release) {
		statusChanged := r.Status != target

		r.Status = target
		r.ModerationTime = now
		r.Moderator = actor.ID
		r.ModeratorName = actor.Display

		switch target {
		case status.Rejected:
			if opts.Reason != "" {
				if opts.Reason != r.RejectReason {
					freshNote = opts.Reason
				}
				r.RejectReason = opts.Reason
			} else if r.RejectReason == "" {
				r.RejectReason = DefaultRejectReason
				freshNote = DefaultRejectReason
			}
		case status.NeedsFix:
			if opts.Comment != "" {
				if opts.Comment != r.ModeratorComment {
					freshNote = opts.Comment
				}
				r.ModeratorComment = opts.Comment
			} else if r.ModeratorComment == "" {
				r.ModeratorComment = DefaultFixComment
				freshNote = DefaultFixComment
			}
		case status.Published:
			if opts.PublishedLink != "" {
				r.LinkPublished = opts.PublishedLink
			}
		}

		if target == status.OnUpload {
			r.AvailableForIntake = true
			r.MarkedAvailableBy = actor.Display
			r.UserDeleted = false // reopen возвращает запись в представления
		} else {
			r.AvailableForIntake = false
			r.MarkedAvailableBy = ""
		}

		if target == status.Deleted {
			r.UserDeleted = true
		}

		if statusChanged || freshNote != "" {
			note := freshNote
			if note == "" && statusChanged && target == status.Rejected {
				note = r.RejectReason
			}
			r.AppendHistory(model.HistoryEntry{
				Type:         model.EventStatusChange,
				At:           now,
				ActorID:      actor.ID,
				ActorDisplay: actor.Display,
				StatusFrom:   from,
				StatusTo:     target,
				Note:         note,
			})
		}
	})
	if err != nil {
		moderationFailuresTotal.WithLabelValues(status.CodeStorageFailure).Inc()
		return nil, status.ErrStorageFailure(err)
	}

	moderationActionsTotal.WithLabelValues(string(target)).Inc()

	updated, _ := m.store.Get(ownerID, idx)

	// Выход из approved/published удаляет строку зеркала одобренных.
	// Push самой записи планируется mutation hook хранилища.
	if m.mirror != nil && from.MirrorsApproved() && !target.MirrorsApproved() {
		m.mirror.DeleteApprovedRow(ctx, updated.FormID)
	}

	m.runEffects(ctx, ownerID, idx, updated)

	m.logger.Info("Статус применён",
		slog.String("owner", ownerID),
		slog.Int("index", idx),
		slog.String("from", string(from)),
		slog.String("to", string(target)),
		slog.String("moderator", actor.Display),
	)

	return updated, nil
}

// AssignUPC присваивает записи UPC-код. Код валидируется по строгому
// шаблону (10–14 цифр после удаления разделителей).
func (m *Moderation) AssignUPC(ctx context.Context, ref RecordRef, code string, actor Actor) (*model.Release, error) {
	if !model.ValidUPC(code) {
		moderationFailuresTotal.WithLabelValues(status.CodeInvalidStatus).Inc()
		return nil, &status.TransitionError{
			Code:    status.CodeInvalidStatus,
			Message: "UPC-код должен состоять из 10–14 цифр",
		}
	}

	ownerID, idx, _, ok := m.resolve(ref)
	if !ok {
		moderationFailuresTotal.WithLabelValues(status.CodeNotFound).Inc()
		return nil, status.ErrNotFound(ref.OwnerID)
	}

	normalized := model.StripUPCSeparators(code)
	now := m.now().UTC().Format(time.RFC3339)

	err := m.store.Update(ownerID, idx, func(r *model.Release) {
		r.UPC = normalized
		r.ModerationTime = now
		r.Moderator = actor.ID
		r.ModeratorName = actor.Display
	})
	if err != nil {
		moderationFailuresTotal.WithLabelValues(status.CodeStorageFailure).Inc()
		return nil, status.ErrStorageFailure(err)
	}

	updated, _ := m.store.Get(ownerID, idx)
	m.runEffects(ctx, ownerID, idx, updated)

	m.logger.Info("UPC присвоен",
		slog.String("owner", ownerID),
		slog.Int("index", idx),
		slog.String("upc", normalized),
	)
	return updated, nil
}

// SoftDelete выполняет мягкое удаление по инициативе владельца.
// Запись скрывается из пользовательских представлений, но сохраняется
// для аудита и зеркалирования.
func (m *Moderation) SoftDelete(ownerID string, idx int) error {
	err := m.store.Update(ownerID, idx, func(r *model.Release) {
		r.UserDeleted = true
	})
	if err != nil {
		return status.ErrStorageFailure(err)
	}
	return nil
}

// resolve ищет запись по первичной идентичности с фолбэком на
// резервный ключ сообщения-карточки.
func (m *Moderation) resolve(ref RecordRef) (string, int, *model.Release, bool) {
	if rel, ok := m.store.Get(ref.OwnerID, ref.Index); ok {
		// Если известен message ref и он не совпадает — идентичность
		// устарела, пробуем резервный поиск
		if ref.MessageRef == 0 || rel.ModerationMessageRef == ref.MessageRef || rel.ModerationMessageRef == 0 {
			return ref.OwnerID, ref.Index, rel, true
		}
	}
	if ref.MessageRef != 0 {
		if owner, idx, rel, ok := m.store.FindByMessageRef(ref.MessageRef); ok {
			return owner, idx, rel, true
		}
	}
	return "", 0, nil, false
}

// runEffects выполняет best-effort эффекты после фиксации мутации.
// Ошибки логируются и никогда не откатывают переход.
func (m *Moderation) runEffects(ctx context.Context, ownerID string, idx int, rel *model.Release) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.UpdateCard(ctx, ownerID, idx, rel); err != nil {
		m.logger.Warn("Не удалось обновить карточку модерации",
			slog.String("owner", ownerID),
			slog.Int("index", idx),
			slog.String("error", err.Error()),
		)
	}
	if err := m.notifier.NotifySubmitter(ctx, ownerID, rel); err != nil {
		m.logger.Warn("Не удалось уведомить отправителя",
			slog.String("owner", ownerID),
			slog.String("error", err.Error()),
		)
	}
}
