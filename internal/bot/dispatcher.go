package bot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/arturkryukov/cxrner/release-module/internal/config"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/form"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
	"github.com/arturkryukov/cxrner/release-module/internal/gateway"
	"github.com/arturkryukov/cxrner/release-module/internal/service"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

// pollTimeoutSec — long polling timeout getUpdates.
const pollTimeoutSec = 30

// pollErrorBackoff — пауза после ошибки long polling.
const pollErrorBackoff = 3 * time.Second

// verbToStatus — отображение verb кнопки в целевой статус.
var verbToStatus = map[string]status.Status{
	gateway.VerbUpload:     status.OnUpload,
	gateway.VerbModeration: status.Moderation,
	gateway.VerbApprove:    status.Approved,
	gateway.VerbReject:     status.Rejected,
	gateway.VerbNeedsFix:   status.NeedsFix,
	gateway.VerbPublish:    status.Published,
	gateway.VerbDelete:     status.Deleted,
}

// Wiper — удалённая часть административной зачистки.
type Wiper interface {
	WipeRemote(ctx context.Context) error
}

// Dispatcher — маршрутизатор обновлений Telegram: long polling,
// callback-кнопки модерации, текстовые ответы на ожидания,
// пользовательские команды.
//
// Dispatcher реализует service.Announcer и service.Notifier: модуль
// модерации и конвейер приёма публикуют карточки и уведомления через
// него.
type Dispatcher struct {
	client     *gateway.Client
	store      *store.Store
	pending    *service.Pending
	wiper      Wiper
	intake     *service.Intake
	moderation *service.Moderation
	cfg        *config.Config
	logger     *slog.Logger

	offset int64
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDispatcher создаёт маршрутизатор. wiper может быть nil
// (удалённая зачистка отключена вместе с синхронизацией).
func NewDispatcher(client *gateway.Client, st *store.Store, pending *service.Pending, wiper Wiper, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:  client,
		store:   st,
		pending: pending,
		wiper:   wiper,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// Bind привязывает сервисы, зависящие от диспетчера. Вызывается один
// раз при сборке приложения, до Start.
func (d *Dispatcher) Bind(intake *service.Intake, moderation *service.Moderation) {
	d.intake = intake
	d.moderation = moderation
}

// Start запускает цикл long polling.
func (d *Dispatcher) Start(ctx context.Context) {
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go func() {
		defer close(d.doneCh)
		d.logger.Info("Long polling запущен")

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			default:
			}

			updates, err := d.client.GetUpdates(ctx, d.offset, pollTimeoutSec)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("Ошибка long polling", slog.String("error", err.Error()))
				select {
				case <-time.After(pollErrorBackoff):
				case <-d.stopCh:
					return
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, u := range updates {
				d.offset = u.UpdateID + 1
				d.handle(ctx, u)
			}
		}
	}()
}

// Stop останавливает цикл и дожидается завершения.
func (d *Dispatcher) Stop() {
	if d.stopCh == nil {
		return
	}
	close(d.stopCh)
	<-d.doneCh
	d.logger.Info("Long polling остановлен")
}

func (d *Dispatcher) handle(ctx context.Context, u gateway.Update) {
	switch {
	case u.CallbackQuery != nil:
		d.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		d.handleMessage(ctx, u.Message)
	}
}

// --- входящие сообщения ---

func (d *Dispatcher) handleMessage(ctx context.Context, msg *gateway.Message) {
	if msg.From == nil {
		return
	}

	// Анкета из WebApp приходит как web_app_data
	if msg.WebAppData != nil {
		d.handleSubmission(ctx, msg, []byte(msg.WebAppData.Data), service.SourceWebApp)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	// Текст в чате модерации — возможный ответ на ожидание
	if msg.Chat.ID == d.cfg.ModerationChatID {
		d.handleModeratorReply(ctx, msg, text)
		return
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		d.reply(ctx, msg.Chat.ID, "Привет! Отправьте заявку на релиз через форму WebApp или пришлите её в формате JSON.\nКоманда /my покажет ваши релизы.")
	case strings.HasPrefix(text, "/my"):
		d.handleOwnerList(ctx, msg)
	case strings.HasPrefix(text, "/wipe"):
		d.handleWipe(ctx, msg)
	case strings.HasPrefix(text, "{"):
		// Диалоговый канал принимает конверт JSON прямо в сообщении
		d.handleSubmission(ctx, msg, []byte(text), service.SourceBot)
	}
}

// handleSubmission проводит заявку через общий конвейер приёма.
func (d *Dispatcher) handleSubmission(ctx context.Context, msg *gateway.Message, payload []byte, source string) {
	var env form.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.reply(ctx, msg.Chat.ID, "Не удалось разобрать заявку: проверьте формат.")
		return
	}

	ownerID := strconv.FormatInt(msg.From.ID, 10)
	rel, _, err := d.intake.Submit(ctx, ownerID, msg.From.DisplayName(), &env, payload, source)
	if err != nil {
		var ie *service.IntakeError
		if errors.As(err, &ie) && len(ie.Violations) > 0 {
			d.reply(ctx, msg.Chat.ID, SubmitFailed(ie.Violations))
		} else {
			d.reply(ctx, msg.Chat.ID, "Не удалось принять заявку, попробуйте позже.")
		}
		return
	}
	d.reply(ctx, msg.Chat.ID, SubmitAccepted(rel))
}

// handleModeratorReply разбирает текст модератора: сперва активное
// ожидание, затем явный префиксный ответ на карточку.
func (d *Dispatcher) handleModeratorReply(ctx context.Context, msg *gateway.Message, text string) {
	actor := service.Actor{
		ID:      strconv.FormatInt(msg.From.ID, 10),
		Display: msg.From.DisplayName(),
	}
	moderatorID := actor.ID

	var replyRef int64
	if msg.ReplyToMessage != nil {
		replyRef = msg.ReplyToMessage.MessageID
	}

	if action, ok := d.pending.Resolve(moderatorID, replyRef); ok {
		ref := service.RecordRef{OwnerID: action.OwnerID, Index: action.Index, MessageRef: action.MessageRef}
		d.applyPendingText(ctx, msg.Chat.ID, ref, action.Kind, text, actor)
		return
	}

	// Ожидание истекло или вытеснено: явный префикс в ответе на
	// карточку работает всегда
	kind, payload, ok := service.ParseShorthand(text)
	if !ok || msg.ReplyToMessage == nil {
		return
	}
	owner, idx, _, found := d.store.FindByMessageRef(msg.ReplyToMessage.MessageID)
	if !found {
		d.reply(ctx, msg.Chat.ID, "Не удалось найти заявку по этому сообщению.")
		return
	}
	ref := service.RecordRef{OwnerID: owner, Index: idx, MessageRef: msg.ReplyToMessage.MessageID}
	d.applyPendingText(ctx, msg.Chat.ID, ref, kind, payload, actor)
}

func (d *Dispatcher) applyPendingText(ctx context.Context, chatID int64, ref service.RecordRef, kind, text string, actor service.Actor) {
	var err error
	switch kind {
	case service.PendingRejectReason:
		_, err = d.moderation.Apply(ctx, ref, status.Rejected, actor, service.ApplyOptions{Reason: text})
	case service.PendingFixComment:
		_, err = d.moderation.Apply(ctx, ref, status.NeedsFix, actor, service.ApplyOptions{Comment: text})
	case service.PendingUPCAssign:
		_, err = d.moderation.AssignUPC(ctx, ref, text, actor)
	default:
		return
	}
	if err != nil {
		d.reply(ctx, chatID, "Не получилось: "+transitionMessage(err))
		return
	}
	d.reply(ctx, chatID, "Готово ✅")
}

func (d *Dispatcher) handleOwnerList(ctx context.Context, msg *gateway.Message) {
	ownerID := strconv.FormatInt(msg.From.ID, 10)
	releases := d.store.ListOwner(ownerID, false)
	d.reply(ctx, msg.Chat.ID, OwnerList(releases))
}

// handleWipe выполняет полную зачистку локального хранилища и
// удалённых таблиц. Только для администраторов.
func (d *Dispatcher) handleWipe(ctx context.Context, msg *gateway.Message) {
	if !d.cfg.IsAdmin(msg.From.ID) {
		d.reply(ctx, msg.Chat.ID, "Команда доступна только администраторам.")
		return
	}
	if err := d.store.Wipe(); err != nil {
		d.reply(ctx, msg.Chat.ID, "Не удалось зачистить локальное хранилище: "+err.Error())
		return
	}
	if d.wiper != nil {
		if err := d.wiper.WipeRemote(ctx); err != nil {
			d.reply(ctx, msg.Chat.ID, "Локальное хранилище зачищено, удалённые таблицы — нет: "+err.Error())
			return
		}
	}
	d.logger.Warn("Выполнена полная зачистка данных",
		slog.Int64("admin", msg.From.ID),
	)
	d.reply(ctx, msg.Chat.ID, "Все данные удалены.")
}

// --- callback-кнопки ---

func (d *Dispatcher) handleCallback(ctx context.Context, cb *gateway.CallbackQuery) {
	payload, err := gateway.DecodeCallback(cb.Data)
	if err != nil {
		d.answer(ctx, cb.ID, "Неизвестная кнопка")
		return
	}

	actor := service.Actor{
		ID:      strconv.FormatInt(cb.From.ID, 10),
		Display: cb.From.DisplayName(),
	}
	var messageRef int64
	if cb.Message != nil {
		messageRef = cb.Message.MessageID
	}
	ref := service.RecordRef{OwnerID: payload.OwnerID, Index: payload.Index, MessageRef: messageRef}

	// UPC не меняет статус: регистрируем ожидание кода
	if payload.Verb == gateway.VerbUPC {
		d.pending.Request(actor.ID, service.PendingAction{
			Kind:       service.PendingUPCAssign,
			OwnerID:    payload.OwnerID,
			Index:      payload.Index,
			MessageRef: messageRef,
			PromptRef:  d.prompt(ctx, "Отправьте UPC-код ответом на это сообщение"),
		})
		d.answer(ctx, cb.ID, "Жду UPC-код")
		return
	}

	target, ok := verbToStatus[payload.Verb]
	if !ok {
		d.answer(ctx, cb.ID, "Неизвестное действие")
		return
	}

	rel, err := d.moderation.Apply(ctx, ref, target, actor, service.ApplyOptions{})
	if err != nil {
		d.answer(ctx, cb.ID, transitionMessage(err))
		return
	}
	d.answer(ctx, cb.ID, "Статус: "+statusLabel(rel.Status))

	// Отклонение и правки ждут уточняющий текст: причина по умолчанию
	// уже применена, ответ модератора её перекроет
	switch target {
	case status.Rejected:
		d.pending.Request(actor.ID, service.PendingAction{
			Kind:       service.PendingRejectReason,
			OwnerID:    payload.OwnerID,
			Index:      payload.Index,
			MessageRef: messageRef,
			PromptRef:  d.prompt(ctx, "Причину отклонения можно уточнить ответом на это сообщение"),
		})
	case status.NeedsFix:
		d.pending.Request(actor.ID, service.PendingAction{
			Kind:       service.PendingFixComment,
			OwnerID:    payload.OwnerID,
			Index:      payload.Index,
			MessageRef: messageRef,
			PromptRef:  d.prompt(ctx, "Комментарий к правкам можно уточнить ответом на это сообщение"),
		})
	}
}

// prompt отправляет в чат модерации приглашение ответить и возвращает
// ссылку на него для сверки reply-to при разборе ответа.
func (d *Dispatcher) prompt(ctx context.Context, text string) int64 {
	msg, err := d.client.SendMessage(ctx, d.cfg.ModerationChatID, text, nil)
	if err != nil {
		d.logger.Warn("Не удалось отправить приглашение к ответу",
			slog.String("error", err.Error()),
		)
		return 0
	}
	return msg.MessageID
}

// --- service.Announcer / service.Notifier ---

// AnnounceCard публикует карточку новой заявки в чат модерации.
func (d *Dispatcher) AnnounceCard(ctx context.Context, ownerID string, idx int, rel *model.Release) (int64, string, error) {
	text := Card(rel)
	msg, err := d.client.SendMessage(ctx, d.cfg.ModerationChatID, text, Keyboard(ownerID, idx))
	if err != nil {
		return 0, "", err
	}
	return msg.MessageID, text, nil
}

// UpdateCard переотрисовывает карточку после смены статуса.
func (d *Dispatcher) UpdateCard(ctx context.Context, ownerID string, idx int, rel *model.Release) error {
	if rel.ModerationMessageRef == 0 {
		return nil
	}
	return d.client.EditMessageText(ctx, d.cfg.ModerationChatID, rel.ModerationMessageRef, Card(rel), Keyboard(ownerID, idx))
}

// NotifySubmitter отправляет владельцу сводку нового статуса.
func (d *Dispatcher) NotifySubmitter(ctx context.Context, ownerID string, rel *model.Release) error {
	chatID, err := strconv.ParseInt(ownerID, 10, 64)
	if err != nil {
		return nil // владелец без числового id недостижим в этом канале
	}
	_, err = d.client.SendMessage(ctx, chatID, SubmitterNotice(rel), nil)
	return err
}

// --- вспомогательные ---

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if _, err := d.client.SendMessage(ctx, chatID, text, nil); err != nil {
		d.logger.Warn("Не удалось отправить сообщение",
			slog.Int64("chat", chatID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) answer(ctx context.Context, callbackID, text string) {
	if err := d.client.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		d.logger.Warn("Не удалось ответить на callback",
			slog.String("error", err.Error()),
		)
	}
}

// transitionMessage возвращает человекочитаемый текст ошибки перехода.
func transitionMessage(err error) string {
	var te *status.TransitionError
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
