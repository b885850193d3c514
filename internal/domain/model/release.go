// Пакет model — доменные модели Release Module.
// Release — единая структура записи релиза, используется как in-memory
// представление и как формат releases.json на диске.
package model

import (
	"regexp"
	"time"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
)

// HistoryLimit — максимальная длина журнала взаимодействий записи.
// При переполнении отбрасываются самые старые записи.
const HistoryLimit = 50

// EventStatusChange — тип события журнала: смена статуса.
const EventStatusChange = "status_change"

// upcPattern — строгий шаблон UPC-кода: только цифры после удаления
// разделителей, длина 10–14.
var upcPattern = regexp.MustCompile(`^[0-9]{10,14}$`)

// HistoryEntry — одно событие журнала взаимодействий.
type HistoryEntry struct {
	// Type — тип события (status_change)
	Type string `json:"type"`
	// At — момент события (RFC 3339)
	At string `json:"at"`
	// ActorID — идентификатор модератора/пользователя
	ActorID string `json:"actor_id"`
	// ActorDisplay — отображаемое имя актора
	ActorDisplay string `json:"actor_display"`
	// StatusFrom, StatusTo — статусы до и после события
	StatusFrom status.Status `json:"status_from"`
	StatusTo   status.Status `json:"status_to"`
	// Note — причина отклонения или комментарий (опционально)
	Note string `json:"note,omitempty"`
}

// Release — запись релиза. Соответствует элементу списка владельца
// в releases.json. Первичная идентичность — (owner_id, index), где
// index — позиция в списке владельца.
type Release struct {
	// FormID — стабильный внешний идентификатор (UUID v4).
	// Используется как conflict key удалённого зеркала.
	FormID string `json:"form_id"`

	// Type — тип релиза: «сингл» или «альбом»
	Type string `json:"type"`
	// Name — название релиза
	Name string `json:"name"`
	// Subname — саб-название («.» если отсутствует)
	Subname string `json:"subname"`
	// HasLyrics — есть ли слова в релизе
	HasLyrics string `json:"has_lyrics"`
	// Nick — ник исполнителя
	Nick string `json:"nick"`
	// FIO — ФИО исполнителя
	FIO string `json:"fio"`
	// Date — дата релиза в формате ДД.ММ.ГГГГ
	Date string `json:"date"`
	// Version — версия релиза («Оригинал» по умолчанию)
	Version string `json:"version"`
	// Genre — жанр
	Genre string `json:"genre"`
	// Link — ссылка на файлы релиза
	Link string `json:"link"`
	// Yandex — ссылка на Яндекс Музыку, «.» если отсутствует
	Yandex string `json:"yandex"`
	// Mat — наличие ненормативной лексики
	Mat string `json:"mat"`
	// Promo — промо-текст («.» если отсутствует)
	Promo string `json:"promo"`
	// Comment — свободный комментарий («.» если отсутствует)
	Comment string `json:"comment"`
	// Tracklist — треклист; строго «.» для сингла
	Tracklist string `json:"tracklist"`
	// TG — контакт Telegram отправителя
	TG string `json:"tg"`

	// Status — текущий статус релиза
	Status status.Status `json:"status"`
	// RejectReason — причина отклонения
	RejectReason string `json:"reject_reason,omitempty"`
	// ModeratorComment — комментарий модератора (needs_fix)
	ModeratorComment string `json:"moderator_comment,omitempty"`
	// UPC — присвоенный UPC-код (10–14 цифр)
	UPC string `json:"upc,omitempty"`
	// LinkPublished — ссылка на опубликованный релиз
	LinkPublished string `json:"link_published,omitempty"`
	// AvailableForIntake — запись доступна для приёма файлов.
	// true только в статусе on_upload и только после явной отметки модератора.
	AvailableForIntake bool `json:"available_for_intake"`
	// MarkedAvailableBy — кто пометил запись доступной
	MarkedAvailableBy string `json:"marked_available_by,omitempty"`
	// UserDeleted — мягкое удаление: скрыто из всех пользовательских
	// представлений, но сохраняется для аудита и зеркалирования
	UserDeleted bool `json:"user_deleted"`

	// SubmissionTime — момент создания записи (RFC 3339, неизменяемый)
	SubmissionTime string `json:"submission_time"`
	// ModerationTime — момент последнего действия модератора (RFC 3339)
	ModerationTime string `json:"moderation_time,omitempty"`
	// Moderator — идентификатор последнего модератора
	Moderator string `json:"moderator,omitempty"`
	// ModeratorName — отображаемое имя последнего модератора
	ModeratorName string `json:"moderator_username,omitempty"`
	// Username — username отправителя на момент отправки
	Username string `json:"username,omitempty"`
	// Source — канал поступления (mini_app, chat, remote_import)
	Source string `json:"source"`

	// ModerationMessageRef — id сообщения-карточки в чате модерации.
	// Резервный ключ поиска, когда индекс в списке владельца устарел.
	ModerationMessageRef int64 `json:"moderation_message_id,omitempty"`
	// ModerationCardText — исходный текст карточки (для переотрисовки шапки)
	ModerationCardText string `json:"moderation_original_text,omitempty"`

	// History — ограниченный журнал взаимодействий
	History []HistoryEntry `json:"history,omitempty"`
}

// IsAlbum возвращает true для релиза типа «альбом».
func (r *Release) IsAlbum() bool {
	return r.Type == "альбом"
}

// AppendHistory добавляет событие в журнал, отбрасывая самые старые
// записи при превышении HistoryLimit. Журнал только дополняется,
// порядок никогда не меняется.
func (r *Release) AppendHistory(e HistoryEntry) {
	r.History = append(r.History, e)
	if len(r.History) > HistoryLimit {
		r.History = r.History[len(r.History)-HistoryLimit:]
	}
}

// FreshnessScore возвращает оценку «свежести» записи для разрешения
// конфликтов при слиянии: момент модерации, если он есть, иначе момент
// отправки. Неразбираемое значение даёт нулевую оценку.
func (r *Release) FreshnessScore() time.Time {
	if t, ok := parseInstant(r.ModerationTime); ok {
		return t
	}
	if t, ok := parseInstant(r.SubmissionTime); ok {
		return t
	}
	return time.Time{}
}

// parseInstant разбирает момент времени в RFC 3339 либо в усечённом
// ISO-формате без зоны (наследие ранних экспортов).
func parseInstant(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidUPC проверяет UPC-код: после удаления пробелов и дефисов
// остаются только цифры, длина 10–14.
func ValidUPC(code string) bool {
	return upcPattern.MatchString(StripUPCSeparators(code))
}

// StripUPCSeparators удаляет допустимые разделители из UPC-кода.
func StripUPCSeparators(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == ' ' || c == '-' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
