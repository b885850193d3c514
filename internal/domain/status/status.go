// Пакет status — статусы релиза и правила переходов между ними.
//
// Жизненный цикл релиза:
//
//	on_upload → moderation → {approved, needs_fix, rejected} → published
//
// Плюс поглощающий статус deleted, достижимый из любого состояния.
// Из published и deleted возможен только принудительный возврат
// в on_upload (reopen) явным действием модератора.
//
// Легаси-значения декодируются через таблицу aliases; неизвестные
// значения приводятся к on_upload и никогда не остаются нераспознанными.
package status

import "fmt"

// Status — канонический статус релиза.
type Status string

const (
	// OnUpload — на отгрузке: ожидает загрузки, доступен для приёма файлов
	OnUpload Status = "on_upload"
	// Moderation — на модерации: модератор взял анкету в работу
	Moderation Status = "moderation"
	// Approved — одобрено
	Approved Status = "approved"
	// Rejected — отклонено (требует причину)
	Rejected Status = "rejected"
	// NeedsFix — на исправлении
	NeedsFix Status = "needs_fix"
	// Published — опубликовано на площадках
	Published Status = "published"
	// Deleted — удалено (служебный, поглощающий)
	Deleted Status = "deleted"
)

// Text — человекочитаемые названия статусов.
var Text = map[Status]string{
	OnUpload:   "На отгрузке",
	Moderation: "На модерации",
	Approved:   "Одобрено",
	Rejected:   "Отклонено",
	NeedsFix:   "На исправлении",
	Published:  "Опубликовано",
	Deleted:    "Удалено",
}

// aliases — единая таблица декодирования легаси-значений статуса.
// Встречались в ранних итерациях базы и в экспортах внешних систем.
var aliases = map[string]Status{
	"awaiting_upload": OnUpload,
	"upload":          OnUpload,
	"new":             OnUpload,
	"pending":         OnUpload,
	"in_moderation":   Moderation,
	"moderate":        Moderation,
	"review":          Moderation,
	"accepted":        Approved,
	"declined":        Rejected,
	"fix":             NeedsFix,
	"need_fix":        NeedsFix,
	"released":        Published,
	"removed":         Deleted,
}

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
// Повторное применение текущего статуса всегда допустимо (идемпотентность
// обеспечивается на уровне журнала взаимодействий, не матрицы).
var validTransitions = map[Status]map[Status]bool{
	OnUpload:   {OnUpload: true, Moderation: true, Approved: true, Rejected: true, NeedsFix: true, Deleted: true},
	Moderation: {OnUpload: true, Moderation: true, Approved: true, Rejected: true, NeedsFix: true, Deleted: true},
	Approved:   {OnUpload: true, Moderation: true, Approved: true, Rejected: true, NeedsFix: true, Published: true, Deleted: true},
	Rejected:   {OnUpload: true, Moderation: true, Approved: true, Rejected: true, NeedsFix: true, Published: true, Deleted: true},
	NeedsFix:   {OnUpload: true, Moderation: true, Approved: true, Rejected: true, NeedsFix: true, Published: true, Deleted: true},
	Published:  {OnUpload: true, Published: true, Deleted: true}, // reopen либо удаление
	Deleted:    {OnUpload: true, Deleted: true},                  // только reopen
}

// IsValid проверяет, является ли значение каноническим статусом.
func IsValid(s Status) bool {
	_, ok := Text[s]
	return ok
}

// Decode приводит произвольную строку статуса к каноническому значению.
// Неизвестные и пустые значения дают on_upload.
func Decode(raw string) Status {
	s := Status(raw)
	if IsValid(s) {
		return s
	}
	if mapped, ok := aliases[raw]; ok {
		return mapped
	}
	return OnUpload
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// MirrorsApproved возвращает true для статусов, при которых запись
// присутствует в зеркальной таблице одобренных релизов.
func (s Status) MirrorsApproved() bool {
	return s == Approved || s == Published
}

// TransitionError — ошибка применения статуса.
type TransitionError struct {
	Code    string // Машиночитаемый код (NOT_FOUND, INVALID_STATUS, INVALID_TRANSITION, REASON_REQUIRED)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Коды ошибок переходов.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeReasonRequired    = "REASON_REQUIRED"
	// CodeStorageFailure — переход допустим, но запись не удалось
	// зафиксировать в хранилище (ошибка диска)
	CodeStorageFailure = "STORAGE_FAILURE"
)

// ErrStorageFailure создаёт ошибку фиксации перехода в хранилище.
func ErrStorageFailure(err error) *TransitionError {
	return &TransitionError{Code: CodeStorageFailure, Message: fmt.Sprintf("запись не зафиксирована: %v", err)}
}

// ErrNotFound создаёт ошибку «релиз не найден».
func ErrNotFound(ref string) *TransitionError {
	return &TransitionError{Code: CodeNotFound, Message: fmt.Sprintf("релиз %s не найден", ref)}
}

// ErrInvalidStatus создаёт ошибку «недопустимый целевой статус».
func ErrInvalidStatus(raw string) *TransitionError {
	return &TransitionError{Code: CodeInvalidStatus, Message: fmt.Sprintf("недопустимый целевой статус: %q", raw)}
}

// ErrInvalidTransition создаёт ошибку «переход недопустим».
func ErrInvalidTransition(from, to Status) *TransitionError {
	return &TransitionError{Code: CodeInvalidTransition, Message: fmt.Sprintf("переход %s → %s недопустим", from, to)}
}
