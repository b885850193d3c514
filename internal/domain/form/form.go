// Пакет form — конверт отправки, валидация и нормализация анкеты релиза.
//
// Граница доменных типов: свободно структурированный JSON внешних
// каналов разбирается здесь в строгую форму, всё дальше по конвейеру
// работает только с каноническими типами.
//
// Валидация и нормализация разделены: Validate возвращает список
// человекочитаемых нарушений (анкета с нарушениями не сохраняется),
// Normalize — тотальное чистое преобразование, никогда не ошибается
// и заполняет каждое поле значением по умолчанию.
package form

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// Ограничения длин текстовых полей. Применяются при нормализации.
const (
	maxNameLen  = 200
	maxTextLen  = 1000
	maxTracksLen = 4000
)

// Сентинель пустого необязательного поля.
const emptySentinel = "."

// TypeSingle и TypeAlbum — канонические типы релиза.
const (
	TypeSingle = "сингл"
	TypeAlbum  = "альбом"
)

// Минимальный запас до даты релиза в днях по типу.
const (
	minLeadDaysSingle = 3
	minLeadDaysAlbum  = 7
)

// typeSynonyms — таблица синонимов типа релиза.
var typeSynonyms = map[string]string{
	"сингл":  TypeSingle,
	"single": TypeSingle,
	"singl":  TypeSingle,
	"альбом": TypeAlbum,
	"album":  TypeAlbum,
}

// noneSentinels — значения, трактуемые как «отсутствует» для
// необязательных ссылок.
var noneSentinels = map[string]bool{
	"-": true, "нет": true, "none": true, "request-new-entry": true,
}

// Envelope — конверт отправки внешнего канала.
// Отсутствующий action при присутствующей форме трактуется как submit.
type Envelope struct {
	Action     string   `json:"action"`
	TelegramID int64    `json:"telegram_id"`
	Token      string   `json:"token,omitempty"`
	Form       *RawForm `json:"form"`
}

// ActionSubmit — канонический verb отправки анкеты.
const ActionSubmit = "submit_release"

// NormalizeAction приводит action конверта к каноническому виду.
func (e *Envelope) NormalizeAction() string {
	a := strings.TrimSpace(e.Action)
	if (a == "" || a == "webapp_release_submit" || a == "submit") && e.Form != nil {
		return ActionSubmit
	}
	return a
}

// RawForm — сырая, возможно частично заполненная анкета.
type RawForm struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Subname   string `json:"subname"`
	HasLyrics string `json:"has_lyrics"`
	Nick      string `json:"nick"`
	FIO       string `json:"fio"`
	Date      string `json:"date"`
	Version   string `json:"version"`
	Genre     string `json:"genre"`
	Link      string `json:"link"`
	Yandex    string `json:"yandex"`
	Mat       string `json:"mat"`
	Promo     string `json:"promo"`
	Comment   string `json:"comment"`
	Tracklist string `json:"tracklist"`
	TG        string `json:"tg"`
}

// Normalized — каноническая форма анкеты: каждое поле заполнено,
// тип и дата приведены, тексты ограничены по длине.
type Normalized struct {
	Type      string
	Name      string
	Subname   string
	HasLyrics string
	Nick      string
	FIO       string
	Date      string
	Version   string
	Genre     string
	Link      string
	Yandex    string
	Mat       string
	Promo     string
	Comment   string
	Tracklist string
	TG        string
}

// Validate проверяет анкету и возвращает список нарушений.
// Пустой список означает, что анкету можно нормализовать и сохранить.
// now нужен для проверки минимального запаса до даты релиза.
func Validate(f *RawForm, now time.Time) []string {
	var errs []string
	if f == nil {
		return []string{"Анкета отсутствует."}
	}

	relType := normalizeType(f.Type)
	if relType == "" {
		errs = append(errs, "Укажите тип релиза: сингл или альбом.")
	}
	if clean(f.Name) == "" {
		errs = append(errs, "Поле «Название релиза» обязательно.")
	}
	if clean(f.HasLyrics) == "" {
		errs = append(errs, "Укажите, есть ли слова в релизе.")
	}
	if clean(f.Nick) == "" {
		errs = append(errs, "Поле «Ник исполнителя» обязательно.")
	}
	if clean(f.FIO) == "" {
		errs = append(errs, "Поле «ФИО исполнителя» обязательно.")
	}

	date := clean(f.Date)
	if date == "" {
		errs = append(errs, "Укажите дату релиза в формате ДД.ММ.ГГГГ.")
	} else if dt, ok := parseDate(date); !ok {
		errs = append(errs, "Неверный формат даты. Используйте ДД.ММ.ГГГГ.")
	} else {
		minDays := minLeadDaysSingle
		if relType == TypeAlbum {
			minDays = minLeadDaysAlbum
		}
		minDate := now.Truncate(24 * time.Hour).AddDate(0, 0, minDays)
		if dt.Before(minDate) {
			errs = append(errs, fmt.Sprintf("Дата релиза должна быть минимум через %d дней.", minDays))
		}
	}

	if clean(f.Genre) == "" {
		errs = append(errs, "Поле «Жанр» обязательно.")
	}

	link := clean(f.Link)
	if link == "" {
		errs = append(errs, "Добавьте ссылку на файлы.")
	} else if !isHTTPURL(link) {
		errs = append(errs, "Ссылка на файлы должна начинаться с http:// или https://.")
	}

	if yandex := clean(f.Yandex); yandex != "" && yandex != emptySentinel &&
		!noneSentinels[strings.ToLower(yandex)] && !isHTTPURL(yandex) {
		errs = append(errs, "Поле «Яндекс Музыка» должно быть URL или точкой.")
	}

	if clean(f.Mat) == "" {
		errs = append(errs, "Укажите, есть ли ненормативная лексика.")
	}
	if relType == TypeAlbum && optional(f.Tracklist) == emptySentinel {
		errs = append(errs, "Для альбома заполните Tracklist.")
	}
	if clean(f.TG) == "" {
		errs = append(errs, "Укажите контакт Telegram.")
	}

	return errs
}

// Normalize приводит анкету к канонической форме. Тотальна: никогда
// не ошибается, любое поле получает значение по умолчанию.
// Нормализация уже канонической анкеты возвращает её без изменений.
func Normalize(f *RawForm) Normalized {
	if f == nil {
		f = &RawForm{}
	}

	relType := normalizeType(f.Type)
	if relType == "" {
		relType = TypeSingle
	}

	n := Normalized{
		Type:      relType,
		Name:      truncate(clean(f.Name), maxNameLen),
		Subname:   truncate(optional(f.Subname), maxNameLen),
		HasLyrics: truncate(defaultText(f.HasLyrics, "Нет, это инструментал"), maxNameLen),
		Nick:      truncate(clean(f.Nick), maxNameLen),
		FIO:       truncate(clean(f.FIO), maxNameLen),
		Date:      canonicalDate(clean(f.Date)),
		Version:   truncate(defaultText(f.Version, "Оригинал"), maxNameLen),
		Genre:     truncate(clean(f.Genre), maxNameLen),
		Link:      truncate(clean(f.Link), maxTextLen),
		Yandex:    normalizeOptionalURL(f.Yandex),
		Mat:       truncate(defaultText(f.Mat, "Нет"), maxNameLen),
		Promo:     truncate(optional(f.Promo), maxTextLen),
		Comment:   truncate(optional(f.Comment), maxTextLen),
		Tracklist: truncate(optional(f.Tracklist), maxTracksLen),
		TG:        truncate(clean(f.TG), maxNameLen),
	}

	// Для сингла треклист — строго сентинель
	if n.Type != TypeAlbum {
		n.Tracklist = emptySentinel
	}

	return n
}

// normalizeType приводит тип релиза через таблицу синонимов.
// Возвращает пустую строку для неизвестного значения.
func normalizeType(v string) string {
	return typeSynonyms[strings.ToLower(clean(v))]
}

// parseDate разбирает дату в одном из двух принимаемых форматов:
// ДД.ММ.ГГГГ и ГГГГ-ММ-ДД. Проверяет календарную корректность.
func parseDate(v string) (time.Time, bool) {
	for _, layout := range []string{"02.01.2006", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// canonicalDate приводит дату к каноническому текстовому виду ДД.ММ.ГГГГ.
// Неразбираемое значение возвращается очищенным как есть.
func canonicalDate(v string) string {
	if t, ok := parseDate(v); ok {
		return t.Format("02.01.2006")
	}
	return v
}

// normalizeOptionalURL приводит необязательную ссылку: «нет»/«-»/«none»
// и пустое значение дают сентинель «.».
func normalizeOptionalURL(v string) string {
	s := clean(v)
	if s == "" || noneSentinels[strings.ToLower(s)] {
		return emptySentinel
	}
	return truncate(s, maxTextLen)
}

// isHTTPURL проверяет, что значение — абсолютный http(s) URL.
func isHTTPURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// clean обрезает пробелы и удаляет управляющие символы.
func clean(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' {
			return -1
		}
		return r
	}, s)
}

// optional возвращает очищенное значение либо сентинель «.».
func optional(s string) string {
	if v := clean(s); v != "" {
		return v
	}
	return emptySentinel
}

// defaultText возвращает очищенное значение либо значение по умолчанию.
func defaultText(s, def string) string {
	if v := clean(s); v != "" {
		return v
	}
	return def
}

// truncate ограничивает длину строки в рунах.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
