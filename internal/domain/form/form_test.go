package form

import (
	"strings"
	"testing"
	"time"
)

// validSingle возвращает корректную анкету сингла.
func validSingle() *RawForm {
	return &RawForm{
		Type:      "сингл",
		Name:      "Летний дождь",
		HasLyrics: "Да",
		Nick:      "DVKRAT",
		FIO:       "Иванов Иван Иванович",
		Date:      "25.12.2026",
		Genre:     "Поп",
		Link:      "https://disk.example.com/folder/123",
		Mat:       "Нет",
		TG:        "@dvkrat",
	}
}

var testNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

// TestValidate_ValidSingle проверяет, что корректная анкета проходит
// без нарушений.
func TestValidate_ValidSingle(t *testing.T) {
	if errs := Validate(validSingle(), testNow); len(errs) != 0 {
		t.Fatalf("ожидалась валидная анкета, получены нарушения: %v", errs)
	}
}

// TestValidate_RequiredFields проверяет обязательные поля.
func TestValidate_RequiredFields(t *testing.T) {
	f := &RawForm{}
	errs := Validate(f, testNow)
	if len(errs) < 5 {
		t.Fatalf("пустая анкета должна дать множество нарушений, получено %d: %v", len(errs), errs)
	}
}

// TestValidate_LeadTime проверяет минимальный запас до даты релиза:
// 3 дня для сингла, 7 — для альбома.
func TestValidate_LeadTime(t *testing.T) {
	f := validSingle()
	f.Date = testNow.AddDate(0, 0, 2).Format("02.01.2006")
	if errs := Validate(f, testNow); len(errs) == 0 {
		t.Error("сингл с датой через 2 дня должен быть отклонён")
	}

	f.Date = testNow.AddDate(0, 0, 4).Format("02.01.2006")
	if errs := Validate(f, testNow); len(errs) != 0 {
		t.Errorf("сингл с датой через 4 дня должен пройти: %v", errs)
	}

	album := validSingle()
	album.Type = "альбом"
	album.Tracklist = "1. Трек один\n2. Трек два"
	album.Date = testNow.AddDate(0, 0, 5).Format("02.01.2006")
	if errs := Validate(album, testNow); len(errs) == 0 {
		t.Error("альбом с датой через 5 дней должен быть отклонён")
	}
}

// TestValidate_AlbumRequiresTracklist проверяет обязательный треклист
// альбома.
func TestValidate_AlbumRequiresTracklist(t *testing.T) {
	f := validSingle()
	f.Type = "альбом"
	f.Date = "25.12.2026"
	errs := Validate(f, testNow)
	found := false
	for _, e := range errs {
		if strings.Contains(e, "Tracklist") {
			found = true
		}
	}
	if !found {
		t.Errorf("альбом без треклиста должен быть отклонён, нарушения: %v", errs)
	}
}

// TestValidate_BadDate проверяет отклонение некорректных дат.
func TestValidate_BadDate(t *testing.T) {
	for _, date := range []string{"31.02.2027", "вчера", "2026/12/25"} {
		f := validSingle()
		f.Date = date
		if errs := Validate(f, testNow); len(errs) == 0 {
			t.Errorf("дата %q должна быть отклонена", date)
		}
	}
}

// TestValidate_BadLink проверяет требование http(s) для ссылки.
func TestValidate_BadLink(t *testing.T) {
	f := validSingle()
	f.Link = "ftp://example.com/files"
	if errs := Validate(f, testNow); len(errs) == 0 {
		t.Error("не-HTTP ссылка должна быть отклонена")
	}
}

// TestNormalize_CanonicalDate проверяет приведение даты к ДД.ММ.ГГГГ.
func TestNormalize_CanonicalDate(t *testing.T) {
	f := validSingle()
	f.Date = "2026-12-25"
	n := Normalize(f)
	if n.Date != "25.12.2026" {
		t.Errorf("дата: ожидалось 25.12.2026, получено %s", n.Date)
	}
}

// TestNormalize_SingleTracklist проверяет сентинель треклиста сингла.
func TestNormalize_SingleTracklist(t *testing.T) {
	f := validSingle()
	f.Tracklist = "1. Единственный трек"
	n := Normalize(f)
	if n.Tracklist != "." {
		t.Errorf("треклист сингла: ожидалась точка, получено %q", n.Tracklist)
	}
}

// TestNormalize_Defaults проверяет значения по умолчанию для
// необязательных полей.
func TestNormalize_Defaults(t *testing.T) {
	n := Normalize(validSingle())
	if n.Version != "Оригинал" {
		t.Errorf("версия по умолчанию: получено %q", n.Version)
	}
	if n.Subname != "." {
		t.Errorf("пустое доп. название: ожидалась точка, получено %q", n.Subname)
	}
	if n.Promo != "." || n.Comment != "." || n.Yandex != "." {
		t.Error("пустые необязательные поля должны стать точкой")
	}
}

// TestNormalize_TypeSynonyms проверяет таблицу синонимов типа.
func TestNormalize_TypeSynonyms(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"Сингл", TypeSingle},
		{"single", TypeSingle},
		{"Альбом", TypeAlbum},
		{"album", TypeAlbum},
		{"singl", TypeSingle},
		{"непонятно", TypeSingle},
	}
	for _, tt := range tests {
		f := validSingle()
		f.Type = tt.raw
		if n := Normalize(f); n.Type != tt.want {
			t.Errorf("тип %q: ожидалось %s, получено %s", tt.raw, tt.want, n.Type)
		}
	}
}

// TestNormalize_Idempotent проверяет, что нормализация канонической
// анкеты ничего не меняет.
func TestNormalize_Idempotent(t *testing.T) {
	first := Normalize(validSingle())
	second := Normalize(&RawForm{
		Type: first.Type, Name: first.Name, Subname: first.Subname,
		HasLyrics: first.HasLyrics, Nick: first.Nick, FIO: first.FIO,
		Date: first.Date, Version: first.Version, Genre: first.Genre,
		Link: first.Link, Yandex: first.Yandex, Mat: first.Mat,
		Promo: first.Promo, Comment: first.Comment,
		Tracklist: first.Tracklist, TG: first.TG,
	})
	if first != second {
		t.Errorf("повторная нормализация изменила анкету:\n%+v\n%+v", first, second)
	}
}

// TestNormalize_Truncation проверяет ограничение длины текстов.
func TestNormalize_Truncation(t *testing.T) {
	f := validSingle()
	f.Name = strings.Repeat("а", 500)
	n := Normalize(f)
	if len([]rune(n.Name)) > 200 {
		t.Errorf("название должно быть усечено до 200 символов, получено %d", len([]rune(n.Name)))
	}
}

// TestEnvelope_NormalizeAction проверяет приведение action конверта.
func TestEnvelope_NormalizeAction(t *testing.T) {
	tests := []struct {
		action string
		form   *RawForm
		want   string
	}{
		{"", validSingle(), ActionSubmit},
		{"webapp_release_submit", validSingle(), ActionSubmit},
		{"submit", validSingle(), ActionSubmit},
		{"submit_release", validSingle(), ActionSubmit},
		{"", nil, ""},
		{"something_else", validSingle(), "something_else"},
	}
	for _, tt := range tests {
		e := &Envelope{Action: tt.action, Form: tt.form}
		if got := e.NormalizeAction(); got != tt.want {
			t.Errorf("action %q: ожидалось %q, получено %q", tt.action, tt.want, got)
		}
	}
}
