package remote

import (
	"testing"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
)

func rel(formID, name, submitted, moderated string) *model.Release {
	return &model.Release{
		FormID:         formID,
		Name:           name,
		Nick:           "DVKRAT",
		Date:           "25.12.2026",
		Status:         status.OnUpload,
		SubmissionTime: submitted,
		ModerationTime: moderated,
	}
}

// TestMergeOwners_RemoteFresherWins проверяет победу более свежей
// удалённой записи.
func TestMergeOwners_RemoteFresherWins(t *testing.T) {
	local := map[string][]*model.Release{
		"100": {rel("a", "Локальный", "2026-08-01T10:00:00Z", "2026-08-02T10:00:00Z")},
	}
	remoteRel := rel("a", "Удалённый", "2026-08-01T10:00:00Z", "2026-08-05T10:00:00Z")
	remoteRel.Status = status.Approved

	changed := MergeOwners(local, map[string][]*model.Release{"100": {remoteRel}})
	if !changed {
		t.Fatal("слияние должно сообщить об изменении")
	}
	got := local["100"][0]
	if got.Name != "Удалённый" || got.Status != status.Approved {
		t.Errorf("должна победить удалённая запись: %+v", got)
	}
}

// TestMergeOwners_LocalFresherKept проверяет сохранение более свежей
// локальной записи.
func TestMergeOwners_LocalFresherKept(t *testing.T) {
	local := map[string][]*model.Release{
		"100": {rel("a", "Локальный", "2026-08-01T10:00:00Z", "2026-08-09T10:00:00Z")},
	}
	changed := MergeOwners(local, map[string][]*model.Release{
		"100": {rel("a", "Удалённый", "2026-08-01T10:00:00Z", "2026-08-05T10:00:00Z")},
	})
	if changed {
		t.Error("более старая удалённая запись не должна ничего менять")
	}
	if local["100"][0].Name != "Локальный" {
		t.Errorf("локальная запись потеряна: %q", local["100"][0].Name)
	}
}

// TestMergeOwners_TieLocalWins проверяет ничью по свежести: локальная
// сторона сохраняется.
func TestMergeOwners_TieLocalWins(t *testing.T) {
	stamp := "2026-08-05T10:00:00Z"
	local := map[string][]*model.Release{
		"100": {rel("a", "Локальный", stamp, stamp)},
	}
	changed := MergeOwners(local, map[string][]*model.Release{
		"100": {rel("a", "Удалённый", stamp, stamp)},
	})
	if changed {
		t.Error("ничья не должна считаться изменением")
	}
	if local["100"][0].Name != "Локальный" {
		t.Error("при ничьей должна сохраниться локальная запись")
	}
}

// TestMergeOwners_UnmatchedAppended проверяет добавление
// несопоставленных удалённых записей.
func TestMergeOwners_UnmatchedAppended(t *testing.T) {
	local := map[string][]*model.Release{
		"100": {rel("a", "Существующий", "2026-08-01T10:00:00Z", "")},
	}
	changed := MergeOwners(local, map[string][]*model.Release{
		"100": {rel("b", "Новый", "2026-08-02T10:00:00Z", "")},
		"200": {rel("c", "Чужой", "2026-08-03T10:00:00Z", "")},
	})
	if !changed {
		t.Fatal("добавление записей должно сообщить об изменении")
	}
	if len(local["100"]) != 2 {
		t.Errorf("у владельца 100 ожидалось 2 записи, получено %d", len(local["100"]))
	}
	if len(local["200"]) != 1 {
		t.Errorf("новый владелец должен появиться, получено %d записей", len(local["200"]))
	}
}

// TestMergeOwners_MatchByMessageRef проверяет сопоставление по
// сообщению-карточке при отсутствии form_id.
func TestMergeOwners_MatchByMessageRef(t *testing.T) {
	loc := rel("", "Локальный", "2026-08-01T10:00:00Z", "")
	loc.ModerationMessageRef = 777
	remoteRel := rel("", "Удалённый", "2026-08-01T11:00:00Z", "2026-08-06T10:00:00Z")
	remoteRel.ModerationMessageRef = 777

	local := map[string][]*model.Release{"100": {loc}}
	MergeOwners(local, map[string][]*model.Release{"100": {remoteRel}})

	if len(local["100"]) != 1 {
		t.Fatalf("записи должны сопоставиться, получено %d", len(local["100"]))
	}
	if local["100"][0].Name != "Удалённый" {
		t.Error("свежая удалённая запись должна победить")
	}
}

// TestMergeOwners_MatchByCompositeKey проверяет сопоставление по
// составному ключу содержимого, без учёта регистра.
func TestMergeOwners_MatchByCompositeKey(t *testing.T) {
	// Без form_id, карточки и времени отправки остаётся только
	// составной ключ содержимого
	loc := rel("", "Двойник", "", "")
	remoteRel := rel("", "ДВОЙНИК", "", "2026-08-06T10:00:00Z")
	local := map[string][]*model.Release{"100": {loc}}
	MergeOwners(local, map[string][]*model.Release{"100": {remoteRel}})

	if len(local["100"]) != 1 {
		t.Fatalf("записи должны сопоставиться по составному ключу, получено %d", len(local["100"]))
	}
}

// TestMergeOwners_KeepsLocalCardRef проверяет сохранение локальной
// ссылки на карточку при победе удалённой записи.
func TestMergeOwners_KeepsLocalCardRef(t *testing.T) {
	loc := rel("a", "Локальный", "2026-08-01T10:00:00Z", "")
	loc.ModerationMessageRef = 555
	loc.ModerationCardText = "текст карточки"
	remoteRel := rel("a", "Удалённый", "2026-08-01T10:00:00Z", "2026-08-06T10:00:00Z")

	local := map[string][]*model.Release{"100": {loc}}
	MergeOwners(local, map[string][]*model.Release{"100": {remoteRel}})

	got := local["100"][0]
	if got.ModerationMessageRef != 555 {
		t.Error("локальная ссылка на карточку должна сохраниться")
	}
	if got.Name != "Удалённый" {
		t.Error("содержимое должно прийти из удалённой записи")
	}
}
