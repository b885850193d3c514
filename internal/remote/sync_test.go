package remote

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRepo — репозиторий в памяти для тестов движка.
type fakeRepo struct {
	mu sync.Mutex

	pullResult map[string][]*model.Release
	pullErr    error

	forms    map[string]FormRow
	approved map[string]FormRow
	users    map[string]string

	formsErr    error
	approvedErr error

	upsertFormCalls int
	deletedApproved []string
	wiped           bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		forms:    make(map[string]FormRow),
		approved: make(map[string]FormRow),
		users:    make(map[string]string),
	}
}

func (f *fakeRepo) PullForms(context.Context) (map[string][]*model.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullResult, f.pullErr
}

func (f *fakeRepo) UpsertForms(_ context.Context, rows []FormRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertFormCalls++
	if f.formsErr != nil {
		return f.formsErr
	}
	for _, r := range rows {
		f.forms[r.Release.FormID] = r
	}
	return nil
}

func (f *fakeRepo) UpsertUsers(_ context.Context, users map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, name := range users {
		f.users[id] = name
	}
	return nil
}

func (f *fakeRepo) UpsertApproved(_ context.Context, rows []FormRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approvedErr != nil {
		return f.approvedErr
	}
	for _, r := range rows {
		f.approved[r.Release.FormID] = r
	}
	return nil
}

func (f *fakeRepo) DeleteApproved(_ context.Context, formID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedApproved = append(f.deletedApproved, formID)
	delete(f.approved, formID)
	return nil
}

func (f *fakeRepo) WipeAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wiped = true
	f.forms = make(map[string]FormRow)
	f.approved = make(map[string]FormRow)
	f.users = make(map[string]string)
	return nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("ошибка создания хранилища: %v", err)
	}
	return s
}

func newTestEngine(repo Repository, st *store.Store) *Engine {
	return NewEngine(repo, st, 10*time.Millisecond, 2, 2, time.Second, testLogger())
}

func storedRelease(formID, name string, st status.Status, username string) *model.Release {
	return &model.Release{
		FormID:         formID,
		Name:           name,
		Nick:           "DVKRAT",
		Date:           "25.12.2026",
		Status:         st,
		SubmissionTime: "2026-08-30T10:00:00Z",
		Username:       username,
	}
}

// TestEngine_RunOnce проверяет полный push: заявки, зеркало
// одобренных, справочник владельцев, батчи.
func TestEngine_RunOnce(t *testing.T) {
	st := newTestStore(t)
	for i, name := range []string{"Один", "Два", "Три"} {
		rel := storedRelease(name, name, status.OnUpload, "@user")
		if i == 1 {
			rel.Status = status.Approved
		}
		if _, err := st.Append("100", rel); err != nil {
			t.Fatalf("ошибка добавления: %v", err)
		}
	}

	repo := newFakeRepo()
	e := newTestEngine(repo, st)
	e.RunOnce(context.Background())

	if len(repo.forms) != 3 {
		t.Errorf("заявок в удалённой таблице: ожидалось 3, получено %d", len(repo.forms))
	}
	if len(repo.approved) != 1 {
		t.Errorf("строк зеркала: ожидалось 1, получено %d", len(repo.approved))
	}
	if repo.users["100"] != "@user" {
		t.Errorf("владелец не выгружен: %v", repo.users)
	}
	// batchSize=2, три записи — два вызова
	if repo.upsertFormCalls != 2 {
		t.Errorf("ожидалось 2 батча, получено %d", repo.upsertFormCalls)
	}
}

// TestEngine_ZeroRetriesStillPushes проверяет, что при выключенных
// повторах операция всё равно выполняется один раз.
func TestEngine_ZeroRetriesStillPushes(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Append("100", storedRelease("a", "Единственный", status.OnUpload, "")); err != nil {
		t.Fatalf("ошибка добавления: %v", err)
	}

	repo := newFakeRepo()
	e := NewEngine(repo, st, 10*time.Millisecond, 2, 0, time.Second, testLogger())
	e.RunOnce(context.Background())

	if repo.upsertFormCalls != 1 {
		t.Fatalf("ожидался 1 вызов выгрузки, получено %d", repo.upsertFormCalls)
	}
	if len(repo.forms) != 1 {
		t.Errorf("заявка не выгружена: %v", repo.forms)
	}
}

// TestEngine_SoftDeletedNotMirrored проверяет, что мягко удалённая
// одобренная запись не попадает в зеркало.
func TestEngine_SoftDeletedNotMirrored(t *testing.T) {
	st := newTestStore(t)
	rel := storedRelease("x", "Скрытый", status.Approved, "")
	rel.UserDeleted = true
	if _, err := st.Append("100", rel); err != nil {
		t.Fatalf("ошибка добавления: %v", err)
	}

	repo := newFakeRepo()
	e := newTestEngine(repo, st)
	e.RunOnce(context.Background())

	if len(repo.approved) != 0 {
		t.Errorf("мягко удалённая запись попала в зеркало: %v", repo.approved)
	}
	if len(repo.forms) != 1 {
		t.Errorf("в таблице заявок запись должна остаться: %d", len(repo.forms))
	}
}

// TestEngine_SchemaErrorDisablesTable проверяет деградацию по таблице:
// ошибка схемы зеркала не мешает выгрузке заявок.
func TestEngine_SchemaErrorDisablesTable(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Append("100", storedRelease("x", "Одобренный", status.Approved, "")); err != nil {
		t.Fatalf("ошибка добавления: %v", err)
	}

	repo := newFakeRepo()
	repo.approvedErr = &SchemaError{Table: TableApproved, Err: errors.New("нет колонки payload")}
	e := newTestEngine(repo, st)

	e.RunOnce(context.Background())
	if !e.tableDisabled(TableApproved) {
		t.Error("таблица зеркала должна быть отключена")
	}
	if len(repo.forms) != 1 {
		t.Error("таблица заявок должна продолжать синхронизироваться")
	}

	// Повторный цикл не трогает отключённую таблицу
	repo.approvedErr = nil
	e.RunOnce(context.Background())
	if len(repo.approved) != 0 {
		t.Error("отключённая таблица не должна получать данные до перезапуска")
	}
}

// TestEngine_TransientErrorRetried проверяет повтор транзиентной
// ошибки без отключения таблицы.
func TestEngine_TransientErrorRetried(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Append("100", storedRelease("x", "Упорный", status.OnUpload, "")); err != nil {
		t.Fatalf("ошибка добавления: %v", err)
	}

	repo := newFakeRepo()
	repo.formsErr = errors.New("connection refused")
	e := newTestEngine(repo, st)
	e.RunOnce(context.Background())

	if e.tableDisabled(TableForms) {
		t.Error("транзиентная ошибка не должна отключать таблицу")
	}
	if repo.upsertFormCalls != 2 {
		t.Errorf("ожидалось 2 попытки (retries=2), получено %d", repo.upsertFormCalls)
	}
}

// TestEngine_PullMerge проверяет стартовое слияние удалённого снимка.
func TestEngine_PullMerge(t *testing.T) {
	st := newTestStore(t)
	repo := newFakeRepo()
	repo.pullResult = map[string][]*model.Release{
		"100": {storedRelease("a", "Из удалёнки", status.Approved, "")},
	}

	e := newTestEngine(repo, st)
	e.PullMerge(context.Background())

	rel, ok := st.Get("100", 0)
	if !ok {
		t.Fatal("удалённая запись не влита в хранилище")
	}
	if rel.Name != "Из удалёнки" || rel.Status != status.Approved {
		t.Errorf("влито не то: %+v", rel)
	}
}

// TestEngine_PullMergeIdempotent проверяет, что повторный pull-merge
// тех же данных не плодит дубликаты и не меняет хранилище.
func TestEngine_PullMergeIdempotent(t *testing.T) {
	st := newTestStore(t)
	repo := newFakeRepo()
	repo.pullResult = map[string][]*model.Release{
		"100": {storedRelease("a", "Из удалёнки", status.Approved, "")},
	}

	e := newTestEngine(repo, st)
	e.PullMerge(context.Background())
	e.PullMerge(context.Background())

	releases := st.ListOwner("100", true)
	if len(releases) != 1 {
		t.Fatalf("ожидалась 1 запись после двойного pull-merge, получено %d", len(releases))
	}
	if releases[0].Name != "Из удалёнки" {
		t.Errorf("запись изменилась: %+v", releases[0])
	}
}

// TestEngine_PullMergeUnavailable проверяет, что недоступность
// удалённой базы не мешает запуску.
func TestEngine_PullMergeUnavailable(t *testing.T) {
	st := newTestStore(t)
	repo := newFakeRepo()
	repo.pullErr = errors.New("dial tcp: connection refused")

	e := newTestEngine(repo, st)
	e.PullMerge(context.Background())

	if len(st.Snapshot()) != 0 {
		t.Error("хранилище должно остаться пустым")
	}
}

// TestEngine_ScheduleCoalesces проверяет коалесценцию всплеска
// мутаций в один push.
func TestEngine_ScheduleCoalesces(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Append("100", storedRelease("x", "Всплеск", status.OnUpload, "")); err != nil {
		t.Fatalf("ошибка добавления: %v", err)
	}

	repo := newFakeRepo()
	e := newTestEngine(repo, st)

	for i := 0; i < 10; i++ {
		e.Schedule()
	}
	time.Sleep(100 * time.Millisecond)
	e.Stop()

	repo.mu.Lock()
	calls := repo.upsertFormCalls
	repo.mu.Unlock()
	if calls != 1 {
		t.Errorf("всплеск должен слиться в один push, получено %d вызовов", calls)
	}
}

// TestEngine_DeleteApprovedRow проверяет удаление строки зеркала.
func TestEngine_DeleteApprovedRow(t *testing.T) {
	st := newTestStore(t)
	repo := newFakeRepo()
	e := newTestEngine(repo, st)

	e.DeleteApprovedRow(context.Background(), "form-1")
	if len(repo.deletedApproved) != 1 || repo.deletedApproved[0] != "form-1" {
		t.Errorf("удаление не дошло до репозитория: %v", repo.deletedApproved)
	}
}

// TestEngine_WipeRemote проверяет удалённую зачистку.
func TestEngine_WipeRemote(t *testing.T) {
	st := newTestStore(t)
	repo := newFakeRepo()
	e := newTestEngine(repo, st)

	if err := e.WipeRemote(context.Background()); err != nil {
		t.Fatalf("ошибка зачистки: %v", err)
	}
	if !repo.wiped {
		t.Error("зачистка не дошла до репозитория")
	}
}
