// Пакет store — локальное хранилище записей релизов.
//
// Единственный in-process источник истины: отображение
// owner_id → упорядоченный список записей, зеркалируемое 1:1 в два
// JSON-документа на диске — авторитетный releases.json и производную
// публичную проекцию releases-public.json (денормализованную, без
// внутренних полей). Все операции записи выполняются атомарно:
// temp → fsync → rename, поэтому авария в середине записи никогда
// не портит предыдущее устойчивое состояние.
//
// Потокобезопасен через sync.Mutex: мутация и flush выполняются под
// одним захватом, порядок мутаций одного владельца соответствует
// порядку вызовов.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
)

// Имена документов в директории данных.
const (
	// DBFile — авторитетный документ хранилища
	DBFile = "releases.json"
	// ExportFile — публичная проекция для фронтенда
	ExportFile = "releases-public.json"
)

// Store — локальное хранилище записей релизов.
type Store struct {
	mu      sync.Mutex
	byOwner map[string][]*model.Release // owner_id → упорядоченный список
	dataDir string
	logger  *slog.Logger

	// onMutate вызывается после каждого успешного flush — сюда
	// подключается планирование push в удалённое зеркало.
	onMutate func()

	// lastFlushErr — результат последней записи документов; readiness
	// читает его вместо того, чтобы писать диск на каждую пробу.
	lastFlushErr error
}

// publicExport — формат публичной проекции.
type publicExport struct {
	UpdatedAt string                   `json:"updated_at"`
	Users     map[string][]publicEntry `json:"users"`
}

// publicEntry — одна запись публичной проекции: статус как строка,
// внутренние поля (журнал, ссылки на сообщения) отброшены.
type publicEntry struct {
	ID             int    `json:"id"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	Subname        string `json:"subname"`
	Nick           string `json:"nick"`
	Date           string `json:"date"`
	Genre          string `json:"genre"`
	Status         string `json:"status"`
	SubmissionTime string `json:"submission_time"`
	ModerationTime string `json:"moderation_time"`
	RejectReason   string `json:"reject_reason"`
	ModeratorNote  string `json:"moderator_comment"`
	UPC            string `json:"upc"`
	LinkPublished  string `json:"link_published"`
	Source         string `json:"source"`
}

// New создаёт хранилище и загружает авторитетный документ с диска.
// Отсутствующий документ означает пустое хранилище.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}

	s := &Store{
		byOwner: make(map[string][]*model.Release),
		dataDir: dataDir,
		logger:  logger.With(slog.String("component", "store")),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnMutate устанавливает hook, вызываемый после каждой успешной мутации.
// Должен быть установлен до начала обработки событий.
func (s *Store) OnMutate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMutate = fn
}

// load читает авторитетный документ. Статусы при чтении приводятся
// к каноническим значениям: легаси-значения никогда не остаются
// нераспознанными.
func (s *Store) load() error {
	path := filepath.Join(s.dataDir, DBFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("Локальная база отсутствует, старт с пустого хранилища",
				slog.String("path", path),
			)
			return nil
		}
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}

	var raw map[string][]*model.Release
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ошибка десериализации %s: %w", path, err)
	}

	total := 0
	for owner, list := range raw {
		for _, rel := range list {
			rel.Status = status.Decode(string(rel.Status))
			total++
		}
		s.byOwner[owner] = list
	}

	s.logger.Info("Локальная база загружена",
		slog.Int("owners", len(s.byOwner)),
		slog.Int("releases", total),
	)
	return nil
}

// Append добавляет запись в конец списка владельца и возвращает её
// индекс (первичную идентичность записи). Выполняет flush обоих
// документов и вызывает mutation hook.
func (s *Store) Append(ownerID string, rel *model.Release) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.byOwner[ownerID])
	s.byOwner[ownerID] = append(s.byOwner[ownerID], rel)

	if err := s.flushLocked(); err != nil {
		// Откатываем память, чтобы не разойтись с диском
		s.byOwner[ownerID] = s.byOwner[ownerID][:idx]
		return 0, err
	}

	s.notifyLocked()
	return idx, nil
}

// Get возвращает копию записи по первичной идентичности (owner, index).
func (s *Store) Get(ownerID string, idx int) (*model.Release, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byOwner[ownerID]
	if idx < 0 || idx >= len(list) {
		return nil, false
	}
	copied := *list[idx]
	return &copied, true
}

// FindByMessageRef ищет запись по id сообщения-карточки модерации.
// Резервный ключ поиска, когда индекс в списке владельца устарел.
// Возвращает (owner, index, запись, true) либо ok=false.
func (s *Store) FindByMessageRef(messageRef int64) (string, int, *model.Release, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for owner, list := range s.byOwner {
		for i, rel := range list {
			if rel.ModerationMessageRef == messageRef && messageRef != 0 {
				copied := *rel
				return owner, i, &copied, true
			}
		}
	}
	return "", 0, nil, false
}

// Update применяет мутацию к записи под блокировкой хранилища и
// выполняет flush. Мутация получает живой указатель на запись.
// Возвращает ошибку, если запись не найдена или flush не удался.
func (s *Store) Update(ownerID string, idx int, mutate func(*model.Release)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byOwner[ownerID]
	if idx < 0 || idx >= len(list) {
		return fmt.Errorf("запись %s/%d не найдена", ownerID, idx)
	}

	mutate(list[idx])

	if err := s.flushLocked(); err != nil {
		return err
	}

	s.notifyLocked()
	return nil
}

// ListOwner возвращает копии записей владельца.
// includeDeleted=false скрывает мягко удалённые записи
// (пользовательские представления).
func (s *Store) ListOwner(ownerID string, includeDeleted bool) []*model.Release {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Release
	for _, rel := range s.byOwner[ownerID] {
		if !includeDeleted && rel.UserDeleted {
			continue
		}
		copied := *rel
		out = append(out, &copied)
	}
	return out
}

// Snapshot возвращает полную копию хранилища (для push в зеркало).
// Включает мягко удалённые записи: зеркалирование сохраняет их.
func (s *Store) Snapshot() map[string][]*model.Release {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]*model.Release, len(s.byOwner))
	for owner, list := range s.byOwner {
		copies := make([]*model.Release, len(list))
		for i, rel := range list {
			copied := *rel
			copies[i] = &copied
		}
		out[owner] = copies
	}
	return out
}

// CountByStatus возвращает количество записей в каждом статусе
// (без мягко удалённых).
func (s *Store) CountByStatus() map[status.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[status.Status]int)
	for _, list := range s.byOwner {
		for _, rel := range list {
			if rel.UserDeleted {
				continue
			}
			out[rel.Status]++
		}
	}
	return out
}

// Merge применяет функцию слияния ко всему хранилищу под блокировкой.
// Используется pull-merge при старте: функция получает живую карту
// и возвращает true, если были изменения (тогда выполняется flush
// без вызова mutation hook — стартовый импорт не планирует push сам).
func (s *Store) Merge(apply func(map[string][]*model.Release) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !apply(s.byOwner) {
		return nil
	}
	return s.flushLocked()
}

// Wipe полностью очищает хранилище (административная операция).
// Оба документа перезаписываются пустым состоянием.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byOwner = make(map[string][]*model.Release)
	if err := s.flushLocked(); err != nil {
		return err
	}
	s.notifyLocked()
	return nil
}

// Flush принудительно записывает оба документа (служебное).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// notifyLocked вызывает mutation hook. Вызывается под блокировкой,
// поэтому hook обязан быть неблокирующим (планирование, не I/O).
func (s *Store) notifyLocked() {
	if s.onMutate != nil {
		s.onMutate()
	}
}

// flushLocked записывает авторитетный документ и публичную проекцию.
// Вызывается только под блокировкой.
func (s *Store) flushLocked() error {
	if err := writeAtomic(filepath.Join(s.dataDir, DBFile), s.byOwner); err != nil {
		s.lastFlushErr = fmt.Errorf("ошибка записи авторитетного документа: %w", err)
		return s.lastFlushErr
	}
	if err := writeAtomic(filepath.Join(s.dataDir, ExportFile), s.exportLocked()); err != nil {
		s.lastFlushErr = fmt.Errorf("ошибка записи публичной проекции: %w", err)
		return s.lastFlushErr
	}
	s.lastFlushErr = nil
	return nil
}

// LastFlushError возвращает результат последней записи документов.
// nil, если записи ещё не было или она прошла успешно.
func (s *Store) LastFlushError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlushErr
}

// exportLocked строит публичную проекцию: мягко удалённые записи
// исключаются из пользовательского представления.
func (s *Store) exportLocked() *publicExport {
	out := &publicExport{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Users:     make(map[string][]publicEntry, len(s.byOwner)),
	}

	owners := make([]string, 0, len(s.byOwner))
	for owner := range s.byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	for _, owner := range owners {
		entries := make([]publicEntry, 0, len(s.byOwner[owner]))
		for i, rel := range s.byOwner[owner] {
			if rel.UserDeleted {
				continue
			}
			entries = append(entries, publicEntry{
				ID:             i,
				Type:           rel.Type,
				Name:           rel.Name,
				Subname:        rel.Subname,
				Nick:           rel.Nick,
				Date:           rel.Date,
				Genre:          rel.Genre,
				Status:         string(rel.Status),
				SubmissionTime: rel.SubmissionTime,
				ModerationTime: rel.ModerationTime,
				RejectReason:   rel.RejectReason,
				ModeratorNote:  rel.ModeratorComment,
				UPC:            rel.UPC,
				LinkPublished:  rel.LinkPublished,
				Source:         rel.Source,
			})
		}
		out.Users[owner] = entries
	}
	return out
}

// writeAtomic атомарно записывает JSON-документ.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}
