package remote

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/storage/store"
)

// Prometheus метрики синхронизации.
var (
	syncPushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rm_sync_push_total",
		Help: "Общее количество push-циклов по результату",
	}, []string{"result"})

	syncPullTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rm_sync_pull_total",
		Help: "Общее количество pull-merge по результату",
	}, []string{"result"})

	syncPushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rm_sync_push_duration_seconds",
		Help:    "Длительность push-цикла",
		Buckets: prometheus.DefBuckets,
	})

	syncTableDisabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rm_sync_table_disabled",
		Help: "Таблица выведена из синхронизации из-за несовпадения схемы (1 = отключена)",
	}, []string{"table"})
)

// retryBackoffStep — шаг линейной задержки между повторами.
const retryBackoffStep = 500 * time.Millisecond

// Engine — движок синхронизации с удалённой базой.
//
// Push отложенный: мутации хранилища лишь взводят таймер, всплеск
// мутаций коалесцируется в один цикл. Одновременно выполняется не
// более одного push; запросы, пришедшие во время выполнения,
// сворачиваются в один отложенный повтор.
//
// Несовпадение схемы таблицы отключает её до перезапуска процесса.
// Транзиентные ошибки повторяются с линейной задержкой.
type Engine struct {
	repo      Repository
	store     *store.Store
	debounce  time.Duration
	batchSize int
	retries   int
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	inFlight bool
	queued   bool
	disabled map[string]bool
	stopped  bool

	wg sync.WaitGroup
}

// NewEngine создаёт движок синхронизации.
func NewEngine(repo Repository, st *store.Store, debounce time.Duration, batchSize, retries int, timeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		store:     st,
		debounce:  debounce,
		batchSize: batchSize,
		retries:   retries,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "sync")),
		disabled:  make(map[string]bool),
	}
}

// PullMerge выполняет стартовый pull удалённого снимка и вливает его
// в локальное хранилище. Недоступность удалённой базы не мешает
// запуску: локальное хранилище остаётся источником истины, push не
// планируется (стартовый импорт не является мутацией).
func (e *Engine) PullMerge(ctx context.Context) {
	if e.tableDisabled(TableForms) {
		return
	}

	var remote map[string][]*model.Release
	err := e.retryTable(ctx, TableForms, func(ctx context.Context) error {
		var pullErr error
		remote, pullErr = e.repo.PullForms(ctx)
		return pullErr
	})
	if err != nil {
		syncPullTotal.WithLabelValues("error").Inc()
		e.logger.Warn("Стартовый pull не удался, работаем по локальному хранилищу",
			slog.String("error", err.Error()),
		)
		return
	}

	changed := false
	if len(remote) > 0 {
		if err := e.store.Merge(func(local map[string][]*model.Release) bool {
			changed = MergeOwners(local, remote)
			return changed
		}); err != nil {
			syncPullTotal.WithLabelValues("error").Inc()
			e.logger.Error("Слияние удалённого снимка не записано",
				slog.String("error", err.Error()),
			)
			return
		}
	}

	syncPullTotal.WithLabelValues("ok").Inc()
	e.logger.Info("Стартовый pull-merge завершён",
		slog.Int("remote_owners", len(remote)),
		slog.Bool("changed", changed),
	)
}

// Schedule взводит отложенный push. Повторные вызовы внутри окна
// сдвигают таймер, сливая всплеск мутаций в один цикл.
func (e *Engine) Schedule() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if e.timer != nil {
		e.timer.Reset(e.debounce)
		return
	}
	e.timer = time.AfterFunc(e.debounce, e.firePush)
}

// firePush — срабатывание таймера: запускает push либо, если push уже
// идёт, откладывает один повтор после завершения текущего.
func (e *Engine) firePush() {
	e.mu.Lock()
	e.timer = nil
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.inFlight {
		e.queued = true
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pushCycle()

		e.mu.Lock()
		e.inFlight = false
		again := e.queued && !e.stopped
		e.queued = false
		e.mu.Unlock()

		if again {
			e.Schedule()
		}
	}()
}

// Stop останавливает таймер и дожидается завершения текущего push.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Движок синхронизации остановлен")
}

// DeleteApprovedRow удаляет строку зеркала одобренных. Best-effort:
// ошибка логируется, следующая полная синхронизация выправит зеркало.
func (e *Engine) DeleteApprovedRow(ctx context.Context, formID string) {
	if e.tableDisabled(TableApproved) {
		return
	}
	err := e.retryTable(ctx, TableApproved, func(ctx context.Context) error {
		return e.repo.DeleteApproved(ctx, formID)
	})
	if err != nil {
		e.logger.Warn("Не удалось удалить строку зеркала",
			slog.String("form_id", formID),
			slog.String("error", err.Error()),
		)
	}
}

// WipeRemote удаляет все строки удалённых таблиц (административная
// зачистка вместе с локальным хранилищем).
func (e *Engine) WipeRemote(ctx context.Context) error {
	return e.retryTable(ctx, TableForms, func(ctx context.Context) error {
		return e.repo.WipeAll(ctx)
	})
}

// RunOnce выполняет один push-цикл синхронно. Используется тестами
// и административным принудительным запуском.
func (e *Engine) RunOnce(ctx context.Context) {
	e.push(ctx)
}

// pushCycle — push с собственным таймаутом, запускаемый таймером.
func (e *Engine) pushCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout*time.Duration(e.retries+1))
	defer cancel()
	e.push(ctx)
}

// push выгружает снимок хранилища в удалённые таблицы.
func (e *Engine) push(ctx context.Context) {
	started := time.Now()
	snapshot := e.store.Snapshot()

	owners := make([]string, 0, len(snapshot))
	for ownerID := range snapshot {
		owners = append(owners, ownerID)
	}
	sort.Strings(owners)

	var rows, approved []FormRow
	users := make(map[string]string, len(owners))
	for _, ownerID := range owners {
		list := snapshot[ownerID]
		for idx, rel := range list {
			rows = append(rows, FormRow{OwnerID: ownerID, Index: idx, Release: rel})
			if rel.Status.MirrorsApproved() && !rel.UserDeleted {
				approved = append(approved, FormRow{OwnerID: ownerID, Index: idx, Release: rel})
			}
			if rel.Username != "" {
				users[ownerID] = rel.Username
			} else if _, ok := users[ownerID]; !ok {
				users[ownerID] = ""
			}
		}
	}

	ok := true
	if !e.pushBatches(ctx, TableForms, rows, e.repo.UpsertForms) {
		ok = false
	}
	if !e.pushBatches(ctx, TableApproved, approved, e.repo.UpsertApproved) {
		ok = false
	}
	if !e.pushUsers(ctx, users) {
		ok = false
	}

	syncPushDuration.Observe(time.Since(started).Seconds())
	if ok {
		syncPushTotal.WithLabelValues("ok").Inc()
		e.logger.Info("Push завершён",
			slog.Int("forms", len(rows)),
			slog.Int("approved", len(approved)),
			slog.Duration("elapsed", time.Since(started)),
		)
	} else {
		syncPushTotal.WithLabelValues("error").Inc()
	}
}

// pushBatches выгружает строки таблицы пакетами.
func (e *Engine) pushBatches(ctx context.Context, table string, rows []FormRow, upsert func(context.Context, []FormRow) error) bool {
	if e.tableDisabled(table) {
		return true
	}
	for start := 0; start < len(rows); start += e.batchSize {
		end := start + e.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		if err := e.retryTable(ctx, table, func(ctx context.Context) error {
			return upsert(ctx, batch)
		}); err != nil {
			e.logger.Warn("Пакет не выгружен",
				slog.String("table", table),
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	return true
}

func (e *Engine) pushUsers(ctx context.Context, users map[string]string) bool {
	if e.tableDisabled(TableUsers) || len(users) == 0 {
		return true
	}
	if err := e.retryTable(ctx, TableUsers, func(ctx context.Context) error {
		return e.repo.UpsertUsers(ctx, users)
	}); err != nil {
		e.logger.Warn("Справочник владельцев не выгружен",
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// retryTable выполняет операцию с повторами при транзиентных ошибках.
// Операция выполняется минимум один раз независимо от настройки
// повторов. Несовпадение схемы не повторяется: таблица отключается
// до перезапуска.
func (e *Engine) retryTable(ctx context.Context, table string, op func(context.Context) error) error {
	attempts := e.retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := op(opCtx)
		cancel()

		if err == nil {
			return nil
		}
		if IsSchemaError(err) {
			e.disableTable(table, err)
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoffStep * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (e *Engine) disableTable(table string, err error) {
	e.mu.Lock()
	already := e.disabled[table]
	e.disabled[table] = true
	e.mu.Unlock()

	syncTableDisabled.WithLabelValues(table).Set(1)
	if !already {
		e.logger.Error("Таблица выведена из синхронизации до перезапуска",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) tableDisabled(table string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled[table]
}
