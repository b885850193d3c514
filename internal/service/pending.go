package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Вид ожидаемого ввода от модератора.
const (
	PendingRejectReason = "reject_reason"
	PendingFixComment   = "fix_comment"
	PendingUPCAssign    = "upc_assign"
)

var (
	pendingActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rm_pending_actions_active",
		Help: "Текущее количество ожидающих действий модераторов",
	})

	pendingExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rm_pending_expired_total",
		Help: "Общее количество ожидающих действий, истёкших по TTL",
	})
)

// PendingAction — отложенное действие модератора: кнопка нажата,
// сервис ждёт текстовый ответ (причину, комментарий или UPC-код).
//
// MessageRef — карточка модерации, PromptRef — приглашение ответить.
// Текст модератора привязывается к действию только как reply на одно
// из этих сообщений: произвольная реплика в чате ответом не считается.
type PendingAction struct {
	Kind       string
	OwnerID    string
	Index      int
	MessageRef int64
	PromptRef  int64
	CreatedAt  time.Time
}

// matchesReply сообщает, адресован ли reply с данной ссылкой этому
// действию.
func (a PendingAction) matchesReply(replyRef int64) bool {
	if replyRef == 0 {
		return false
	}
	return replyRef == a.PromptRef || replyRef == a.MessageRef
}

// Pending — коррелятор отложенных действий.
//
// На каждого модератора хранится не более одного действия: новый запрос
// вытесняет предыдущий. Действия, не получившие ответа в течение TTL,
// удаляются фоновой уборкой.
type Pending struct {
	mu    sync.Mutex
	byMod map[string]PendingAction

	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPending создаёт коррелятор с заданным TTL и интервалом уборки.
func NewPending(ttl, sweepInterval time.Duration, logger *slog.Logger) *Pending {
	return &Pending{
		byMod:         make(map[string]PendingAction),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        logger.With(slog.String("component", "pending")),
		now:           time.Now,
	}
}

// Request регистрирует ожидание ввода от модератора.
// Предыдущее незавершённое действие того же модератора вытесняется.
func (p *Pending) Request(moderatorID string, action PendingAction) {
	action.CreatedAt = p.now()

	p.mu.Lock()
	if prev, ok := p.byMod[moderatorID]; ok {
		p.logger.Debug("Предыдущее ожидание вытеснено",
			slog.String("moderator", moderatorID),
			slog.String("kind", prev.Kind),
		)
	}
	p.byMod[moderatorID] = action
	pendingActiveGauge.Set(float64(len(p.byMod)))
	p.mu.Unlock()
}

// Resolve извлекает и удаляет ожидающее действие модератора, если
// replyRef указывает на приглашение или карточку этого действия.
// Сообщение без reply или с чужой ссылкой действие не трогает: это
// обычная реплика в чате. Истёкшее по TTL действие считается
// отсутствующим.
func (p *Pending) Resolve(moderatorID string, replyRef int64) (PendingAction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	action, ok := p.byMod[moderatorID]
	if !ok || !action.matchesReply(replyRef) {
		return PendingAction{}, false
	}
	delete(p.byMod, moderatorID)
	pendingActiveGauge.Set(float64(len(p.byMod)))

	if p.now().Sub(action.CreatedAt) > p.ttl {
		pendingExpiredTotal.Inc()
		return PendingAction{}, false
	}
	return action, true
}

// Cancel снимает ожидание без выполнения.
func (p *Pending) Cancel(moderatorID string) {
	p.mu.Lock()
	delete(p.byMod, moderatorID)
	pendingActiveGauge.Set(float64(len(p.byMod)))
	p.mu.Unlock()
}

// Start запускает фоновую уборку истёкших ожиданий.
func (p *Pending) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)

		ticker := time.NewTicker(p.sweepInterval)
		defer ticker.Stop()

		p.logger.Info("Уборка ожидающих действий запущена",
			slog.Duration("interval", p.sweepInterval),
			slog.Duration("ttl", p.ttl),
		)

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.RunOnce()
			}
		}
	}()
}

// Stop останавливает фоновую уборку и дожидается завершения.
func (p *Pending) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.logger.Info("Уборка ожидающих действий остановлена")
}

// RunOnce выполняет один проход уборки. Возвращает число удалённых.
func (p *Pending) RunOnce() int {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for mod, action := range p.byMod {
		if now.Sub(action.CreatedAt) > p.ttl {
			delete(p.byMod, mod)
			removed++
		}
	}
	if removed > 0 {
		pendingExpiredTotal.Add(float64(removed))
		pendingActiveGauge.Set(float64(len(p.byMod)))
		p.logger.Info("Истёкшие ожидания удалены", slog.Int("count", removed))
	}
	return removed
}

// ParseShorthand разбирает явный префиксный ответ модератора вида
// «upc: 1234567890» или «reject: причина». Такой ответ работает даже
// когда ожидание истекло или было вытеснено.
func ParseShorthand(text string) (kind, payload string, ok bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	for prefix, k := range map[string]string{
		"upc:":    PendingUPCAssign,
		"reject:": PendingRejectReason,
		"fix:":    PendingFixComment,
	} {
		if strings.HasPrefix(lower, prefix) {
			payload = strings.TrimSpace(trimmed[len(prefix):])
			if payload == "" {
				return "", "", false
			}
			return k, payload, true
		}
	}
	return "", "", false
}
