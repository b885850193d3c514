package service

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var replayRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rm_replay_rejections_total",
	Help: "Общее количество заявок, отклонённых защитой от повторной отправки",
})

// replayCacheSize — верхняя граница числа отпечатков в окне.
// Окно короткое, переполнение означает лишь досрочное вытеснение.
const replayCacheSize = 4096

// Replay — защита от дублей: повторная отправка байт-в-байт той же
// заявки тем же отправителем внутри окна охлаждения отклоняется.
//
// Отпечаток — SHA-256 от идентификатора отправителя и полезной
// нагрузки. Запись живёт в LRU-кэше с истечением по TTL, поэтому
// после окна та же заявка снова принимается.
type Replay struct {
	cache  *expirable.LRU[string, time.Time]
	window time.Duration
	logger *slog.Logger
}

// NewReplay создаёт защиту с заданным окном охлаждения.
func NewReplay(window time.Duration, logger *slog.Logger) *Replay {
	return &Replay{
		cache:  expirable.NewLRU[string, time.Time](replayCacheSize, nil, window),
		window: window,
		logger: logger.With(slog.String("component", "replay")),
	}
}

// Check возвращает false, если идентичная заявка того же отправителя
// уже была принята внутри окна. Первое обращение регистрирует
// отпечаток и возвращает true.
func (r *Replay) Check(submitterID string, payload []byte) bool {
	key := fingerprint(submitterID, payload)

	if _, dup := r.cache.Get(key); dup {
		replayRejectionsTotal.Inc()
		r.logger.Warn("Повторная отправка отклонена",
			slog.String("submitter", submitterID),
		)
		return false
	}
	r.cache.Add(key, time.Now())
	return true
}

func fingerprint(submitterID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(submitterID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
