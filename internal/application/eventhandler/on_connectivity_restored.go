// Package eventhandler содержит обработчики доменных событий, которые
// связывают монитор сети, очередь и синхронизацию.
package eventhandler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON CONNECTIVITY RESTORED HANDLER
// Переход offline→online - единственный автоматический запуск синхронизации.
// ═══════════════════════════════════════════════════════════════════════════

// Drainer - то, что умеет отправить очередь на сервер.
type Drainer interface {
	Drain(ctx context.Context) (offline.DrainSummary, error)
}

// ConnectivityRestoredConfig содержит конфигурацию обработчика.
type ConnectivityRestoredConfig struct {
	// DeferOnLimitedData - не синхронизироваться в режиме экономии трафика.
	DeferOnLimitedData bool

	// Settle - пауза после появления сети, чтобы не попасть на мигание связи.
	Settle time.Duration
}

// DefaultConnectivityRestoredConfig возвращает конфигурацию по умолчанию.
func DefaultConnectivityRestoredConfig() ConnectivityRestoredConfig {
	return ConnectivityRestoredConfig{Settle: 500 * time.Millisecond}
}

// OnConnectivityRestoredHandler запускает Drain при появлении сети.
//
// Handle не блокирует шину: он только ставит флажок, а сам Drain выполняет
// Run. Несколько событий подряд схлопываются в один проход.
type OnConnectivityRestoredHandler struct {
	drainer Drainer
	cfg     ConnectivityRestoredConfig
	logger  *logger.Logger

	trigger chan struct{}

	mu   sync.Mutex
	last offline.DrainSummary
	runs int
}

// NewOnConnectivityRestoredHandler создаёт обработчик.
func NewOnConnectivityRestoredHandler(drainer Drainer, cfg ConnectivityRestoredConfig, log *logger.Logger) *OnConnectivityRestoredHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnConnectivityRestoredHandler{
		drainer: drainer,
		cfg:     cfg,
		logger:  log.With(logger.Component("on_connectivity_restored")),
		trigger: make(chan struct{}, 1),
	}
}

// Handle реализует shared.EventHandler.
func (h *OnConnectivityRestoredHandler) Handle(event shared.Event) error {
	ev, ok := event.(shared.ConnectivityChangedEvent)
	if !ok || !ev.Online {
		return nil
	}
	if ev.LimitedData && h.cfg.DeferOnLimitedData {
		h.logger.Info("limited data, sync deferred", logger.String("quality", ev.Quality))
		return nil
	}

	h.logger.Debug("connectivity restored",
		logger.String("quality", ev.Quality),
		logger.Duration("offline_for", ev.OfflineFor))
	h.Trigger()
	return nil
}

// Trigger просит выполнить Drain. Не блокирует.
func (h *OnConnectivityRestoredHandler) Trigger() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// Subscribe подписывает обработчик на событие появления сети.
func (h *OnConnectivityRestoredHandler) Subscribe(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventWentOnline, h.Handle)
}

// Run выполняет запрошенные Drain до отмены ctx.
func (h *OnConnectivityRestoredHandler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.trigger:
		}

		if h.cfg.Settle > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(h.cfg.Settle):
			}
		}
		h.drain(ctx)
	}
}

func (h *OnConnectivityRestoredHandler) drain(ctx context.Context) {
	summary, err := h.drainer.Drain(ctx)
	switch {
	case errors.Is(err, shared.ErrDrainInProgress):
		h.logger.Debug("drain already running")
		return
	case errors.Is(err, shared.ErrNotOnline):
		h.logger.Info("went offline again before drain")
		return
	case err != nil:
		h.logger.Error("drain failed", logger.Err(err))
		return
	}

	h.mu.Lock()
	h.last = summary
	h.runs++
	h.mu.Unlock()
}

// LastSummary возвращает итог последнего успешного Drain и число проходов.
func (h *OnConnectivityRestoredHandler) LastSummary() (offline.DrainSummary, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.runs
}
