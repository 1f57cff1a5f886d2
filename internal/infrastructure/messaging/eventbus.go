// Package messaging implements the in-process event bus that carries domain
// events from the queue, sync engine, progression and connectivity monitor to
// their handlers.
package messaging

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
)

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps every handler the bus runs.
type Middleware func(shared.EventHandler) shared.EventHandler

// RecoveryMiddleware turns a handler panic into ErrHandlerPanic.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("event handler panicked",
						logger.String("event_type", string(event.EventType())),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())))
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs slow or failing handlers.
func LoggingMiddleware(log *logger.Logger, slow time.Duration) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			took := time.Since(start)
			switch {
			case err != nil:
				log.Warn("event handler failed",
					logger.String("event_type", string(event.EventType())),
					logger.Latency(took),
					logger.Err(err))
			case slow > 0 && took > slow:
				log.Warn("slow event handler",
					logger.String("event_type", string(event.EventType())),
					logger.Latency(took))
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers on a bounded worker pool instead of inline.
	AsyncMode bool

	// WorkerPoolSize bounds concurrent async handlers.
	WorkerPoolSize int

	// SlowHandler is the threshold for the slow-handler warning.
	SlowHandler time.Duration

	EnableMetrics bool
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 4,
		SlowHandler:    time.Second,
		EnableMetrics:  true,
	}
}

// InMemoryEventBus fans events out to subscribers. In sync mode handlers run
// in the publisher's goroutine, in subscription order. In async mode each
// handler runs on the worker pool and Close waits for them.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	middlewares []Middleware

	asyncMode  bool
	workerPool chan struct{}
	log        *logger.Logger
	metrics    *EventBusMetrics

	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig, log *logger.Logger) *InMemoryEventBus {
	if log == nil {
		log = logger.Nop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultInMemoryEventBusConfig().WorkerPoolSize
	}
	log = log.With(logger.Component("eventbus"))

	bus := &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		log:        log,
		closeCh:    make(chan struct{}),
	}
	bus.middlewares = []Middleware{LoggingMiddleware(log, config.SlowHandler), RecoveryMiddleware(log)}
	if config.EnableMetrics {
		bus.metrics = NewEventBusMetrics()
	}
	return bus
}

// Use appends middleware. Middleware added later runs closer to the handler.
func (b *InMemoryEventBus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.log.Debug("subscribed handler", logger.String("event_type", string(eventType)))
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	b.allHandlers = append(b.allHandlers, handler)
	return nil
}

// Publish sends an event to all subscribed handlers. Handler errors are
// logged, never returned.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	middlewares := b.middlewares
	if b.asyncMode {
		// registered under the read lock so Close cannot miss it
		b.wg.Add(len(handlers))
	}
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.RecordPublish(event.EventType())
	}

	for _, h := range handlers {
		wrapped := wrap(h, middlewares)
		if b.asyncMode {
			go b.executeAsync(event, wrapped)
		} else {
			_ = b.execute(event, wrapped)
		}
	}
	return nil
}

func wrap(h shared.EventHandler, middlewares []Middleware) shared.EventHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func (b *InMemoryEventBus) executeAsync(event shared.Event, handler shared.EventHandler) {
	defer b.wg.Done()
	select {
	case b.workerPool <- struct{}{}:
		defer func() { <-b.workerPool }()
	case <-b.closeCh:
		// drain the backlog on close instead of dropping it
		b.workerPool <- struct{}{}
		defer func() { <-b.workerPool }()
	}
	_ = b.execute(event, handler)
}

func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) error {
	start := time.Now()
	err := handler(event)
	if b.metrics != nil {
		b.metrics.RecordHandlerExecution(event.EventType(), time.Since(start), err == nil)
	}
	return err
}

// Close rejects further publishes and waits for running handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Debug("event bus closed")
	return nil
}

// Metrics returns the metrics, or nil when disabled.
func (b *InMemoryEventBus) Metrics() *EventBusMetrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// EventBusMetrics tracks event bus counters.
type EventBusMetrics struct {
	mu sync.RWMutex

	published            map[shared.EventType]int64
	handlerExecutions    int64
	handlerFailures      int64
	handlerTotalDuration time.Duration
	lastReset            time.Time
}

// NewEventBusMetrics creates new metrics tracker.
func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{
		published: make(map[shared.EventType]int64),
		lastReset: time.Now(),
	}
}

// RecordPublish records a publish.
func (m *EventBusMetrics) RecordPublish(eventType shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[eventType]++
}

// RecordHandlerExecution records a handler run.
func (m *EventBusMetrics) RecordHandlerExecution(_ shared.EventType, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlerExecutions++
	m.handlerTotalDuration += duration
	if !success {
		m.handlerFailures++
	}
}

// EventBusMetricsSnapshot is a point-in-time snapshot of metrics.
type EventBusMetricsSnapshot struct {
	Published              map[shared.EventType]int64 `json:"published"`
	TotalPublished         int64                      `json:"totalPublished"`
	HandlerExecutions      int64                      `json:"handlerExecutions"`
	HandlerFailures        int64                      `json:"handlerFailures"`
	HandlerSuccessRate     float64                    `json:"handlerSuccessRate"`
	AverageHandlerDuration time.Duration              `json:"averageHandlerDuration"`
	Since                  time.Time                  `json:"since"`
}

// Snapshot returns a copy of current metrics.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := EventBusMetricsSnapshot{
		Published:          make(map[shared.EventType]int64, len(m.published)),
		HandlerExecutions:  m.handlerExecutions,
		HandlerFailures:    m.handlerFailures,
		HandlerSuccessRate: 1.0,
		Since:              m.lastReset,
	}
	for t, n := range m.published {
		s.Published[t] = n
		s.TotalPublished += n
	}
	if m.handlerExecutions > 0 {
		s.AverageHandlerDuration = m.handlerTotalDuration / time.Duration(m.handlerExecutions)
		s.HandlerSuccessRate = float64(m.handlerExecutions-m.handlerFailures) / float64(m.handlerExecutions)
	}
	return s
}

// Reset zeroes the counters.
func (m *EventBusMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = make(map[shared.EventType]int64)
	m.handlerExecutions, m.handlerFailures, m.handlerTotalDuration = 0, 0, 0
	m.lastReset = time.Now()
}
