package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// Snapshot is the monitor's current view.
type Snapshot struct {
	Online        bool      `json:"online"`
	Quality       Quality   `json:"quality"`
	EffectiveType string    `json:"effectiveType,omitempty"`
	LimitedData   bool      `json:"limitedData"`
	LastChange    time.Time `json:"lastChange"`

	// Assumed is set when the source could not tell and online was assumed.
	Assumed bool `json:"assumed,omitempty"`
}

// Config configures the Monitor.
type Config struct {
	// Interval between samples.
	Interval time.Duration

	// SampleTimeout bounds one Sample call.
	SampleTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      15 * time.Second,
		SampleTimeout: 5 * time.Second,
	}
}

// Monitor samples a Source and publishes connectivity.online and
// connectivity.offline events on transitions. Exactly one
// connectivity.online event is published per offline→online edge. Before
// the first sample the device counts as offline, so a first online sample
// is an edge.
type Monitor struct {
	source Source
	cfg    Config
	bus    shared.EventPublisher
	log    *logger.Logger
	now    func() time.Time

	mu      sync.RWMutex
	state   Snapshot
	sampled bool
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor. A nil source means no platform signal is
// available, and the device is assumed online.
func NewMonitor(source Source, cfg Config, bus shared.EventPublisher, log *logger.Logger, opts ...Option) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = def.SampleTimeout
	}
	m := &Monitor{
		source: source,
		cfg:    cfg,
		bus:    bus,
		log:    log.With(logger.Component("connectivity")),
		now:    time.Now,
		state:  Snapshot{Quality: QualityUnknown},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the current view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports the current online flag.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Online
}

// Quality returns the current link quality.
func (m *Monitor) Quality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Quality
}

// LimitedData reports a metered link.
func (m *Monitor) LimitedData() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LimitedData
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("connectivity monitor started", logger.Duration("interval", m.cfg.Interval))
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("connectivity monitor stopped")
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check takes one sample and applies it.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	if m.source == nil {
		return m.Observe(Status{}, ErrSourceUnavailable)
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	defer cancel()

	st, err := m.source.Sample(sctx)
	if err != nil && ctx.Err() != nil {
		return m.Snapshot()
	}
	return m.Observe(st, err)
}

// Observe applies a sample. A sample error other than a timeout degrades
// to "assume online".
func (m *Monitor) Observe(st Status, sampleErr error) Snapshot {
	assumed := false
	if sampleErr != nil {
		if errors.Is(sampleErr, context.DeadlineExceeded) {
			st = Status{Online: false}
		} else {
			if !errors.Is(sampleErr, ErrSourceUnavailable) {
				m.log.Warn("connectivity source failed, assuming online", logger.Err(sampleErr))
			}
			st = Status{Online: true}
			assumed = true
		}
	}

	now := m.now()

	m.mu.Lock()
	prev := m.state
	first := !m.sampled
	m.sampled = true

	next := Snapshot{
		Online:        st.Online,
		Quality:       QualityOf(st.EffectiveType),
		EffectiveType: st.EffectiveType,
		LimitedData:   st.SaveData,
		LastChange:    prev.LastChange,
		Assumed:       assumed,
	}
	if !st.Online {
		next.Quality = QualityUnknown
	}

	wentOnline := st.Online && (first || !prev.Online)
	wentOffline := !st.Online && (first || prev.Online)
	if wentOnline || wentOffline {
		next.LastChange = now
	}
	m.state = next
	m.mu.Unlock()

	switch {
	case wentOnline:
		var offlineFor time.Duration
		if !prev.LastChange.IsZero() {
			offlineFor = now.Sub(prev.LastChange)
		}
		m.log.Info("device online",
			logger.String("quality", string(next.Quality)),
			logger.Bool("limited_data", next.LimitedData),
			logger.Bool("assumed", assumed),
			logger.Duration("offline_for", offlineFor))
		m.publish(shared.NewConnectivityChangedEvent(true, string(next.Quality), next.LimitedData, offlineFor, now))
	case wentOffline:
		m.log.Info("device offline")
		m.publish(shared.NewConnectivityChangedEvent(false, string(next.Quality), next.LimitedData, 0, now))
	case prev.Quality != next.Quality:
		m.log.Debug("link quality changed",
			logger.String("from", string(prev.Quality)), logger.String("to", string(next.Quality)))
	}

	return next
}

func (m *Monitor) publish(e shared.Event) {
	if err := shared.PublishAll(m.bus, e); err != nil {
		m.log.Warn("publish connectivity event failed", logger.Err(err))
	}
}
