// Package scheduler runs periodic background jobs for the sync daemon: cache
// sweeps, daily health decay and anything else registered at startup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/finedu/finedu-sync/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of periodic work.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler stops.
	Run(ctx context.Context) error

	// Description returns a human-readable description of the job.
	Description() string
}

// Schedule defines when a job should run.
type Schedule interface {
	// Next returns the next run time strictly after t.
	Next(t time.Time) time.Time

	String() string
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string        `json:"job"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
	Manual      bool          `json:"manual,omitempty"`
	Err         error         `json:"-"`
}

// Success reports whether the run returned no error.
func (r JobResult) Success() bool { return r.Err == nil }

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrJobNotFound             = errors.New("job not found")
	ErrJobRunning              = errors.New("job is already running")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the Scheduler.
type Config struct {
	// Timezone for schedule calculations (default: UTC).
	Timezone *time.Location

	// Tick is how often due jobs are checked.
	Tick time.Duration

	// HistorySize bounds the run history.
	HistorySize int

	// RunOnStart runs every job once right after Start.
	RunOnStart bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timezone:    time.UTC,
		Tick:        time.Second,
		HistorySize: 200,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler manages and executes scheduled jobs. A job never overlaps with
// itself: a due job that is still running is skipped until its next slot.
type Scheduler struct {
	mu sync.RWMutex

	cfg Config
	log *logger.Logger
	now func() time.Time

	jobs    map[string]*scheduledJob
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time

	metrics *Metrics
	history []JobResult
}

type scheduledJob struct {
	job       Job
	schedule  Schedule
	enabled   bool
	busy      bool
	lastRun   time.Time
	nextRun   time.Time
	runCount  int64
	failCount int64
	last      *JobResult
}

// New creates a Scheduler.
func New(cfg Config, log *logger.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Timezone == nil {
		cfg.Timezone = def.Timezone
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Scheduler{
		cfg:     cfg,
		log:     log.With(logger.Component("scheduler")),
		now:     time.Now,
		jobs:    make(map[string]*scheduledJob),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// Register adds a job with the given schedule.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	sj := &scheduledJob{
		job:      job,
		schedule: schedule,
		enabled:  true,
		nextRun:  schedule.Next(s.localNow()),
	}
	s.jobs[name] = sj

	s.log.Info("job registered",
		logger.String("job", name),
		logger.String("schedule", schedule.String()),
		logger.Time("next_run", sj.nextRun))
	return nil
}

// SetEnabled enables or disables a job by name.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	sj.enabled = enabled
	if enabled {
		sj.nextRun = sj.schedule.Next(s.localNow())
	}
	s.log.Info("job toggled", logger.String("job", name), logger.Bool("enabled", enabled))
	return nil
}

func (s *Scheduler) localNow() time.Time {
	return s.now().In(s.cfg.Timezone)
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins the scheduler loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.started = s.now()
	if s.cfg.RunOnStart {
		now := s.localNow()
		for _, sj := range s.jobs {
			sj.nextRun = now
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.log.Info("scheduler started", logger.Int("jobs", count))

	s.wg.Add(1)
	go s.loop()
	if s.cfg.RunOnStart {
		s.runDue(s.localNow())
	}
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped", logger.Duration("uptime", s.now().Sub(s.started)))
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER LOOP
// ══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runDue(s.localNow())
		}
	}
}

// runDue launches every enabled, idle job whose next run is not after now.
func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	var due []*scheduledJob
	for _, sj := range s.jobs {
		if !sj.enabled || sj.nextRun.IsZero() || sj.nextRun.After(now) {
			continue
		}
		sj.nextRun = sj.schedule.Next(now)
		if sj.busy {
			s.log.Warn("job still running, skipping slot", logger.String("job", sj.job.Name()))
			continue
		}
		sj.busy = true
		due = append(due, sj)
	}
	ctx := s.ctx
	s.wg.Add(len(due))
	s.mu.Unlock()

	for _, sj := range due {
		go func(sj *scheduledJob) {
			defer s.wg.Done()
			s.execute(ctx, sj, false)
		}(sj)
	}
}

// execute runs sj and records the result. sj.busy must already be set.
func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob, manual bool) JobResult {
	name := sj.job.Name()
	started := s.now()
	log := s.log.With(logger.String("job", name))
	log.Debug("job started", logger.Bool("manual", manual))

	err := s.safeRun(ctx, sj.job)
	completed := s.now()

	result := JobResult{
		JobName:     name,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Manual:      manual,
		Err:         err,
	}
	s.metrics.RecordExecution(name, result.Duration, err == nil)

	s.mu.Lock()
	sj.busy = false
	sj.lastRun = started
	sj.runCount++
	if err != nil {
		sj.failCount++
	}
	sj.last = &result
	s.history = append(s.history, result)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("job failed", logger.Latency(result.Duration), logger.Err(err))
	} else {
		log.Debug("job completed", logger.Latency(result.Duration))
	}
	return result
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// MANUAL EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// RunNow executes a job immediately, ignoring its schedule. The scheduler does
// not need to be running.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobResult, error) {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if sj.busy {
		s.mu.Unlock()
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	sj.busy = true
	s.mu.Unlock()

	res := s.execute(ctx, sj, true)
	return res, res.Err
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	Schedule    string     `json:"schedule"`
	LastRun     time.Time  `json:"lastRun"`
	NextRun     time.Time  `json:"nextRun"`
	RunCount    int64      `json:"runCount"`
	FailCount   int64      `json:"failCount"`
	LastResult  *JobResult `json:"lastResult,omitempty"`
}

// Jobs returns every registered job sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		infos = append(infos, JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Enabled:     sj.enabled,
			Running:     sj.busy,
			Schedule:    sj.schedule.String(),
			LastRun:     sj.lastRun,
			NextRun:     sj.nextRun,
			RunCount:    sj.runCount,
			FailCount:   sj.failCount,
			LastResult:  sj.last,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// History returns up to limit most recent results, oldest first.
func (s *Scheduler) History(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]JobResult, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// Metrics returns the scheduler counters.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics tracks job executions.
type Metrics struct {
	mu sync.RWMutex

	executions int64
	failures   int64
	total      time.Duration
	byJob      map[string]int64
}

// NewMetrics creates an empty tracker.
func NewMetrics() *Metrics {
	return &Metrics{byJob: make(map[string]int64)}
}

// RecordExecution records a job execution.
func (m *Metrics) RecordExecution(job string, d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions++
	m.total += d
	m.byJob[job]++
	if !success {
		m.failures++
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Executions      int64            `json:"executions"`
	Failures        int64            `json:"failures"`
	SuccessRate     float64          `json:"successRate"`
	AverageDuration time.Duration    `json:"averageDuration"`
	ByJob           map[string]int64 `json:"byJob"`
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Executions:  m.executions,
		Failures:    m.failures,
		SuccessRate: 1,
		ByJob:       make(map[string]int64, len(m.byJob)),
	}
	for k, v := range m.byJob {
		snap.ByJob[k] = v
	}
	if m.executions > 0 {
		snap.AverageDuration = m.total / time.Duration(m.executions)
		snap.SuccessRate = float64(m.executions-m.failures) / float64(m.executions)
	}
	return snap
}
