package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/jawaracloud/admission-queue/internal/metrics"
)

// Promoter is the part of Engine the scheduler drives.
type Promoter interface {
	Queues(ctx context.Context) ([]string, error)
	Promote(ctx context.Context, queue string, count int64) (int64, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	Interval     time.Duration
	BatchSize    int64
}

// DefaultSchedulerConfig waits 5s after start, then admits up to 3 users per
// queue every 3s.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:      true,
		InitialDelay: 5 * time.Second,
		Interval:     3 * time.Second,
		BatchSize:    3,
	}
}

// TickResult is the outcome of one queue within a tick.
type TickResult struct {
	Queue    string
	Admitted int64
	Err      error
}

// Scheduler periodically promotes a bounded batch from every queue that has
// waiting users. Ticks run with a fixed delay between them: the next wait
// starts once the previous tick finished.
type Scheduler struct {
	promoter Promoter
	cfg      SchedulerConfig
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics

	enabled *atomic.Bool
	ticks   *atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates a Scheduler. A non-positive interval or batch size
// falls back to DefaultSchedulerConfig.
func NewScheduler(p Promoter, cfg SchedulerConfig, logger logrus.FieldLogger, m *metrics.Metrics) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		promoter: p,
		cfg:      cfg,
		logger:   logger.WithField("component", "promotion-scheduler"),
		metrics:  m,
		enabled:  atomic.NewBool(cfg.Enabled),
		ticks:    atomic.NewInt64(0),
		stopCh:   make(chan struct{}),
	}
}

// SetEnabled turns promotion on or off without stopping the loop.
func (s *Scheduler) SetEnabled(enabled bool) {
	if s.enabled.Swap(enabled) != enabled {
		s.logger.WithField("enabled", enabled).Info("promotion scheduler toggled")
	}
}

// Enabled reports whether ticks promote users.
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// Ticks reports how many enabled ticks have run.
func (s *Scheduler) Ticks() int64 { return s.ticks.Load() }

// Start launches the scheduling loop. It returns immediately; the loop runs
// until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
		s.logger.WithFields(logrus.Fields{
			"enabled":       s.Enabled(),
			"initial_delay": s.cfg.InitialDelay,
			"interval":      s.cfg.Interval,
			"batch_size":    s.cfg.BatchSize,
		}).Info("promotion scheduler started")
	})
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// Tick promotes one batch from each queue with waiting users. A failure in
// one queue is logged and does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) []TickResult {
	if !s.enabled.Load() {
		s.logger.Debug("promotion scheduler disabled, skipping tick")
		return nil
	}
	s.ticks.Inc()

	queues, err := s.promoter.Queues(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("discover queues")
		s.metrics.ObserveTick(1)
		return nil
	}

	results := make([]TickResult, 0, len(queues))
	failures := 0
	for _, q := range queues {
		n, err := s.promote(ctx, q)
		results = append(results, TickResult{Queue: q, Admitted: n, Err: err})

		entry := s.logger.WithFields(logrus.Fields{
			"queue":    q,
			"tried":    s.cfg.BatchSize,
			"admitted": n,
		})
		if err != nil {
			failures++
			entry.WithError(err).Error("promote queue")
			continue
		}
		entry.Info("promoted queue")
	}
	s.metrics.ObserveTick(failures)
	return results
}

// promote isolates a single queue so that even a panic stays contained.
func (s *Scheduler) promote(ctx context.Context, queue string) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic promoting %q: %v", queue, r)
		}
	}()
	return s.promoter.Promote(ctx, queue, s.cfg.BatchSize)
}
