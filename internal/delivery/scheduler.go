package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mailroom/internal/provider"
	"mailroom/internal/types"
)

// RetryStore extends RecordStore with the due-record selection the sweep
// needs.
type RetryStore interface {
	RecordStore
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]*types.SendRecord, error)
}

// SchedulerConfig wires the retry scheduler.
type SchedulerConfig struct {
	Records RetryStore
	Gateway provider.Gateway
	Alerter Alerter
	Metrics Metrics
	Logger  types.Logger
	Clock   types.Clock

	SweepInterval time.Duration
	BatchSize     int
	MaxRetries    int
	MaxAge        time.Duration

	// SweepConcurrency bounds in-flight provider calls within one sweep.
	SweepConcurrency int

	// FailureAlertThreshold and FailureWindow drive the aggregate failure
	// alert: more than threshold failed attempts inside the trailing window
	// raises one alert.
	FailureAlertThreshold int
	FailureWindow         time.Duration
}

// Scheduler periodically re-attempts failed sends. One scheduler instance
// runs per deployment; sweeps never overlap because Run drives them from a
// single goroutine.
type Scheduler struct {
	records RetryStore
	gateway provider.Gateway
	alerter Alerter
	metrics Metrics
	logger  types.Logger
	clock   types.Clock

	interval    time.Duration
	batchSize   int
	concurrency int
	policy      retryPolicy

	failureThreshold int
	failureWindow    time.Duration

	mu            sync.Mutex
	failureTimes  []time.Time
	lastRateAlert time.Time
}

// NewScheduler creates a Scheduler with defaults filled in for any zero
// config value.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = NewLogAlerter(cfg.Logger)
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	concurrency := cfg.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 48 * time.Hour
	}
	threshold := cfg.FailureAlertThreshold
	if threshold <= 0 {
		threshold = 10
	}
	window := cfg.FailureWindow
	if window <= 0 {
		window = time.Hour
	}

	return &Scheduler{
		records:          cfg.Records,
		gateway:          cfg.Gateway,
		alerter:          alerter,
		metrics:          metrics,
		logger:           cfg.Logger,
		clock:            clock,
		interval:         interval,
		batchSize:        batchSize,
		concurrency:      concurrency,
		policy:           retryPolicy{maxRetries: maxRetries, maxAge: maxAge},
		failureThreshold: threshold,
		failureWindow:    window,
	}
}

// Run sweeps immediately, then on every tick until the context is canceled.
// Sweep errors are logged, not fatal; the next tick tries again.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("retry scheduler started",
		"interval", s.interval.String(),
		"batch_size", s.batchSize,
	)

	if err := s.sweepAndLog(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepAndLog(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) sweepAndLog(ctx context.Context) error {
	stats, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("sweep failed", "error", err)
		return nil
	}
	if stats.Selected > 0 {
		s.logger.Info("sweep complete",
			"selected", stats.Selected,
			"sent", stats.Sent,
			"failed", stats.Failed,
			"abandoned", stats.Abandoned,
			"races_lost", stats.RacesLost,
		)
	}
	return nil
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Selected  int
	Sent      int
	Failed    int
	Abandoned int
	RacesLost int
}

// Sweep selects one batch of due records and re-attempts each. The batch cap
// is the backpressure mechanism: at most BatchSize provider calls per sweep,
// regardless of backlog depth.
func (s *Scheduler) Sweep(ctx context.Context) (SweepStats, error) {
	now := s.clock.Now()

	due, err := s.records.DueForRetry(ctx, now, s.batchSize)
	if err != nil {
		return SweepStats{}, err
	}

	stats := SweepStats{Selected: len(due)}
	if len(due) == 0 {
		return stats, nil
	}

	var sent, failed, abandoned, racesLost atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range due {
		rec := rec
		g.Go(func() error {
			res, err := attemptResend(gctx, s.gateway, s.records, rec, s.policy, now)
			if err != nil {
				s.logger.Error("retry finalization failed", "record_id", rec.ID, "error", err)
				failed.Add(1)
				return nil
			}

			switch {
			case res.raceLost:
				// Another actor (webhook, manual retry) finalized the record
				// first; its outcome wins.
				racesLost.Add(1)
			case res.sent:
				sent.Add(1)
				s.metrics.CountRetry(gctx, true)
			default:
				failed.Add(1)
				s.metrics.CountRetry(gctx, false)
				s.noteFailure(now)
				if res.abandoned {
					abandoned.Add(1)
					s.metrics.CountAbandoned(gctx)
					s.alerter.Publish(gctx, Alert{
						Kind:       AlertAbandoned,
						Message:    "delivery abandoned after exhausting retries",
						RecordID:   rec.ID,
						TenantID:   rec.TenantID,
						Recipient:  rec.Recipient,
						Details:    map[string]any{"retry_count": rec.RetryCount + 1, "error": res.attemptErr.Error()},
						OccurredAt: now,
					})
					s.logger.Warn("delivery abandoned",
						"record_id", rec.ID,
						"recipient", rec.Recipient,
						"error", res.attemptErr,
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Sent = int(sent.Load())
	stats.Failed = int(failed.Load())
	stats.Abandoned = int(abandoned.Load())
	stats.RacesLost = int(racesLost.Load())

	s.checkFailureRate(ctx, now)

	return stats, nil
}

// noteFailure records a failed retry attempt in the trailing window.
func (s *Scheduler) noteFailure(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureTimes = append(s.failureTimes, now)
}

// checkFailureRate prunes the trailing window and raises the aggregate alert
// when failures exceed the threshold. The alert repeats at most once per
// window so a sustained outage does not page on every sweep.
func (s *Scheduler) checkFailureRate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	cutoff := now.Add(-s.failureWindow)
	kept := s.failureTimes[:0]
	for _, t := range s.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failureTimes = kept
	count := len(kept)

	shouldAlert := count > s.failureThreshold && now.Sub(s.lastRateAlert) >= s.failureWindow
	if shouldAlert {
		s.lastRateAlert = now
	}
	s.mu.Unlock()

	if shouldAlert {
		s.alerter.Publish(ctx, Alert{
			Kind:    AlertFailureRate,
			Message: "retry failure rate exceeded threshold",
			Details: map[string]any{
				"failures":  count,
				"threshold": s.failureThreshold,
				"window":    s.failureWindow.String(),
			},
			OccurredAt: now,
		})
		s.logger.Error("retry failure rate exceeded threshold",
			"failures", count,
			"threshold", s.failureThreshold,
		)
	}
}
