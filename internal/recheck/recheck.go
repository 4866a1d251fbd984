// Package recheck periodically re-verifies PENDING custom domains until they
// verify or their propagation window closes.
package recheck

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	internaldns "github.com/changerawr/domains/internal/dns"
	"github.com/changerawr/domains/internal/lock"
	"github.com/changerawr/domains/internal/registry/model"
)

// Config holds recheck job configuration.
type Config struct {
	Schedule    string        // standard 5-field cron expression
	Concurrency int           // parallel verifications per sweep
	BatchSize   int           // PENDING domains loaded per sweep
	SweepTTL    time.Duration // upper bound on one sweep; also the lock TTL
}

// DomainSource is the slice of the domain service the job drives.
// *service.DomainService satisfies this interface.
type DomainSource interface {
	ExpireStale(ctx context.Context) (int, error)
	ListPending(ctx context.Context, limit int) ([]*model.CustomDomain, error)
	Recheck(ctx context.Context, d *model.CustomDomain) (*internaldns.VerificationResult, error)
	StatusCounts(ctx context.Context) (map[model.DomainStatus]int, error)
}

// GaugeFunc is an optional callback receiving the domain count per status.
type GaugeFunc func(status string, count float64)

// Summary describes one sweep.
type Summary struct {
	Skipped  bool // another runner held the lock
	Expired  int
	Checked  int
	Verified int
	Errors   int
}

// Job is the cron-driven recheck sweep.
type Job struct {
	src      DomainSource
	locker   lock.Locker
	cfg      Config
	schedule cron.Schedule
	onGauge  GaugeFunc
	logger   *zap.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a Job. It fails if the schedule does not parse.
func New(src DomainSource, locker lock.Locker, cfg Config, logger *zap.Logger) (*Job, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.SweepTTL <= 0 {
		cfg.SweepTTL = 4 * time.Minute
	}

	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse recheck schedule %q: %w", cfg.Schedule, err)
	}
	return &Job{src: src, locker: locker, cfg: cfg, schedule: sched, logger: logger}, nil
}

// SetGaugeRecorder configures the per-status gauge callback.
func (j *Job) SetGaugeRecorder(fn GaugeFunc) {
	j.onGauge = fn
}

// Start runs the sweep on schedule until ctx is cancelled, then waits for a
// running sweep to finish.
func (j *Job) Start(ctx context.Context) {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{j.logger.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{j.logger.Sugar()})),
	)
	c.Schedule(j.schedule, cron.FuncJob(func() {
		sweepCtx, cancel := context.WithTimeout(ctx, j.cfg.SweepTTL)
		defer cancel()
		if _, err := j.RunOnce(sweepCtx); err != nil {
			j.logger.Error("recheck: sweep failed", zap.Error(err))
		}
	}))

	c.Start()
	j.logger.Info("recheck job started", zap.String("schedule", j.cfg.Schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("recheck job stopped")
}

// RunOnce performs a single sweep: expire stale domains, re-verify the
// pending batch with bounded concurrency and refresh the gauges.
func (j *Job) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	ok, err := j.locker.Acquire(ctx)
	if err != nil {
		return sum, fmt.Errorf("acquire recheck lock: %w", err)
	}
	if !ok {
		j.logger.Debug("recheck: another runner holds the lock")
		sum.Skipped = true
		return sum, nil
	}
	defer func() {
		if err := j.locker.Release(context.WithoutCancel(ctx)); err != nil {
			j.logger.Warn("recheck: release lock", zap.Error(err))
		}
	}()
	stop := j.keepAlive(ctx)
	defer stop()

	sum.Expired, err = j.src.ExpireStale(ctx)
	if err != nil {
		return sum, err
	}

	pending, err := j.src.ListPending(ctx, j.cfg.BatchSize)
	if err != nil {
		return sum, err
	}

	var verified, failed atomic.Int64
	sem := make(chan struct{}, j.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, d := range pending {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sum.Checked++
		go func(d *model.CustomDomain) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := j.src.Recheck(ctx, d)
			if err != nil {
				failed.Add(1)
				j.logger.Warn("recheck: verify domain", zap.String("domain", d.Domain), zap.Error(err))
				return
			}
			if res != nil && res.Verified() {
				verified.Add(1)
			}
		}(d)
	}
	wg.Wait()

	sum.Verified = int(verified.Load())
	sum.Errors = int(failed.Load())

	j.refreshGauges(ctx)

	j.logger.Info("recheck: sweep complete",
		zap.Int("expired", sum.Expired),
		zap.Int("checked", sum.Checked),
		zap.Int("verified", sum.Verified),
		zap.Int("errors", sum.Errors),
	)
	return sum, nil
}

// extender is implemented by locks whose hold expires, such as lock.RedisLock.
type extender interface {
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// keepAlive renews an expiring lock every third of SweepTTL while a sweep
// runs. The returned func stops the renewal and waits for it to exit.
func (j *Job) keepAlive(ctx context.Context) func() {
	ext, ok := j.locker.(extender)
	if !ok {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(j.cfg.SweepTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				held, err := ext.Extend(ctx, j.cfg.SweepTTL)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					j.logger.Warn("recheck: extend lock", zap.Error(err))
					continue
				}
				if !held {
					j.logger.Warn("recheck: lock lost during sweep")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (j *Job) refreshGauges(ctx context.Context) {
	if j.onGauge == nil {
		return
	}
	counts, err := j.src.StatusCounts(ctx)
	if err != nil {
		j.logger.Warn("recheck: count domains", zap.Error(err))
		return
	}
	for status, n := range counts {
		j.onGauge(string(status), float64(n))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
