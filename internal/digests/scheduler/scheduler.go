// Package scheduler drives the digest backend: it reclaims stale leases,
// claims due keys, hands each digest to a Deliverer and clears the timeline
// once delivery succeeds.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/digestgate/internal/clock"
	"github.com/AlexKimmel/digestgate/internal/digests"
)

type Deliverer interface {
	Deliver(ctx context.Context, d digests.Digest) error
}

type DelivererFunc func(ctx context.Context, d digests.Digest) error

func (f DelivererFunc) Deliver(ctx context.Context, d digests.Digest) error { return f(ctx, d) }

// Recorder receives pass statistics. obs.Metrics implements it.
type Recorder interface {
	ScheduleEntry()
	Delivery(result string)
	BackendError(op string)
}

type nopRecorder struct{}

func (nopRecorder) ScheduleEntry()      {}
func (nopRecorder) Delivery(string)     {}
func (nopRecorder) BackendError(string) {}

const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultEmpty     = "empty"
)

type Options struct {
	Interval    time.Duration
	Concurrency int
	// Rate caps deliveries per second. Zero is unlimited.
	Rate  float64
	Burst int
	// RetryInitial and RetryMax bound the backoff after a backend outage.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = o.Interval
	}
	return o
}

type Scheduler struct {
	backend   digests.Backend
	deliverer Deliverer
	clock     clock.Clock
	log       zerolog.Logger
	rec       Recorder
	opts      Options
	pace      *rate.Limiter
}

func New(b digests.Backend, d Deliverer, clk clock.Clock, log zerolog.Logger, rec Recorder, opts Options) *Scheduler {
	opts = opts.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Scheduler{
		backend:   b,
		deliverer: d,
		clock:     clk,
		log:       log.With().Str("component", "scheduler").Logger(),
		rec:       rec,
		opts:      opts,
		pace:      rate.NewLimiter(limit, opts.Burst),
	}
}

// Pass runs one scheduling pass at the clock's current time and returns the
// number of digests delivered.
func (s *Scheduler) Pass(ctx context.Context) (int, error) {
	now := s.clock.Now()

	reclaimed, err := s.backend.Maintenance(ctx, now)
	if err != nil {
		s.rec.BackendError("maintenance")
		return 0, err
	}
	if reclaimed > 0 {
		s.log.Warn().Int("reclaimed", reclaimed).Msg("reclaimed expired leases")
	}

	var (
		delivered atomic.Int64
		wg        sync.WaitGroup
		sem       = make(chan struct{}, s.opts.Concurrency)
		passErr   error
	)

	for entry, err := range s.backend.Schedule(ctx, now) {
		if err != nil {
			if digests.IsUnavailable(err) {
				s.rec.BackendError("schedule")
			}
			passErr = err
			break
		}
		s.rec.ScheduleEntry()

		if err := s.pace.Wait(ctx); err != nil {
			// The claim is left to expire and Maintenance returns it.
			passErr = err
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(key string) {
			defer func() { <-sem; wg.Done() }()
			if s.deliver(ctx, key) {
				delivered.Add(1)
			}
		}(entry.Key)
	}
	wg.Wait()
	return int(delivered.Load()), passErr
}

func (s *Scheduler) deliver(ctx context.Context, key string) bool {
	log := s.log.With().Str("key", key).Logger()

	d, err := s.backend.Digest(ctx, key)
	if err != nil {
		s.rec.BackendError("digest")
		s.rec.Delivery(ResultFailed)
		log.Error().Err(err).Msg("read digest")
		return false
	}
	if d.Empty() {
		s.rec.Delivery(ResultEmpty)
		if err := s.backend.Remove(ctx, d); err != nil {
			s.rec.BackendError("remove")
			log.Error().Err(err).Msg("release empty digest")
		}
		return false
	}

	if err := s.deliverer.Deliver(ctx, d); err != nil {
		s.rec.Delivery(ResultFailed)
		log.Error().Err(err).Int("records", d.Count).Msg("deliver digest")
		return false
	}
	s.rec.Delivery(ResultDelivered)

	// Only what was delivered is removed; later arrivals wait for the next pass.
	if err := s.backend.Remove(ctx, d); err != nil {
		// Delivered but not cleared: the lease expires and the batch goes out again.
		s.rec.BackendError("remove")
		log.Error().Err(err).Msg("remove delivered digest")
	}
	return true
}

// Run repeats Pass every Interval until ctx is cancelled. A pass that fails
// because the backend is unavailable is retried with exponential backoff.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.opts.Interval).Int("concurrency", s.opts.Concurrency).Msg("scheduler started")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.runPass(ctx)
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.RetryInitial
	bo.MaxInterval = s.opts.RetryMax
	bo.MaxElapsedTime = 0

	op := func() error {
		n, err := s.Pass(ctx)
		if n > 0 {
			s.log.Info().Int("delivered", n).Msg("scheduling pass")
		}
		if err == nil || digests.IsUnavailable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("backend unavailable")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Error().Err(err).Msg("scheduling pass failed")
	}
}

// LogDeliverer writes each digest to the log. It is the only delivery
// transport shipped.
type LogDeliverer struct {
	Log zerolog.Logger
}

func (l LogDeliverer) Deliver(_ context.Context, d digests.Digest) error {
	l.Log.Info().
		Str("key", d.Key).
		Int("records", d.Count).
		Float64("start", d.Start).
		Float64("end", d.End).
		Msg("digest")
	return nil
}
