// Package pollgroup implements the Poll Group Runner (spec §4.3): one
// independent execution context per poll group, owning its own CIP session
// and running a rate-stabilized read/filter/emit loop.
package pollgroup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/orionK-max/cip-poller/internal/cipdriver"
	"github.com/orionK-max/cip-poller/internal/domain"
	"github.com/orionK-max/cip-poller/internal/filter"
	"github.com/orionK-max/cip-poller/internal/metrics"
	"github.com/orionK-max/cip-poller/internal/planner"
	"github.com/orionK-max/cip-poller/internal/telemetry"
)

const (
	maxOpenAttempts   = 3
	openBackoffUnit   = 1 * time.Second
	reopenWaitOnError = 2 * time.Second
)

// TagSource lets a Runner read its group's current tag set without owning
// Subscription state itself (spec §3 "Ownership"). Implemented by
// *subscription.Manager.
type TagSource interface {
	TagsForGroup(groupID int64) []*domain.TagDescriptor
}

// Stats are the lock-free counters exposed as Runner.Stats.
type Stats struct {
	Polls         atomic.Uint64
	Reads         atomic.Uint64
	Publishes     atomic.Uint64
	Errors        atomic.Uint64
	SessionReopens atomic.Uint64
}

// Runner owns one poll group's CIP session and timer loop.
type Runner struct {
	GroupID int64
	RateMs  int64

	conn      domain.ConnectionParams
	driver    cipdriver.Driver
	tags      TagSource
	emitter   *telemetry.Emitter
	arrayMode planner.ArrayMode
	logger    zerolog.Logger
	breaker   *gobreaker.CircuitBreaker

	filterState *filter.State
	metrics     *metrics.Registry

	stopCh chan struct{}
	wg     sync.WaitGroup
	done   atomic.Bool

	Stats Stats
}

// New constructs a Runner. It does not open a session or start the loop;
// call Start for that. reg may be nil, in which case metrics are not
// recorded (Stats are always tracked regardless).
func New(groupID, rateMs int64, conn domain.ConnectionParams, driver cipdriver.Driver, tags TagSource, emitter *telemetry.Emitter, arrayMode planner.ArrayMode, logger zerolog.Logger, reg *metrics.Registry) *Runner {
	r := &Runner{
		GroupID:     groupID,
		RateMs:      rateMs,
		conn:        conn,
		driver:      driver,
		tags:        tags,
		emitter:     emitter,
		arrayMode:   arrayMode,
		logger:      logger.With().Int64("group_id", groupID).Logger(),
		filterState: filter.NewState(),
		metrics:     reg,
		stopCh:      make(chan struct{}),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("poll-group-%d", groupID),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
	})
	return r
}

// Start launches the Runner's goroutine. The caller's ctx cancellation and
// Stop() are both observed as cancellation signals (spec §5 "Cancellation").
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop cancels the Runner and waits for it to close its session and return.
func (r *Runner) Stop() {
	if r.done.CompareAndSwap(false, true) {
		close(r.stopCh)
	}
	r.wg.Wait()
}

func (r *Runner) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) (cancelled bool) {
	if d <= 0 {
		return r.stopped(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-r.stopCh:
		return true
	case <-t.C:
		return false
	}
}

func (r *Runner) run(ctx context.Context) {
	sess, err := r.openWithRetry(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("poll group failed to open session, giving up")
		return
	}
	defer func() { closeSessionBestEffort(sess, r.logger) }()

	period := time.Duration(r.RateMs) * time.Millisecond
	nextDeadline := time.Now().Add(period)

	for {
		if r.stopped(ctx) {
			return
		}

		refs := tagRefsForGroup(r.tags, r.GroupID)
		plan := planner.Build(refs, r.arrayMode)

		if plan.Empty() {
			if r.sleep(ctx, period) {
				return
			}
			continue
		}

		now := time.Now().UTC()
		tsISO := now.Format("2006-01-02T15:04:05.000Z")

		results, err := r.executeBatch(ctx, sess, plan)
		if err != nil {
			if cipdriver.IsRecoverableSessionError(err) {
				r.Stats.SessionReopens.Add(1)
				if r.metrics != nil {
					r.metrics.IncSessionReopens()
				}
				r.logger.Warn().Err(err).Msg("recoverable session error, reopening")
				closeSessionBestEffort(sess, r.logger)
				sess = nil

				if r.sleep(ctx, reopenWaitOnError) {
					return
				}
				if r.stopped(ctx) {
					return
				}
				sess, err = r.driver.Open(ctx, r.conn.Host, r.conn.Slot)
				if err != nil {
					r.logger.Error().Err(err).Msg("failed to reopen session after recoverable error, exiting")
					return
				}
				r.Stats.SessionReopens.Add(1)
				if r.metrics != nil {
					r.metrics.IncSessionReopens()
				}
				continue
			}

			r.Stats.Errors.Add(1)
			if r.metrics != nil {
				r.metrics.IncErrors()
			}
			r.logger.Error().Err(err).Msg("poll iteration failed")
			if r.sleep(ctx, period) {
				return
			}
			continue
		}

		r.Stats.Polls.Add(1)
		if r.metrics != nil {
			r.metrics.IncPolls()
			r.metrics.ObservePollDuration(time.Since(now).Seconds())
		}
		r.emitResults(plan, results, now, tsISO)

		nextDeadline = nextDeadline.Add(period)
		if until := time.Until(nextDeadline); until < 0 {
			// We fell behind: skip missed slots rather than burst-catch-up
			// (spec §4.3 step 7).
			nextDeadline = time.Now().Add(period)
			if r.stopped(ctx) {
				return
			}
		} else if r.sleep(ctx, until) {
			return
		}
	}
}

func (r *Runner) openWithRetry(ctx context.Context) (cipdriver.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= maxOpenAttempts; attempt++ {
		if r.stopped(ctx) {
			return nil, fmt.Errorf("poll group stopped before session opened")
		}
		sess, err := r.driver.Open(ctx, r.conn.Host, r.conn.Slot)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("session open attempt failed")
		if attempt < maxOpenAttempts {
			if r.sleep(ctx, time.Duration(attempt)*openBackoffUnit) {
				return nil, fmt.Errorf("poll group stopped during open retry: %w", lastErr)
			}
		}
	}
	return nil, fmt.Errorf("poll group: all %d session open attempts failed: %w", maxOpenAttempts, lastErr)
}

func (r *Runner) executeBatch(ctx context.Context, sess cipdriver.Session, plan planner.Plan) ([]cipdriver.BatchResult, error) {
	r.Stats.Reads.Add(uint64(len(plan.Entries)))
	if r.metrics != nil {
		r.metrics.AddReads(len(plan.Entries))
	}
	out, err := r.breaker.Execute(func() (any, error) {
		return sess.ReadBatch(ctx, plan.RequestTokens())
	})
	if err != nil {
		return nil, err
	}
	return out.([]cipdriver.BatchResult), nil
}

func (r *Runner) emitResults(plan planner.Plan, results []cipdriver.BatchResult, now time.Time, tsISO string) {
	nowMs := now.UnixMilli()

	emitOne := func(tagID int64, cfg domain.ChangeConfig, v domain.Value, quality int) {
		if !r.filterState.Evaluate(tagID, cfg, v, quality, nowMs) {
			if r.metrics != nil {
				r.metrics.IncSkips()
			}
			return
		}
		if err := r.emitter.Emit(tagID, v, quality, tsISO); err != nil {
			r.logger.Error().Err(err).Int64("tag_id", tagID).Msg("telemetry emit failed")
			return
		}
		r.Stats.Publishes.Add(1)
		if r.metrics != nil {
			r.metrics.IncPublishes()
		}
	}

	byTagID := configLookup(r.tags, r.GroupID)

	for i, e := range plan.Entries {
		if i >= len(results) {
			break
		}
		res := results[i]
		switch e.Kind {
		case planner.Scalar, planner.Sparse:
			cfg, ok := byTagID[e.TagID]
			if !ok {
				continue
			}
			if res.Err != nil {
				emitOne(e.TagID, cfg, domain.Null, domain.QualityBad)
				continue
			}
			emitOne(e.TagID, cfg, res.Value, res.Quality)
		case planner.FullArray:
			if res.Err != nil {
				for _, tagID := range e.IndexToTagID {
					if cfg, ok := byTagID[tagID]; ok {
						emitOne(tagID, cfg, domain.Null, domain.QualityBad)
					}
				}
				continue
			}
			for idx, tagID := range e.IndexToTagID {
				cfg, ok := byTagID[tagID]
				if !ok {
					continue
				}
				if idx < len(res.Values) {
					emitOne(tagID, cfg, res.Values[idx], domain.QualityGood)
				} else {
					emitOne(tagID, cfg, domain.Null, domain.QualityGood)
				}
			}
		}
	}
}

func tagRefsForGroup(src TagSource, groupID int64) []planner.TagRef {
	descs := src.TagsForGroup(groupID)
	refs := make([]planner.TagRef, 0, len(descs))
	for _, d := range descs {
		refs = append(refs, planner.TagRef{TagID: d.TagID, TagName: d.TagName})
	}
	return refs
}

func configLookup(src TagSource, groupID int64) map[int64]domain.ChangeConfig {
	descs := src.TagsForGroup(groupID)
	m := make(map[int64]domain.ChangeConfig, len(descs))
	for _, d := range descs {
		m[d.TagID] = d.ChangeConfig
	}
	return m
}

func closeSessionBestEffort(sess cipdriver.Session, logger zerolog.Logger) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil && !cipdriver.IsRecoverableSessionError(err) {
		logger.Warn().Err(err).Msg("error closing poll group session")
	}
}
