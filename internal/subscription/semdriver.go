package subscription

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/orionK-max/cip-poller/internal/cipdriver"
	"github.com/rs/zerolog"
)

// semaphoreDriver wraps a cipdriver.Driver to track how many sessions are
// outstanding against max_concurrent_connections. The cap is advisory only
// (spec §4.4 step 4: "emit a warning ... but proceed") — Open never blocks
// on it. TryAcquire failing just means another warning gets logged; the
// session still opens. A blocking Acquire here would let one poll group's
// session starve every group beyond the cap, and would deadlock
// Manager.Teardown() if Stop() reached the blocked runner before the one
// holding the last permit released it.
type semaphoreDriver struct {
	cipdriver.Driver
	sem    *semaphore.Weighted
	max    int
	logger zerolog.Logger
}

func newSemaphoreDriver(d cipdriver.Driver, maxConcurrent int, logger zerolog.Logger) *semaphoreDriver {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &semaphoreDriver{
		Driver: d,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		max:    maxConcurrent,
		logger: logger.With().Str("component", "semaphore-driver").Logger(),
	}
}

func (s *semaphoreDriver) Open(ctx context.Context, host string, slot int) (cipdriver.Session, error) {
	acquired := s.sem.TryAcquire(1)
	if !acquired {
		s.logger.Warn().
			Int("max_concurrent_connections", s.max).
			Str("host", host).
			Msg("max_concurrent_connections exceeded, opening session anyway (soft cap)")
	}

	sess, err := s.Driver.Open(ctx, host, slot)
	if err != nil {
		if acquired {
			s.sem.Release(1)
		}
		return nil, err
	}
	return &semaphoreSession{Session: sess, sem: s.sem, acquired: acquired}, nil
}

type semaphoreSession struct {
	cipdriver.Session
	sem      *semaphore.Weighted
	acquired bool
	released bool
}

func (s *semaphoreSession) Close() error {
	err := s.Session.Close()
	if s.acquired && !s.released {
		s.sem.Release(1)
		s.released = true
	}
	return err
}
