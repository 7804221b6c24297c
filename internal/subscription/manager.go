// Package subscription implements the Subscription Manager (spec §4.4): it
// owns the one live Subscription, splits oversized groups, and starts/stops
// one Poll Group Runner per group.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orionK-max/cip-poller/internal/cipdriver"
	"github.com/orionK-max/cip-poller/internal/domain"
	"github.com/orionK-max/cip-poller/internal/metrics"
	"github.com/orionK-max/cip-poller/internal/planner"
	"github.com/orionK-max/cip-poller/internal/pollgroup"
	"github.com/orionK-max/cip-poller/internal/telemetry"
)

// GroupRequest is one requested poll group from subscribe_polling's
// poll_groups parameter.
type GroupRequest struct {
	GroupID int64
	RateMs  int64
	TagIDs  []int64
}

// InstallResult mirrors subscribe_polling's result shape (spec §6.1).
type InstallResult struct {
	TagCount   int
	GroupCount int
	Warnings   []string
}

// Manager owns the live Subscription and its Runners. Not safe for
// concurrent Install/Teardown calls from multiple goroutines; the RPC
// Dispatcher serializes control-channel requests (spec §4.6), so Manager
// relies on that single-reader discipline rather than its own lock for
// install/teardown ordering. TagsForGroup is read-only and safe for
// concurrent use by Runners while a Runner is not being (re)installed.
type Manager struct {
	mu     sync.RWMutex
	sub    *domain.Subscription
	active bool

	conn   domain.ConnectionParams
	driver cipdriver.Driver

	runners map[int64]*pollgroup.Runner
	emitter *telemetry.Emitter
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// New returns an empty Manager bound to one connection's driver and
// emitter. reg may be nil.
func New(conn domain.ConnectionParams, driver cipdriver.Driver, emitter *telemetry.Emitter, logger zerolog.Logger, reg *metrics.Registry) *Manager {
	return &Manager{
		sub:     domain.NewSubscription(),
		conn:    conn,
		driver:  driver,
		runners: make(map[int64]*pollgroup.Runner),
		emitter: emitter,
		logger:  logger,
		metrics: reg,
	}
}

// TagsForGroup implements pollgroup.TagSource.
func (m *Manager) TagsForGroup(groupID int64) []*domain.TagDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sub.TagsForGroup(groupID)
}

// Install installs a new subscription, tearing down the previous one first
// (spec §4.4 "install"). Install both builds the tables and starts one
// Runner per group before it returns, so a Runner may open its session and
// emit telemetry before the subscribe_polling response has been written.
func (m *Manager) Install(ctx context.Context, tags []*domain.TagDescriptor, groups []GroupRequest, arrayMode planner.ArrayMode) (InstallResult, error) {
	m.Teardown()

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := domain.NewSubscription()
	seen := make(map[int64]struct{})
	for _, t := range tags {
		if _, dup := seen[t.TagID]; dup {
			return InstallResult{}, fmt.Errorf("%w: tag_id %d", domain.ErrDuplicateTagID, t.TagID)
		}
		seen[t.TagID] = struct{}{}
		sub.Tags[t.TagID] = t
	}

	var warnings []string
	maxExistingGroupID := int64(0)
	for _, g := range groups {
		if g.GroupID > maxExistingGroupID {
			maxExistingGroupID = g.GroupID
		}
	}

	for _, g := range groups {
		chunks := chunk(g.TagIDs, m.conn.MaxTagsPerGroup)
		for i, c := range chunks {
			gid := g.GroupID
			if i > 0 {
				maxExistingGroupID++
				gid = maxExistingGroupID
			}
			sub.Groups[gid] = &domain.PollGroup{GroupID: gid, RateMs: g.RateMs, TagIDs: c}
		}
	}

	if len(sub.Groups) > m.conn.MaxConcurrentConnections {
		warnings = append(warnings, fmt.Sprintf(
			"group_count %d exceeds max_concurrent_connections %d; proceeding (soft cap)",
			len(sub.Groups), m.conn.MaxConcurrentConnections))
	}

	m.sub = sub
	m.active = true

	gatedDriver := newSemaphoreDriver(m.driver, m.conn.MaxConcurrentConnections, m.logger)
	for gid, g := range sub.Groups {
		r := pollgroup.New(gid, g.RateMs, m.conn, gatedDriver, m, m.emitter, arrayMode, m.logger, m.metrics)
		m.runners[gid] = r
		r.Start(ctx)
	}
	if m.metrics != nil {
		m.metrics.SetActiveGroups(len(sub.Groups))
	}

	return InstallResult{
		TagCount:   len(sub.Tags),
		GroupCount: len(sub.Groups),
		Warnings:   warnings,
	}, nil
}

// Teardown cancels every Runner, clears runtime tables, and clears the
// last-value cache (implicit: filter state lives inside each Runner and is
// discarded with it) (spec §4.4 "teardown").
func (m *Manager) Teardown() {
	m.mu.Lock()
	runners := m.runners
	m.runners = make(map[int64]*pollgroup.Runner)
	m.sub = domain.NewSubscription()
	m.active = false
	m.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
	if m.metrics != nil {
		m.metrics.SetActiveGroups(0)
	}
}

// Active reports whether a subscription is currently installed.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// chunk splits ids into consecutive slices of at most size, preserving
// order (spec §4.4 step 3).
func chunk(ids []int64, size int) [][]int64 {
	if size <= 0 || len(ids) <= size {
		return [][]int64{ids}
	}
	var out [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
