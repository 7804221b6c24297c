// Package filter implements the Change Filter: the per-tag publish/skip
// decision driven by deadband and heartbeat policy (spec §4.1).
package filter

import (
	"math"

	"github.com/orionK-max/cip-poller/internal/domain"
)

// State holds the last-value records for a set of tags. It is not
// safe for concurrent use by multiple goroutines; a Poll Group Runner owns
// one State per group and only that group's goroutine touches it, matching
// the ownership rule in spec §5.
type State struct {
	last map[int64]domain.LastValueRecord
}

// NewState returns an empty filter state.
func NewState() *State {
	return &State{last: make(map[int64]domain.LastValueRecord)}
}

// Reset clears all last-value records. The engine does not call it: on
// disconnect and on new subscription install the old Runners, and with them
// their States, are discarded, and new Runners start with empty States.
func (s *State) Reset() {
	s.last = make(map[int64]domain.LastValueRecord)
}

// Evaluate runs the spec §4.1 algorithm for one sample and, if it decides to
// publish, updates the stored last-value record for tagID. nowMs is the
// caller-supplied wall-clock timestamp in milliseconds.
func (s *State) Evaluate(tagID int64, cfg domain.ChangeConfig, newValue domain.Value, newQuality int, nowMs int64) (publish bool) {
	prev, existed := s.last[tagID]

	publish = decide(cfg, prev, existed, newValue, newQuality, nowMs)
	if publish {
		s.last[tagID] = domain.LastValueRecord{
			Value:         newValue,
			Quality:       newQuality,
			LastPublishMs: nowMs,
			HasPublished:  true,
		}
	}
	return publish
}

func decide(cfg domain.ChangeConfig, prev domain.LastValueRecord, existed bool, newValue domain.Value, newQuality int, nowMs int64) bool {
	// 1. change detection disabled entirely.
	if !cfg.OnChangeEnabled {
		return true
	}
	// 2. first sample for this tag.
	if !existed || !prev.HasPublished {
		return true
	}
	// 3. quality transition is always significant.
	if prev.Quality != newQuality {
		return true
	}
	// 4. forced heartbeat, measured from the last publish, not the last poll.
	if cfg.OnChangeHeartbeatMs > 0 && nowMs-prev.LastPublishMs >= cfg.OnChangeHeartbeatMs {
		return true
	}
	// 5. exactly one of last/new is null.
	lastNull := prev.Value.IsNull()
	newNull := newValue.IsNull()
	if lastNull != newNull {
		return true
	}
	if lastNull && newNull {
		return false
	}
	// 6. both numeric: deadband math.
	lastF, lastNum := prev.Value.Float64()
	newF, newNum := newValue.Float64()
	if lastNum && newNum {
		switch {
		case cfg.OnChangeDeadband > 0 && cfg.OnChangeDeadbandType == domain.DeadbandPercent:
			base := math.Abs(lastF)
			if base == 0 {
				base = 1
			}
			delta := math.Abs(newF-lastF) / base * 100
			return delta >= cfg.OnChangeDeadband
		case cfg.OnChangeDeadband > 0 && cfg.OnChangeDeadbandType == domain.DeadbandAbsolute:
			return math.Abs(newF-lastF) >= cfg.OnChangeDeadband
		default:
			return newF != lastF
		}
	}
	// 7. bool, string, or other: plain inequality.
	return !newValue.Equal(prev.Value)
}
