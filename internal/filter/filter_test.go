package filter

import (
	"testing"

	"github.com/orionK-max/cip-poller/internal/domain"
)

func TestEvaluateFirstSampleAlwaysPublishes(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true, OnChangeDeadband: 5, OnChangeDeadbandType: domain.DeadbandAbsolute}

	if !s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 1000) {
		t.Fatal("first sample must publish")
	}
}

func TestEvaluateChangeDetectionDisabled(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: false}

	s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 1000)
	if !s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 1001) {
		t.Fatal("every sample must publish when change detection is disabled")
	}
}

func TestEvaluateQualityTransitionAlwaysPublishes(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true, OnChangeDeadband: 100, OnChangeDeadbandType: domain.DeadbandAbsolute}

	s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 1000)
	if !s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityBad, 1001) {
		t.Fatal("a quality transition must publish even with an unchanged value")
	}
}

func TestEvaluateHeartbeatMeasuredFromLastPublish(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true, OnChangeHeartbeatMs: 1000, OnChangeDeadband: 100, OnChangeDeadbandType: domain.DeadbandAbsolute}

	s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 0)

	if s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 500) {
		t.Fatal("unchanged value within the heartbeat window must not publish")
	}
	if !s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 1000) {
		t.Fatal("heartbeat elapsed since the last publish must force a publish")
	}

	// The heartbeat clock resets from this publish, not the earlier skipped poll.
	if s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 1400) {
		t.Fatal("heartbeat must be measured from the last publish, not the last poll")
	}
}

func TestEvaluateNullTransitionAlwaysPublishes(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true}

	s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 0)
	if !s.Evaluate(1, cfg, domain.Null, domain.QualityGood, 1) {
		t.Fatal("transition to null must publish")
	}
	if s.Evaluate(1, cfg, domain.Null, domain.QualityGood, 2) {
		t.Fatal("null to null must not publish")
	}
	if !s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 3) {
		t.Fatal("transition from null must publish")
	}
}

func TestEvaluateAbsoluteDeadband(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true, OnChangeDeadband: 5, OnChangeDeadbandType: domain.DeadbandAbsolute}

	s.Evaluate(1, cfg, domain.NewFloat(100), domain.QualityGood, 0)
	if s.Evaluate(1, cfg, domain.NewFloat(104), domain.QualityGood, 1) {
		t.Fatal("a delta under the absolute deadband must not publish")
	}
	if !s.Evaluate(1, cfg, domain.NewFloat(106), domain.QualityGood, 2) {
		t.Fatal("a delta at or over the absolute deadband must publish")
	}
}

func TestEvaluatePercentDeadband(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true, OnChangeDeadband: 10, OnChangeDeadbandType: domain.DeadbandPercent}

	s.Evaluate(1, cfg, domain.NewFloat(100), domain.QualityGood, 0)
	if s.Evaluate(1, cfg, domain.NewFloat(105), domain.QualityGood, 1) {
		t.Fatal("a 5%% delta must not publish against a 10%% deadband")
	}
	if !s.Evaluate(1, cfg, domain.NewFloat(111), domain.QualityGood, 2) {
		t.Fatal("an 11%% delta must publish against a 10%% deadband")
	}
}

func TestEvaluatePercentDeadbandZeroBase(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true, OnChangeDeadband: 10, OnChangeDeadbandType: domain.DeadbandPercent}

	s.Evaluate(1, cfg, domain.NewFloat(0), domain.QualityGood, 0)
	if !s.Evaluate(1, cfg, domain.NewFloat(1), domain.QualityGood, 1) {
		t.Fatal("a zero base must fall back to a base of 1, so any nonzero delta publishes")
	}
}

func TestEvaluateNoDeadbandConfiguredFallsBackToInequality(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true}

	s.Evaluate(1, cfg, domain.NewFloat(100), domain.QualityGood, 0)
	if s.Evaluate(1, cfg, domain.NewFloat(100), domain.QualityGood, 1) {
		t.Fatal("an identical value must not publish")
	}
	if !s.Evaluate(1, cfg, domain.NewFloat(100.0001), domain.QualityGood, 2) {
		t.Fatal("any change at all must publish when no deadband is configured")
	}
}

func TestEvaluateBoolAndStringUseInequality(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true}

	s.Evaluate(1, cfg, domain.NewBool(true), domain.QualityGood, 0)
	if s.Evaluate(1, cfg, domain.NewBool(true), domain.QualityGood, 1) {
		t.Fatal("an unchanged bool must not publish")
	}
	if !s.Evaluate(1, cfg, domain.NewBool(false), domain.QualityGood, 2) {
		t.Fatal("a flipped bool must publish")
	}

	s.Evaluate(2, cfg, domain.NewString("A"), domain.QualityGood, 0)
	if !s.Evaluate(2, cfg, domain.NewString("B"), domain.QualityGood, 1) {
		t.Fatal("a changed string must publish")
	}
}

func TestResetClearsLastValueRecords(t *testing.T) {
	s := NewState()
	cfg := domain.ChangeConfig{OnChangeEnabled: true}

	s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 0)
	s.Reset()
	if !s.Evaluate(1, cfg, domain.NewFloat(10), domain.QualityGood, 1) {
		t.Fatal("after Reset, the next sample for a tag must be treated as its first sample")
	}
}
