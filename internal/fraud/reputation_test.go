package fraud

import "testing"

func TestReputationTracker_NewPeerStartsAtCeiling(t *testing.T) {
	r := NewReputationTracker(0, 100, 1)
	if score := r.Score("peer1"); score != 100 {
		t.Errorf("expected new peer at ceiling 100, got %f", score)
	}
}

func TestReputationTracker_PenaltyTable(t *testing.T) {
	cases := []struct {
		severity Severity
		want     float64
	}{
		{SeverityLow, 99},
		{SeverityMedium, 95},
		{SeverityHigh, 90},
		{SeverityCritical, 75},
	}
	for _, tc := range cases {
		r := NewReputationTracker(0, 100, 0)
		got := r.Penalize("peer1", tc.severity)
		if got != tc.want {
			t.Errorf("severity %s: expected %f, got %f", tc.severity, tc.want, got)
		}
	}
}

func TestReputationTracker_ClampsToFloor(t *testing.T) {
	r := NewReputationTracker(0, 100, 0)
	for i := 0; i < 10; i++ {
		r.Penalize("peer1", SeverityCritical)
	}
	if score := r.Score("peer1"); score != 0 {
		t.Errorf("expected score clamped to floor 0, got %f", score)
	}
}

func TestReputationTracker_Reset(t *testing.T) {
	r := NewReputationTracker(0, 100, 0)
	r.Penalize("peer1", SeverityCritical)
	r.Reset("peer1")
	if score := r.Score("peer1"); score != 100 {
		t.Errorf("expected reset to ceiling 100, got %f", score)
	}
}
