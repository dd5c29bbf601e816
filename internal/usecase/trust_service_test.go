package usecase

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

type trustFixture struct {
	service    *TrustService
	agents     *mockAgentRepository
	scores     *mockTrustRepository
	lifecycles *mockLifecycleRepository
	now        time.Time
}

func newTrustFixture() *trustFixture {
	f := &trustFixture{
		agents:     newMockAgentRepository(),
		scores:     newMockTrustRepository(),
		lifecycles: newMockLifecycleRepository(),
		now:        time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.service = NewTrustService(f.agents, f.scores, f.lifecycles, trust.NewEngine(trust.WithEngineClock(clock)), nil)
	f.service.now = clock
	return f
}

func (f *trustFixture) addAgent(t *testing.T, id string, status domain.AgentStatus) {
	t.Helper()
	if err := f.agents.Create(context.Background(), &domain.Agent{
		ID:           id,
		Name:         id,
		Status:       status,
		Capabilities: domain.Capabilities{CanVerify: true},
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func uniformMetrics(v float64) trust.Metrics {
	return trust.Metrics{DirectTrust: v, IndirectTrust: v, HistoricalTrust: v, BehavioralTrust: v, IdentityVerification: v}
}

func TestTrustService_UpdateMetrics(t *testing.T) {
	ctx := context.Background()
	f := newTrustFixture()
	f.addAgent(t, "a1", domain.AgentStatusActive)

	score, err := f.service.UpdateMetrics(ctx, "a1", uniformMetrics(0.7), 0.9)
	if err != nil {
		t.Fatalf("UpdateMetrics failed: %v", err)
	}
	if score.Level != trust.LevelMedium {
		t.Errorf("expected medium, got %s", score.Level)
	}

	got, err := f.service.GetTrustScore(ctx, "a1")
	if err != nil {
		t.Fatalf("GetTrustScore failed: %v", err)
	}
	if got.Value != score.Value || !got.Timestamp.Equal(f.now) {
		t.Errorf("unexpected stored score: %+v", got)
	}

	if _, err := f.service.UpdateMetrics(ctx, "a1", uniformMetrics(1.5), 0.9); !errors.Is(err, trust.ErrInvalidMetric) {
		t.Errorf("expected ErrInvalidMetric, got %v", err)
	}
	if _, err := f.service.UpdateMetrics(ctx, "missing", uniformMetrics(0.5), 0.9); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if _, err := f.service.GetTrustScore(ctx, "a2"); !errors.Is(err, domain.ErrTrustScoreNotFound) {
		t.Errorf("expected ErrTrustScoreNotFound, got %v", err)
	}
}

func TestTrustService_GetTrustedAgents(t *testing.T) {
	ctx := context.Background()
	f := newTrustFixture()

	f.addAgent(t, "subject", domain.AgentStatusActive)
	for _, id := range []string{"best", "good", "medium", "stale", "suspended", "unscored"} {
		status := domain.AgentStatusActive
		if id == "suspended" {
			status = domain.AgentStatusSuspended
		}
		f.addAgent(t, id, status)
		if err := f.service.AddRelationship(ctx, "subject", id); err != nil {
			t.Fatalf("AddRelationship failed: %v", err)
		}
	}

	mustScore := func(id string, v float64) {
		if _, err := f.service.UpdateMetrics(ctx, id, uniformMetrics(v), 1); err != nil {
			t.Fatalf("UpdateMetrics failed: %v", err)
		}
	}
	mustScore("stale", 1.0)
	f.now = f.now.Add(48 * time.Hour)
	mustScore("best", 1.0)
	mustScore("good", 0.85)
	mustScore("medium", 0.7)
	mustScore("suspended", 1.0)

	agents, err := f.service.GetTrustedAgents(ctx, "subject", trust.LevelHigh, 0)
	if err != nil {
		t.Fatalf("GetTrustedAgents failed: %v", err)
	}
	if len(agents) != 2 || agents[0].ID != "best" || agents[1].ID != "good" {
		t.Errorf("unexpected trusted agents: %+v", agents)
	}

	limited, err := f.service.GetTrustedAgents(ctx, "subject", trust.LevelMedium, 1)
	if err != nil {
		t.Fatalf("GetTrustedAgents failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "best" {
		t.Errorf("unexpected limited agents: %+v", limited)
	}

	none, err := f.service.GetTrustedAgents(ctx, "best", trust.LevelNone, 10)
	if err != nil {
		t.Fatalf("GetTrustedAgents failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no trusted agents, got %+v", none)
	}
}

func TestTrustService_AddRelationship(t *testing.T) {
	ctx := context.Background()
	f := newTrustFixture()
	f.addAgent(t, "a1", domain.AgentStatusActive)

	if err := f.service.AddRelationship(ctx, "a1", "a1"); !errors.Is(err, domain.ErrSelfTrust) {
		t.Errorf("expected ErrSelfTrust, got %v", err)
	}
	if !errors.Is(domain.ErrSelfTrust, domain.ErrNotAllowed) {
		t.Error("expected self trust to be a NotAllowed error")
	}
	if err := f.service.AddRelationship(ctx, "a1", "ghost"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestTrustService_RecordRotationOutcome(t *testing.T) {
	ctx := context.Background()
	f := newTrustFixture()
	f.addAgent(t, "a1", domain.AgentStatusActive)

	// スコア未算出なら何もしない
	if err := f.service.RecordRotationOutcome(ctx, "a1", domain.RotationOutcomeCompleted); err != nil {
		t.Fatalf("RecordRotationOutcome failed: %v", err)
	}
	if len(f.scores.scores["a1"]) != 0 {
		t.Fatal("expected no score to be created")
	}

	if _, err := f.service.UpdateMetrics(ctx, "a1", uniformMetrics(0.5), 0.8); err != nil {
		t.Fatalf("UpdateMetrics failed: %v", err)
	}

	tests := []struct {
		outcome domain.RotationOutcome
		want    float64
	}{
		{domain.RotationOutcomeCompleted, 0.6},
		{domain.RotationOutcomeCancelled, 0.55},
		{domain.RotationOutcomeAborted, 0.45},
	}
	for _, tt := range tests {
		if err := f.service.RecordRotationOutcome(ctx, "a1", tt.outcome); err != nil {
			t.Fatalf("RecordRotationOutcome(%s) failed: %v", tt.outcome, err)
		}
		got, _ := f.service.GetTrustScore(ctx, "a1")
		if math.Abs(got.Metrics.HistoricalTrust-tt.want) > 1e-9 {
			t.Errorf("after %s: expected historical trust %.2f, got %v", tt.outcome, tt.want, got.Metrics.HistoricalTrust)
		}
		if got.Confidence != 0.8 {
			t.Errorf("expected confidence to be kept, got %v", got.Confidence)
		}
	}

	if err := f.service.RecordRotationOutcome(ctx, "a1", "unknown"); err == nil {
		t.Error("expected error for unknown outcome")
	}
}

func TestTrustService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newTrustFixture()
	if err := f.lifecycles.Save(ctx, "a1", trust.NewLifecycle(trust.WithLifecycleClock(func() time.Time { return f.now })).Snapshot()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	lc, err := f.service.TransitionLifecycle(ctx, "a1", trust.Transition{Target: trust.StateEstablishing, Reason: "registered"})
	if err != nil {
		t.Fatalf("TransitionLifecycle failed: %v", err)
	}
	if lc.CurrentState() != trust.StateEstablishing {
		t.Errorf("expected establishing, got %s", lc.CurrentState())
	}

	if _, err := f.service.TransitionLifecycle(ctx, "a1", trust.Transition{Target: trust.StateSuspended}); !errors.Is(err, trust.ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}

	// 未来の時刻は予約として扱う
	at := f.now.Add(time.Hour)
	lc, err = f.service.TransitionLifecycle(ctx, "a1", trust.Transition{Target: trust.StateActive, Reason: "verified", At: at})
	if err != nil {
		t.Fatalf("TransitionLifecycle failed: %v", err)
	}
	if lc.CurrentState() != trust.StateEstablishing {
		t.Errorf("expected state to be unchanged, got %s", lc.CurrentState())
	}
	if next, ok := lc.NextTransition(); !ok || next.Target != trust.StateActive {
		t.Errorf("expected scheduled transition, got %+v", next)
	}

	n, err := f.service.CheckDue(ctx, 10)
	if err != nil || n != 0 {
		t.Errorf("expected nothing due yet, got %d, %v", n, err)
	}

	f.now = at
	n, err = f.service.CheckDue(ctx, 10)
	if err != nil {
		t.Fatalf("CheckDue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 transition, got %d", n)
	}
	lc, err = f.service.Lifecycle(ctx, "a1")
	if err != nil {
		t.Fatalf("Lifecycle failed: %v", err)
	}
	if !lc.IsValidForTrust() || len(lc.History()) != 2 {
		t.Errorf("expected active lifecycle with 2 history entries, got %s %+v", lc.CurrentState(), lc.History())
	}

	if _, err := f.service.Lifecycle(ctx, "missing"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestTrustService_TransitionLifecycle_PastTimeAppliedNow(t *testing.T) {
	ctx := context.Background()
	f := newTrustFixture()
	if err := f.lifecycles.Save(ctx, "a1", trust.NewLifecycle(trust.WithLifecycleClock(func() time.Time { return f.now })).Snapshot()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	f.now = f.now.Add(time.Hour)
	lc, err := f.service.TransitionLifecycle(ctx, "a1", trust.Transition{Target: trust.StateEstablishing, At: f.now.Add(-60 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("TransitionLifecycle failed: %v", err)
	}
	if !lc.StateEnteredAt().Equal(f.now) {
		t.Errorf("expected state entered at %v, got %v", f.now, lc.StateEnteredAt())
	}
	if _, ok := lc.NextTransition(); ok {
		t.Error("expected no scheduled transition")
	}

	saved, err := f.service.Lifecycle(ctx, "a1")
	if err != nil {
		t.Fatalf("Lifecycle failed: %v", err)
	}
	for _, h := range saved.History() {
		if h.ExitedAt.Before(h.EnteredAt) {
			t.Errorf("history entry %s exits before it was entered: %+v", h.State, h)
		}
	}
}
