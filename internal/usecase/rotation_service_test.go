package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/metrics"
	"agent-trust-service/internal/trust"
	"agent-trust-service/internal/verifier"
)

type rotationFixture struct {
	t          *testing.T
	now        time.Time
	agents     *mockAgentRepository
	keys       *mockKeyRepository
	scores     *mockTrustRepository
	lifecycles *mockLifecycleRepository
	history    *mockHistoryStore
	requests   *mockRequestStore
	encrypter  *mockEncrypter
	agentSvc   *AgentService
	trustSvc   *TrustService
	selector   *verifier.Selector
	service    *RotationService

	subject   string
	verifiers []string
}

func (f *rotationFixture) clock() time.Time { return f.now }

// newRotationFixture は対象エージェント1件と高信頼の検証者n件を登録する。
func newRotationFixture(t *testing.T, n int) *rotationFixture {
	t.Helper()
	ctx := context.Background()

	f := &rotationFixture{
		t:          t,
		now:        time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		agents:     newMockAgentRepository(),
		scores:     newMockTrustRepository(),
		lifecycles: newMockLifecycleRepository(),
		history:    newMockHistoryStore(),
		requests:   newMockRequestStore(),
		encrypter:  &mockEncrypter{},
	}
	f.keys = &mockKeyRepository{history: f.history}

	f.agentSvc = NewAgentService(f.agents, f.keys, f.lifecycles, f.encrypter, crypto.DefaultMinKeyStrength)
	f.agentSvc.now = f.clock
	f.trustSvc = NewTrustService(f.agents, f.scores, f.lifecycles, trust.NewEngine(trust.WithEngineClock(f.clock)), nil)
	f.trustSvc.now = f.clock
	f.selector = verifier.NewSelector(f.trustSvc, nil, verifier.WithClock(f.clock))
	f.service = f.newService(nil)

	f.subject = f.register("subject", false)
	f.activate(f.subject)
	for i := 1; i <= n; i++ {
		id := f.register(fmt.Sprintf("verifier-%d", i), true)
		f.verifiers = append(f.verifiers, id)
		if err := f.trustSvc.AddRelationship(ctx, f.subject, id); err != nil {
			t.Fatalf("AddRelationship failed: %v", err)
		}
	}
	f.scoreVerifiers()
	return f
}

func (f *rotationFixture) newService(m *metrics.Metrics) *RotationService {
	svc := NewRotationService(RotationDeps{
		Agents:     f.agents,
		Keys:       f.keys,
		Lifecycles: f.lifecycles,
		History:    f.history,
		Requests:   f.requests,
		Trust:      f.trustSvc,
		Selector:   f.selector,
		Encrypter:  f.encrypter,
		Metrics:    m,
	}, domain.DefaultRotationConfig(), crypto.DefaultMinKeyStrength)
	svc.now = f.clock
	return svc
}

func (f *rotationFixture) register(name string, canVerify bool) string {
	f.t.Helper()
	agent, _, err := f.agentSvc.Register(context.Background(), name, domain.Capabilities{CanVerify: canVerify, CanCommerce: true})
	if err != nil {
		f.t.Fatalf("Register failed: %v", err)
	}
	return agent.ID
}

func (f *rotationFixture) activate(agentID string) {
	f.t.Helper()
	for _, target := range []trust.State{trust.StateEstablishing, trust.StateActive} {
		if _, err := f.trustSvc.TransitionLifecycle(context.Background(), agentID, trust.Transition{Target: target}); err != nil {
			f.t.Fatalf("TransitionLifecycle failed: %v", err)
		}
	}
}

func (f *rotationFixture) scoreVerifiers() {
	f.t.Helper()
	for _, id := range f.verifiers {
		if _, err := f.trustSvc.UpdateMetrics(context.Background(), id, uniformMetrics(1.0), 1); err != nil {
			f.t.Fatalf("UpdateMetrics failed: %v", err)
		}
	}
}

func (f *rotationFixture) attestAll(ctx context.Context) {
	f.t.Helper()
	for _, v := range f.verifiers {
		proof, err := f.service.IssueProof(ctx, f.subject, v)
		if err != nil {
			f.t.Fatalf("IssueProof(%s) failed: %v", v, err)
		}
		if _, err := f.service.SubmitAttestation(ctx, f.subject, domain.Attestation{
			VerifierID: v,
			Proof:      proof,
			Status:     domain.VerificationVerified,
			Level:      trust.LevelHigh,
		}); err != nil {
			f.t.Fatalf("SubmitAttestation(%s) failed: %v", v, err)
		}
	}
}

func TestRotationService_FullRotation(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, 3)
	m := metrics.New()
	f.service = f.newService(m)

	st, err := f.service.Begin(ctx, f.subject, "scheduled")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	dist, ok := st.(domain.StatusDistributing)
	if !ok {
		t.Fatalf("expected distributing, got %s", st.Phase())
	}
	if len(dist.DistributedTo) != 3 {
		t.Errorf("expected 3 verifiers, got %v", dist.DistributedTo)
	}

	view, err := f.service.Status(ctx, f.subject)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Request == nil || view.Request.Policy.RequiredLevel != trust.LevelHigh || view.Request.Policy.MinVerifiers != 3 {
		t.Fatalf("unexpected request: %+v", view.Request)
	}
	requestID := view.Request.ID

	f.attestAll(ctx)

	record, err := f.service.Complete(ctx, f.subject)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !record.Verified || record.Outcome != domain.RotationOutcomeCompleted || record.Reason != "scheduled" {
		t.Errorf("unexpected record: %+v", record)
	}

	// 新しい鍵が第2世代として有効になり、旧鍵は重複期間の間retiringになる
	keys, err := f.keys.FindAllByAgentID(ctx, f.subject)
	if err != nil {
		t.Fatalf("FindAllByAgentID failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 key generations, got %d", len(keys))
	}
	if keys[0].Status != domain.KeyStatusRetiring || keys[0].ExpiresAt == nil || !keys[0].ExpiresAt.Equal(f.now.Add(7*domain.Day)) {
		t.Errorf("unexpected previous key: %+v", keys[0])
	}
	if keys[1].Generation != 2 || keys[1].Status != domain.KeyStatusActive || !keys[1].PublicKey.Equal(record.NewKey) {
		t.Errorf("unexpected new key: %+v", keys[1])
	}
	if !keys[0].PublicKey.Equal(record.OldKey) {
		t.Error("expected old key in record to match generation 1")
	}
	if f.requests.status(requestID) != domain.RequestCompleted {
		t.Errorf("expected request to be completed, got %s", f.requests.status(requestID))
	}

	history, err := f.service.History(ctx, f.subject, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != record.ID {
		t.Errorf("unexpected history: %+v", history)
	}

	if err := f.service.Reset(ctx, f.subject); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	// 再起動後は第2世代の鍵からCoordinatorを構築する
	restarted := f.newService(nil)
	view, err = restarted.Status(ctx, f.subject)
	if err != nil {
		t.Fatalf("Status after restart failed: %v", err)
	}
	if view.Status.Phase() != domain.PhaseStable {
		t.Errorf("expected stable after restart, got %s", view.Status.Phase())
	}
	needed, err := restarted.CheckRotationNeeded(ctx, f.subject)
	if err != nil {
		t.Fatalf("CheckRotationNeeded failed: %v", err)
	}
	if needed {
		t.Error("expected no rotation needed right after completion")
	}
	f.now = f.now.Add(366 * domain.Day)
	if needed, _ := restarted.CheckRotationNeeded(ctx, f.subject); !needed {
		t.Error("expected rotation to be needed after max key age")
	}
}

func TestRotationService_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("suspended agent", func(t *testing.T) {
		f := newRotationFixture(t, 3)
		if _, err := f.agentSvc.UpdateStatus(ctx, f.subject, domain.AgentStatusSuspended); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if _, err := f.service.Begin(ctx, f.subject, ""); !errors.Is(err, domain.ErrNotAllowed) {
			t.Errorf("expected ErrNotAllowed, got %v", err)
		}
	})

	t.Run("lifecycle not active", func(t *testing.T) {
		f := newRotationFixture(t, 3)
		if _, err := f.trustSvc.TransitionLifecycle(ctx, f.subject, trust.Transition{Target: trust.StateSuspended}); err != nil {
			t.Fatalf("TransitionLifecycle failed: %v", err)
		}
		if _, err := f.service.Begin(ctx, f.subject, ""); !errors.Is(err, domain.ErrNotAllowed) {
			t.Errorf("expected ErrNotAllowed, got %v", err)
		}
	})

	t.Run("not enough verifiers", func(t *testing.T) {
		f := newRotationFixture(t, 2)
		if _, err := f.service.Begin(ctx, f.subject, ""); !errors.Is(err, domain.ErrNotAllowed) {
			t.Errorf("expected ErrNotAllowed, got %v", err)
		}
		if _, err := f.service.Schedule(ctx, f.subject, ""); !errors.Is(err, domain.ErrNotAllowed) {
			t.Errorf("expected ErrNotAllowed from schedule, got %v", err)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		f := newRotationFixture(t, 0)
		if _, err := f.service.Begin(ctx, "ghost", ""); !errors.Is(err, domain.ErrAgentNotFound) {
			t.Errorf("expected ErrAgentNotFound, got %v", err)
		}
		if _, err := f.service.Status(ctx, "ghost"); !errors.Is(err, domain.ErrAgentNotFound) {
			t.Errorf("expected ErrAgentNotFound from status, got %v", err)
		}
	})

	t.Run("complete before begin", func(t *testing.T) {
		f := newRotationFixture(t, 3)
		if _, err := f.service.Complete(ctx, f.subject); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})
}

func TestRotationService_ExpiredRequestAborts(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, 3)

	if _, err := f.service.Begin(ctx, f.subject, ""); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	v := f.verifiers[0]
	proof, err := f.service.IssueProof(ctx, f.subject, v)
	if err != nil {
		t.Fatalf("IssueProof failed: %v", err)
	}

	f.now = f.now.Add(8 * domain.Day)
	_, err = f.service.SubmitAttestation(ctx, f.subject, domain.Attestation{VerifierID: v, Proof: proof, Status: domain.VerificationVerified})
	if !errors.Is(err, domain.ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}

	view, err := f.service.Status(ctx, f.subject)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	failed, ok := view.Status.(domain.StatusFailed)
	if !ok || failed.Reason != "verification request expired" {
		t.Errorf("expected failed status, got %+v", view.Status)
	}
	history, _ := f.service.History(ctx, f.subject, 0)
	if len(history) != 1 || history[0].Outcome != domain.RotationOutcomeAborted {
		t.Errorf("expected aborted record, got %+v", history)
	}
}

func TestRotationService_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, 3)

	if _, err := f.service.Begin(ctx, f.subject, ""); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	view, _ := f.service.Status(ctx, f.subject)
	requestID := view.Request.ID

	// 停止中のエージェントでも取り消しはできる
	if _, err := f.agentSvc.UpdateStatus(ctx, f.subject, domain.AgentStatusSuspended); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := f.service.Cancel(ctx, f.subject); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if f.requests.status(requestID) != domain.RequestCancelled {
		t.Errorf("expected request to be cancelled, got %s", f.requests.status(requestID))
	}
	if err := f.service.Cancel(ctx, f.subject); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestRotationService_CancelsStaleRequest(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, 3)

	stale := domain.VerificationRequest{
		ID:          "stale-request",
		RequesterID: f.subject,
		TargetID:    f.subject,
		Status:      domain.RequestPending,
		CreatedAt:   f.now.Add(-time.Hour),
		ExpiresAt:   f.now.Add(time.Hour),
	}
	if err := f.requests.StoreRequest(ctx, stale); err != nil {
		t.Fatalf("StoreRequest failed: %v", err)
	}

	view, err := f.service.Status(ctx, f.subject)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Status.Phase() != domain.PhaseStable || view.Request != nil {
		t.Errorf("expected stable without request, got %+v", view)
	}
	if f.requests.status("stale-request") != domain.RequestCancelled {
		t.Errorf("expected stale request to be cancelled, got %s", f.requests.status("stale-request"))
	}
}

func TestRotationService_BeginDue(t *testing.T) {
	ctx := context.Background()
	f := newRotationFixture(t, 3)

	at, err := f.service.Schedule(ctx, f.subject, "periodic")
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !at.Equal(f.now.Add(90 * domain.Day)) {
		t.Errorf("unexpected scheduled time %v", at)
	}
	if n := f.service.BeginDue(ctx); n != 0 {
		t.Errorf("expected nothing due yet, got %d", n)
	}

	f.now = at
	f.scoreVerifiers()
	if n := f.service.BeginDue(ctx); n != 1 {
		t.Fatalf("expected 1 rotation to begin, got %d", n)
	}
	view, _ := f.service.Status(ctx, f.subject)
	if view.Status.Phase() != domain.PhaseDistributing {
		t.Errorf("expected distributing, got %s", view.Status.Phase())
	}
	if view.Request.Metadata["reason"] != "periodic" {
		t.Errorf("expected scheduled reason to carry over, got %v", view.Request.Metadata)
	}
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrInvalidState, "invalid_state"},
		{domain.ErrRequestExpired, "not_allowed"},
		{fmt.Errorf("wrapped: %w", domain.ErrVerificationFailed), "verification_failed"},
		{domain.ErrAgentNotFound, "not_found"},
		{crypto.ErrInvalidSignature, "invalid_input"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorClass(tt.err); got != tt.want {
			t.Errorf("ErrorClass(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
