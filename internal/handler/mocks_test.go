package handler

import (
	"context"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
	"agent-trust-service/internal/usecase"
)

// mockAgentService はテスト用のモックサービス。
type mockAgentService struct {
	agent     *domain.Agent
	key       *domain.KeyMetadata
	keys      []*domain.KeyMetadata
	err       error
	gotName   string
	gotCaps   domain.Capabilities
	gotStatus domain.AgentStatus
}

func (m *mockAgentService) Register(ctx context.Context, name string, caps domain.Capabilities) (*domain.Agent, *domain.KeyMetadata, error) {
	m.gotName, m.gotCaps = name, caps
	return m.agent, m.key, m.err
}

func (m *mockAgentService) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	return m.agent, m.err
}

func (m *mockAgentService) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*domain.Agent, error) {
	m.gotStatus = status
	if m.err != nil {
		return nil, m.err
	}
	a := *m.agent
	a.Status = status
	return &a, nil
}

func (m *mockAgentService) ListKeys(ctx context.Context, agentID string) ([]*domain.KeyMetadata, error) {
	return m.keys, m.err
}

func (m *mockAgentService) CurrentKey(ctx context.Context, agentID string) (*domain.KeyMetadata, error) {
	return m.key, m.err
}

// mockTrustService はテスト用のモックサービス。
type mockTrustService struct {
	score         trust.Score
	agents        []domain.Agent
	lifecycle     *trust.Lifecycle
	changed       bool
	err           error
	gotMinLevel   trust.Level
	gotLimit      int
	gotTarget     string
	gotTransition trust.Transition
}

func (m *mockTrustService) UpdateMetrics(ctx context.Context, agentID string, metrics trust.Metrics, confidence float64) (trust.Score, error) {
	if m.err != nil {
		return trust.Score{}, m.err
	}
	return m.score, nil
}

func (m *mockTrustService) GetTrustScore(ctx context.Context, agentID string) (trust.Score, error) {
	return m.score, m.err
}

func (m *mockTrustService) GetTrustedAgents(ctx context.Context, agentID string, minLevel trust.Level, limit int) ([]domain.Agent, error) {
	m.gotMinLevel, m.gotLimit = minLevel, limit
	return m.agents, m.err
}

func (m *mockTrustService) AddRelationship(ctx context.Context, sourceID, targetID string) error {
	m.gotTarget = targetID
	return m.err
}

func (m *mockTrustService) Lifecycle(ctx context.Context, agentID string) (*trust.Lifecycle, error) {
	return m.lifecycle, m.err
}

// TransitionLifecycleはAtが未来なら予約、それ以外は即時適用する
func (m *mockTrustService) TransitionLifecycle(ctx context.Context, agentID string, t trust.Transition) (*trust.Lifecycle, error) {
	m.gotTransition = t
	if m.err != nil {
		return nil, m.err
	}
	var err error
	if !t.At.IsZero() && t.At.After(time.Now()) {
		err = m.lifecycle.ScheduleTransition(t)
	} else {
		err = m.lifecycle.ApplyTransition(t)
	}
	if err != nil {
		return nil, err
	}
	return m.lifecycle, nil
}

func (m *mockTrustService) CheckLifecycle(ctx context.Context, agentID string) (*trust.Lifecycle, bool, error) {
	return m.lifecycle, m.changed, m.err
}

// mockRotationService はテスト用のモックサービス。
type mockRotationService struct {
	view           *usecase.RotationView
	status         domain.RotationStatus
	scheduledAt    time.Time
	proof          []byte
	result         domain.VerificationResult
	record         domain.RotationRecord
	records        []domain.RotationRecord
	needed         bool
	err            error
	gotReason      string
	gotVerifier    string
	gotAttestation domain.Attestation
	gotLimit       int
}

func (m *mockRotationService) Status(ctx context.Context, agentID string) (*usecase.RotationView, error) {
	return m.view, m.err
}

func (m *mockRotationService) Schedule(ctx context.Context, agentID, reason string) (time.Time, error) {
	m.gotReason = reason
	return m.scheduledAt, m.err
}

func (m *mockRotationService) Begin(ctx context.Context, agentID, reason string) (domain.RotationStatus, error) {
	m.gotReason = reason
	return m.status, m.err
}

func (m *mockRotationService) IssueProof(ctx context.Context, agentID, verifierID string) ([]byte, error) {
	m.gotVerifier = verifierID
	return m.proof, m.err
}

func (m *mockRotationService) SubmitAttestation(ctx context.Context, agentID string, att domain.Attestation) (domain.VerificationResult, error) {
	m.gotAttestation = att
	return m.result, m.err
}

func (m *mockRotationService) Complete(ctx context.Context, agentID string) (domain.RotationRecord, error) {
	return m.record, m.err
}

func (m *mockRotationService) Cancel(ctx context.Context, agentID string) error {
	return m.err
}

func (m *mockRotationService) Reset(ctx context.Context, agentID string) error {
	return m.err
}

func (m *mockRotationService) History(ctx context.Context, agentID string, limit int) ([]domain.RotationRecord, error) {
	m.gotLimit = limit
	return m.records, m.err
}

func (m *mockRotationService) CheckRotationNeeded(ctx context.Context, agentID string) (bool, error) {
	return m.needed, m.err
}
