package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

// mockAgentRepository はテスト用のモックリポジトリ。
type mockAgentRepository struct {
	mu        sync.Mutex
	agents    map[string]*domain.Agent
	seq       int
	createErr error
}

func newMockAgentRepository() *mockAgentRepository {
	return &mockAgentRepository{agents: make(map[string]*domain.Agent)}
}

func (m *mockAgentRepository) Create(ctx context.Context, agent *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if agent.ID == "" {
		m.seq++
		agent.ID = fmt.Sprintf("agent-%d", m.seq)
	}
	agent.CreatedAt = time.Now()
	stored := *agent
	m.agents[agent.ID] = &stored
	return nil
}

func (m *mockAgentRepository) FindByID(ctx context.Context, id string) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	out := *a
	return &out, nil
}

func (m *mockAgentRepository) FindByIDs(ctx context.Context, ids []string) ([]*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Agent
	for _, id := range ids {
		if a, ok := m.agents[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockAgentRepository) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.Status = status
	}
	return nil
}

// mockKeyRepository はテスト用のモックリポジトリ。
type mockKeyRepository struct {
	mu        sync.Mutex
	keys      []*domain.AgentKey
	retired   int
	commitErr error
	// 設定されていればCommitRotationで記録も追記する
	history *mockHistoryStore
}

func (m *mockKeyRepository) Create(ctx context.Context, key *domain.AgentKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key.ID = fmt.Sprintf("key-%d", len(m.keys)+1)
	key.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := *key
	m.keys = append(m.keys, &stored)
	return nil
}

func (m *mockKeyRepository) FindActiveByAgentID(ctx context.Context, agentID string) (*domain.AgentKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.AgentID == agentID && k.Status == domain.KeyStatusActive {
			out := *k
			return &out, nil
		}
	}
	return nil, nil
}

func (m *mockKeyRepository) FindAllByAgentID(ctx context.Context, agentID string) ([]*domain.AgentKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AgentKey
	for _, k := range m.keys {
		if k.AgentID == agentID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (m *mockKeyRepository) RetireExpired(ctx context.Context, agentID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range m.keys {
		if k.AgentID == agentID && k.Status == domain.KeyStatusRetiring && k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
			k.Status = domain.KeyStatusRetired
			n++
		}
	}
	m.retired += int(n)
	return n, nil
}

func (m *mockKeyRepository) CommitRotation(ctx context.Context, record domain.RotationRecord, next *domain.AgentKey, retireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	var maxGen uint
	for _, k := range m.keys {
		if k.AgentID != next.AgentID {
			continue
		}
		if k.Generation > maxGen {
			maxGen = k.Generation
		}
		if k.Status == domain.KeyStatusActive {
			k.Status = domain.KeyStatusRetiring
			expires := retireAt
			k.ExpiresAt = &expires
		}
	}
	next.Generation = maxGen + 1
	next.ID = fmt.Sprintf("key-%d", len(m.keys)+1)
	next.CreatedAt = record.Timestamp
	stored := *next
	m.keys = append(m.keys, &stored)
	if m.history != nil {
		return m.history.Append(ctx, next.AgentID, record)
	}
	return nil
}

// mockTrustRepository はテスト用のモックリポジトリ。
type mockTrustRepository struct {
	mu            sync.Mutex
	scores        map[string][]trust.Score
	relationships map[string][]string
}

func newMockTrustRepository() *mockTrustRepository {
	return &mockTrustRepository{
		scores:        make(map[string][]trust.Score),
		relationships: make(map[string][]string),
	}
}

func (m *mockTrustRepository) SaveScore(ctx context.Context, agentID string, score trust.Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[agentID] = append(m.scores[agentID], score)
	return nil
}

func (m *mockTrustRepository) FindLatestScore(ctx context.Context, agentID string) (*trust.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scores[agentID]
	if len(s) == 0 {
		return nil, nil
	}
	latest := s[len(s)-1]
	return &latest, nil
}

func (m *mockTrustRepository) FindLatestScores(ctx context.Context, agentIDs []string) (map[string]trust.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]trust.Score)
	for _, id := range agentIDs {
		if s := m.scores[id]; len(s) > 0 {
			out[id] = s[len(s)-1]
		}
	}
	return out, nil
}

func (m *mockTrustRepository) CreateRelationship(ctx context.Context, sourceID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.relationships[sourceID] {
		if t == targetID {
			return nil
		}
	}
	m.relationships[sourceID] = append(m.relationships[sourceID], targetID)
	return nil
}

func (m *mockTrustRepository) FindTrustedIDs(ctx context.Context, sourceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.relationships[sourceID]...), nil
}

// mockLifecycleRepository はテスト用のモックリポジトリ。
type mockLifecycleRepository struct {
	mu        sync.Mutex
	snapshots map[string]trust.Snapshot
}

func newMockLifecycleRepository() *mockLifecycleRepository {
	return &mockLifecycleRepository{snapshots: make(map[string]trust.Snapshot)}
}

func (m *mockLifecycleRepository) Save(ctx context.Context, agentID string, snap trust.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[agentID] = snap
	return nil
}

func (m *mockLifecycleRepository) Load(ctx context.Context, agentID string) (*trust.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[agentID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *mockLifecycleRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, snap := range m.snapshots {
		if snap.Next != nil && !snap.Next.At.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// mockHistoryStore はテスト用のローテーション履歴。新しい順に返す。
type mockHistoryStore struct {
	mu      sync.Mutex
	records map[string][]domain.RotationRecord
}

func newMockHistoryStore() *mockHistoryStore {
	return &mockHistoryStore{records: make(map[string][]domain.RotationRecord)}
}

func (m *mockHistoryStore) Append(ctx context.Context, agentID string, record domain.RotationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[agentID] = append([]domain.RotationRecord{record}, m.records[agentID]...)
	return nil
}

func (m *mockHistoryStore) GetHistory(ctx context.Context, agentID string, limit int) ([]domain.RotationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.RotationRecord(nil), m.records[agentID]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mockRequestStore はテスト用の検証リクエストの保存先。
type mockRequestStore struct {
	mu       sync.Mutex
	requests map[string]domain.VerificationRequest
	results  []domain.VerificationResult
}

func newMockRequestStore() *mockRequestStore {
	return &mockRequestStore{requests: make(map[string]domain.VerificationRequest)}
}

func (m *mockRequestStore) StoreRequest(ctx context.Context, req domain.VerificationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req
	return nil
}

func (m *mockRequestStore) GetActiveRequest(ctx context.Context, agentID string) (*domain.VerificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.TargetID == agentID && req.Status == domain.RequestPending {
			out := req
			return &out, nil
		}
	}
	return nil, nil
}

func (m *mockRequestStore) CancelRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok && req.Status == domain.RequestPending {
		req.Status = domain.RequestCancelled
		m.requests[id] = req
	}
	return nil
}

func (m *mockRequestStore) StoreResult(ctx context.Context, result domain.VerificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *mockRequestStore) status(id string) domain.RequestStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].Status
}

// mockEncrypter はAADを先頭に付けるだけのテスト用暗号化。
type mockEncrypter struct {
	encryptErr error
	calls      int
}

var errAADMismatch = errors.New("aad mismatch")

func (m *mockEncrypter) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	m.calls++
	out := append([]byte(nil), aad...)
	out = append(out, '|')
	return append(out, plaintext...), nil
}

func (m *mockEncrypter) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	prefix := append(append([]byte(nil), aad...), '|')
	if !bytes.HasPrefix(ciphertext, prefix) {
		return nil, errAADMismatch
	}
	return bytes.Clone(ciphertext[len(prefix):]), nil
}
