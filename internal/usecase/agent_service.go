package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

// maxAgentNameLength はエージェント名の最大長。
const maxAgentNameLength = 128

// AgentService はエージェントの登録と鍵世代の参照を提供する。
type AgentService struct {
	agents      AgentRepository
	keys        KeyRepository
	lifecycles  LifecycleRepository
	encrypter   KeyEncrypter
	minStrength int
	now         func() time.Time
}

// NewAgentService は新しいAgentServiceを生成する。
func NewAgentService(agents AgentRepository, keys KeyRepository, lifecycles LifecycleRepository, encrypter KeyEncrypter, minStrength int) *AgentService {
	return &AgentService{
		agents:      agents,
		keys:        keys,
		lifecycles:  lifecycles,
		encrypter:   encrypter,
		minStrength: minStrength,
		now:         time.Now,
	}
}

// Register はエージェントを登録し、第1世代の鍵とInitial状態のライフサイクルを作成する。
func (s *AgentService) Register(ctx context.Context, name string, caps domain.Capabilities) (*domain.Agent, *domain.KeyMetadata, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxAgentNameLength {
		return nil, nil, fmt.Errorf("%w: name must be 1-%d characters", domain.ErrNotAllowed, maxAgentNameLength)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}
	if err := crypto.ValidateKeyStrength(kp, s.minStrength); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrNotAllowed, err)
	}

	agent := &domain.Agent{
		Name:         name,
		Status:       domain.AgentStatusActive,
		Capabilities: caps,
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		return nil, nil, fmt.Errorf("creating agent: %w", err)
	}

	// KMSで暗号化（エージェントIDをAADに含める）
	encrypted, err := s.encrypter.Encrypt(ctx, kp.Private.Seed(), []byte(agent.ID))
	if err != nil {
		slog.ErrorContext(ctx, "failed to encrypt agent key",
			"operation", "register_agent",
			"agent_id", agent.ID,
			"error", err,
		)
		return nil, nil, fmt.Errorf("encrypting key: %w", err)
	}

	key := &domain.AgentKey{
		AgentID:             agent.ID,
		Generation:          1,
		PublicKey:           kp.Public,
		EncryptedPrivateKey: encrypted,
		Status:              domain.KeyStatusActive,
	}
	if err := s.keys.Create(ctx, key); err != nil {
		return nil, nil, fmt.Errorf("creating key: %w", err)
	}

	lc := trust.NewLifecycle(trust.WithLifecycleClock(s.now))
	if err := s.lifecycles.Save(ctx, agent.ID, lc.Snapshot()); err != nil {
		return nil, nil, fmt.Errorf("saving lifecycle: %w", err)
	}

	return agent, key.Metadata(), nil
}

// Get は指定されたエージェントを取得する。
func (s *AgentService) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := s.agents.FindByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("finding agent: %w", err)
	}
	if agent == nil {
		return nil, domain.ErrAgentNotFound
	}
	return agent, nil
}

// UpdateStatus はエージェントの運用ステータスを変更する。
func (s *AgentService) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*domain.Agent, error) {
	switch status {
	case domain.AgentStatusActive, domain.AgentStatusSuspended, domain.AgentStatusRevoked:
	default:
		return nil, fmt.Errorf("%w: unknown agent status %q", domain.ErrNotAllowed, status)
	}

	agent, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == domain.AgentStatusRevoked && status != domain.AgentStatusRevoked {
		return nil, fmt.Errorf("%w: revoked agents cannot be reactivated", domain.ErrNotAllowed)
	}
	if err := s.agents.UpdateStatus(ctx, agentID, status); err != nil {
		return nil, fmt.Errorf("updating agent status: %w", err)
	}
	agent.Status = status
	return agent, nil
}

// ListKeys は全世代の鍵メタデータを世代順に返す。期限切れのretiring鍵は先にretiredへ移す。
func (s *AgentService) ListKeys(ctx context.Context, agentID string) ([]*domain.KeyMetadata, error) {
	if _, err := s.Get(ctx, agentID); err != nil {
		return nil, err
	}

	if _, err := s.keys.RetireExpired(ctx, agentID, s.now()); err != nil {
		return nil, fmt.Errorf("retiring expired keys: %w", err)
	}

	keys, err := s.keys.FindAllByAgentID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.Metadata()
	}
	return metadata, nil
}

// CurrentKey は現在の署名鍵のメタデータを返す。
func (s *AgentService) CurrentKey(ctx context.Context, agentID string) (*domain.KeyMetadata, error) {
	key, err := s.keys.FindActiveByAgentID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("finding current key: %w", err)
	}
	if key == nil {
		if _, err := s.Get(ctx, agentID); err != nil {
			return nil, err
		}
		return nil, domain.ErrKeyNotFound
	}
	return key.Metadata(), nil
}
