// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"sync"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

// AgentRepository はエージェントのデータアクセスのインターフェース。
type AgentRepository interface {
	Create(ctx context.Context, agent *domain.Agent) error
	FindByID(ctx context.Context, id string) (*domain.Agent, error)
	FindByIDs(ctx context.Context, ids []string) ([]*domain.Agent, error)
	UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) error
}

// KeyRepository は鍵世代のデータアクセスのインターフェース。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.AgentKey) error
	FindActiveByAgentID(ctx context.Context, agentID string) (*domain.AgentKey, error)
	FindAllByAgentID(ctx context.Context, agentID string) ([]*domain.AgentKey, error)
	RetireExpired(ctx context.Context, agentID string, now time.Time) (int64, error)
	CommitRotation(ctx context.Context, record domain.RotationRecord, next *domain.AgentKey, retireAt time.Time) error
}

// TrustRepository は信頼スコアと信頼関係のデータアクセスのインターフェース。
type TrustRepository interface {
	SaveScore(ctx context.Context, agentID string, score trust.Score) error
	FindLatestScore(ctx context.Context, agentID string) (*trust.Score, error)
	FindLatestScores(ctx context.Context, agentIDs []string) (map[string]trust.Score, error)
	CreateRelationship(ctx context.Context, sourceID, targetID string) error
	FindTrustedIDs(ctx context.Context, sourceID string) ([]string, error)
}

// LifecycleRepository は信頼ライフサイクルのデータアクセスのインターフェース。
type LifecycleRepository interface {
	Save(ctx context.Context, agentID string, snap trust.Snapshot) error
	Load(ctx context.Context, agentID string) (*trust.Snapshot, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// KeyEncrypter は秘密鍵のエンベロープ暗号化のインターフェース。
// aadにはエージェントIDを渡し、別エージェントの行への付け替えを検出する。
type KeyEncrypter interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

// agentLocks はエージェント単位の排他制御。
type agentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *agentLocks) lock(agentID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[agentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[agentID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
