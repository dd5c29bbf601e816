package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
)

// AgentKeyModel はgorm用のモデル定義。
type AgentKeyModel struct {
	ID                  string     `gorm:"type:char(36);primaryKey"`
	AgentID             string     `gorm:"type:char(36);not null;uniqueIndex:uk_agent_generation;index:idx_agent_status"`
	Generation          uint       `gorm:"not null;uniqueIndex:uk_agent_generation"`
	PublicKey           string     `gorm:"type:varchar(64);not null"`
	EncryptedPrivateKey []byte     `gorm:"type:blob;not null"`
	Status              string     `gorm:"type:varchar(16);not null;default:'active';index:idx_agent_status"`
	ExpiresAt           *time.Time `gorm:"type:datetime(6)"`
	CreatedAt           time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (AgentKeyModel) TableName() string {
	return "agent_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (k *AgentKeyModel) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	return nil
}

func (k *AgentKeyModel) toDomain() (*domain.AgentKey, error) {
	pub, err := crypto.ParsePublicKey(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public key of %s generation %d: %w", k.AgentID, k.Generation, err)
	}
	return &domain.AgentKey{
		ID:                  k.ID,
		AgentID:             k.AgentID,
		Generation:          k.Generation,
		PublicKey:           pub,
		EncryptedPrivateKey: k.EncryptedPrivateKey,
		Status:              domain.KeyStatus(k.Status),
		ExpiresAt:           k.ExpiresAt,
		CreatedAt:           k.CreatedAt,
		UpdatedAt:           k.UpdatedAt,
	}, nil
}

func agentKeyModelFrom(key *domain.AgentKey) *AgentKeyModel {
	return &AgentKeyModel{
		ID:                  key.ID,
		AgentID:             key.AgentID,
		Generation:          key.Generation,
		PublicKey:           key.PublicKey.String(),
		EncryptedPrivateKey: key.EncryptedPrivateKey,
		Status:              string(key.Status),
		ExpiresAt:           key.ExpiresAt,
	}
}

// KeyRepository はエージェント鍵世代のデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい鍵世代を保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.AgentKey) error {
	model := agentKeyModelFrom(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key",
			"operation", "create_key",
			"agent_id", key.AgentID,
			"generation", key.Generation,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByAgentIDAndGeneration は指定されたエージェント・世代の鍵を取得する。
func (r *KeyRepository) FindByAgentIDAndGeneration(ctx context.Context, agentID string, generation uint) (*domain.AgentKey, error) {
	var model AgentKeyModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND generation = ?", agentID, generation).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find_by_agent_id_and_generation",
			"agent_id", agentID,
			"generation", generation,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// FindActiveByAgentID は指定されたエージェントの現在の鍵を取得する。
func (r *KeyRepository) FindActiveByAgentID(ctx context.Context, agentID string) (*domain.AgentKey, error) {
	var model AgentKeyModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, string(domain.KeyStatusActive)).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key",
			"operation", "find_active_by_agent_id",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// FindAllByAgentID は指定されたエージェントの全鍵世代を取得する。
func (r *KeyRepository) FindAllByAgentID(ctx context.Context, agentID string) ([]*domain.AgentKey, error) {
	var models []AgentKeyModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("generation ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all keys by agent_id",
			"operation", "find_all_by_agent_id",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.AgentKey, 0, len(models))
	for i := range models {
		key, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// RetireExpired はオーバーラップ期間を過ぎたretiring鍵をretiredにする。
func (r *KeyRepository) RetireExpired(ctx context.Context, agentID string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&AgentKeyModel{}).
		Where("agent_id = ? AND status = ? AND expires_at <= ?", agentID, string(domain.KeyStatusRetiring), now).
		Update("status", string(domain.KeyStatusRetired))
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to retire expired keys",
			"operation", "retire_expired",
			"agent_id", agentID,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// CommitRotation は新しい鍵世代の登録・旧鍵の退役・ローテーション記録を1トランザクションで行う。
// nextのGenerationは現在の最大世代+1で上書きされる。
func (r *KeyRepository) CommitRotation(ctx context.Context, record domain.RotationRecord, next *domain.AgentKey, retireAt time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxGen *uint
		if err := tx.Model(&AgentKeyModel{}).
			Where("agent_id = ?", next.AgentID).
			Select("MAX(generation)").
			Scan(&maxGen).Error; err != nil {
			return fmt.Errorf("getting max generation: %w", err)
		}
		var generation uint = 1
		if maxGen != nil {
			generation = *maxGen + 1
		}

		if err := tx.Model(&AgentKeyModel{}).
			Where("agent_id = ? AND status = ?", next.AgentID, string(domain.KeyStatusActive)).
			Updates(map[string]any{
				"status":     string(domain.KeyStatusRetiring),
				"expires_at": retireAt,
			}).Error; err != nil {
			return fmt.Errorf("retiring current key: %w", err)
		}

		next.Generation = generation
		next.Status = domain.KeyStatusActive
		model := agentKeyModelFrom(next)
		if err := tx.Create(model).Error; err != nil {
			return fmt.Errorf("creating key generation %d: %w", generation, err)
		}
		next.ID = model.ID
		next.CreatedAt = model.CreatedAt
		next.UpdatedAt = model.UpdatedAt

		if err := tx.Create(rotationRecordModelFrom(record)).Error; err != nil {
			return fmt.Errorf("appending rotation record: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to commit rotation",
			"operation", "commit_rotation",
			"agent_id", next.AgentID,
			"record_id", record.ID,
			"error", err,
		)
		return err
	}
	return nil
}
