// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agent-trust-service/internal/domain"
)

// AgentModel はgorm用のモデル定義。
type AgentModel struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	Name           string    `gorm:"type:varchar(128);not null"`
	Status         string    `gorm:"type:varchar(16);not null;default:'active';index:idx_agents_status"`
	CanCommerce    bool      `gorm:"not null;default:false"`
	CanVerify      bool      `gorm:"not null;default:false"`
	CanManageTrust bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (AgentModel) TableName() string {
	return "agents"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (a *AgentModel) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

func (a *AgentModel) toDomain() *domain.Agent {
	return &domain.Agent{
		ID:     a.ID,
		Name:   a.Name,
		Status: domain.AgentStatus(a.Status),
		Capabilities: domain.Capabilities{
			CanCommerce:    a.CanCommerce,
			CanVerify:      a.CanVerify,
			CanManageTrust: a.CanManageTrust,
		},
		CreatedAt: a.CreatedAt,
	}
}

func agentModelFrom(a *domain.Agent) *AgentModel {
	return &AgentModel{
		ID:             a.ID,
		Name:           a.Name,
		Status:         string(a.Status),
		CanCommerce:    a.Capabilities.CanCommerce,
		CanVerify:      a.Capabilities.CanVerify,
		CanManageTrust: a.Capabilities.CanManageTrust,
	}
}

// AgentRepository はエージェントのデータアクセスを提供する。
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository は新しいAgentRepositoryを生成する。
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Create は新しいエージェントを保存する。
func (r *AgentRepository) Create(ctx context.Context, agent *domain.Agent) error {
	model := agentModelFrom(agent)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create agent",
			"operation", "create_agent",
			"agent_id", agent.ID,
			"error", err,
		)
		return err
	}
	agent.ID = model.ID
	agent.CreatedAt = model.CreatedAt
	return nil
}

// FindByID は指定されたIDのエージェントを取得する。存在しない場合はnilを返す。
func (r *AgentRepository) FindByID(ctx context.Context, id string) (*domain.Agent, error) {
	var model AgentModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find agent",
			"operation", "find_agent_by_id",
			"agent_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByIDs は指定されたIDのエージェントをまとめて取得する。
func (r *AgentRepository) FindByIDs(ctx context.Context, ids []string) ([]*domain.Agent, error) {
	if len(ids) == 0 {
		return []*domain.Agent{}, nil
	}
	var models []AgentModel
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find agents",
			"operation", "find_agents_by_ids",
			"count", len(ids),
			"error", err,
		)
		return nil, err
	}

	agents := make([]*domain.Agent, len(models))
	for i := range models {
		agents[i] = models[i].toDomain()
	}
	return agents, nil
}

// UpdateStatus はエージェントのステータスを更新する。
func (r *AgentRepository) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	err := r.db.WithContext(ctx).
		Model(&AgentModel{}).
		Where("id = ?", id).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update agent status",
			"operation", "update_agent_status",
			"agent_id", id,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}
