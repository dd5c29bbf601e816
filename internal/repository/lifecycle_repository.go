package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agent-trust-service/internal/trust"
)

// TrustLifecycleModel はtrust_lifecyclesテーブルのモデル。
type TrustLifecycleModel struct {
	AgentID          string            `gorm:"type:char(36);primaryKey"`
	CurrentState     string            `gorm:"type:varchar(16);not null;index:idx_lifecycle_state"`
	StateEnteredAt   time.Time         `gorm:"type:datetime(6);not null"`
	NextTransition   *trust.Transition `gorm:"type:text;serializer:json"`
	NextTransitionAt *time.Time        `gorm:"type:datetime(6);index:idx_lifecycle_next"`
	StateMetadata    map[string]string `gorm:"type:text;serializer:json"`
	UpdatedAt        time.Time         `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (TrustLifecycleModel) TableName() string {
	return "trust_lifecycles"
}

// TrustLifecycleHistoryModel はtrust_lifecycle_historyテーブルのモデル。
type TrustLifecycleHistoryModel struct {
	ID        string         `gorm:"type:char(36);primaryKey"`
	AgentID   string         `gorm:"type:char(36);not null;uniqueIndex:uk_lifecycle_seq"`
	Seq       int            `gorm:"not null;uniqueIndex:uk_lifecycle_seq"`
	State     string         `gorm:"type:varchar(16);not null"`
	EnteredAt time.Time      `gorm:"type:datetime(6);not null"`
	ExitedAt  time.Time      `gorm:"type:datetime(6);not null"`
	Reason    string         `gorm:"type:varchar(255);not null;default:''"`
	Metadata  map[string]any `gorm:"type:text;serializer:json"`
}

// TableName はテーブル名を返す。
func (TrustLifecycleHistoryModel) TableName() string {
	return "trust_lifecycle_history"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *TrustLifecycleHistoryModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// LifecycleRepository は信頼ライフサイクルのデータアクセスを提供する。
type LifecycleRepository struct {
	db *gorm.DB
}

// NewLifecycleRepository は新しいLifecycleRepositoryを生成する。
func NewLifecycleRepository(db *gorm.DB) *LifecycleRepository {
	return &LifecycleRepository{db: db}
}

// Save はスナップショットを保存する。履歴は未保存の分だけ追記する。
func (r *LifecycleRepository) Save(ctx context.Context, agentID string, snap trust.Snapshot) error {
	model := &TrustLifecycleModel{
		AgentID:        agentID,
		CurrentState:   snap.Current.String(),
		StateEnteredAt: snap.StateEnteredAt,
		NextTransition: snap.Next,
		StateMetadata:  snap.StateMetadata,
	}
	if snap.Next != nil {
		at := snap.Next.At
		model.NextTransitionAt = &at
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			UpdateAll: true,
		}).Create(model).Error; err != nil {
			return fmt.Errorf("upserting lifecycle: %w", err)
		}

		var stored int64
		if err := tx.Model(&TrustLifecycleHistoryModel{}).
			Where("agent_id = ?", agentID).
			Count(&stored).Error; err != nil {
			return fmt.Errorf("counting lifecycle history: %w", err)
		}
		for i := int(stored); i < len(snap.History); i++ {
			h := snap.History[i]
			entry := &TrustLifecycleHistoryModel{
				AgentID:   agentID,
				Seq:       i,
				State:     h.State.String(),
				EnteredAt: h.EnteredAt,
				ExitedAt:  h.ExitedAt,
				Reason:    h.Reason,
				Metadata:  h.Metadata,
			}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("appending lifecycle history %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to save lifecycle",
			"operation", "save_lifecycle",
			"agent_id", agentID,
			"state", snap.Current.String(),
			"error", err,
		)
		return err
	}
	return nil
}

// Load はスナップショットを取得する。存在しない場合はnilを返す。
func (r *LifecycleRepository) Load(ctx context.Context, agentID string) (*trust.Snapshot, error) {
	var model TrustLifecycleModel
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to load lifecycle",
			"operation", "load_lifecycle",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}

	var entries []TrustLifecycleHistoryModel
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("seq ASC").
		Find(&entries).Error; err != nil {
		slog.ErrorContext(ctx, "failed to load lifecycle history",
			"operation", "load_lifecycle",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}

	current, err := trust.ParseState(model.CurrentState)
	if err != nil {
		return nil, fmt.Errorf("decoding lifecycle state of %s: %w", agentID, err)
	}
	snap := &trust.Snapshot{
		Current:        current,
		StateEnteredAt: model.StateEnteredAt,
		Next:           model.NextTransition,
		History:        make([]trust.HistoryEntry, 0, len(entries)),
		StateMetadata:  model.StateMetadata,
	}
	for _, e := range entries {
		state, err := trust.ParseState(e.State)
		if err != nil {
			return nil, fmt.Errorf("decoding lifecycle history of %s: %w", agentID, err)
		}
		snap.History = append(snap.History, trust.HistoryEntry{
			State:     state,
			EnteredAt: e.EnteredAt,
			ExitedAt:  e.ExitedAt,
			Reason:    e.Reason,
			Metadata:  e.Metadata,
		})
	}
	return snap, nil
}

// FindDue は予約遷移の時刻を過ぎたエージェントのIDを取得する。
func (r *LifecycleRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&TrustLifecycleModel{}).
		Where("next_transition_at IS NOT NULL AND next_transition_at <= ?", now).
		Order("next_transition_at ASC").
		Limit(limit).
		Pluck("agent_id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find due lifecycles",
			"operation", "find_due",
			"error", err,
		)
		return nil, err
	}
	return ids, nil
}
