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

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

// TrustScoreModel はtrust_scoresテーブルのモデル。スコアは再計算ごとに追記する。
type TrustScoreModel struct {
	ID              string        `gorm:"type:char(36);primaryKey"`
	AgentID         string        `gorm:"type:char(36);not null;index:idx_score_agent_time"`
	Score           float64       `gorm:"not null"`
	Level           string        `gorm:"type:varchar(16);not null"`
	Confidence      float64       `gorm:"not null"`
	Metrics         trust.Metrics `gorm:"type:text;not null;serializer:json"`
	ValiditySeconds int64         `gorm:"not null"`
	ComputedAt      time.Time     `gorm:"type:datetime(6);not null;index:idx_score_agent_time"`
}

// TableName はテーブル名を返す。
func (TrustScoreModel) TableName() string {
	return "trust_scores"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *TrustScoreModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *TrustScoreModel) toDomain() (trust.Score, error) {
	level, err := trust.ParseLevel(m.Level)
	if err != nil {
		return trust.Score{}, fmt.Errorf("decoding level of score %s: %w", m.ID, err)
	}
	return trust.Score{
		Value:          m.Score,
		Level:          level,
		Metrics:        m.Metrics,
		Timestamp:      m.ComputedAt,
		Confidence:     m.Confidence,
		ValidityPeriod: time.Duration(m.ValiditySeconds) * time.Second,
	}, nil
}

// TrustRelationshipModel はtrust_relationshipsテーブルのモデル。SourceがTargetを信頼する。
type TrustRelationshipModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	SourceID  string    `gorm:"type:char(36);not null;uniqueIndex:uk_relationship"`
	TargetID  string    `gorm:"type:char(36);not null;uniqueIndex:uk_relationship"`
	CreatedAt time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (TrustRelationshipModel) TableName() string {
	return "trust_relationships"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *TrustRelationshipModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// TrustRepository は信頼スコアと信頼関係のデータアクセスを提供する。
type TrustRepository struct {
	db *gorm.DB
}

// NewTrustRepository は新しいTrustRepositoryを生成する。
func NewTrustRepository(db *gorm.DB) *TrustRepository {
	return &TrustRepository{db: db}
}

// SaveScore は算出した信頼スコアを追記する。
func (r *TrustRepository) SaveScore(ctx context.Context, agentID string, score trust.Score) error {
	model := &TrustScoreModel{
		AgentID:         agentID,
		Score:           score.Value,
		Level:           score.Level.String(),
		Confidence:      score.Confidence,
		Metrics:         score.Metrics,
		ValiditySeconds: int64(score.ValidityPeriod / time.Second),
		ComputedAt:      score.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to save trust score",
			"operation", "save_score",
			"agent_id", agentID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindLatestScore は最新の信頼スコアを取得する。存在しない場合はnilを返す。
func (r *TrustRepository) FindLatestScore(ctx context.Context, agentID string) (*trust.Score, error) {
	var model TrustScoreModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("computed_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find latest trust score",
			"operation", "find_latest_score",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}
	score, err := model.toDomain()
	if err != nil {
		return nil, err
	}
	return &score, nil
}

// FindLatestScores は複数エージェントの最新の信頼スコアを取得する。スコアのないエージェントは含まない。
func (r *TrustRepository) FindLatestScores(ctx context.Context, agentIDs []string) (map[string]trust.Score, error) {
	scores := make(map[string]trust.Score, len(agentIDs))
	if len(agentIDs) == 0 {
		return scores, nil
	}

	var models []TrustScoreModel
	err := r.db.WithContext(ctx).
		Where("agent_id IN ?", agentIDs).
		Order("computed_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find latest trust scores",
			"operation", "find_latest_scores",
			"count", len(agentIDs),
			"error", err,
		)
		return nil, err
	}

	for i := range models {
		if _, seen := scores[models[i].AgentID]; seen {
			continue
		}
		score, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		scores[models[i].AgentID] = score
	}
	return scores, nil
}

// CreateRelationship はsourceからtargetへの信頼関係を登録する。登録済みの場合は何もしない。
func (r *TrustRepository) CreateRelationship(ctx context.Context, sourceID, targetID string) error {
	if sourceID == targetID {
		return domain.ErrSelfTrust
	}
	model := &TrustRelationshipModel{SourceID: sourceID, TargetID: targetID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to create trust relationship",
			"operation", "create_relationship",
			"source_id", sourceID,
			"target_id", targetID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindTrustedIDs はsourceが信頼するエージェントのIDを取得する。
func (r *TrustRepository) FindTrustedIDs(ctx context.Context, sourceID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&TrustRelationshipModel{}).
		Where("source_id = ?", sourceID).
		Order("created_at ASC").
		Pluck("target_id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find trusted agents",
			"operation", "find_trusted_ids",
			"source_id", sourceID,
			"error", err,
		)
		return nil, err
	}
	return ids, nil
}
