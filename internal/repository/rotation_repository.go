package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
)

// RotationRecordModel はrotation_recordsテーブルのモデル。
type RotationRecordModel struct {
	ID         string            `gorm:"type:char(36);primaryKey"`
	AgentID    string            `gorm:"type:char(36);not null;index:idx_rotation_agent_time"`
	OldKey     string            `gorm:"type:varchar(64);not null"`
	NewKey     string            `gorm:"type:varchar(64);not null"`
	Reason     string            `gorm:"type:varchar(255);not null"`
	Outcome    string            `gorm:"type:varchar(16);not null"`
	Verified   bool              `gorm:"not null;default:false"`
	VerifiedBy string            `gorm:"type:varchar(64);not null;default:''"`
	Metadata   map[string]string `gorm:"type:text;serializer:json"`
	RotatedAt  time.Time         `gorm:"type:datetime(6);not null;index:idx_rotation_agent_time"`
}

// TableName はテーブル名を返す。
func (RotationRecordModel) TableName() string {
	return "rotation_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *RotationRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *RotationRecordModel) toDomain() (domain.RotationRecord, error) {
	oldKey, err := parseOptionalKey(m.OldKey)
	if err != nil {
		return domain.RotationRecord{}, fmt.Errorf("decoding old key of record %s: %w", m.ID, err)
	}
	newKey, err := parseOptionalKey(m.NewKey)
	if err != nil {
		return domain.RotationRecord{}, fmt.Errorf("decoding new key of record %s: %w", m.ID, err)
	}
	return domain.RotationRecord{
		ID:         m.ID,
		AgentID:    m.AgentID,
		OldKey:     oldKey,
		NewKey:     newKey,
		Timestamp:  m.RotatedAt,
		Reason:     m.Reason,
		Outcome:    domain.RotationOutcome(m.Outcome),
		Verified:   m.Verified,
		VerifiedBy: m.VerifiedBy,
		Metadata:   m.Metadata,
	}, nil
}

func rotationRecordModelFrom(r domain.RotationRecord) *RotationRecordModel {
	return &RotationRecordModel{
		ID:         r.ID,
		AgentID:    r.AgentID,
		OldKey:     r.OldKey.String(),
		NewKey:     r.NewKey.String(),
		Reason:     r.Reason,
		Outcome:    string(r.Outcome),
		Verified:   r.Verified,
		VerifiedBy: r.VerifiedBy,
		Metadata:   r.Metadata,
		RotatedAt:  r.Timestamp,
	}
}

// parseOptionalKey は空文字列をゼロ値の公開鍵として扱う。
func parseOptionalKey(s string) (crypto.PublicKey, error) {
	if s == "" {
		return crypto.PublicKey{}, nil
	}
	return crypto.ParsePublicKey(s)
}

// RotationHistoryRepository はローテーション履歴のデータアクセスを提供する。
type RotationHistoryRepository struct {
	db *gorm.DB
}

// NewRotationHistoryRepository は新しいRotationHistoryRepositoryを生成する。
func NewRotationHistoryRepository(db *gorm.DB) *RotationHistoryRepository {
	return &RotationHistoryRepository{db: db}
}

// Append はローテーション記録を追加する。
func (r *RotationHistoryRepository) Append(ctx context.Context, agentID string, record domain.RotationRecord) error {
	model := rotationRecordModelFrom(record)
	model.AgentID = agentID
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append rotation record",
			"operation", "append_rotation_record",
			"agent_id", agentID,
			"outcome", record.Outcome,
			"error", err,
		)
		return err
	}
	return nil
}

// GetHistory はローテーション記録を新しい順に取得する。limitが0以下の場合は全件。
func (r *RotationHistoryRepository) GetHistory(ctx context.Context, agentID string, limit int) ([]domain.RotationRecord, error) {
	var models []RotationRecordModel
	q := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("rotated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to get rotation history",
			"operation", "get_rotation_history",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}

	records := make([]domain.RotationRecord, 0, len(models))
	for i := range models {
		rec, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
