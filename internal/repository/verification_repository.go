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

// VerificationRequestModel はverification_requestsテーブルのモデル。
type VerificationRequestModel struct {
	ID               string            `gorm:"type:char(36);primaryKey"`
	RequesterID      string            `gorm:"type:char(36);not null"`
	TargetID         string            `gorm:"type:char(36);not null;index:idx_request_target_status"`
	NewKey           string            `gorm:"type:varchar(64);not null"`
	RequiredLevel    string            `gorm:"type:varchar(16);not null"`
	MinVerifiers     int               `gorm:"not null"`
	RequireConsensus bool              `gorm:"not null;default:false"`
	ValiditySeconds  int64             `gorm:"not null"`
	Verifiers        []string          `gorm:"type:text;serializer:json"`
	Status           string            `gorm:"type:varchar(16);not null;default:'pending';index:idx_request_target_status"`
	Metadata         map[string]string `gorm:"type:text;serializer:json"`
	CreatedAt        time.Time         `gorm:"type:datetime(6);not null"`
	ExpiresAt        time.Time         `gorm:"type:datetime(6);not null"`
}

// TableName はテーブル名を返す。
func (VerificationRequestModel) TableName() string {
	return "verification_requests"
}

func (m *VerificationRequestModel) toDomain() (*domain.VerificationRequest, error) {
	level, err := trust.ParseLevel(m.RequiredLevel)
	if err != nil {
		return nil, fmt.Errorf("decoding required level of request %s: %w", m.ID, err)
	}
	newKey, err := parseOptionalKey(m.NewKey)
	if err != nil {
		return nil, fmt.Errorf("decoding new key of request %s: %w", m.ID, err)
	}
	return &domain.VerificationRequest{
		ID:          m.ID,
		RequesterID: m.RequesterID,
		TargetID:    m.TargetID,
		NewKey:      newKey,
		Policy: domain.VerificationPolicy{
			RequiredLevel:    level,
			MinVerifiers:     m.MinVerifiers,
			RequireConsensus: m.RequireConsensus,
			ValidityPeriod:   time.Duration(m.ValiditySeconds) * time.Second,
		},
		Verifiers: m.Verifiers,
		Status:    domain.RequestStatus(m.Status),
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
		Metadata:  m.Metadata,
	}, nil
}

// VerificationResultModel はverification_resultsテーブルのモデル。
type VerificationResultModel struct {
	ID             string            `gorm:"type:char(36);primaryKey"`
	RequestID      string            `gorm:"type:char(36);not null"`
	SubjectID      string            `gorm:"type:char(36);not null;index:idx_result_subject_verifier"`
	VerifierID     string            `gorm:"type:char(36);not null;index:idx_result_subject_verifier;index:idx_result_verifier_time"`
	Status         string            `gorm:"type:varchar(16);not null"`
	Level          string            `gorm:"type:varchar(16);not null"`
	Evidence       map[string]string `gorm:"type:text;serializer:json"`
	FailureReasons []string          `gorm:"type:text;serializer:json"`
	VerifiedAt     time.Time         `gorm:"type:datetime(6);not null;index:idx_result_verifier_time"`
}

// TableName はテーブル名を返す。
func (VerificationResultModel) TableName() string {
	return "verification_results"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *VerificationResultModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *VerificationResultModel) toDomain() (domain.VerificationResult, error) {
	level, err := trust.ParseLevel(m.Level)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("decoding level of result %s: %w", m.ID, err)
	}
	return domain.VerificationResult{
		ID:             m.ID,
		RequestID:      m.RequestID,
		SubjectID:      m.SubjectID,
		Status:         domain.VerificationStatus(m.Status),
		VerifierID:     m.VerifierID,
		Level:          level,
		Timestamp:      m.VerifiedAt,
		Evidence:       m.Evidence,
		FailureReasons: m.FailureReasons,
	}, nil
}

// VerificationRepository は検証リクエストと検証結果のデータアクセスを提供する。
type VerificationRepository struct {
	db *gorm.DB
}

// NewVerificationRepository は新しいVerificationRepositoryを生成する。
func NewVerificationRepository(db *gorm.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// StoreRequest は検証リクエストを保存する。同じIDのリクエストは上書きする。
func (r *VerificationRepository) StoreRequest(ctx context.Context, req domain.VerificationRequest) error {
	model := &VerificationRequestModel{
		ID:               req.ID,
		RequesterID:      req.RequesterID,
		TargetID:         req.TargetID,
		NewKey:           req.NewKey.String(),
		RequiredLevel:    req.Policy.RequiredLevel.String(),
		MinVerifiers:     req.Policy.MinVerifiers,
		RequireConsensus: req.Policy.RequireConsensus,
		ValiditySeconds:  int64(req.Policy.ValidityPeriod / time.Second),
		Verifiers:        req.Verifiers,
		Status:           string(req.Status),
		Metadata:         req.Metadata,
		CreatedAt:        req.CreatedAt,
		ExpiresAt:        req.ExpiresAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to store verification request",
			"operation", "store_request",
			"request_id", req.ID,
			"target_id", req.TargetID,
			"error", err,
		)
		return err
	}
	return nil
}

// GetActiveRequest は対象エージェントの未完了のリクエストを取得する。存在しない場合はnilを返す。
func (r *VerificationRepository) GetActiveRequest(ctx context.Context, agentID string) (*domain.VerificationRequest, error) {
	var model VerificationRequestModel
	err := r.db.WithContext(ctx).
		Where("target_id = ? AND status = ?", agentID, string(domain.RequestPending)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to get active request",
			"operation", "get_active_request",
			"agent_id", agentID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain()
}

// CancelRequest は未完了のリクエストを取り消す。取り消し済みでもエラーにしない。
func (r *VerificationRepository) CancelRequest(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&VerificationRequestModel{}).
		Where("id = ? AND status = ?", id, string(domain.RequestPending)).
		Update("status", string(domain.RequestCancelled)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to cancel request",
			"operation", "cancel_request",
			"request_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// StoreResult は検証結果を保存する。
func (r *VerificationRepository) StoreResult(ctx context.Context, result domain.VerificationResult) error {
	model := &VerificationResultModel{
		ID:             result.ID,
		RequestID:      result.RequestID,
		SubjectID:      result.SubjectID,
		VerifierID:     result.VerifierID,
		Status:         string(result.Status),
		Level:          result.Level.String(),
		Evidence:       result.Evidence,
		FailureReasons: result.FailureReasons,
		VerifiedAt:     result.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to store verification result",
			"operation", "store_result",
			"request_id", result.RequestID,
			"verifier_id", result.VerifierID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindResultsByRequestID はリクエストに対する検証結果を時刻順に取得する。
func (r *VerificationRepository) FindResultsByRequestID(ctx context.Context, requestID string) ([]domain.VerificationResult, error) {
	var models []VerificationResultModel
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("verified_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find verification results",
			"operation", "find_results_by_request_id",
			"request_id", requestID,
			"error", err,
		)
		return nil, err
	}

	results := make([]domain.VerificationResult, 0, len(models))
	for i := range models {
		res, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// CountSuccessful は検証者が対象エージェントについて成功させた検証の件数を返す。
func (r *VerificationRepository) CountSuccessful(ctx context.Context, subjectID, verifierID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&VerificationResultModel{}).
		Where("subject_id = ? AND verifier_id = ? AND status = ?", subjectID, verifierID, string(domain.VerificationVerified)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count successful verifications",
			"operation", "count_successful",
			"subject_id", subjectID,
			"verifier_id", verifierID,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

// LastResultAt は検証者が最後に検証結果を提出した時刻を返す。未提出の場合はnil。
func (r *VerificationRepository) LastResultAt(ctx context.Context, verifierID string) (*time.Time, error) {
	var model VerificationResultModel
	err := r.db.WithContext(ctx).
		Where("verifier_id = ?", verifierID).
		Order("verified_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find last verification result",
			"operation", "last_result_at",
			"verifier_id", verifierID,
			"error", err,
		)
		return nil, err
	}
	return &model.VerifiedAt, nil
}
