package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
	"agent-trust-service/internal/verifier"
)

const (
	// stableAfter はActive状態がこの期間続いた検証者を安定とみなす。
	stableAfter = 30 * domain.Day
	// recentWithin はこの期間内に活動した検証者を最近活動ありとみなす。
	recentWithin = 7 * domain.Day
)

// StatsRepository は検証者の実績を集計する。
type StatsRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStatsRepository は新しいStatsRepositoryを生成する。
func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db, now: time.Now}
}

// VerifierStats は対象エージェントに対する検証者の実績を返す。
func (r *StatsRepository) VerifierStats(ctx context.Context, subjectID, verifierID string) (verifier.Stats, error) {
	now := r.now()
	db := r.db.WithContext(ctx)

	var successful int64
	if err := db.Model(&VerificationResultModel{}).
		Where("subject_id = ? AND verifier_id = ? AND status = ?", subjectID, verifierID, string(domain.VerificationVerified)).
		Count(&successful).Error; err != nil {
		return verifier.Stats{}, r.logError(ctx, "count_successful", verifierID, err)
	}

	var stable int64
	if err := db.Model(&TrustLifecycleModel{}).
		Where("agent_id = ? AND current_state = ? AND state_entered_at <= ?", verifierID, trust.StateActive.String(), now.Add(-stableAfter)).
		Count(&stable).Error; err != nil {
		return verifier.Stats{}, r.logError(ctx, "check_stable", verifierID, err)
	}

	since := now.Add(-recentWithin)
	var recentResults int64
	if err := db.Model(&VerificationResultModel{}).
		Where("verifier_id = ? AND verified_at >= ?", verifierID, since).
		Count(&recentResults).Error; err != nil {
		return verifier.Stats{}, r.logError(ctx, "check_recent_results", verifierID, err)
	}
	recent := recentResults > 0
	if !recent {
		var recentScores int64
		if err := db.Model(&TrustScoreModel{}).
			Where("agent_id = ? AND computed_at >= ?", verifierID, since).
			Count(&recentScores).Error; err != nil {
			return verifier.Stats{}, r.logError(ctx, "check_recent_scores", verifierID, err)
		}
		recent = recentScores > 0
	}

	return verifier.Stats{
		SuccessfulVerifications: int(successful),
		Stable:                  stable > 0,
		RecentlyActive:          recent,
	}, nil
}

func (r *StatsRepository) logError(ctx context.Context, step, verifierID string, err error) error {
	slog.ErrorContext(ctx, "failed to aggregate verifier stats",
		"operation", "verifier_stats",
		"step", step,
		"verifier_id", verifierID,
		"error", err,
	)
	return err
}
