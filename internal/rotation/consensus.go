// Package rotation はエージェント署名鍵のローテーションプロトコルを実装する。
package rotation

import (
	"fmt"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

// ConsensusChecker は収集済みの検証結果が完了条件を満たすかを判定する。
type ConsensusChecker struct {
	Policy domain.VerificationPolicy
}

// NewConsensusChecker は新しいConsensusCheckerを生成する。
func NewConsensusChecker(policy domain.VerificationPolicy) ConsensusChecker {
	return ConsensusChecker{Policy: policy}
}

// Check は定足数・合意・信頼レベルを検査する。満たさない場合はErrVerificationFailedを返す。
func (c ConsensusChecker) Check(results []domain.VerificationResult) error {
	if len(results) < c.Policy.MinVerifiers {
		return fmt.Errorf("%w: %d of %d required verifications collected",
			domain.ErrVerificationFailed, len(results), c.Policy.MinVerifiers)
	}
	for _, r := range results {
		if c.Policy.RequireConsensus && !r.IsSuccessful() {
			return fmt.Errorf("%w: consensus required but verifier %s reported %s",
				domain.ErrVerificationFailed, r.VerifierID, r.Status)
		}
		if !r.Level.AtLeast(c.Policy.RequiredLevel) {
			return fmt.Errorf("%w: verifier %s attested at %s, %s required",
				domain.ErrVerificationFailed, r.VerifierID, r.Level, c.Policy.RequiredLevel)
		}
	}
	return nil
}

// Satisfied はCheckが成功するかどうかを返す。
func (c ConsensusChecker) Satisfied(results []domain.VerificationResult) bool {
	return c.Check(results) == nil
}

// RequiredLevelFor はエージェントの信頼レベルとローテーション履歴から必要な検証者レベルを返す。
// 初回のローテーションと低信頼のエージェントには高い検証者レベルを要求する。
func RequiredLevelFor(agentLevel trust.Level, hasHistory bool) trust.Level {
	if !hasHistory {
		return trust.LevelHigh
	}
	switch {
	case agentLevel >= trust.LevelMedium:
		return trust.LevelMedium
	default:
		return trust.LevelHigh
	}
}

// MinVerifiersFor は必要な検証者レベルごとの定足数を返す。
func MinVerifiersFor(required trust.Level) int {
	switch {
	case required >= trust.LevelHigh:
		return 3
	case required == trust.LevelMedium:
		return 2
	default:
		return 1
	}
}

// DefaultRequestValidity は重複期間が0の場合の検証リクエストの有効期間。
const DefaultRequestValidity = 24 * time.Hour

// PolicyFor はエージェントの状況から既定の検証ポリシーを導出する。
func PolicyFor(agentLevel trust.Level, hasHistory bool, cfg domain.RotationConfig) domain.VerificationPolicy {
	required := RequiredLevelFor(agentLevel, hasHistory)
	validity := cfg.OverlapPeriod()
	if validity <= 0 {
		validity = DefaultRequestValidity
	}
	return domain.VerificationPolicy{
		RequiredLevel:    required,
		MinVerifiers:     MinVerifiersFor(required),
		RequireConsensus: required >= trust.LevelHigh,
		ValidityPeriod:   validity,
	}
}
