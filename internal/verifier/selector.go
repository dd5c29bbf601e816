// Package verifier はローテーションの証明を依頼する検証者を選定する。
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

// 適性スコアの加点。
const (
	bonusPerSuccessfulVerification = 0.1
	bonusStable                    = 0.2
	bonusRecentlyActive            = 0.1
)

// TrustSource は信頼スコアと信頼関係の取得元。
type TrustSource interface {
	GetTrustScore(ctx context.Context, agentID string) (trust.Score, error)
	GetTrustedAgents(ctx context.Context, agentID string, minLevel trust.Level, limit int) ([]domain.Agent, error)
}

// StatsSource は検証者の実績の取得元。
type StatsSource interface {
	VerifierStats(ctx context.Context, subjectID, verifierID string) (Stats, error)
}

// Stats は検証者の実績。
type Stats struct {
	SuccessfulVerifications int
	Stable                  bool
	RecentlyActive          bool
}

// Candidate は選定対象の検証者。
type Candidate struct {
	Agent domain.Agent
	Score trust.Score
	Stats Stats
}

// Ranked は適性スコア付きの選定結果。
type Ranked struct {
	Agent       domain.Agent
	Level       trust.Level
	Suitability float64
}

// BaseSuitability は信頼レベルごとの基礎点を返す。
func BaseSuitability(level trust.Level) float64 {
	switch {
	case level >= trust.LevelHigh:
		return 1.0
	case level == trust.LevelMedium:
		return 0.7
	case level == trust.LevelLow:
		return 0.4
	}
	return 0
}

// Suitability は検証者の適性スコアを返す。
func Suitability(level trust.Level, s Stats) float64 {
	score := BaseSuitability(level) + bonusPerSuccessfulVerification*float64(s.SuccessfulVerifications)
	if s.Stable {
		score += bonusStable
	}
	if s.RecentlyActive {
		score += bonusRecentlyActive
	}
	return score
}

// Rank は候補を絞り込み、適性スコアの降順（同点はID順）で上位count件を返す。
// 要件を満たす候補がcount件に満たない場合はErrNotAllowedを返す。
func Rank(subjectID string, candidates []Candidate, required trust.Level, count int, now time.Time) ([]Ranked, error) {
	seen := make(map[string]bool, len(candidates))
	eligible := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		if !isEligible(subjectID, c, required, now) || seen[c.Agent.ID] {
			continue
		}
		seen[c.Agent.ID] = true
		eligible = append(eligible, Ranked{
			Agent:       c.Agent,
			Level:       c.Score.Level,
			Suitability: Suitability(c.Score.Level, c.Stats),
		})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Suitability != eligible[j].Suitability {
			return eligible[i].Suitability > eligible[j].Suitability
		}
		return eligible[i].Agent.ID < eligible[j].Agent.ID
	})

	if count <= 0 {
		return []Ranked{}, nil
	}
	if len(eligible) < count {
		return nil, fmt.Errorf("%w: %d eligible verifiers at level %s or above, need %d",
			domain.ErrNotAllowed, len(eligible), required, count)
	}
	return eligible[:count], nil
}

func isEligible(subjectID string, c Candidate, required trust.Level, now time.Time) bool {
	switch {
	case c.Agent.ID == "" || c.Agent.ID == subjectID:
		return false
	case !c.Agent.IsOperational() || !c.Agent.Capabilities.CanVerify:
		return false
	case !c.Score.IsValidAt(now):
		return false
	}
	return c.Score.Level.AtLeast(required)
}

// Selector は信頼スコアと実績から検証者を選定する。
type Selector struct {
	trust TrustSource
	stats StatsSource
	now   func() time.Time
}

// Option はSelectorの設定を変更する。
type Option func(*Selector)

// WithClock は時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		s.now = now
	}
}

// NewSelector は新しいSelectorを生成する。
func NewSelector(trustSource TrustSource, stats StatsSource, opts ...Option) *Selector {
	s := &Selector{
		trust: trustSource,
		stats: stats,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select は候補プールから上位count件の検証者を選ぶ。
func (s *Selector) Select(ctx context.Context, subjectID string, pool []domain.Agent, required trust.Level, count int) ([]Ranked, error) {
	candidates := make([]Candidate, 0, len(pool))
	for _, agent := range pool {
		score, err := s.trust.GetTrustScore(ctx, agent.ID)
		if errors.Is(err, domain.ErrTrustScoreNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: loading trust score for %s: %w", domain.ErrInternal, agent.ID, err)
		}

		var stats Stats
		if s.stats != nil {
			stats, err = s.stats.VerifierStats(ctx, subjectID, agent.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: loading verifier stats for %s: %w", domain.ErrInternal, agent.ID, err)
			}
		}
		candidates = append(candidates, Candidate{Agent: agent, Score: score, Stats: stats})
	}
	return Rank(subjectID, candidates, required, count, s.now())
}

// SelectTrusted は対象エージェントの信頼ネットワークからcount件の検証者を選ぶ。
// 絞り込みで脱落する分を見込み、count*2件の候補を取得する。
func (s *Selector) SelectTrusted(ctx context.Context, subjectID string, required trust.Level, count int) ([]Ranked, error) {
	if count <= 0 {
		return []Ranked{}, nil
	}
	pool, err := s.trust.GetTrustedAgents(ctx, subjectID, required, count*2)
	if err != nil {
		return nil, fmt.Errorf("%w: loading trusted agents: %w", domain.ErrInternal, err)
	}
	return s.Select(ctx, subjectID, pool, required, count)
}

// AgentIDs は選定結果のエージェントIDを返す。
func AgentIDs(ranked []Ranked) []string {
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.Agent.ID
	}
	return ids
}
