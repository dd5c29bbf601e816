package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/metrics"
	"agent-trust-service/internal/trust"
)

// ローテーション結果ごとのhistorical_trustの増減。
var rotationOutcomeDelta = map[domain.RotationOutcome]float64{
	domain.RotationOutcomeCompleted: 0.1,
	domain.RotationOutcomeAborted:   -0.1,
	domain.RotationOutcomeCancelled: -0.05,
}

// TrustService は信頼スコア・信頼関係・ライフサイクルのビジネスロジックを提供する。
// verifier.TrustSourceとしてVerifierSelectorに、OutcomeRecorderとしてローテーションに使われる。
type TrustService struct {
	agents     AgentRepository
	scores     TrustRepository
	lifecycles LifecycleRepository
	engine     *trust.Engine
	metrics    *metrics.Metrics
	now        func() time.Time
	locks      agentLocks
}

// NewTrustService は新しいTrustServiceを生成する。mは省略できる。
func NewTrustService(agents AgentRepository, scores TrustRepository, lifecycles LifecycleRepository, engine *trust.Engine, m *metrics.Metrics) *TrustService {
	return &TrustService{
		agents:     agents,
		scores:     scores,
		lifecycles: lifecycles,
		engine:     engine,
		metrics:    m,
		now:        time.Now,
	}
}

// UpdateMetrics はメトリクスから信頼スコアを再計算して保存する。
func (s *TrustService) UpdateMetrics(ctx context.Context, agentID string, m trust.Metrics, confidence float64) (trust.Score, error) {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return trust.Score{}, err
	}

	score, err := s.engine.Calculate(m, confidence)
	if err != nil {
		return trust.Score{}, err
	}
	if err := s.scores.SaveScore(ctx, agentID, score); err != nil {
		return trust.Score{}, fmt.Errorf("saving trust score: %w", err)
	}
	s.metrics.TrustScoreComputed(score.Level.String())
	return score, nil
}

// GetTrustScore は最新の信頼スコアを返す。未算出ならErrTrustScoreNotFoundを返す。
func (s *TrustService) GetTrustScore(ctx context.Context, agentID string) (trust.Score, error) {
	score, err := s.scores.FindLatestScore(ctx, agentID)
	if err != nil {
		return trust.Score{}, fmt.Errorf("finding trust score: %w", err)
	}
	if score == nil {
		return trust.Score{}, domain.ErrTrustScoreNotFound
	}
	return *score, nil
}

// GetTrustedAgents はagentIDが信頼する稼働中のエージェントのうち、
// 有効なスコアがminLevel以上のものをスコアの高い順に最大limit件返す。limitが0以下なら全件。
func (s *TrustService) GetTrustedAgents(ctx context.Context, agentID string, minLevel trust.Level, limit int) ([]domain.Agent, error) {
	ids, err := s.scores.FindTrustedIDs(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("finding trusted agents: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Agent{}, nil
	}

	agents, err := s.agents.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("finding agents: %w", err)
	}
	scores, err := s.scores.FindLatestScores(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("finding trust scores: %w", err)
	}

	now := s.now()
	type scored struct {
		agent domain.Agent
		value float64
	}
	var candidates []scored
	for _, a := range agents {
		if a.ID == agentID || !a.IsOperational() {
			continue
		}
		score, ok := scores[a.ID]
		if !ok || !score.IsValidAt(now) || !score.Level.AtLeast(minLevel) {
			continue
		}
		candidates = append(candidates, scored{agent: *a, value: score.Value})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].value != candidates[j].value {
			return candidates[i].value > candidates[j].value
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]domain.Agent, len(candidates))
	for i, c := range candidates {
		out[i] = c.agent
	}
	return out, nil
}

// AddRelationship はsourceからtargetへの信頼関係を登録する。
func (s *TrustService) AddRelationship(ctx context.Context, sourceID, targetID string) error {
	if sourceID == targetID {
		return domain.ErrSelfTrust
	}
	if err := s.requireAgent(ctx, sourceID); err != nil {
		return err
	}
	if err := s.requireAgent(ctx, targetID); err != nil {
		return err
	}
	if err := s.scores.CreateRelationship(ctx, sourceID, targetID); err != nil {
		return fmt.Errorf("creating trust relationship: %w", err)
	}
	return nil
}

// RecordRotationOutcome はローテーション結果をhistorical_trustへ反映してスコアを再計算する。
// スコアが未算出のエージェントには何もしない。
func (s *TrustService) RecordRotationOutcome(ctx context.Context, agentID string, outcome domain.RotationOutcome) error {
	delta, ok := rotationOutcomeDelta[outcome]
	if !ok {
		return fmt.Errorf("unknown rotation outcome %q", outcome)
	}

	unlock := s.locks.lock(agentID)
	defer unlock()

	prev, err := s.GetTrustScore(ctx, agentID)
	if errors.Is(err, domain.ErrTrustScoreNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	score, err := s.engine.Adjust(prev, trust.MetricHistorical, delta)
	if err != nil {
		return fmt.Errorf("adjusting trust score: %w", err)
	}
	if err := s.scores.SaveScore(ctx, agentID, score); err != nil {
		return fmt.Errorf("saving trust score: %w", err)
	}
	s.metrics.TrustScoreComputed(score.Level.String())
	slog.InfoContext(ctx, "trust score adjusted for rotation outcome",
		"operation", "record_rotation_outcome",
		"agent_id", agentID,
		"outcome", string(outcome),
		"score", score.Value,
		"level", score.Level.String(),
	)
	return nil
}

// Lifecycle は保存済みのライフサイクルを復元して返す。
func (s *TrustService) Lifecycle(ctx context.Context, agentID string) (*trust.Lifecycle, error) {
	snap, err := s.lifecycles.Load(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading lifecycle: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: no lifecycle for %s", domain.ErrAgentNotFound, agentID)
	}
	lc, err := trust.RestoreLifecycle(*snap, trust.WithLifecycleClock(s.now))
	if err != nil {
		return nil, fmt.Errorf("restoring lifecycle: %w", err)
	}
	return lc, nil
}

// TransitionLifecycle は遷移を適用する。Atが未来なら予約のみ行う。
func (s *TrustService) TransitionLifecycle(ctx context.Context, agentID string, t trust.Transition) (*trust.Lifecycle, error) {
	unlock := s.locks.lock(agentID)
	defer unlock()

	lc, err := s.Lifecycle(ctx, agentID)
	if err != nil {
		return nil, err
	}

	from := lc.CurrentState()
	scheduled := !t.At.IsZero() && t.At.After(s.now())
	if scheduled {
		err = lc.ScheduleTransition(t)
	} else {
		err = lc.ApplyTransition(t)
	}
	if err != nil {
		return nil, err
	}

	if err := s.lifecycles.Save(ctx, agentID, lc.Snapshot()); err != nil {
		return nil, fmt.Errorf("saving lifecycle: %w", err)
	}
	if !scheduled {
		s.metrics.LifecycleTransition(from.String(), t.Target.String())
	}
	return lc, nil
}

// CheckLifecycle は予約時刻に達した遷移を適用し、適用したかどうかを返す。
func (s *TrustService) CheckLifecycle(ctx context.Context, agentID string) (*trust.Lifecycle, bool, error) {
	unlock := s.locks.lock(agentID)
	defer unlock()

	lc, err := s.Lifecycle(ctx, agentID)
	if err != nil {
		return nil, false, err
	}

	from := lc.CurrentState()
	to, changed, err := lc.CheckPendingTransitions()
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return lc, false, nil
	}
	if err := s.lifecycles.Save(ctx, agentID, lc.Snapshot()); err != nil {
		return nil, false, fmt.Errorf("saving lifecycle: %w", err)
	}
	s.metrics.LifecycleTransition(from.String(), to.String())
	return lc, true, nil
}

// CheckDue は予約時刻に達したライフサイクルを最大limit件処理し、遷移した件数を返す。
// 個別の失敗はログに残して続行する。
func (s *TrustService) CheckDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.lifecycles.FindDue(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("finding due lifecycles: %w", err)
	}

	transitioned := 0
	for _, id := range ids {
		_, changed, err := s.CheckLifecycle(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "failed to apply scheduled lifecycle transition",
				"operation", "check_due_lifecycles",
				"agent_id", id,
				"error", err,
			)
			continue
		}
		if changed {
			transitioned++
		}
	}
	return transitioned, nil
}

func (s *TrustService) requireAgent(ctx context.Context, agentID string) error {
	agent, err := s.agents.FindByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("finding agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	return nil
}
