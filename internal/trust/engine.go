package trust

import (
	"fmt"
	"time"
)

// DefaultScoreValidity はスコアの既定の有効期間。
const DefaultScoreValidity = 24 * time.Hour

// Engine は重みと閾値を固定して信頼スコアを算出する。
type Engine struct {
	weights    Weights
	thresholds []Threshold
	validity   time.Duration
	now        func() time.Time
}

// EngineOption はEngineの設定を変更する。
type EngineOption func(*Engine)

// WithWeights は重みを指定する。
func WithWeights(w Weights) EngineOption {
	return func(e *Engine) {
		e.weights = w
	}
}

// WithThresholds は昇順の閾値を指定する。
func WithThresholds(t []Threshold) EngineOption {
	return func(e *Engine) {
		e.thresholds = t
	}
}

// WithValidity はスコアの有効期間を指定する。
func WithValidity(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.validity = d
	}
}

// WithEngineClock は時刻の取得元を差し替える。
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine は新しいEngineを生成する。
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		validity:   DefaultScoreValidity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Thresholds は使用中の閾値を返す。
func (e *Engine) Thresholds() []Threshold {
	out := make([]Threshold, len(e.thresholds))
	copy(out, e.thresholds)
	return out
}

// Calculate はメトリクスからスコアとレベルを算出する。
func (e *Engine) Calculate(m Metrics, confidence float64) (Score, error) {
	if err := m.Validate(); err != nil {
		return Score{}, err
	}
	value := WeightedScore(m, e.weights)
	return NewScoreAt(value, Classify(value, e.thresholds), m, confidence, e.validity, e.now())
}

// Adjust は指定メトリクスにdeltaを加えて（[0,1]に丸めて）スコアを再計算する。
func (e *Engine) Adjust(prev Score, metric string, delta float64) (Score, error) {
	current, ok := prev.Metrics.Value(metric)
	if !ok {
		return Score{}, fmt.Errorf("%w: unknown metric %s", ErrInvalidMetric, metric)
	}
	return e.Calculate(prev.Metrics.With(metric, clampUnit(current+delta)), prev.Confidence)
}
