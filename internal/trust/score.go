package trust

import (
	"fmt"
	"sort"
	"time"
)

// 標準メトリクス名。
const (
	MetricDirect               = "direct_trust"
	MetricIndirect             = "indirect_trust"
	MetricHistorical           = "historical_trust"
	MetricBehavioral           = "behavioral_trust"
	MetricIdentityVerification = "identity_verification"
)

// 重みの既定値。呼び出し側が重みを指定しなかった標準メトリクスに使う。
const (
	DefaultWeightDirect               = 0.3
	DefaultWeightIndirect             = 0.2
	DefaultWeightHistorical           = 0.2
	DefaultWeightBehavioral           = 0.2
	DefaultWeightIdentityVerification = 0.1
)

var standardMetrics = []string{
	MetricDirect,
	MetricIndirect,
	MetricHistorical,
	MetricBehavioral,
	MetricIdentityVerification,
}

// Weights はメトリクス名から重みへの対応。
type Weights map[string]float64

// DefaultWeights は標準メトリクスの既定の重みを返す。
func DefaultWeights() Weights {
	return Weights{
		MetricDirect:               DefaultWeightDirect,
		MetricIndirect:             DefaultWeightIndirect,
		MetricHistorical:           DefaultWeightHistorical,
		MetricBehavioral:           DefaultWeightBehavioral,
		MetricIdentityVerification: DefaultWeightIdentityVerification,
	}
}

func defaultWeight(name string) float64 {
	switch name {
	case MetricDirect:
		return DefaultWeightDirect
	case MetricIndirect:
		return DefaultWeightIndirect
	case MetricHistorical:
		return DefaultWeightHistorical
	case MetricBehavioral:
		return DefaultWeightBehavioral
	case MetricIdentityVerification:
		return DefaultWeightIdentityVerification
	}
	return 0
}

// Metrics は信頼スコアの入力となる各メトリクス（いずれも[0,1]）。
type Metrics struct {
	DirectTrust          float64            `json:"direct_trust"`
	IndirectTrust        float64            `json:"indirect_trust"`
	HistoricalTrust      float64            `json:"historical_trust"`
	BehavioralTrust      float64            `json:"behavioral_trust"`
	IdentityVerification float64            `json:"identity_verification"`
	Custom               map[string]float64 `json:"custom_metrics,omitempty"`
}

// Value は名前で指定したメトリクスの値を返す。
func (m Metrics) Value(name string) (float64, bool) {
	switch name {
	case MetricDirect:
		return m.DirectTrust, true
	case MetricIndirect:
		return m.IndirectTrust, true
	case MetricHistorical:
		return m.HistoricalTrust, true
	case MetricBehavioral:
		return m.BehavioralTrust, true
	case MetricIdentityVerification:
		return m.IdentityVerification, true
	}
	v, ok := m.Custom[name]
	return v, ok
}

// With は指定メトリクスを置き換えたコピーを返す。
func (m Metrics) With(name string, value float64) Metrics {
	out := m
	out.Custom = make(map[string]float64, len(m.Custom))
	for k, v := range m.Custom {
		out.Custom[k] = v
	}

	switch name {
	case MetricDirect:
		out.DirectTrust = value
	case MetricIndirect:
		out.IndirectTrust = value
	case MetricHistorical:
		out.HistoricalTrust = value
	case MetricBehavioral:
		out.BehavioralTrust = value
	case MetricIdentityVerification:
		out.IdentityVerification = value
	default:
		out.Custom[name] = value
	}
	if len(out.Custom) == 0 {
		out.Custom = nil
	}
	return out
}

// Validate は全メトリクスが[0,1]に収まっていることを検査する。
func (m Metrics) Validate() error {
	for _, name := range standardMetrics {
		v, _ := m.Value(name)
		if !inUnitRange(v) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidMetric, name, v)
		}
	}
	for name, v := range m.Custom {
		if !inUnitRange(v) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidMetric, name, v)
		}
	}
	return nil
}

// WeightedScore はメトリクスの加重平均を返す。
// 標準メトリクスは重みが無ければ既定値を使い、カスタムメトリクスは重みがある場合のみ計上する。
// 使用した重みの合計が0なら0を返す。
func WeightedScore(m Metrics, w Weights) float64 {
	var sum, total float64

	for _, name := range standardMetrics {
		weight, ok := w[name]
		if !ok {
			weight = defaultWeight(name)
		}
		v, _ := m.Value(name)
		sum += v * weight
		total += weight
	}

	// 合計順序を固定するため名前順に処理
	names := make([]string, 0, len(m.Custom))
	for name := range m.Custom {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		weight, ok := w[name]
		if !ok {
			continue
		}
		sum += m.Custom[name] * weight
		total += weight
	}

	if total == 0 {
		return 0
	}
	return sum / total
}

// Threshold はレベルとその最低スコアの組。
type Threshold struct {
	Level    Level   `json:"level"`
	MinScore float64 `json:"min_score"`
}

// DefaultThresholds は既定の閾値を昇順で返す。
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Level: LevelNone, MinScore: 0.0},
		{Level: LevelLow, MinScore: 0.3},
		{Level: LevelMedium, MinScore: 0.6},
		{Level: LevelHigh, MinScore: 0.8},
		{Level: LevelVeryHigh, MinScore: 0.9},
	}
}

// Classify は昇順の閾値を走査し、スコアが満たす最も高いレベルを返す。
// 閾値は並べ替えず、最初に満たさない閾値で走査を止める。
func Classify(score float64, thresholds []Threshold) Level {
	level := LevelNone
	for _, t := range thresholds {
		if score < t.MinScore {
			break
		}
		level = t.Level
	}
	return level
}

// Score は不変の信頼スコア。更新は再計算で新しい値を作る。
type Score struct {
	Value          float64       `json:"score"`
	Level          Level         `json:"level"`
	Metrics        Metrics       `json:"metrics"`
	Timestamp      time.Time     `json:"timestamp"`
	Confidence     float64       `json:"confidence"`
	ValidityPeriod time.Duration `json:"validity_period"`
}

// NewScore は現在時刻で信頼スコアを生成する。
// レベルとスコアの整合は検査しない（IsConsistentで確認できる）。
func NewScore(value float64, level Level, metrics Metrics, confidence float64, validity time.Duration) (Score, error) {
	return NewScoreAt(value, level, metrics, confidence, validity, time.Now())
}

// NewScoreAt は指定時刻で信頼スコアを生成する。
func NewScoreAt(value float64, level Level, metrics Metrics, confidence float64, validity time.Duration, at time.Time) (Score, error) {
	if !inUnitRange(value) {
		return Score{}, fmt.Errorf("%w: score %v out of [0,1]", ErrInvalidTrustScore, value)
	}
	if !inUnitRange(confidence) {
		return Score{}, fmt.Errorf("%w: confidence %v out of [0,1]", ErrInvalidTrustScore, confidence)
	}
	return Score{
		Value:          value,
		Level:          level,
		Metrics:        metrics,
		Timestamp:      at,
		Confidence:     confidence,
		ValidityPeriod: validity,
	}, nil
}

// IsValid は現在時刻でスコアが有効期間内かどうかを返す。
func (s Score) IsValid() bool {
	return s.IsValidAt(time.Now())
}

// IsValidAt は指定時刻でスコアが有効期間内かどうかを返す。
func (s Score) IsValidAt(now time.Time) bool {
	return now.Sub(s.Timestamp) < s.ValidityPeriod
}

// IsConsistent はレベルが閾値による分類と一致するかどうかを返す。
func (s Score) IsConsistent(thresholds []Threshold) bool {
	return Classify(s.Value, thresholds) == s.Level
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
