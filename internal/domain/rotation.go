package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"agent-trust-service/internal/crypto"
)

// Day は日数指定の期間に使う。
const Day = 24 * time.Hour

// CancelledReason はキャンセルされたローテーションの失敗理由。
const CancelledReason = "cancelled"

// RotationConfig はローテーションの期間設定。構築後は変更せず、差し替えで更新する。
// overlap_period < rotation_period < max_key_age を満たす。
type RotationConfig struct {
	rotationPeriod      time.Duration
	overlapPeriod       time.Duration
	maxKeyAge           time.Duration
	requireVerification bool
}

// NewRotationConfig は期間の関係を検査してRotationConfigを生成する。
func NewRotationConfig(rotationPeriod, overlapPeriod, maxKeyAge time.Duration, requireVerification bool) (RotationConfig, error) {
	if overlapPeriod < 0 {
		return RotationConfig{}, fmt.Errorf("%w: overlap_period must not be negative", ErrInvalidRotationConfig)
	}
	if overlapPeriod >= rotationPeriod {
		return RotationConfig{}, fmt.Errorf("%w: overlap_period (%s) must be shorter than rotation_period (%s)",
			ErrInvalidRotationConfig, overlapPeriod, rotationPeriod)
	}
	if rotationPeriod >= maxKeyAge {
		return RotationConfig{}, fmt.Errorf("%w: rotation_period (%s) must be shorter than max_key_age (%s)",
			ErrInvalidRotationConfig, rotationPeriod, maxKeyAge)
	}
	return RotationConfig{
		rotationPeriod:      rotationPeriod,
		overlapPeriod:       overlapPeriod,
		maxKeyAge:           maxKeyAge,
		requireVerification: requireVerification,
	}, nil
}

// DefaultRotationConfig は90日周期・7日重複・最大365日の既定設定を返す。
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		rotationPeriod:      90 * Day,
		overlapPeriod:       7 * Day,
		maxKeyAge:           365 * Day,
		requireVerification: true,
	}
}

// RotationPeriod はローテーション周期を返す。
func (c RotationConfig) RotationPeriod() time.Duration { return c.rotationPeriod }

// OverlapPeriod は旧鍵と新鍵の重複期間を返す。
func (c RotationConfig) OverlapPeriod() time.Duration { return c.overlapPeriod }

// MaxKeyAge は鍵の最大寿命を返す。
func (c RotationConfig) MaxKeyAge() time.Duration { return c.maxKeyAge }

// RequireVerification は検証者による証明を必須とするかを返す。
func (c RotationConfig) RequireVerification() bool { return c.requireVerification }

type rotationConfigJSON struct {
	RotationPeriod      int64 `json:"rotation_period"`
	OverlapPeriod       int64 `json:"overlap_period"`
	MaxKeyAge           int64 `json:"max_key_age"`
	RequireVerification bool  `json:"require_verification"`
}

// MarshalJSON は期間を秒数で出力する。
func (c RotationConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(rotationConfigJSON{
		RotationPeriod:      int64(c.rotationPeriod / time.Second),
		OverlapPeriod:       int64(c.overlapPeriod / time.Second),
		MaxKeyAge:           int64(c.maxKeyAge / time.Second),
		RequireVerification: c.requireVerification,
	})
}

// UnmarshalJSON は秒数の期間を読み込み、期間の関係を検査する。
func (c *RotationConfig) UnmarshalJSON(data []byte) error {
	var raw rotationConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := NewRotationConfig(
		time.Duration(raw.RotationPeriod)*time.Second,
		time.Duration(raw.OverlapPeriod)*time.Second,
		time.Duration(raw.MaxKeyAge)*time.Second,
		raw.RequireVerification,
	)
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

// RotationOutcome はローテーション記録の結果区分。
type RotationOutcome string

const (
	// RotationOutcomeCompleted は完了したローテーション。
	RotationOutcomeCompleted RotationOutcome = "completed"
	// RotationOutcomeCancelled は明示的にキャンセルされたローテーション。
	RotationOutcomeCancelled RotationOutcome = "cancelled"
	// RotationOutcomeAborted は外部要因で中断したローテーション。
	RotationOutcomeAborted RotationOutcome = "aborted"
)

// RotationRecord は不変のローテーション履歴。
type RotationRecord struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id"`
	OldKey     crypto.PublicKey  `json:"old_key"`
	NewKey     crypto.PublicKey  `json:"new_key"`
	Timestamp  time.Time         `json:"timestamp"`
	Reason     string            `json:"reason"`
	Outcome    RotationOutcome   `json:"outcome"`
	Verified   bool              `json:"verified"`
	VerifiedBy string            `json:"verified_by,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RotationPhase はローテーション状態の種別。
type RotationPhase string

const (
	PhaseStable       RotationPhase = "stable"
	PhaseScheduled    RotationPhase = "scheduled"
	PhaseDistributing RotationPhase = "distributing"
	PhaseRotating     RotationPhase = "rotating"
	PhaseComplete     RotationPhase = "complete"
	PhaseFailed       RotationPhase = "failed"
)

// RotationStatus はローテーション状態機械の現在状態。
// 実装は本パッケージのStatus*型に限られる。
type RotationStatus interface {
	Phase() RotationPhase
	isRotationStatus()
}

// StatusStable はローテーションが進行していない状態。
type StatusStable struct{}

// StatusScheduled はローテーションが予約された状態。
type StatusScheduled struct {
	At time.Time
}

// StatusDistributing は新しい鍵を選定済みの検証者へ配布している状態。
type StatusDistributing struct {
	NewKey        crypto.PublicKey
	DistributedTo []string
}

// StatusRotating は検証者の証明を収集している状態。
type StatusRotating struct {
	NewKey        crypto.PublicKey
	Verifications []VerificationResult
}

// StatusComplete はローテーションが確定した状態。
type StatusComplete struct {
	Record RotationRecord
}

// StatusFailed はローテーションが失敗またはキャンセルされた状態。
type StatusFailed struct {
	Reason string
	Error  string
}

func (StatusStable) Phase() RotationPhase       { return PhaseStable }
func (StatusScheduled) Phase() RotationPhase    { return PhaseScheduled }
func (StatusDistributing) Phase() RotationPhase { return PhaseDistributing }
func (StatusRotating) Phase() RotationPhase     { return PhaseRotating }
func (StatusComplete) Phase() RotationPhase     { return PhaseComplete }
func (StatusFailed) Phase() RotationPhase       { return PhaseFailed }

func (StatusStable) isRotationStatus()       {}
func (StatusScheduled) isRotationStatus()    {}
func (StatusDistributing) isRotationStatus() {}
func (StatusRotating) isRotationStatus()     {}
func (StatusComplete) isRotationStatus()     {}
func (StatusFailed) isRotationStatus()       {}

// CloneStatus はスライスやマップを共有しないコピーを返す。
func CloneStatus(s RotationStatus) RotationStatus {
	switch st := s.(type) {
	case StatusDistributing:
		st.DistributedTo = slices.Clone(st.DistributedTo)
		return st
	case StatusRotating:
		results := make([]VerificationResult, len(st.Verifications))
		for i, r := range st.Verifications {
			results[i] = r.Clone()
		}
		st.Verifications = results
		return st
	case StatusComplete:
		st.Record.Metadata = maps.Clone(st.Record.Metadata)
		return st
	case nil:
		return StatusStable{}
	default:
		return st
	}
}
