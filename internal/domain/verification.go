package domain

import (
	"maps"
	"slices"
	"time"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/trust"
)

// VerificationStatus は検証結果のステータス。
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
	VerificationPending  VerificationStatus = "pending"
	VerificationRejected VerificationStatus = "rejected"
	VerificationExpired  VerificationStatus = "expired"
)

// IsValid は既知のステータスかどうかを返す。
func (s VerificationStatus) IsValid() bool {
	switch s {
	case VerificationVerified, VerificationFailed, VerificationPending, VerificationRejected, VerificationExpired:
		return true
	}
	return false
}

// RequestStatus は検証リクエストのステータス。
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestCancelled RequestStatus = "cancelled"
)

// VerificationPolicy は検証の要件。
type VerificationPolicy struct {
	RequiredLevel    trust.Level
	MinVerifiers     int
	RequireConsensus bool
	ValidityPeriod   time.Duration
}

// VerificationRequest はローテーション中の新しい鍵に対する検証依頼。
type VerificationRequest struct {
	ID          string
	RequesterID string
	TargetID    string
	NewKey      crypto.PublicKey
	Policy      VerificationPolicy
	Verifiers   []string
	Status      RequestStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Metadata    map[string]string
}

// IsExpiredAt は指定時刻でリクエストの期限が切れているかを返す。
func (r VerificationRequest) IsExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HasVerifier は検証者として選定済みかどうかを返す。
func (r VerificationRequest) HasVerifier(agentID string) bool {
	return slices.Contains(r.Verifiers, agentID)
}

// VerificationResult は検証者による証明の結果。
type VerificationResult struct {
	ID             string
	RequestID      string
	SubjectID      string
	Status         VerificationStatus
	VerifierID     string
	Level          trust.Level
	Timestamp      time.Time
	Evidence       map[string]string
	FailureReasons []string
}

// IsSuccessful はVerifiedかどうかを返す。
func (r VerificationResult) IsSuccessful() bool {
	return r.Status == VerificationVerified
}

// Clone はマップやスライスを共有しないコピーを返す。
func (r VerificationResult) Clone() VerificationResult {
	r.Evidence = maps.Clone(r.Evidence)
	r.FailureReasons = slices.Clone(r.FailureReasons)
	return r
}

// Attestation は検証者が提出する新しい鍵の所有確認。
type Attestation struct {
	VerifierID     string
	Proof          []byte
	Status         VerificationStatus
	Level          trust.Level
	Evidence       map[string]string
	FailureReasons []string
}
