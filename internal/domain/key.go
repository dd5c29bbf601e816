package domain

import (
	"time"

	"agent-trust-service/internal/crypto"
)

// KeyStatus は鍵世代のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は現在の署名鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetiring はオーバーラップ期間中の旧鍵を表す。
	KeyStatusRetiring KeyStatus = "retiring"
	// KeyStatusRetired は検証にも使われない旧鍵を表す。
	KeyStatusRetired KeyStatus = "retired"
)

// AgentKey はエージェントの鍵世代を表す。秘密鍵はKMSで暗号化済み。
type AgentKey struct {
	ID                  string
	AgentID             string
	Generation          uint
	PublicKey           crypto.PublicKey
	EncryptedPrivateKey []byte
	Status              KeyStatus
	ExpiresAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// KeyMetadata は鍵世代のメタデータを表す（秘密鍵を含まない）。
type KeyMetadata struct {
	AgentID    string
	Generation uint
	PublicKey  crypto.PublicKey
	Status     KeyStatus
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Metadata は秘密鍵を除いたメタデータを返す。
func (k *AgentKey) Metadata() *KeyMetadata {
	return &KeyMetadata{
		AgentID:    k.AgentID,
		Generation: k.Generation,
		PublicKey:  k.PublicKey,
		Status:     k.Status,
		ExpiresAt:  k.ExpiresAt,
		CreatedAt:  k.CreatedAt,
	}
}

// IsUsableAt は鍵が指定時刻に署名検証へ使えるかどうかを返す。
func (k *AgentKey) IsUsableAt(now time.Time) bool {
	switch k.Status {
	case KeyStatusActive:
		return true
	case KeyStatusRetiring:
		return k.ExpiresAt != nil && now.Before(*k.ExpiresAt)
	}
	return false
}
