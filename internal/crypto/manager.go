package crypto

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMinKeyStrength は鍵の最低強度（ビット）の既定値。
const DefaultMinKeyStrength = 128

// KeyManager はエージェントの現在の鍵ペアを保持する。
type KeyManager struct {
	mu          sync.RWMutex
	current     KeyPair
	activatedAt time.Time
	minStrength int
}

// NewKeyManager は現在の鍵ペアと有効化日時からKeyManagerを生成する。
func NewKeyManager(current KeyPair, activatedAt time.Time, minStrength int) (*KeyManager, error) {
	if minStrength <= 0 {
		minStrength = DefaultMinKeyStrength
	}
	if err := ValidateKeyStrength(current, minStrength); err != nil {
		return nil, fmt.Errorf("validating current key: %w", err)
	}
	return &KeyManager{
		current:     current,
		activatedAt: activatedAt,
		minStrength: minStrength,
	}, nil
}

// Current は現在の鍵ペアを返す。
func (m *KeyManager) Current() KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CurrentPublicKey は現在の公開鍵を返す。
func (m *KeyManager) CurrentPublicKey() PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Public
}

// ActivatedAt は現在の鍵が有効になった日時を返す。
func (m *KeyManager) ActivatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activatedAt
}

// MinStrength は最低強度（ビット）を返す。
func (m *KeyManager) MinStrength() int {
	return m.minStrength
}

// GenerateKeyPair は新しい鍵ペアを生成する。現在の鍵は変更しない。
func (m *KeyManager) GenerateKeyPair() (KeyPair, error) {
	return GenerateKeyPair()
}

// ValidateRotationKey は候補鍵が最低強度を満たし、現在の鍵と異なることを検査する。
func (m *KeyManager) ValidateRotationKey(candidate KeyPair) error {
	if err := ValidateKeyStrength(candidate, m.minStrength); err != nil {
		return err
	}
	if candidate.Public.Equal(m.CurrentPublicKey()) {
		return ErrKeyReuse
	}
	return nil
}

// Rotate は現在の鍵を置き換える。
func (m *KeyManager) Rotate(next KeyPair, at time.Time) error {
	if err := ValidateKeyStrength(next, m.minStrength); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if next.Public.Equal(m.current.Public) {
		return ErrKeyReuse
	}
	m.current = next
	m.activatedAt = at
	return nil
}
