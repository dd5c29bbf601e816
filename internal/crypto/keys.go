// Package crypto はエージェントの鍵ペア、署名、認証付き暗号、所有証明を提供する。
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/multiformats/go-multibase"
)

const (
	// PublicKeySize はEd25519公開鍵のバイト長。
	PublicKeySize = ed25519.PublicKeySize
	// PrivateKeySize はEd25519秘密鍵のバイト長。
	PrivateKeySize = ed25519.PrivateKeySize
	// SeedSize はEd25519秘密鍵シードのバイト長。
	SeedSize = ed25519.SeedSize

	// ed25519StrengthBits はEd25519の安全性強度（ビット）。
	ed25519StrengthBits = 128
)

// PublicKey は検証用の公開鍵を表す。生成後は不変。
type PublicKey struct {
	key ed25519.PublicKey
}

// PublicKeyFromBytes はバイト列から公開鍵を生成する。
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKeyFormat, PublicKeySize, len(b))
	}
	return PublicKey{key: bytes.Clone(b)}, nil
}

// ParsePublicKey はmultibase文字列から公開鍵を復元する。
func ParsePublicKey(s string) (PublicKey, error) {
	_, decoded, err := multibase.Decode(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return PublicKeyFromBytes(decoded)
}

// Bytes は公開鍵のコピーを返す。
func (k PublicKey) Bytes() []byte {
	return bytes.Clone(k.key)
}

// IsZero は公開鍵が未設定かどうかを返す。
func (k PublicKey) IsZero() bool {
	return len(k.key) == 0
}

// Equal はバイト単位で比較する。
func (k PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(k.key, other.key)
}

// String はbase58btcのmultibase表現を返す。
func (k PublicKey) String() string {
	if k.IsZero() {
		return ""
	}
	encoded, err := multibase.Encode(multibase.Base58BTC, k.key)
	if err != nil {
		return ""
	}
	return encoded
}

// MarshalText はmultibase表現に変換する。
func (k PublicKey) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return []byte{}, nil
	}
	encoded, err := multibase.Encode(multibase.Base58BTC, k.key)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return []byte(encoded), nil
}

// UnmarshalText はmultibase表現から復元する。
func (k *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = PublicKey{}
		return nil
	}
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PrivateKey は署名用の秘密鍵を表す。シリアライズは常に拒否する。
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PrivateKeyFromSeed はシードから秘密鍵を復元する。
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != SeedSize {
		return PrivateKey{}, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKeyFormat, SeedSize, len(seed))
	}
	return PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Seed は永続化用のシードを返す。呼び出し側は必ず暗号化して保存すること。
func (k PrivateKey) Seed() []byte {
	if len(k.key) != PrivateKeySize {
		return nil
	}
	return k.key.Seed()
}

// Public は対になる公開鍵を返す。
func (k PrivateKey) Public() PublicKey {
	if len(k.key) != PrivateKeySize {
		return PublicKey{}
	}
	return PublicKey{key: bytes.Clone(k.key[SeedSize:])}
}

// String は鍵素材を出力しない。
func (k PrivateKey) String() string {
	return "[REDACTED]"
}

// MarshalJSON は秘密鍵のJSON化を拒否する。
func (k PrivateKey) MarshalJSON() ([]byte, error) {
	return nil, ErrPrivateKeyExport
}

// MarshalText は秘密鍵のテキスト化を拒否する。
func (k PrivateKey) MarshalText() ([]byte, error) {
	return nil, ErrPrivateKeyExport
}

// KeyPair は対になった公開鍵と秘密鍵を保持する。
type KeyPair struct {
	Public  PublicKey  `json:"public_key"`
	Private PrivateKey `json:"-"`
}

// GenerateKeyPair はCSPRNGから新しい鍵ペアを生成する。
func GenerateKeyPair() (KeyPair, error) {
	return GenerateKeyPairFrom(rand.Reader)
}

// GenerateKeyPairFrom は指定された乱数源から鍵ペアを生成する。
// 乱数の取得に失敗した場合はErrEntropyを返す。
func GenerateKeyPairFrom(r io.Reader) (KeyPair, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{
		Public:  PublicKey{key: bytes.Clone(priv[SeedSize:])},
		Private: PrivateKey{key: priv},
	}, nil
}

// KeyPairFromSeed はシードから鍵ペアを復元する。
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	priv, err := PrivateKeyFromSeed(seed)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: priv.Public(), Private: priv}, nil
}

// StrengthBits は鍵の安全性強度を返す。
func (kp KeyPair) StrengthBits() int {
	return ed25519StrengthBits
}

// ValidateKeyStrength は鍵ペアの形式・対応関係・最低強度を検査する。
func ValidateKeyStrength(kp KeyPair, minBits int) error {
	if len(kp.Public.key) != PublicKeySize || len(kp.Private.key) != PrivateKeySize {
		return fmt.Errorf("%w: malformed key pair", ErrInvalidKeyFormat)
	}
	if kp.StrengthBits() < minBits {
		return fmt.Errorf("%w: %d bits below minimum %d", ErrWeakKey, kp.StrengthBits(), minBits)
	}
	if isAllZero(kp.Public.key) {
		return fmt.Errorf("%w: degenerate public key", ErrWeakKey)
	}
	if !kp.Private.Public().Equal(kp.Public) {
		return fmt.Errorf("%w: key halves are not paired", ErrWeakKey)
	}

	// 署名と検証の往復で対応関係を確認
	probe := []byte("key-strength-probe")
	sig := ed25519.Sign(kp.Private.key, probe)
	if !ed25519.Verify(kp.Public.key, probe, sig) {
		return fmt.Errorf("%w: signature self-test failed", ErrWeakKey)
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
