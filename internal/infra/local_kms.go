package infra

import (
	"context"
	"encoding/base64"
	"fmt"

	"agent-trust-service/internal/crypto"
)

// LocalKeyEncrypter はローカルの鍵暗号化鍵（KEK）でエージェント秘密鍵を暗号化する。
// Cloud KMSを使わない開発・検証環境向け。
type LocalKeyEncrypter struct {
	kek crypto.EncryptionKey
}

// NewLocalKeyEncrypter はbase64でエンコードされた32バイトのKEKから生成する。
func NewLocalKeyEncrypter(encodedKEK string) (*LocalKeyEncrypter, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKEK)
	if err != nil {
		return nil, fmt.Errorf("decoding LOCAL_KEK: %w", err)
	}
	kek, err := crypto.EncryptionKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("loading LOCAL_KEK: %w", err)
	}
	return &LocalKeyEncrypter{kek: kek}, nil
}

// Encrypt はChaCha20-Poly1305で暗号化する。
func (e *LocalKeyEncrypter) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	sealed, err := crypto.Seal(plaintext, e.kek, aad)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return sealed, nil
}

// Decrypt はEncryptの出力を復号する。
func (e *LocalKeyEncrypter) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	plaintext, err := crypto.Open(ciphertext, e.kek, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Close は何もしない。
func (e *LocalKeyEncrypter) Close() error {
	return nil
}
