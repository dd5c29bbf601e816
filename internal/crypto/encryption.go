package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptionKeySize はAEAD鍵のバイト長。
const EncryptionKeySize = chacha20poly1305.KeySize

// EncryptionKey は認証付き暗号の対称鍵を表す。
type EncryptionKey struct {
	key []byte
}

// NewEncryptionKey はCSPRNGから新しい対称鍵を生成する。
func NewEncryptionKey() (EncryptionKey, error) {
	key := make([]byte, EncryptionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return EncryptionKey{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return EncryptionKey{key: key}, nil
}

// EncryptionKeyFromBytes はバイト列から対称鍵を生成する。
func EncryptionKeyFromBytes(b []byte) (EncryptionKey, error) {
	if len(b) != EncryptionKeySize {
		return EncryptionKey{}, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrInvalidKeyFormat, EncryptionKeySize, len(b))
	}
	return EncryptionKey{key: bytes.Clone(b)}, nil
}

// EncryptedData は暗号文とノンス、追加認証データを保持する。
type EncryptedData struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	AAD        []byte `json:"aad,omitempty"`
}

// Encrypt はChaCha20-Poly1305で暗号化する。ノンスは呼び出しごとに生成する。
func Encrypt(data []byte, key EncryptionKey, aad []byte) (EncryptedData, error) {
	aead, err := chacha20poly1305.New(key.key)
	if err != nil {
		return EncryptedData{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedData{}, fmt.Errorf("%w: %v", ErrEntropy, err)
	}

	return EncryptedData{
		Ciphertext: aead.Seal(nil, nonce, data, aad),
		Nonce:      nonce,
		AAD:        bytes.Clone(aad),
	}, nil
}

// Decrypt は暗号文を復号する。改ざんを検出した場合は平文を返さない。
func Decrypt(data EncryptedData, key EncryptionKey) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if len(data.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecryption, aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, data.Nonce, data.Ciphertext, data.AAD)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Seal はノンスと暗号文を連結した1つのバイト列に暗号化する。
func Seal(plaintext []byte, key EncryptionKey, aad []byte) ([]byte, error) {
	enc, err := Encrypt(plaintext, key, aad)
	if err != nil {
		return nil, err
	}
	return append(enc.Nonce, enc.Ciphertext...), nil
}

// Open はSealで生成したバイト列を復号する。
func Open(sealed []byte, key EncryptionKey, aad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: sealed data too short", ErrDecryption)
	}
	return Decrypt(EncryptedData{
		Nonce:      sealed[:chacha20poly1305.NonceSize],
		Ciphertext: sealed[chacha20poly1305.NonceSize:],
		AAD:        aad,
	}, key)
}
