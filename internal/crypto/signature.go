package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// SignatureSize はEd25519署名のバイト長。
	SignatureSize = ed25519.SignatureSize
	// ChallengeSize はチャレンジのバイト長。
	ChallengeSize = 32
	// ProofSize は所有証明（チャレンジ + 署名）のバイト長。
	ProofSize = ChallengeSize + SignatureSize
)

// Signature は分離署名を表す。
type Signature struct {
	sig []byte
}

// SignatureFromBytes はバイト列から署名を生成する。
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SignatureSize {
		return Signature{}, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, SignatureSize, len(b))
	}
	return Signature{sig: bytes.Clone(b)}, nil
}

// Bytes は署名のコピーを返す。
func (s Signature) Bytes() []byte {
	return bytes.Clone(s.sig)
}

// Sign はメッセージに署名する。
func Sign(message []byte, key PrivateKey) (Signature, error) {
	if len(key.key) != PrivateKeySize {
		return Signature{}, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKeyFormat, PrivateKeySize)
	}
	return Signature{sig: ed25519.Sign(key.key, message)}, nil
}

// Verify は署名を検証する。形式が正しく一致しない署名はfalseを返し、
// 鍵や署名の長さが不正な場合のみエラーを返す。
func Verify(message []byte, sig Signature, key PublicKey) (bool, error) {
	if len(key.key) != PublicKeySize {
		return false, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKeyFormat, PublicKeySize)
	}
	if len(sig.sig) != SignatureSize {
		return false, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, SignatureSize)
	}
	return ed25519.Verify(key.key, message, sig.sig), nil
}

// GenerateChallenge は使い捨てのランダムチャレンジを生成する。
func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return challenge, nil
}

// SignChallenge はチャレンジに署名し、所有証明（challenge || signature）を返す。
func SignChallenge(challenge []byte, key PrivateKey) ([]byte, error) {
	if len(challenge) != ChallengeSize {
		return nil, fmt.Errorf("%w: challenge must be %d bytes, got %d", ErrInvalidSignature, ChallengeSize, len(challenge))
	}
	sig, err := Sign(challenge, key)
	if err != nil {
		return nil, err
	}
	proof := make([]byte, 0, ProofSize)
	proof = append(proof, challenge...)
	proof = append(proof, sig.sig...)
	return proof, nil
}

// GenerateOwnershipProof は新しいチャレンジで所有証明を生成する。
func GenerateOwnershipProof(kp KeyPair) ([]byte, error) {
	challenge, err := GenerateChallenge()
	if err != nil {
		return nil, err
	}
	return SignChallenge(challenge, kp.Private)
}

// VerifyOwnership は所有証明を公開鍵で検証する。
func VerifyOwnership(key PublicKey, proof []byte) (bool, error) {
	if len(proof) != ProofSize {
		return false, fmt.Errorf("%w: proof must be %d bytes, got %d", ErrInvalidSignature, ProofSize, len(proof))
	}
	sig, err := SignatureFromBytes(proof[ChallengeSize:])
	if err != nil {
		return false, err
	}
	return Verify(proof[:ChallengeSize], sig, key)
}

// ProofChallenge は所有証明からチャレンジ部分を取り出す。
func ProofChallenge(proof []byte) ([]byte, error) {
	if len(proof) != ProofSize {
		return nil, fmt.Errorf("%w: proof must be %d bytes, got %d", ErrInvalidSignature, ProofSize, len(proof))
	}
	return bytes.Clone(proof[:ChallengeSize]), nil
}
