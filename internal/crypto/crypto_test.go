package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_PairedKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("settle order 42")
	sig, err := Sign(msg, kp.Private)
	require.NoError(t, err)

	ok, err := Verify(msg, sig, kp.Public)
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	ok, err = Verify(msg, sig, other.Public)
	require.NoError(t, err)
	assert.False(t, ok, "signature must not verify under another key")

	ok, err = Verify([]byte("settle order 43"), sig, kp.Public)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSign_Deterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	a, err := Sign([]byte("m"), kp.Private)
	require.NoError(t, err)
	b, err := Sign([]byte("m"), kp.Private)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestVerify_MalformedInputs(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	sig, err := Sign([]byte("m"), kp.Private)
	require.NoError(t, err)

	_, err = Verify([]byte("m"), sig, PublicKey{})
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = Verify([]byte("m"), Signature{sig: []byte{1, 2, 3}}, kp.Public)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = SignatureFromBytes(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = PublicKeyFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("entropy source closed")
}

func TestGenerateKeyPairFrom_EntropyFailure(t *testing.T) {
	_, err := GenerateKeyPairFrom(failingReader{})
	assert.ErrorIs(t, err, ErrEntropy)
}

func TestGenerateKeyPairFrom_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, SeedSize)
	a, err := GenerateKeyPairFrom(bytes.NewReader(seed))
	require.NoError(t, err)
	b, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	assert.True(t, a.Public.Equal(b.Public))
	assert.Equal(t, seed, a.Private.Seed())
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	data := []byte("agent seed material")
	aad := []byte("agent-1")
	enc, err := Encrypt(data, key, aad)
	require.NoError(t, err)
	assert.Len(t, enc.Nonce, 12)

	got, err := Decrypt(enc, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	a, err := Encrypt([]byte("same"), key, nil)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), key, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecrypt_FailsClosedOnTampering(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)
	enc, err := Encrypt([]byte("payload"), key, []byte("aad"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(EncryptedData) EncryptedData
	}{
		{"ciphertext", func(d EncryptedData) EncryptedData {
			c := bytes.Clone(d.Ciphertext)
			c[0] ^= 0xff
			d.Ciphertext = c
			return d
		}},
		{"nonce", func(d EncryptedData) EncryptedData {
			n := bytes.Clone(d.Nonce)
			n[0] ^= 0xff
			d.Nonce = n
			return d
		}},
		{"aad", func(d EncryptedData) EncryptedData {
			d.AAD = []byte("other")
			return d
		}},
		{"short nonce", func(d EncryptedData) EncryptedData {
			d.Nonce = d.Nonce[:4]
			return d
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decrypt(tt.mutate(enc), key)
			assert.ErrorIs(t, err, ErrDecryption)
			assert.Nil(t, got)
		})
	}

	otherKey, err := NewEncryptionKey()
	require.NoError(t, err)
	_, err = Decrypt(enc, otherKey)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSealOpen(t *testing.T) {
	key, err := NewEncryptionKey()
	require.NoError(t, err)

	sealed, err := Seal([]byte("seed"), key, []byte("agent-1"))
	require.NoError(t, err)
	got, err := Open(sealed, key, []byte("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("seed"), got)

	_, err = Open(sealed, key, []byte("agent-2"))
	assert.ErrorIs(t, err, ErrDecryption)
	_, err = Open(sealed[:5], key, nil)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestOwnershipProof(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	proof, err := GenerateOwnershipProof(kp)
	require.NoError(t, err)
	assert.Len(t, proof, ProofSize)

	ok, err := VerifyOwnership(kp.Public, proof)
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	ok, err = VerifyOwnership(other.Public, proof)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyOwnership(kp.Public, proof[:40])
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestGenerateChallenge_Fresh(t *testing.T) {
	a, err := GenerateChallenge()
	require.NoError(t, err)
	b, err := GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, a, ChallengeSize)
	assert.NotEqual(t, a, b)
}

func TestPublicKey_TextRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	text, err := kp.Public.MarshalText()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "z"), "base58btc multibase prefix")

	var parsed PublicKey
	require.NoError(t, parsed.UnmarshalText(text))
	assert.True(t, parsed.Equal(kp.Public))

	_, err = ParsePublicKey("z0OIl")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestKeyPair_JSONOmitsPrivateKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	out, err := json.Marshal(kp)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "private")
	assert.Contains(t, string(out), kp.Public.String())

	_, err = json.Marshal(kp.Private)
	assert.Error(t, err)
	assert.Equal(t, "[REDACTED]", kp.Private.String())
}

func TestValidateKeyStrength(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NoError(t, ValidateKeyStrength(kp, 128))
	assert.ErrorIs(t, ValidateKeyStrength(kp, 256), ErrWeakKey)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	mismatched := KeyPair{Public: other.Public, Private: kp.Private}
	assert.ErrorIs(t, ValidateKeyStrength(mismatched, 128), ErrWeakKey)

	assert.ErrorIs(t, ValidateKeyStrength(KeyPair{}, 128), ErrInvalidKeyFormat)
}

func TestKeyManager_ValidateAndRotate(t *testing.T) {
	current, err := GenerateKeyPair()
	require.NoError(t, err)
	activated := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m, err := NewKeyManager(current, activated, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinKeyStrength, m.MinStrength())
	assert.Equal(t, activated, m.ActivatedAt())

	assert.ErrorIs(t, m.ValidateRotationKey(current), ErrKeyReuse)

	next, err := m.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, m.ValidateRotationKey(next))

	rotatedAt := activated.Add(24 * time.Hour)
	require.NoError(t, m.Rotate(next, rotatedAt))
	assert.True(t, m.CurrentPublicKey().Equal(next.Public))
	assert.Equal(t, rotatedAt, m.ActivatedAt())

	assert.ErrorIs(t, m.Rotate(next, rotatedAt), ErrKeyReuse)
}
