package crypto

import "errors"

var (
	// ErrInvalidKeyFormat は鍵のバイト長や符号化が不正な場合のエラー。
	ErrInvalidKeyFormat = errors.New("invalid key format")

	// ErrInvalidSignature は署名・所有証明の形式が不正な場合のエラー。
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrEntropy は乱数源から必要なバイト数を取得できなかった場合のエラー。
	ErrEntropy = errors.New("insufficient entropy")

	// ErrDecryption は認証タグの不一致などで復号に失敗した場合のエラー。
	ErrDecryption = errors.New("decryption failed")

	// ErrWeakKey は鍵が最低強度を満たさない場合のエラー。
	ErrWeakKey = errors.New("key does not meet minimum strength")

	// ErrKeyReuse は新しい鍵が現在の鍵と同一の場合のエラー。
	ErrKeyReuse = errors.New("new key must differ from the current key")

	// ErrPrivateKeyExport は秘密鍵をシリアライズしようとした場合のエラー。
	ErrPrivateKeyExport = errors.New("private key material must not be serialized")
)
