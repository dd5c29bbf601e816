package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState は現在のローテーション状態で許可されない操作の場合のエラー。
	ErrInvalidState = errors.New("invalid rotation state")

	// ErrNotAllowed はポリシー・鍵強度・自己検証などの制約違反の場合のエラー。
	ErrNotAllowed = errors.New("operation not allowed")

	// ErrVerificationFailed は定足数・合意・信頼レベルを満たさない場合のエラー。
	ErrVerificationFailed = errors.New("verification failed")

	// ErrInternal は外部コラボレータの予期しない失敗の場合のエラー。
	ErrInternal = errors.New("internal error")

	// ErrInvalidRotationConfig はローテーション設定の期間関係が不正な場合のエラー。
	ErrInvalidRotationConfig = errors.New("invalid rotation config")

	// ErrRequestExpired は検証リクエストの有効期限が切れている場合のエラー。
	ErrRequestExpired = fmt.Errorf("%w: verification request expired", ErrNotAllowed)

	// ErrAgentNotFound は指定されたエージェントが存在しない場合のエラー。
	ErrAgentNotFound = errors.New("agent not found")

	// ErrKeyNotFound は指定されたエージェントの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrTrustScoreNotFound は信頼スコアが未算出の場合のエラー。
	ErrTrustScoreNotFound = errors.New("trust score not found")

	// ErrInvalidAgentID はエージェントIDの形式が不正な場合のエラー。
	ErrInvalidAgentID = errors.New("invalid agent ID")

	// ErrSelfTrust は自分自身との信頼関係を作ろうとした場合のエラー。
	ErrSelfTrust = fmt.Errorf("%w: cannot establish trust with self", ErrNotAllowed)

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
