package trust

import "errors"

var (
	// ErrInvalidTrustScore はスコアまたは信頼度が[0,1]の範囲外の場合のエラー。
	ErrInvalidTrustScore = errors.New("invalid trust score")

	// ErrInvalidStateTransition は遷移表にない状態遷移を要求した場合のエラー。
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrUnknownLevel は未知の信頼レベル名の場合のエラー。
	ErrUnknownLevel = errors.New("unknown trust level")

	// ErrUnknownState は未知のライフサイクル状態名の場合のエラー。
	ErrUnknownState = errors.New("unknown lifecycle state")

	// ErrInvalidMetric はメトリクス値が[0,1]の範囲外の場合のエラー。
	ErrInvalidMetric = errors.New("invalid trust metric")
)
