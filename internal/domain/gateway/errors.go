package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderRejected プロバイダーがリクエストを拒否したエラー
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrProviderUnavailable プロバイダーとの通信に失敗したエラー
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrMalformedResponse プロバイダーのレスポンスを解釈できないエラー
	ErrMalformedResponse = errors.New("malformed provider response")
)

// RejectedError プロバイダーが返したメッセージ付きの拒否エラー
type RejectedError struct {
	Message string
}

// NewRejectedError 新しいRejectedErrorを作成
func NewRejectedError(message string) *RejectedError {
	return &RejectedError{Message: message}
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return ErrProviderRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrProviderRejected.Error(), e.Message)
}

// Is errors.Is(err, ErrProviderRejected) を満たす
func (e *RejectedError) Is(target error) bool {
	return target == ErrProviderRejected
}
