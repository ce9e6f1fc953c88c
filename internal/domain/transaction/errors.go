package transaction

import "errors"

var (
	// ErrTransactionNotFound トランザクションが見つからないエラー
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInvalidTransaction 無効なトランザクションエラー
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrDuplicateReference 重複リファレンスエラー
	ErrDuplicateReference = errors.New("duplicate transaction reference")
	// ErrDuplicateExternalReference 外部リファレンスが既に別のトランザクションで使われている
	ErrDuplicateExternalReference = errors.New("duplicate external reference")
	// ErrAlreadyResolved 既に終端状態のトランザクションを更新しようとしたエラー
	ErrAlreadyResolved = errors.New("transaction already resolved")
)
