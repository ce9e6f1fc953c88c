package transaction

import (
	"context"
	"time"
)

// TransactionRepository トランザクションストアのインターフェース
type TransactionRepository interface {
	// Create トランザクションを新規登録（リファレンス重複時はErrDuplicateReference）
	Create(ctx context.Context, t *Transaction) error

	// FindByReference リファレンスでトランザクションを取得
	FindByReference(ctx context.Context, reference string) (*Transaction, error)

	// FindByMerchantRequestID MerchantRequestIDでトランザクションを取得
	FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*Transaction, error)

	// FindByExternalReference 外部リファレンス（REF_xxx）でトランザクションを取得
	FindByExternalReference(ctx context.Context, externalReference string) (*Transaction, error)

	// FindOldestPending 最も古いpendingのトランザクションを取得
	FindOldestPending(ctx context.Context) (*Transaction, error)

	// CompareAndSwapStatus ステータスがfromの場合のみtoへ更新する。更新した場合はtrueを返す
	CompareAndSwapStatus(ctx context.Context, reference string, from, to TransactionStatus) (bool, error)

	// DeleteUpdatedBefore 指定時刻より前に更新されたトランザクションを削除し、削除件数を返す
	DeleteUpdatedBefore(ctx context.Context, before time.Time) (int, error)
}
