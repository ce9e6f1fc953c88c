package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"stk-relay/internal/domain/transaction"
)

// TransactionRepository インメモリ実装のTransactionRepository
type TransactionRepository struct {
	mu                  sync.RWMutex
	byReference         map[string]*transaction.Transaction
	byMerchantRequestID map[string]string // merchantRequestID -> reference
	byExternalReference map[string]string // externalReference -> reference
}

// NewTransactionRepository 新しいTransactionRepositoryを作成
func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{
		byReference:         make(map[string]*transaction.Transaction),
		byMerchantRequestID: make(map[string]string),
		byExternalReference: make(map[string]string),
	}
}

// Create トランザクションを登録
func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byReference[t.Reference()]; exists {
		return transaction.ErrDuplicateReference
	}
	if ext := t.ExternalReference(); ext != "" {
		if _, exists := r.byExternalReference[ext]; exists {
			return transaction.ErrDuplicateExternalReference
		}
	}

	r.byReference[t.Reference()] = t.Clone()
	if id := t.MerchantRequestID(); id != "" {
		r.byMerchantRequestID[id] = t.Reference()
	}
	if ext := t.ExternalReference(); ext != "" {
		r.byExternalReference[ext] = t.Reference()
	}
	return nil
}

// FindByReference リファレンスでトランザクションを取得
func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.get(reference)
}

// FindByMerchantRequestID MerchantRequestIDでトランザクションを取得
func (r *TransactionRepository) FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*transaction.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reference, ok := r.byMerchantRequestID[merchantRequestID]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	return r.get(reference)
}

// FindByExternalReference 外部リファレンスでトランザクションを取得
func (r *TransactionRepository) FindByExternalReference(ctx context.Context, externalReference string) (*transaction.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reference, ok := r.byExternalReference[externalReference]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	return r.get(reference)
}

// FindOldestPending 最も古いpendingのトランザクションを取得（作成日時、リファレンスの順）
func (r *TransactionRepository) FindOldestPending(ctx context.Context) (*transaction.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *transaction.Transaction
	for _, t := range r.byReference {
		if !t.Status().IsPending() {
			continue
		}
		if oldest == nil ||
			t.CreatedAt().Before(oldest.CreatedAt()) ||
			(t.CreatedAt().Equal(oldest.CreatedAt()) && t.Reference() < oldest.Reference()) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, transaction.ErrTransactionNotFound
	}
	return oldest.Clone(), nil
}

// CompareAndSwapStatus ステータスがfromの場合のみtoへ更新
func (r *TransactionRepository) CompareAndSwapStatus(ctx context.Context, reference string, from, to transaction.TransactionStatus) (bool, error) {
	if !to.Valid() {
		return false, transaction.ErrInvalidTransaction
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byReference[reference]
	if !ok {
		return false, transaction.ErrTransactionNotFound
	}
	if current.Status() != from {
		return false, nil
	}

	updated := current.Clone()
	if err := updated.Resolve(to); err != nil {
		// 終端状態は最終
		if errors.Is(err, transaction.ErrAlreadyResolved) {
			return false, nil
		}
		return false, err
	}
	r.byReference[reference] = updated
	return true, nil
}

// DeleteUpdatedBefore 指定時刻より前に更新されたトランザクションを削除
func (r *TransactionRepository) DeleteUpdatedBefore(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for reference, t := range r.byReference {
		if !t.UpdatedAt().Before(before) {
			continue
		}
		delete(r.byReference, reference)
		if id := t.MerchantRequestID(); id != "" && r.byMerchantRequestID[id] == reference {
			delete(r.byMerchantRequestID, id)
		}
		if ext := t.ExternalReference(); ext != "" && r.byExternalReference[ext] == reference {
			delete(r.byExternalReference, ext)
		}
		evicted++
	}
	return evicted, nil
}

// get 呼び出し側でロックを保持していること
func (r *TransactionRepository) get(reference string) (*transaction.Transaction, error) {
	t, ok := r.byReference[reference]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	return t.Clone(), nil
}
