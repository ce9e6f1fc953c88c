package transaction

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidReference リファレンスが無効
	ErrInvalidReference = errors.New("invalid transaction reference")
	// ErrInvalidPhone 電話番号が無効
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrInvalidAmount 金額が無効
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrAmountTooLarge 金額が大きすぎる
	ErrAmountTooLarge = errors.New("amount too large")
)

const (
	// MaxAmount 最大金額 (STK Pushの上限)
	MaxAmount = 250_000
)

var referenceRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]{1,128}$`)

// Transaction 決済トランザクションエンティティ
type Transaction struct {
	reference         string
	externalReference string
	merchantRequestID string
	phone             string
	amount            int64 // 整数値（小数点なし）
	status            TransactionStatus
	createdAt         time.Time
	updatedAt         time.Time
}

// NewPendingTransaction STK Push成功時にpendingのTransactionを作成
func NewPendingTransaction(
	reference string,
	externalReference string,
	merchantRequestID string,
	phone string,
	amount int64,
) (*Transaction, error) {
	if err := ValidateReference(reference); err != nil {
		return nil, err
	}
	if err := ValidatePayment(phone, amount); err != nil {
		return nil, err
	}

	now := time.Now()
	return &Transaction{
		reference:         reference,
		externalReference: externalReference,
		merchantRequestID: merchantRequestID,
		phone:             phone,
		amount:            amount,
		status:            TransactionStatusPending,
		createdAt:         now,
		updatedAt:         now,
	}, nil
}

// NewResolvedTransaction ステータス照会で初めて知ったリファレンスのTransactionを作成
func NewResolvedTransaction(reference string, status TransactionStatus) (*Transaction, error) {
	if err := ValidateReference(reference); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, ErrInvalidTransaction
	}

	now := time.Now()
	return &Transaction{
		reference: reference,
		status:    status,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// Reconstruct 永続化層から読み込んだ値でTransactionを復元
func Reconstruct(
	reference string,
	externalReference string,
	merchantRequestID string,
	phone string,
	amount int64,
	status TransactionStatus,
	createdAt time.Time,
	updatedAt time.Time,
) (*Transaction, error) {
	if !status.Valid() {
		return nil, ErrInvalidTransaction
	}
	return &Transaction{
		reference:         reference,
		externalReference: externalReference,
		merchantRequestID: merchantRequestID,
		phone:             phone,
		amount:            amount,
		status:            status,
		createdAt:         createdAt,
		updatedAt:         updatedAt,
	}, nil
}

// ValidateReference リファレンスの形式を検証
func ValidateReference(reference string) error {
	if !referenceRegex.MatchString(reference) {
		return ErrInvalidReference
	}
	return nil
}

// ValidatePayment 電話番号と金額を検証
// 電話番号の形式はプロバイダーが判定するため、ここでは空でないことだけを確認する
func ValidatePayment(phone string, amount int64) error {
	if strings.TrimSpace(phone) == "" {
		return ErrInvalidPhone
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > MaxAmount {
		return ErrAmountTooLarge
	}
	return nil
}

// Reference リファレンスを返す
func (t *Transaction) Reference() string {
	return t.reference
}

// ExternalReference 外部リファレンスを返す
func (t *Transaction) ExternalReference() string {
	return t.externalReference
}

// MerchantRequestID MerchantRequestIDを返す
func (t *Transaction) MerchantRequestID() string {
	return t.merchantRequestID
}

// Phone 電話番号を返す
func (t *Transaction) Phone() string {
	return t.phone
}

// Amount 金額を返す
func (t *Transaction) Amount() int64 {
	return t.amount
}

// Status ステータスを返す
func (t *Transaction) Status() TransactionStatus {
	return t.status
}

// CreatedAt 作成日時を返す
func (t *Transaction) CreatedAt() time.Time {
	return t.createdAt
}

// UpdatedAt 更新日時を返す
func (t *Transaction) UpdatedAt() time.Time {
	return t.updatedAt
}

// Resolve pendingから終端状態へ遷移させる
func (t *Transaction) Resolve(status TransactionStatus) error {
	if !status.IsTerminal() {
		return ErrInvalidTransaction
	}
	if t.status.IsTerminal() {
		return ErrAlreadyResolved
	}
	t.status = status
	t.updatedAt = time.Now()
	return nil
}

// Clone コピーを返す
func (t *Transaction) Clone() *Transaction {
	c := *t
	return &c
}

// MustNewPendingTransaction テスト用ヘルパー: NewPendingTransactionを呼び出し、エラーが発生した場合はpanicする
func MustNewPendingTransaction(reference, externalReference, merchantRequestID, phone string, amount int64) *Transaction {
	tx, err := NewPendingTransaction(reference, externalReference, merchantRequestID, phone, amount)
	if err != nil {
		panic(err)
	}
	return tx
}
