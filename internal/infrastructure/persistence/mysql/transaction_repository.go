package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stk-relay/internal/domain/transaction"
)

// mysqlErrDuplicateEntry 一意制約違反のエラーコード
const mysqlErrDuplicateEntry = 1062

// externalReferenceKey external_referenceの一意キー名
const externalReferenceKey = "uk_external_reference"

const selectColumns = `
	SELECT
		reference, external_reference, merchant_request_id, phone,
		amount, status, created_at, updated_at
	FROM stk_transactions
`

// TransactionRepository MySQL実装のTransactionRepository
type TransactionRepository struct {
	db     *DB
	tracer trace.Tracer
}

// NewTransactionRepository 新しいTransactionRepositoryを作成
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{
		db:     db,
		tracer: otel.Tracer("transaction-repository"),
	}
}

// Create トランザクションを登録
func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	ctx, span := r.tracer.Start(ctx, "TransactionRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("db.reference", t.Reference()),
		attribute.String("db.status", t.Status().String()),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.table", "stk_transactions"),
	)

	query := `
		INSERT INTO stk_transactions (
			reference, external_reference, merchant_request_id, phone,
			amount, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		t.Reference(),
		nullString(t.ExternalReference()),
		nullString(t.MerchantRequestID()),
		t.Phone(),
		t.Amount(),
		t.Status().String(),
		t.CreatedAt(),
		t.UpdatedAt(),
	)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			if strings.Contains(mysqlErr.Message, externalReferenceKey) {
				span.SetStatus(otelcodes.Error, "duplicate external reference")
				return transaction.ErrDuplicateExternalReference
			}
			span.SetStatus(otelcodes.Error, "duplicate reference")
			return transaction.ErrDuplicateReference
		}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	span.SetStatus(otelcodes.Ok, "transaction created")
	return nil
}

// FindByReference リファレンスでトランザクションを取得
func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "TransactionRepository.FindByReference",
		selectColumns+` WHERE reference = ?`, reference)
}

// FindByMerchantRequestID MerchantRequestIDでトランザクションを取得
func (r *TransactionRepository) FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "TransactionRepository.FindByMerchantRequestID",
		selectColumns+` WHERE merchant_request_id = ? ORDER BY created_at DESC LIMIT 1`, merchantRequestID)
}

// FindByExternalReference 外部リファレンスでトランザクションを取得
func (r *TransactionRepository) FindByExternalReference(ctx context.Context, externalReference string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "TransactionRepository.FindByExternalReference",
		selectColumns+` WHERE external_reference = ?`, externalReference)
}

// FindOldestPending 最も古いpendingのトランザクションを取得
func (r *TransactionRepository) FindOldestPending(ctx context.Context) (*transaction.Transaction, error) {
	return r.findOne(ctx, "TransactionRepository.FindOldestPending",
		selectColumns+` WHERE status = ? ORDER BY created_at ASC, reference ASC LIMIT 1`,
		transaction.TransactionStatusPending.String())
}

// CompareAndSwapStatus ステータスがfromの場合のみtoへ更新
func (r *TransactionRepository) CompareAndSwapStatus(ctx context.Context, reference string, from, to transaction.TransactionStatus) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "TransactionRepository.CompareAndSwapStatus")
	defer span.End()

	span.SetAttributes(
		attribute.String("db.reference", reference),
		attribute.String("db.status_from", from.String()),
		attribute.String("db.status_to", to.String()),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.table", "stk_transactions"),
	)

	if !to.Valid() {
		return false, transaction.ErrInvalidTransaction
	}

	query := `
		UPDATE stk_transactions
		SET status = ?, updated_at = ?
		WHERE reference = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query, to.String(), time.Now(), reference, from.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		span.SetStatus(otelcodes.Ok, "status swapped")
		return true, nil
	}

	// 更新されなかった場合は存在確認で「未登録」と「状態不一致」を区別する
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM stk_transactions WHERE reference = ?`, reference).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(otelcodes.Ok, "transaction not found")
		return false, transaction.ErrTransactionNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}

	span.SetStatus(otelcodes.Ok, "status mismatch")
	return false, nil
}

// DeleteUpdatedBefore 指定時刻より前に更新されたトランザクションを削除
func (r *TransactionRepository) DeleteUpdatedBefore(ctx context.Context, before time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "TransactionRepository.DeleteUpdatedBefore")
	defer span.End()

	span.SetAttributes(
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.table", "stk_transactions"),
	)

	result, err := r.db.ExecContext(ctx, `DELETE FROM stk_transactions WHERE updated_at < ?`, before)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete expired transactions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	span.SetAttributes(attribute.Int64("db.rows_affected", rowsAffected))
	span.SetStatus(otelcodes.Ok, "expired transactions deleted")
	return int(rowsAffected), nil
}

// findOne 1件取得の共通処理
func (r *TransactionRepository) findOne(ctx context.Context, spanName, query string, arg interface{}) (*transaction.Transaction, error) {
	ctx, span := r.tracer.Start(ctx, spanName)
	defer span.End()

	span.SetAttributes(
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.table", "stk_transactions"),
	)

	var reference, phone, dbStatus string
	var externalReference, merchantRequestID sql.NullString
	var amount int64
	var createdAt, updatedAt time.Time

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&reference,
		&externalReference,
		&merchantRequestID,
		&phone,
		&amount,
		&dbStatus,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(otelcodes.Ok, "transaction not found")
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}

	status, err := transaction.NewTransactionStatus(dbStatus)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, fmt.Errorf("invalid transaction status: %w", err)
	}

	span.SetAttributes(
		attribute.String("db.reference", reference),
		attribute.String("db.status", dbStatus),
	)
	span.SetStatus(otelcodes.Ok, "transaction found")

	return transaction.Reconstruct(
		reference,
		externalReference.String,
		merchantRequestID.String,
		phone,
		amount,
		status,
		createdAt,
		updatedAt,
	)
}

// nullString 空文字をNULLとして扱う
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
