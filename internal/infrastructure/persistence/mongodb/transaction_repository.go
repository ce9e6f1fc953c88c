package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stk-relay/internal/domain/transaction"
)

// externalReferenceIndex external_referenceの一意インデックス名
const externalReferenceIndex = "uk_external_reference"

// transactionDocument コレクションに保存するドキュメント
type transactionDocument struct {
	Reference         string    `bson:"_id"`
	ExternalReference string    `bson:"external_reference,omitempty"`
	MerchantRequestID string    `bson:"merchant_request_id,omitempty"`
	Phone             string    `bson:"phone"`
	Amount            int64     `bson:"amount"`
	Status            string    `bson:"status"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

func toDocument(t *transaction.Transaction) transactionDocument {
	return transactionDocument{
		Reference:         t.Reference(),
		ExternalReference: t.ExternalReference(),
		MerchantRequestID: t.MerchantRequestID(),
		Phone:             t.Phone(),
		Amount:            t.Amount(),
		Status:            t.Status().String(),
		CreatedAt:         t.CreatedAt().UTC(),
		UpdatedAt:         t.UpdatedAt().UTC(),
	}
}

func (d transactionDocument) toEntity() (*transaction.Transaction, error) {
	status, err := transaction.NewTransactionStatus(d.Status)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction status: %w", err)
	}
	return transaction.Reconstruct(
		d.Reference,
		d.ExternalReference,
		d.MerchantRequestID,
		d.Phone,
		d.Amount,
		status,
		d.CreatedAt,
		d.UpdatedAt,
	)
}

// TransactionRepository MongoDB実装のTransactionRepository
type TransactionRepository struct {
	coll   *mongo.Collection
	tracer trace.Tracer
}

// NewTransactionRepository 新しいTransactionRepositoryを作成
func NewTransactionRepository(coll *mongo.Collection) *TransactionRepository {
	return &TransactionRepository{
		coll:   coll,
		tracer: otel.Tracer("transaction-repository"),
	}
}

// EnsureIndexes 照合と期限切れ削除に使うインデックスを作成
func (r *TransactionRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "external_reference", Value: 1}},
			Options: options.Index().
				SetName(externalReferenceIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "external_reference", Value: bson.D{{Key: "$type", Value: "string"}}}}),
		},
		{Keys: bson.D{{Key: "merchant_request_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Create トランザクションを登録
func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	ctx, span := r.startSpan(ctx, "TransactionRepository.Create", "insert")
	defer span.End()
	span.SetAttributes(attribute.String("db.reference", t.Reference()))

	if _, err := r.coll.InsertOne(ctx, toDocument(t)); err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), externalReferenceIndex) {
			span.SetStatus(otelcodes.Error, "duplicate external reference")
			return transaction.ErrDuplicateExternalReference
		}
		if mongo.IsDuplicateKeyError(err) {
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
	return r.findOne(ctx, "TransactionRepository.FindByReference", bson.D{{Key: "_id", Value: reference}}, nil)
}

// FindByMerchantRequestID MerchantRequestIDでトランザクションを取得
func (r *TransactionRepository) FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "TransactionRepository.FindByMerchantRequestID",
		bson.D{{Key: "merchant_request_id", Value: merchantRequestID}},
		bson.D{{Key: "created_at", Value: -1}})
}

// FindByExternalReference 外部リファレンスでトランザクションを取得
func (r *TransactionRepository) FindByExternalReference(ctx context.Context, externalReference string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "TransactionRepository.FindByExternalReference",
		bson.D{{Key: "external_reference", Value: externalReference}},
		nil)
}

// FindOldestPending 最も古いpendingのトランザクションを取得
func (r *TransactionRepository) FindOldestPending(ctx context.Context) (*transaction.Transaction, error) {
	return r.findOne(ctx, "TransactionRepository.FindOldestPending",
		bson.D{{Key: "status", Value: transaction.TransactionStatusPending.String()}},
		bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
}

// CompareAndSwapStatus ステータスがfromの場合のみtoへ更新
func (r *TransactionRepository) CompareAndSwapStatus(ctx context.Context, reference string, from, to transaction.TransactionStatus) (bool, error) {
	ctx, span := r.startSpan(ctx, "TransactionRepository.CompareAndSwapStatus", "update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.reference", reference),
		attribute.String("db.status_from", from.String()),
		attribute.String("db.status_to", to.String()),
	)

	if !to.Valid() {
		return false, transaction.ErrInvalidTransaction
	}

	filter := bson.D{
		{Key: "_id", Value: reference},
		{Key: "status", Value: from.String()},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: to.String()},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}

	result, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	if result.MatchedCount == 1 {
		span.SetStatus(otelcodes.Ok, "status swapped")
		return true, nil
	}

	// 一致しなかった場合は存在確認で「未登録」と「状態不一致」を区別する
	err = r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: reference}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
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
	ctx, span := r.startSpan(ctx, "TransactionRepository.DeleteUpdatedBefore", "delete")
	defer span.End()

	filter := bson.D{{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}}
	result, err := r.coll.DeleteMany(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete expired transactions: %w", err)
	}

	span.SetAttributes(attribute.Int64("db.rows_affected", result.DeletedCount))
	span.SetStatus(otelcodes.Ok, "expired transactions deleted")
	return int(result.DeletedCount), nil
}

func (r *TransactionRepository) findOne(ctx context.Context, spanName string, filter, sort bson.D) (*transaction.Transaction, error) {
	ctx, span := r.startSpan(ctx, spanName, "find")
	defer span.End()

	opts := options.FindOne()
	if sort != nil {
		opts.SetSort(sort)
	}

	var doc transactionDocument
	err := r.coll.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		span.SetStatus(otelcodes.Ok, "transaction not found")
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}

	span.SetAttributes(
		attribute.String("db.reference", doc.Reference),
		attribute.String("db.status", doc.Status),
	)
	span.SetStatus(otelcodes.Ok, "transaction found")
	return doc.toEntity()
}

func (r *TransactionRepository) startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.system", "mongodb"),
		attribute.String("db.operation", operation),
		attribute.String("db.collection", r.coll.Name()),
	)
	return ctx, span
}
