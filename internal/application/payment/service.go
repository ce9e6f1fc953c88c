package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"stk-relay/internal/domain/gateway"
	"stk-relay/internal/domain/transaction"
	otelinfra "stk-relay/internal/infrastructure/observability/otel"
)

// CallbackURLBuilder Webhook URLを組み立てる
type CallbackURLBuilder interface {
	CallbackURL(baseURL, externalReference string) (string, error)
}

// Options サービスの動作設定
type Options struct {
	// CallbackBaseURL トークンを付与する前のWebhook URL
	CallbackBaseURL string
	// ProviderTimeout プロバイダー呼び出しのタイムアウト
	ProviderTimeout time.Duration
	// FallbackOldestPending 識別子のないWebhookを最も古いpendingに適用する
	FallbackOldestPending bool
	// TTL 最終更新からの保持期間
	TTL time.Duration
}

// PaymentApplicationService 決済アプリケーションサービス
type PaymentApplicationService struct {
	transactionRepo transaction.TransactionRepository
	gateway         gateway.PaymentGateway
	callbackURLs    CallbackURLBuilder
	opts            Options
	logger          *otelinfra.Logger
	metrics         *otelinfra.Metrics
	tracer          trace.Tracer
	polls           singleflight.Group
	maxRetries      int
	now             func() time.Time
	newTag          func() string
}

// NewPaymentApplicationService 新しいPaymentApplicationServiceを作成
func NewPaymentApplicationService(
	transactionRepo transaction.TransactionRepository,
	paymentGateway gateway.PaymentGateway,
	callbackURLs CallbackURLBuilder,
	opts Options,
	logger *otelinfra.Logger,
	metrics *otelinfra.Metrics,
) *PaymentApplicationService {
	return &PaymentApplicationService{
		transactionRepo: transactionRepo,
		gateway:         paymentGateway,
		callbackURLs:    callbackURLs,
		opts:            opts,
		logger:          logger,
		metrics:         metrics,
		tracer:          otel.Tracer("payment-service"),
		maxRetries:      3,
		now:             time.Now,
		newTag:          externalReferenceTag,
	}
}

// externalReferenceTag 外部リファレンスの末尾に付けるランダムな識別子
func externalReferenceTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Initiate STK Pushを開始してpendingのトランザクションを登録
func (s *PaymentApplicationService) Initiate(ctx context.Context, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentApplicationService.Initiate")
	defer span.End()

	span.SetAttributes(attribute.Int64("amount", req.Amount))

	if err := transaction.ValidatePayment(req.Phone, req.Amount); err != nil {
		s.metrics.RecordSTKPush(ctx, "invalid")
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	// 同じミリ秒の開始でもWebhookトークンが別の支払いを指さないよう一意にする
	externalReference := fmt.Sprintf("REF_%d_%s", s.now().UnixMilli(), s.newTag())
	span.SetAttributes(attribute.String("external_reference", externalReference))

	s.logger.Info(ctx, "Initiating STK push", map[string]interface{}{
		"external_reference": externalReference,
		"amount":             req.Amount,
	})

	callbackURL, err := s.callbackURLs.CallbackURL(s.opts.CallbackBaseURL, externalReference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, fmt.Errorf("failed to build callback url: %w", err)
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()

	result, err := s.gateway.InitiateSTKPush(providerCtx, &gateway.STKPushRequest{
		Phone:             req.Phone,
		Amount:            req.Amount,
		ExternalReference: externalReference,
		CallbackURL:       callbackURL,
	})
	if err != nil {
		outcome := "unavailable"
		if errors.Is(err, gateway.ErrProviderRejected) {
			outcome = "rejected"
		}
		s.metrics.RecordSTKPush(ctx, outcome)
		s.logger.Error(ctx, "STK push failed", err, map[string]interface{}{
			"external_reference": externalReference,
			"outcome":            outcome,
		})
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	txn, err := transaction.NewPendingTransaction(
		result.Reference,
		externalReference,
		result.MerchantRequestID,
		req.Phone,
		req.Amount,
	)
	if err != nil {
		err = fmt.Errorf("%w: %v", gateway.ErrMalformedResponse, err)
		s.metrics.RecordSTKPush(ctx, "unavailable")
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	if err := s.transactionRepo.Create(ctx, txn); err != nil {
		// 同じリファレンスが既に登録済みなら状態はそちらを正とする
		if !errors.Is(err, transaction.ErrDuplicateReference) {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			return nil, fmt.Errorf("failed to create transaction: %w", err)
		}
		s.logger.Warn(ctx, "Transaction reference already registered", map[string]interface{}{
			"reference": result.Reference,
		})
	}

	s.metrics.RecordSTKPush(ctx, "accepted")
	s.logger.Info(ctx, "STK push accepted", map[string]interface{}{
		"reference":           result.Reference,
		"external_reference":  externalReference,
		"merchant_request_id": result.MerchantRequestID,
	})
	span.SetAttributes(attribute.String("reference", result.Reference))
	span.SetStatus(otelcodes.Ok, "stk push accepted")

	return &InitiatePaymentResponse{
		TransactionReference: result.Reference,
		ExternalReference:    externalReference,
		MerchantRequestID:    result.MerchantRequestID,
	}, nil
}

// HandleCallback Webhookを照合してトランザクションを終端状態にする
func (s *PaymentApplicationService) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentApplicationService.HandleCallback")
	defer span.End()

	payload := parseCallbackPayload(req.Payload)
	status := transaction.StatusFromCallback(payload.status)

	span.SetAttributes(
		attribute.String("callback.status", payload.status),
		attribute.Bool("callback.token_verified", req.ExternalReference != ""),
	)

	s.logger.Info(ctx, "Callback received", map[string]interface{}{
		"status":              payload.status,
		"reference":           payload.reference,
		"merchant_request_id": payload.merchantRequestID,
		"external_reference":  payload.externalReference,
		"token_verified":      req.ExternalReference != "",
	})

	result, err := s.correlate(ctx, req, payload, status)
	if err != nil {
		s.metrics.RecordCallback(ctx, "error")
		s.logger.Error(ctx, "Callback correlation failed", err, nil)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	s.metrics.RecordCallback(ctx, result.Outcome)
	if result.Matched {
		s.logger.Info(ctx, "Callback resolved transaction", map[string]interface{}{
			"reference": result.Reference,
			"status":    result.Status,
			"outcome":   result.Outcome,
		})
	} else {
		s.logger.Warn(ctx, "Callback did not resolve a transaction", map[string]interface{}{
			"reference": result.Reference,
			"outcome":   result.Outcome,
		})
	}
	span.SetAttributes(attribute.String("callback.outcome", result.Outcome))
	span.SetStatus(otelcodes.Ok, result.Outcome)
	return result, nil
}

func (s *PaymentApplicationService) correlate(
	ctx context.Context,
	req *CallbackRequest,
	payload callbackPayload,
	status transaction.TransactionStatus,
) (*CallbackResult, error) {
	if req.TokenRejected {
		return &CallbackResult{Outcome: "untrusted"}, nil
	}

	if req.ExternalReference != "" {
		txn, err := s.transactionRepo.FindByExternalReference(ctx, req.ExternalReference)
		if err == nil {
			return s.resolve(ctx, txn, status, "token")
		}
		if !errors.Is(err, transaction.ErrTransactionNotFound) {
			return nil, fmt.Errorf("failed to find transaction by external reference: %w", err)
		}
	}

	lookups := []struct {
		value string
		find  func(context.Context, string) (*transaction.Transaction, error)
	}{
		{payload.reference, s.transactionRepo.FindByReference},
		{payload.merchantRequestID, s.transactionRepo.FindByMerchantRequestID},
		{payload.externalReference, s.transactionRepo.FindByExternalReference},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		txn, err := l.find(ctx, l.value)
		if errors.Is(err, transaction.ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find transaction: %w", err)
		}
		return s.resolve(ctx, txn, status, "identifier")
	}

	if payload.hasIdentifier() || req.ExternalReference != "" || !s.opts.FallbackOldestPending {
		return &CallbackResult{Outcome: "unmatched"}, nil
	}

	return s.resolveOldestPending(ctx, status)
}

// resolve 照合済みトランザクションをCASで終端状態にする
func (s *PaymentApplicationService) resolve(
	ctx context.Context,
	txn *transaction.Transaction,
	status transaction.TransactionStatus,
	outcome string,
) (*CallbackResult, error) {
	if txn.Status().IsTerminal() {
		return &CallbackResult{
			Reference: txn.Reference(),
			Status:    txn.Status().String(),
			Outcome:   "already_resolved",
		}, nil
	}

	swapped, err := s.transactionRepo.CompareAndSwapStatus(ctx, txn.Reference(), transaction.TransactionStatusPending, status)
	if errors.Is(err, transaction.ErrTransactionNotFound) {
		// 照合後に期限切れで削除された
		return &CallbackResult{Reference: txn.Reference(), Outcome: "unmatched"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve transaction: %w", err)
	}
	if !swapped {
		return &CallbackResult{Reference: txn.Reference(), Outcome: "already_resolved"}, nil
	}

	return &CallbackResult{
		Matched:   true,
		Reference: txn.Reference(),
		Status:    status.String(),
		Outcome:   outcome,
	}, nil
}

// resolveOldestPending 最も古いpendingを解決する。CASに負けた場合は次のpendingで再試行
func (s *PaymentApplicationService) resolveOldestPending(ctx context.Context, status transaction.TransactionStatus) (*CallbackResult, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 10 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		txn, err := s.transactionRepo.FindOldestPending(ctx)
		if errors.Is(err, transaction.ErrTransactionNotFound) {
			return &CallbackResult{Outcome: "unmatched"}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find oldest pending transaction: %w", err)
		}

		swapped, err := s.transactionRepo.CompareAndSwapStatus(ctx, txn.Reference(), transaction.TransactionStatusPending, status)
		if err != nil && !errors.Is(err, transaction.ErrTransactionNotFound) {
			return nil, fmt.Errorf("failed to resolve transaction: %w", err)
		}
		if swapped {
			return &CallbackResult{
				Matched:   true,
				Reference: txn.Reference(),
				Status:    status.String(),
				Outcome:   "fallback",
			}, nil
		}

		s.logger.Debug(ctx, "Lost race for oldest pending transaction", map[string]interface{}{
			"reference": txn.Reference(),
			"attempt":   attempt + 1,
		})
	}

	return &CallbackResult{Outcome: "unmatched"}, nil
}

// pollResult プロバイダー照会の共有結果
type pollResult struct {
	status   transaction.TransactionStatus
	degraded bool
	source   string
}

// GetStatus リファレンスのステータスを返す。未確定ならプロバイダーに照会
func (s *PaymentApplicationService) GetStatus(ctx context.Context, reference string) (*StatusResponse, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentApplicationService.GetStatus")
	defer span.End()

	span.SetAttributes(attribute.String("reference", reference))

	if err := transaction.ValidateReference(reference); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	cached, err := s.currentStatus(ctx, reference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	if cached.IsTerminal() {
		s.metrics.RecordStatusPoll(ctx, "cache")
		span.SetAttributes(attribute.String("status", cached.String()), attribute.String("source", "cache"))
		span.SetStatus(otelcodes.Ok, "cached terminal status")
		return &StatusResponse{Reference: reference, Status: cached.String(), Source: "cache"}, nil
	}

	// 同じリファレンスへの同時照会は1回のプロバイダー呼び出しにまとめる
	v, err, shared := s.polls.Do(reference, func() (interface{}, error) {
		return s.pollProvider(context.WithoutCancel(ctx), reference)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	result := v.(*pollResult)

	s.metrics.RecordStatusPoll(ctx, result.source)
	span.SetAttributes(
		attribute.String("status", result.status.String()),
		attribute.String("source", result.source),
		attribute.Bool("degraded", result.degraded),
		attribute.Bool("shared", shared),
	)
	span.SetStatus(otelcodes.Ok, "status resolved")

	return &StatusResponse{
		Reference: reference,
		Status:    result.status.String(),
		Degraded:  result.degraded,
		Source:    result.source,
	}, nil
}

func (s *PaymentApplicationService) pollProvider(ctx context.Context, reference string) (*pollResult, error) {
	providerCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()

	s.logger.Info(ctx, "Polling provider for status", map[string]interface{}{
		"reference": reference,
	})

	queried, err := s.gateway.QueryStatus(providerCtx, reference)
	if err != nil {
		s.logger.Warn(ctx, "Provider status query failed", map[string]interface{}{
			"reference": reference,
			"error":     err.Error(),
		})
		stored, lookupErr := s.currentStatus(ctx, reference)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return &pollResult{status: stored, degraded: true, source: "degraded"}, nil
	}

	status, ok := transaction.StatusFromProvider(queried.RawStatus)
	if !ok {
		stored, err := s.currentStatus(ctx, reference)
		if err != nil {
			return nil, err
		}
		return &pollResult{status: stored, source: "fallback"}, nil
	}

	final, err := s.record(ctx, reference, status)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Provider reported terminal status", map[string]interface{}{
		"reference":       reference,
		"provider_status": queried.RawStatus,
		"status":          final.String(),
	})
	return &pollResult{status: final, source: "provider"}, nil
}

// record プロバイダーが返した終端状態を保存し、保存後のステータスを返す
func (s *PaymentApplicationService) record(ctx context.Context, reference string, status transaction.TransactionStatus) (transaction.TransactionStatus, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		swapped, err := s.transactionRepo.CompareAndSwapStatus(ctx, reference, transaction.TransactionStatusPending, status)
		if err == nil {
			if swapped {
				return status, nil
			}
			// 他の書き込みが先に終端状態にした
			return s.currentStatus(ctx, reference)
		}
		if !errors.Is(err, transaction.ErrTransactionNotFound) {
			return "", fmt.Errorf("failed to update transaction status: %w", err)
		}

		// 未登録のリファレンスは終端状態で新規登録
		txn, err := transaction.NewResolvedTransaction(reference, status)
		if err != nil {
			return "", err
		}
		err = s.transactionRepo.Create(ctx, txn)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, transaction.ErrDuplicateReference) {
			return "", fmt.Errorf("failed to create transaction: %w", err)
		}
	}

	return s.currentStatus(ctx, reference)
}

// currentStatus 保存済みのステータスを返す（未登録ならpending）
func (s *PaymentApplicationService) currentStatus(ctx context.Context, reference string) (transaction.TransactionStatus, error) {
	txn, err := s.transactionRepo.FindByReference(ctx, reference)
	if errors.Is(err, transaction.ErrTransactionNotFound) {
		return transaction.TransactionStatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find transaction: %w", err)
	}
	return txn.Status(), nil
}
