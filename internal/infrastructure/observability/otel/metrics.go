package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics メトリクス定義
type Metrics struct {
	// STK Push開始数（outcome: accepted / rejected / unavailable / invalid）
	STKPushCount metric.Int64Counter

	// Webhook受信数（outcome: token / identifier / fallback / unmatched / already_resolved / untrusted）
	CallbackCount metric.Int64Counter

	// ステータス照会数（source: cache / provider / fallback / degraded）
	StatusPollCount metric.Int64Counter

	// プロバイダー呼び出し時間
	ProviderRequestDuration metric.Float64Histogram

	// TTL切れで削除したトランザクション数
	ExpiredTransactionCount metric.Int64Counter

	// リクエスト数
	RequestCount metric.Int64Counter

	// レスポンス時間
	ResponseTime metric.Float64Histogram

	// エラー率
	ErrorCount metric.Int64Counter
}

// NewMetrics 新しいMetricsを作成
func NewMetrics(meterName string) (*Metrics, error) {
	meter := otel.Meter(meterName)

	stkPushCount, err := meter.Int64Counter(
		"stk_push_total",
		metric.WithDescription("Total number of STK push initiations"),
	)
	if err != nil {
		return nil, err
	}

	callbackCount, err := meter.Int64Counter(
		"callbacks_total",
		metric.WithDescription("Total number of provider callbacks received"),
	)
	if err != nil {
		return nil, err
	}

	statusPollCount, err := meter.Int64Counter(
		"status_polls_total",
		metric.WithDescription("Total number of status polls"),
	)
	if err != nil {
		return nil, err
	}

	providerRequestDuration, err := meter.Float64Histogram(
		"provider_request_duration_seconds",
		metric.WithDescription("Provider API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	expiredTransactionCount, err := meter.Int64Counter(
		"transactions_expired_total",
		metric.WithDescription("Total number of transactions evicted after their TTL"),
	)
	if err != nil {
		return nil, err
	}

	requestCount, err := meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of requests"),
	)
	if err != nil {
		return nil, err
	}

	responseTime, err := meter.Float64Histogram(
		"response_time_seconds",
		metric.WithDescription("Response time in seconds"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"errors_total",
		metric.WithDescription("Total number of errors"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		STKPushCount:            stkPushCount,
		CallbackCount:           callbackCount,
		StatusPollCount:         statusPollCount,
		ProviderRequestDuration: providerRequestDuration,
		ExpiredTransactionCount: expiredTransactionCount,
		RequestCount:            requestCount,
		ResponseTime:            responseTime,
		ErrorCount:              errorCount,
	}, nil
}

// RecordSTKPush STK Push開始を記録
func (m *Metrics) RecordSTKPush(ctx context.Context, outcome string) {
	m.STKPushCount.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordCallback Webhook受信を記録
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	m.CallbackCount.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordStatusPoll ステータス照会を記録
func (m *Metrics) RecordStatusPoll(ctx context.Context, source string) {
	m.StatusPollCount.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordProviderRequest プロバイダー呼び出し時間を記録
func (m *Metrics) RecordProviderRequest(ctx context.Context, operation string, success bool, duration float64) {
	m.ProviderRequestDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.Bool("success", success),
		),
	)
}

// RecordExpired TTL切れ削除件数を記録
func (m *Metrics) RecordExpired(ctx context.Context, count int) {
	if count <= 0 {
		return
	}
	m.ExpiredTransactionCount.Add(ctx, int64(count))
}

// RecordRequest リクエストを記録
func (m *Metrics) RecordRequest(ctx context.Context, method, path string) {
	m.RequestCount.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		),
	)
}

// RecordResponseTime レスポンス時間を記録
func (m *Metrics) RecordResponseTime(ctx context.Context, method, path string, duration float64) {
	m.ResponseTime.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		),
	)
}

// RecordError エラーを記録
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.ErrorCount.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error_type", errorType),
		),
	)
}
