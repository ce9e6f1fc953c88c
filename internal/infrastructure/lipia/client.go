package lipia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stk-relay/internal/domain/gateway"
	"stk-relay/internal/infrastructure/config"
	otelinfra "stk-relay/internal/infrastructure/observability/otel"
)

const (
	providerName = "lipia"

	stkPushPath = "/payments/stk-push"
	statusPath  = "/payments/status"

	// maxResponseBytes レスポンスボディの読み込み上限
	maxResponseBytes = 1 << 20
)

// Client Lipia STK Push APIクライアント
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tracer     trace.Tracer
	metrics    *otelinfra.Metrics
}

// NewClient 新しいClientを作成（metricsはnil可）
func NewClient(cfg *config.ProviderConfig, metrics *otelinfra.Metrics) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracer:     otel.Tracer("lipia-client"),
		metrics:    metrics,
	}
}

// Name プロバイダー名を返す
func (c *Client) Name() string {
	return providerName
}

type stkPushRequestBody struct {
	PhoneNumber       string `json:"phone_number"`
	Amount            int64  `json:"amount"`
	ExternalReference string `json:"external_reference"`
	CallbackURL       string `json:"callback_url"`
}

// providerData レスポンスのdata部。フィールドの位置はAPIのバージョンで揺れる
type providerData struct {
	TransactionReference string `json:"TransactionReference"`
	Reference            string `json:"reference"`
	MerchantRequestID    string `json:"MerchantRequestID"`
	Response             *struct {
		TransactionReference string `json:"TransactionReference"`
		MerchantRequestID    string `json:"MerchantRequestID"`
		Status               string `json:"Status"`
	} `json:"response"`
}

type providerEnvelope struct {
	Success              bool          `json:"success"`
	Message              string        `json:"message"`
	Data                 *providerData `json:"data"`
	TransactionReference string        `json:"TransactionReference"`
	Reference            string        `json:"reference"`
}

// reference 最初に見つかった空でないリファレンスを返す
func (e *providerEnvelope) reference() string {
	var candidates []string
	if d := e.Data; d != nil {
		candidates = append(candidates, d.TransactionReference, d.Reference)
		if d.Response != nil {
			candidates = append(candidates, d.Response.TransactionReference)
		}
	}
	candidates = append(candidates, e.TransactionReference, e.Reference)
	return firstNonEmpty(candidates...)
}

func (e *providerEnvelope) merchantRequestID() string {
	if e.Data == nil {
		return ""
	}
	if e.Data.MerchantRequestID != "" {
		return e.Data.MerchantRequestID
	}
	if e.Data.Response != nil {
		return e.Data.Response.MerchantRequestID
	}
	return ""
}

// InitiateSTKPush STK Pushを開始する
func (c *Client) InitiateSTKPush(ctx context.Context, req *gateway.STKPushRequest) (*gateway.STKPushResult, error) {
	ctx, span := c.tracer.Start(ctx, "LipiaClient.InitiateSTKPush", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("provider.name", providerName),
		attribute.String("provider.external_reference", req.ExternalReference),
		attribute.Int64("provider.amount", req.Amount),
	)

	body, err := json.Marshal(stkPushRequestBody{
		PhoneNumber:       req.Phone,
		Amount:            req.Amount,
		ExternalReference: req.ExternalReference,
		CallbackURL:       req.CallbackURL,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, fmt.Errorf("failed to encode stk push request: %w", err)
	}

	envelope, err := c.do(ctx, "stk_push", http.MethodPost, c.baseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	if !envelope.Success {
		err := gateway.NewRejectedError(envelope.Message)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	reference := envelope.reference()
	if reference == "" {
		err := fmt.Errorf("%w: transaction reference missing", gateway.ErrMalformedResponse)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("provider.reference", reference))
	span.SetStatus(otelcodes.Ok, "stk push accepted")

	return &gateway.STKPushResult{
		Reference:         reference,
		MerchantRequestID: envelope.merchantRequestID(),
		Message:           envelope.Message,
	}, nil
}

// QueryStatus リファレンスの決済ステータスを照会する
func (c *Client) QueryStatus(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	ctx, span := c.tracer.Start(ctx, "LipiaClient.QueryStatus", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("provider.name", providerName),
		attribute.String("provider.reference", reference),
	)

	endpoint := c.baseURL + statusPath + "?" + url.Values{"reference": {reference}}.Encode()
	envelope, err := c.do(ctx, "status", http.MethodGet, endpoint, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	result := &gateway.StatusResult{Reference: reference}
	if envelope.Success && envelope.Data != nil && envelope.Data.Response != nil {
		result.RawStatus = strings.ToUpper(strings.TrimSpace(envelope.Data.Response.Status))
	}

	span.SetAttributes(attribute.String("provider.status", result.RawStatus))
	span.SetStatus(otelcodes.Ok, "status queried")
	return result, nil
}

// do リクエストを送信してレスポンスのJSONを解釈する
func (c *Client) do(ctx context.Context, operation, method, endpoint string, body io.Reader) (*providerEnvelope, error) {
	start := time.Now()
	success := false
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordProviderRequest(ctx, operation, success, time.Since(start).Seconds())
		}
	}()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrProviderUnavailable, err)
	}

	var envelope providerEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", gateway.ErrMalformedResponse, resp.StatusCode, err)
	}

	success = true
	return &envelope, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
