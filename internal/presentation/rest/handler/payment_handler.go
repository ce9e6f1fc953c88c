package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	paymentapp "stk-relay/internal/application/payment"
	"stk-relay/internal/domain/transaction"
	otelinfra "stk-relay/internal/infrastructure/observability/otel"
	restmiddleware "stk-relay/internal/presentation/rest/middleware"
)

// HealthChecker ストアの疎通確認
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PaymentHandler 決済関連ハンドラー
type PaymentHandler struct {
	paymentService *paymentapp.PaymentApplicationService
	health         HealthChecker
	logger         *otelinfra.Logger
}

// NewPaymentHandler 新しいPaymentHandlerを作成
// healthがnilの場合は常にokを返す（インメモリストア）
func NewPaymentHandler(paymentService *paymentapp.PaymentApplicationService, health HealthChecker, logger *otelinfra.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		health:         health,
		logger:         logger,
	}
}

// InitiateSTKPush STK Push開始ハンドラー
// @Summary STK Pushを開始
// @Tags payment
// @Accept json
// @Produce json
// @Param request body STKPushRequest true "STK Pushリクエスト"
// @Success 200 {object} STKPushResponse
// @Failure 400 {object} middleware.ErrorResponse
// @Failure 500 {object} middleware.ErrorResponse
// @Router /api/stk-push [post]
func (h *PaymentHandler) InitiateSTKPush(c echo.Context) error {
	var reqBody STKPushRequest
	if err := c.Bind(&reqBody); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	phone := strings.TrimSpace(reqBody.Phone)
	if phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phone is required")
	}

	// 金額は1以上の整数のみ
	if reqBody.Amount == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "amount is required")
	}
	amount := *reqBody.Amount
	if !amount.IsPositive() || !amount.IsInteger() {
		return transaction.ErrInvalidAmount
	}
	if amount.GreaterThan(decimalMaxAmount) {
		return transaction.ErrAmountTooLarge
	}

	resp, err := h.paymentService.Initiate(c.Request().Context(), &paymentapp.InitiatePaymentRequest{
		Phone:  phone,
		Amount: amount.IntPart(),
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, STKPushResponse{
		Success:              true,
		TransactionReference: resp.TransactionReference,
	})
}

// HandleCallback プロバイダーからのWebhookハンドラー。照合結果に関わらず200を返す
// @Summary 決済結果Webhook
// @Tags payment
// @Accept json
// @Produce plain
// @Success 200 {string} string "OK"
// @Router /api/payments/callback [post]
func (h *PaymentHandler) HandleCallback(c echo.Context) error {
	ctx := c.Request().Context()

	var payload map[string]interface{}
	decoder := json.NewDecoder(c.Request().Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		// 解釈できないボディで他のトランザクションを解決しない
		h.logger.Warn(ctx, "Callback body could not be decoded", map[string]interface{}{
			"error": err.Error(),
		})
		return c.String(http.StatusOK, "OK")
	}

	req := &paymentapp.CallbackRequest{Payload: payload}
	if ref, ok := c.Get(restmiddleware.ContextKeyCallbackReference).(string); ok {
		req.ExternalReference = ref
	}
	if rejected, ok := c.Get(restmiddleware.ContextKeyCallbackTokenRejected).(bool); ok {
		req.TokenRejected = rejected
	}

	if _, err := h.paymentService.HandleCallback(ctx, req); err != nil {
		h.logger.Error(ctx, "Callback handling failed", err, nil)
	}

	return c.String(http.StatusOK, "OK")
}

// GetStatus ステータス照会ハンドラー
// @Summary 決済ステータスを取得
// @Tags payment
// @Produce json
// @Param ref path string true "トランザクションリファレンス"
// @Success 200 {object} StatusResponse
// @Failure 400 {object} middleware.ErrorResponse
// @Router /api/status/{ref} [get]
func (h *PaymentHandler) GetStatus(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")

	resp, err := h.paymentService.GetStatus(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:   resp.Status,
		Degraded: resp.Degraded,
	})
}

// Health ヘルスチェックハンドラー
// @Summary ヘルスチェック
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *PaymentHandler) Health(c echo.Context) error {
	if h.health != nil {
		if err := h.health.HealthCheck(c.Request().Context()); err != nil {
			h.logger.Warn(c.Request().Context(), "Store health check failed", map[string]interface{}{
				"error": err.Error(),
			})
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}
