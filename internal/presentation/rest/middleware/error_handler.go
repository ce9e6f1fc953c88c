package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"stk-relay/internal/domain/gateway"
	"stk-relay/internal/domain/transaction"
	otelinfra "stk-relay/internal/infrastructure/observability/otel"
)

// ErrorResponse エラーレスポンス
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorHandlerMiddleware エラーハンドリングミドルウェア
func ErrorHandlerMiddleware(logger *otelinfra.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			// 既にレスポンスを書き込んでいる場合はログのみ
			if c.Response().Committed {
				logger.Error(c.Request().Context(), "Error after response committed", err, nil)
				return nil
			}

			return handleError(c, err, logger)
		}
	}
}

// handleError エラーを処理して適切なHTTPレスポンスを返す
func handleError(c echo.Context, err error, logger *otelinfra.Logger) error {
	ctx := c.Request().Context()

	// 入力値エラー
	if errors.Is(err, transaction.ErrInvalidPhone) ||
		errors.Is(err, transaction.ErrInvalidAmount) ||
		errors.Is(err, transaction.ErrAmountTooLarge) ||
		errors.Is(err, transaction.ErrInvalidReference) {
		logger.Warn(ctx, "Invalid request", map[string]interface{}{
			"error": err.Error(),
		})
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	}

	// プロバイダーによる拒否はプロバイダーのメッセージをそのまま返す
	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		logger.Warn(ctx, "Provider rejected request", map[string]interface{}{
			"message": rejected.Message,
		})
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: rejected.Message,
		})
	}

	if errors.Is(err, gateway.ErrProviderUnavailable) || errors.Is(err, gateway.ErrMalformedResponse) {
		logger.Error(ctx, "Provider request failed", err, map[string]interface{}{
			"path": c.Request().URL.Path,
		})
		return c.JSON(http.StatusInternalServerError, ErrorResponse{})
	}

	if errors.Is(err, transaction.ErrTransactionNotFound) {
		logger.Warn(ctx, "Transaction not found", map[string]interface{}{
			"error": err.Error(),
		})
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "transaction_not_found",
			Message: err.Error(),
		})
	}

	// EchoのHTTPエラー
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		logger.Warn(ctx, "HTTP error", map[string]interface{}{
			"status_code": httpErr.Code,
			"message":     httpErr.Message,
		})
		message := ""
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(httpErr.Code)
		}
		return c.JSON(httpErr.Code, ErrorResponse{
			Error:   http.StatusText(httpErr.Code),
			Message: message,
		})
	}

	// 予期しないエラー
	logger.Error(ctx, "Internal server error", err, map[string]interface{}{
		"path": c.Request().URL.Path,
	})
	return c.JSON(http.StatusInternalServerError, ErrorResponse{})
}
