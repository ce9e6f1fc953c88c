package middleware

import (
	"github.com/labstack/echo/v4"

	otelinfra "stk-relay/internal/infrastructure/observability/otel"
	"stk-relay/internal/infrastructure/security/callbacktoken"
)

const (
	// ContextKeyCallbackReference 検証済みトークンの外部リファレンス
	ContextKeyCallbackReference = "callback_external_reference"
	// ContextKeyCallbackTokenRejected トークンが提示されたが無効だった
	ContextKeyCallbackTokenRejected = "callback_token_rejected"
)

// CallbackTokenVerifier Webhookトークンを検証する
type CallbackTokenVerifier interface {
	Verify(token string) (string, error)
}

// CallbackTokenMiddleware WebhookのURLに付与したトークンを検証するミドルウェア。
// プロバイダーへの応答は常に200のため、検証に失敗しても拒否せず結果だけをコンテキストに残す。
func CallbackTokenMiddleware(verifier CallbackTokenVerifier, logger *otelinfra.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			tokenString := c.QueryParam(callbacktoken.QueryParam)
			if tokenString == "" {
				return next(c)
			}

			externalReference, err := verifier.Verify(tokenString)
			if err != nil {
				logger.Warn(ctx, "Invalid callback token", map[string]interface{}{
					"error": err.Error(),
				})
				c.Set(ContextKeyCallbackTokenRejected, true)
				return next(c)
			}

			c.Set(ContextKeyCallbackReference, externalReference)
			return next(c)
		}
	}
}
