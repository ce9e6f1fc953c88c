package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	otelinfra "stk-relay/internal/infrastructure/observability/otel"
)

// MetricsMiddleware メトリクス記録ミドルウェア
func MetricsMiddleware(metrics *otelinfra.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()

			err := next(c)

			// ルーティング後のパスで集計する（/api/status/:ref など）
			path := c.Path()
			metrics.RecordRequest(ctx, c.Request().Method, path)
			metrics.RecordResponseTime(ctx, c.Request().Method, path, time.Since(start).Seconds())

			// 4xx, 5xxのみエラーとして記録
			if status := c.Response().Status; status >= 400 {
				errorType := "client_error"
				if status >= 500 {
					errorType = "server_error"
				}
				metrics.RecordError(ctx, errorType)
			}

			return err
		}
	}
}
