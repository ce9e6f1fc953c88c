package middleware

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// relayOperations ルートごとの操作名
var relayOperations = map[string]string{
	"/api/stk-push":          "stk_push.initiate",
	"/api/payments/callback": "payment.callback",
	"/api/status/:ref":       "payment.status",
}

// TracingMiddleware OpenTelemetryトレーシングミドルウェア
func TracingMiddleware() echo.MiddlewareFunc {
	tracer := otel.Tracer("stk-relay")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			// トレースコンテキストの伝播
			propagator := otel.GetTextMapPropagator()
			ctx = propagator.Extract(ctx, propagation.HeaderCarrier(c.Request().Header))

			spanName := c.Request().Method + " " + c.Path()
			ctx, span := tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			// トークンを含むクエリはURLに残さない
			span.SetAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.target", c.Request().URL.Path),
				attribute.String("http.route", c.Path()),
				attribute.String("http.user_agent", c.Request().UserAgent()),
			)
			if op, ok := relayOperations[c.Path()]; ok {
				span.SetAttributes(attribute.String("relay.operation", op))
			}
			if ref := c.Param("ref"); ref != "" {
				span.SetAttributes(attribute.String("payment.reference", ref))
			}
			// トークンの値は記録しない
			if c.Path() == "/api/payments/callback" {
				span.SetAttributes(attribute.Bool("callback.token_present", c.QueryParam("token") != ""))
			}

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			statusCode := c.Response().Status
			span.SetAttributes(
				attribute.Int("http.status_code", statusCode),
			)
			// RequestIDミドルウェアがレスポンスヘッダーに設定済み
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			if err != nil {
				span.RecordError(err)
			}
			if statusCode >= 500 {
				span.SetStatus(otelcodes.Error, "server error")
			}

			return err
		}
	}
}
