package rest

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	paymentapp "stk-relay/internal/application/payment"
	"stk-relay/internal/infrastructure/config"
	otelinfra "stk-relay/internal/infrastructure/observability/otel"
	"stk-relay/internal/presentation/rest/handler"
	restmiddleware "stk-relay/internal/presentation/rest/middleware"
)

// Router REST APIルーター
type Router struct {
	echo           *echo.Echo
	paymentHandler *handler.PaymentHandler
}

// NewRouter 新しいRouterを作成
func NewRouter(
	cfg *config.Config,
	logger *otelinfra.Logger,
	metrics *otelinfra.Metrics,
	paymentService *paymentapp.PaymentApplicationService,
	verifier restmiddleware.CallbackTokenVerifier,
	health handler.HealthChecker,
) (*Router, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Echoのデフォルトエラーハンドラーを無効化（カスタムエラーハンドラーを使用）
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		// エラーハンドリングミドルウェアで処理される
	}

	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout

	setupMiddleware(e, logger, metrics)

	paymentHandler := handler.NewPaymentHandler(paymentService, health, logger)

	setupRoutes(e, logger, paymentHandler, verifier)

	if cfg.Environment != "production" {
		SetupSwagger(e)
	}

	if err := setupStatic(e, cfg.Server.StaticDir, logger); err != nil {
		return nil, err
	}

	return &Router{
		echo:           e,
		paymentHandler: paymentHandler,
	}, nil
}

// setupMiddleware ミドルウェアを設定
func setupMiddleware(e *echo.Echo, logger *otelinfra.Logger, metrics *otelinfra.Metrics) {
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(restmiddleware.SecurityHeadersMiddleware())

	// クライアントはどこからでも呼び出せる
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, restmiddleware.HeaderNgrokSkipBrowserWarning},
	}))

	e.Use(restmiddleware.TracingMiddleware())
	e.Use(restmiddleware.LoggingMiddleware(logger))
	if metrics != nil {
		e.Use(restmiddleware.MetricsMiddleware(metrics))
	}
	e.Use(restmiddleware.ErrorHandlerMiddleware(logger))
}

// setupRoutes ルーティングを設定
func setupRoutes(
	e *echo.Echo,
	logger *otelinfra.Logger,
	paymentHandler *handler.PaymentHandler,
	verifier restmiddleware.CallbackTokenVerifier,
) {
	api := e.Group("/api")

	api.POST("/stk-push", paymentHandler.InitiateSTKPush)
	api.POST("/payments/callback", paymentHandler.HandleCallback,
		restmiddleware.CallbackTokenMiddleware(verifier, logger))
	api.GET("/status/:ref", paymentHandler.GetStatus)

	e.GET("/health", paymentHandler.Health)
}

// setupStatic 静的ファイルディレクトリが存在すれば配信
func setupStatic(e *echo.Echo, dir string, logger *otelinfra.Logger) error {
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info(context.Background(), "Static directory not found, skipping", map[string]interface{}{
			"dir": dir,
		})
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("STATIC_DIR is not a directory: " + dir)
	}

	e.Static("/", dir)
	return nil
}

// ServeHTTP http.Handlerを実装
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.echo.ServeHTTP(w, req)
}

// Start サーバーを起動
func (r *Router) Start(address string) error {
	return r.echo.Start(address)
}

// Shutdown 処理中のリクエストを待ってサーバーを停止
func (r *Router) Shutdown(ctx context.Context) error {
	return r.echo.Shutdown(ctx)
}
