package handler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	paymentapp "stk-relay/internal/application/payment"
	"stk-relay/internal/domain/gateway"
	otelinfra "stk-relay/internal/infrastructure/observability/otel"
	"stk-relay/internal/infrastructure/persistence/memory"
	"stk-relay/internal/infrastructure/security/callbacktoken"
)

// MockPaymentGateway モック決済ゲートウェイ
type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) Name() string {
	return "mock"
}

func (m *MockPaymentGateway) InitiateSTKPush(ctx context.Context, req *gateway.STKPushRequest) (*gateway.STKPushResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.STKPushResult), args.Error(1)
}

func (m *MockPaymentGateway) QueryStatus(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.StatusResult), args.Error(1)
}

// testDeps ハンドラーテスト用の依存一式
type testDeps struct {
	repo    *memory.TransactionRepository
	gateway *MockPaymentGateway
	signer  *callbacktoken.Signer
	logger  *otelinfra.Logger
	service *paymentapp.PaymentApplicationService
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	logger := otelinfra.NewLoggerWithOutput(noop.NewTracerProvider().Tracer("test"), io.Discard)
	metrics, err := otelinfra.NewMetrics("test")
	require.NoError(t, err)

	repo := memory.NewTransactionRepository()
	gw := new(MockPaymentGateway)
	signer := callbacktoken.NewSigner("secret", time.Hour)

	svc := paymentapp.NewPaymentApplicationService(
		repo,
		gw,
		signer,
		paymentapp.Options{
			CallbackBaseURL:       "https://relay.example.com/api/payments/callback",
			ProviderTimeout:       time.Second,
			FallbackOldestPending: true,
			TTL:                   time.Hour,
		},
		logger,
		metrics,
	)

	return &testDeps{repo: repo, gateway: gw, signer: signer, logger: logger, service: svc}
}
