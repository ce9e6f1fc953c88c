package payment

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"stk-relay/internal/domain/gateway"
	"stk-relay/internal/domain/transaction"
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

// MockTransactionRepository モックトランザクションリポジトリ
type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	return m.Called(ctx, t).Error(0)
}

func (m *MockTransactionRepository) FindByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	return m.find(m.Called(ctx, reference))
}

func (m *MockTransactionRepository) FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*transaction.Transaction, error) {
	return m.find(m.Called(ctx, merchantRequestID))
}

func (m *MockTransactionRepository) FindByExternalReference(ctx context.Context, externalReference string) (*transaction.Transaction, error) {
	return m.find(m.Called(ctx, externalReference))
}

func (m *MockTransactionRepository) FindOldestPending(ctx context.Context) (*transaction.Transaction, error) {
	return m.find(m.Called(ctx))
}

func (m *MockTransactionRepository) CompareAndSwapStatus(ctx context.Context, reference string, from, to transaction.TransactionStatus) (bool, error) {
	args := m.Called(ctx, reference, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransactionRepository) DeleteUpdatedBefore(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func (m *MockTransactionRepository) find(args mock.Arguments) (*transaction.Transaction, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transaction.Transaction), args.Error(1)
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo transaction.TransactionRepository, gw gateway.PaymentGateway, fallback bool) *PaymentApplicationService {
	t.Helper()
	tracer := otel.Tracer("test")
	logger := otelinfra.NewLoggerWithOutput(tracer, io.Discard)
	metrics, err := otelinfra.NewMetrics("test")
	require.NoError(t, err)

	svc := NewPaymentApplicationService(
		repo,
		gw,
		callbacktoken.NewSigner("secret", time.Hour),
		Options{
			CallbackBaseURL:       "https://relay.example.com/api/payments/callback",
			ProviderTimeout:       time.Second,
			FallbackOldestPending: fallback,
			TTL:                   24 * time.Hour,
		},
		logger,
		metrics,
	)
	svc.now = func() time.Time { return testNow }
	svc.newTag = func() string { return "0123456789ab" }
	return svc
}

func TestPaymentApplicationService_Initiate(t *testing.T) {
	tests := []struct {
		name       string
		req        *InitiatePaymentRequest
		setupMocks func(*MockPaymentGateway, *MockTransactionRepository)
		wantErr    error
		wantRef    string
	}{
		{
			name: "正常系: STK Pushを開始してpendingで登録",
			req:  &InitiatePaymentRequest{Phone: "254712345678", Amount: 100},
			setupMocks: func(gw *MockPaymentGateway, repo *MockTransactionRepository) {
				gw.On("InitiateSTKPush", mock.Anything, mock.MatchedBy(func(req *gateway.STKPushRequest) bool {
					return req.Phone == "254712345678" &&
						req.Amount == 100 &&
						req.ExternalReference == "REF_1714564800000_0123456789ab" &&
						strings.HasPrefix(req.CallbackURL, "https://relay.example.com/api/payments/callback?token=")
				})).Return(&gateway.STKPushResult{Reference: "TXN_1", MerchantRequestID: "MR_1"}, nil)
				repo.On("Create", mock.Anything, mock.MatchedBy(func(txn *transaction.Transaction) bool {
					return txn.Reference() == "TXN_1" &&
						txn.Status().IsPending() &&
						txn.ExternalReference() == "REF_1714564800000_0123456789ab" &&
						txn.MerchantRequestID() == "MR_1"
				})).Return(nil)
			},
			wantRef: "TXN_1",
		},
		{
			name: "正常系: 登録済みリファレンスはそのまま成功",
			req:  &InitiatePaymentRequest{Phone: "254712345678", Amount: 100},
			setupMocks: func(gw *MockPaymentGateway, repo *MockTransactionRepository) {
				gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
					Return(&gateway.STKPushResult{Reference: "TXN_1"}, nil)
				repo.On("Create", mock.Anything, mock.Anything).Return(transaction.ErrDuplicateReference)
			},
			wantRef: "TXN_1",
		},
		{
			name:       "異常系: 電話番号なし",
			req:        &InitiatePaymentRequest{Phone: "", Amount: 100},
			setupMocks: func(gw *MockPaymentGateway, repo *MockTransactionRepository) {},
			wantErr:    transaction.ErrInvalidPhone,
		},
		{
			name:       "異常系: 金額が0",
			req:        &InitiatePaymentRequest{Phone: "254712345678", Amount: 0},
			setupMocks: func(gw *MockPaymentGateway, repo *MockTransactionRepository) {},
			wantErr:    transaction.ErrInvalidAmount,
		},
		{
			name: "異常系: プロバイダーが拒否",
			req:  &InitiatePaymentRequest{Phone: "254712345678", Amount: 100},
			setupMocks: func(gw *MockPaymentGateway, repo *MockTransactionRepository) {
				gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
					Return(nil, gateway.NewRejectedError("Insufficient balance"))
			},
			wantErr: gateway.ErrProviderRejected,
		},
		{
			name: "異常系: プロバイダーに接続できない",
			req:  &InitiatePaymentRequest{Phone: "254712345678", Amount: 100},
			setupMocks: func(gw *MockPaymentGateway, repo *MockTransactionRepository) {
				gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
					Return(nil, gateway.ErrProviderUnavailable)
			},
			wantErr: gateway.ErrProviderUnavailable,
		},
		{
			name: "異常系: 保存できないリファレンス",
			req:  &InitiatePaymentRequest{Phone: "254712345678", Amount: 100},
			setupMocks: func(gw *MockPaymentGateway, repo *MockTransactionRepository) {
				gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
					Return(&gateway.STKPushResult{Reference: "bad ref/with spaces"}, nil)
			},
			wantErr: gateway.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(MockPaymentGateway)
			repo := new(MockTransactionRepository)
			tt.setupMocks(gw, repo)

			svc := newTestService(t, repo, gw, true)
			resp, err := svc.Initiate(context.Background(), tt.req)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, resp)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantRef, resp.TransactionReference)
				assert.Equal(t, "REF_1714564800000_0123456789ab", resp.ExternalReference)
			}
			gw.AssertExpectations(t)
			repo.AssertExpectations(t)
		})
	}
}

// 同じミリ秒に開始した支払いでも、Webhookトークンは自分のトランザクションだけを解決する
func TestPaymentApplicationService_Initiate_DistinctExternalReferences(t *testing.T) {
	repo := memory.NewTransactionRepository()
	gw := new(MockPaymentGateway)
	gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
		Return(&gateway.STKPushResult{Reference: "LPA"}, nil).Once()
	gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
		Return(&gateway.STKPushResult{Reference: "LPB"}, nil).Once()
	svc := newTestService(t, repo, gw, true)
	svc.newTag = externalReferenceTag
	ctx := context.Background()

	first, err := svc.Initiate(ctx, &InitiatePaymentRequest{Phone: "254712345678", Amount: 10})
	require.NoError(t, err)
	second, err := svc.Initiate(ctx, &InitiatePaymentRequest{Phone: "254712345679", Amount: 20})
	require.NoError(t, err)

	require.NotEqual(t, first.ExternalReference, second.ExternalReference)
	assert.True(t, strings.HasPrefix(first.ExternalReference, "REF_1714564800000_"))
	assert.True(t, strings.HasPrefix(second.ExternalReference, "REF_1714564800000_"))

	cb, err := svc.HandleCallback(ctx, &CallbackRequest{
		ExternalReference: first.ExternalReference,
		Payload:           map[string]interface{}{"response": map[string]interface{}{"Status": "SUCCESS"}},
	})
	require.NoError(t, err)
	assert.True(t, cb.Matched)
	assert.Equal(t, "LPA", cb.Reference)
	assert.Equal(t, "token", cb.Outcome)
	assert.Equal(t, transaction.TransactionStatusCompleted, statusOf(t, repo, "LPA"))
	assert.Equal(t, transaction.TransactionStatusPending, statusOf(t, repo, "LPB"))

	cb, err = svc.HandleCallback(ctx, &CallbackRequest{
		ExternalReference: second.ExternalReference,
		Payload:           map[string]interface{}{"response": map[string]interface{}{"Status": "FAILED"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "LPB", cb.Reference)
	assert.Equal(t, transaction.TransactionStatusCompleted, statusOf(t, repo, "LPA"))
	assert.Equal(t, transaction.TransactionStatusFailed, statusOf(t, repo, "LPB"))

	gw.AssertExpectations(t)
}

func TestPaymentApplicationService_Initiate_DuplicateExternalReference(t *testing.T) {
	gw := new(MockPaymentGateway)
	repo := new(MockTransactionRepository)
	gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
		Return(&gateway.STKPushResult{Reference: "TXN_2"}, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(transaction.ErrDuplicateExternalReference)

	svc := newTestService(t, repo, gw, true)
	resp, err := svc.Initiate(context.Background(), &InitiatePaymentRequest{Phone: "254712345678", Amount: 100})

	assert.ErrorIs(t, err, transaction.ErrDuplicateExternalReference)
	assert.Nil(t, resp)
}

func seed(t *testing.T, repo *memory.TransactionRepository, reference, externalReference, merchantRequestID string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(),
		transaction.MustNewPendingTransaction(reference, externalReference, merchantRequestID, "254712345678", 100)))
}

func statusOf(t *testing.T, repo *memory.TransactionRepository, reference string) transaction.TransactionStatus {
	t.Helper()
	txn, err := repo.FindByReference(context.Background(), reference)
	require.NoError(t, err)
	return txn.Status()
}

func TestPaymentApplicationService_HandleCallback(t *testing.T) {
	tests := []struct {
		name        string
		fallback    bool
		setup       func(t *testing.T, repo *memory.TransactionRepository)
		req         *CallbackRequest
		wantOutcome string
		wantMatched bool
		wantStatus  map[string]transaction.TransactionStatus
	}{
		{
			name:     "正常系: トークンの外部リファレンスで照合",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "MR_1")
				seed(t, repo, "TXN_2", "REF_2", "MR_2")
			},
			req: &CallbackRequest{
				ExternalReference: "REF_2",
				Payload:           map[string]interface{}{"response": map[string]interface{}{"Status": "Success"}},
			},
			wantOutcome: "token",
			wantMatched: true,
			wantStatus: map[string]transaction.TransactionStatus{
				"TXN_1": transaction.TransactionStatusPending,
				"TXN_2": transaction.TransactionStatusCompleted,
			},
		},
		{
			name:     "正常系: ペイロードのMerchantRequestIDで照合",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "MR_1")
				seed(t, repo, "TXN_2", "REF_2", "MR_2")
			},
			req: &CallbackRequest{
				Payload: map[string]interface{}{"response": map[string]interface{}{
					"merchantrequestid": "MR_2",
					"Status":            "FAILED",
				}},
			},
			wantOutcome: "identifier",
			wantMatched: true,
			wantStatus: map[string]transaction.TransactionStatus{
				"TXN_1": transaction.TransactionStatusPending,
				"TXN_2": transaction.TransactionStatusFailed,
			},
		},
		{
			name:     "正常系: フラット形式のリファレンスで照合",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			req: &CallbackRequest{
				Payload: map[string]interface{}{"reference": "TXN_1", "Status": "success"},
			},
			wantOutcome: "identifier",
			wantMatched: true,
			wantStatus:  map[string]transaction.TransactionStatus{"TXN_1": transaction.TransactionStatusCompleted},
		},
		{
			name:     "正常系: 識別子なしは最も古いpendingに適用",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_OLD", "REF_1", "")
				time.Sleep(2 * time.Millisecond)
				seed(t, repo, "TXN_NEW", "REF_2", "")
			},
			req: &CallbackRequest{
				Payload: map[string]interface{}{"response": map[string]interface{}{"Status": "SUCCESS"}},
			},
			wantOutcome: "fallback",
			wantMatched: true,
			wantStatus: map[string]transaction.TransactionStatus{
				"TXN_OLD": transaction.TransactionStatusCompleted,
				"TXN_NEW": transaction.TransactionStatusPending,
			},
		},
		{
			name:     "正常系: ステータスなしはfailed",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			req:         &CallbackRequest{Payload: map[string]interface{}{}},
			wantOutcome: "fallback",
			wantMatched: true,
			wantStatus:  map[string]transaction.TransactionStatus{"TXN_1": transaction.TransactionStatusFailed},
		},
		{
			name:     "異常系: フォールバック無効なら照合しない",
			fallback: false,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			req:         &CallbackRequest{Payload: map[string]interface{}{"Status": "SUCCESS"}},
			wantOutcome: "unmatched",
			wantStatus:  map[string]transaction.TransactionStatus{"TXN_1": transaction.TransactionStatusPending},
		},
		{
			name:     "異常系: 未知の識別子はフォールバックしない",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			req:         &CallbackRequest{Payload: map[string]interface{}{"TransactionReference": "TXN_OTHER", "Status": "SUCCESS"}},
			wantOutcome: "unmatched",
			wantStatus:  map[string]transaction.TransactionStatus{"TXN_1": transaction.TransactionStatusPending},
		},
		{
			name:     "異常系: 不正なトークンは照合しない",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			req:         &CallbackRequest{TokenRejected: true, Payload: map[string]interface{}{"reference": "TXN_1", "Status": "SUCCESS"}},
			wantOutcome: "untrusted",
			wantStatus:  map[string]transaction.TransactionStatus{"TXN_1": transaction.TransactionStatusPending},
		},
		{
			name:        "異常系: pendingがなければ何もしない",
			fallback:    true,
			setup:       func(t *testing.T, repo *memory.TransactionRepository) {},
			req:         &CallbackRequest{Payload: map[string]interface{}{"Status": "SUCCESS"}},
			wantOutcome: "unmatched",
		},
		{
			name:     "異常系: 終端状態は後退しない",
			fallback: true,
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
				_, err := repo.CompareAndSwapStatus(context.Background(), "TXN_1",
					transaction.TransactionStatusPending, transaction.TransactionStatusCompleted)
				require.NoError(t, err)
			},
			req:         &CallbackRequest{Payload: map[string]interface{}{"reference": "TXN_1", "Status": "FAILED"}},
			wantOutcome: "already_resolved",
			wantStatus:  map[string]transaction.TransactionStatus{"TXN_1": transaction.TransactionStatusCompleted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewTransactionRepository()
			tt.setup(t, repo)
			svc := newTestService(t, repo, new(MockPaymentGateway), tt.fallback)

			result, err := svc.HandleCallback(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, result.Outcome)
			assert.Equal(t, tt.wantMatched, result.Matched)

			for ref, want := range tt.wantStatus {
				assert.Equal(t, want, statusOf(t, repo, ref), ref)
			}
		})
	}
}

func TestPaymentApplicationService_HandleCallback_FallbackRetry(t *testing.T) {
	repo := new(MockTransactionRepository)
	first := transaction.MustNewPendingTransaction("TXN_1", "REF_1", "", "254712345678", 100)
	second := transaction.MustNewPendingTransaction("TXN_2", "REF_2", "", "254712345678", 100)

	repo.On("FindOldestPending", mock.Anything).Return(first, nil).Once()
	repo.On("CompareAndSwapStatus", mock.Anything, "TXN_1", transaction.TransactionStatusPending, transaction.TransactionStatusCompleted).
		Return(false, nil).Once()
	repo.On("FindOldestPending", mock.Anything).Return(second, nil).Once()
	repo.On("CompareAndSwapStatus", mock.Anything, "TXN_2", transaction.TransactionStatusPending, transaction.TransactionStatusCompleted).
		Return(true, nil).Once()

	svc := newTestService(t, repo, new(MockPaymentGateway), true)
	result, err := svc.HandleCallback(context.Background(), &CallbackRequest{
		Payload: map[string]interface{}{"Status": "SUCCESS"},
	})

	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, "TXN_2", result.Reference)
	assert.Equal(t, "fallback", result.Outcome)
	repo.AssertExpectations(t)
}

func TestPaymentApplicationService_HandleCallback_RepositoryError(t *testing.T) {
	repo := new(MockTransactionRepository)
	repo.On("FindByReference", mock.Anything, "TXN_1").Return(nil, errors.New("connection lost"))

	svc := newTestService(t, repo, new(MockPaymentGateway), true)
	_, err := svc.HandleCallback(context.Background(), &CallbackRequest{
		Payload: map[string]interface{}{"reference": "TXN_1", "Status": "SUCCESS"},
	})
	assert.Error(t, err)
}

func TestPaymentApplicationService_GetStatus(t *testing.T) {
	tests := []struct {
		name         string
		reference    string
		setup        func(t *testing.T, repo *memory.TransactionRepository)
		setupGateway func(gw *MockPaymentGateway)
		wantStatus   string
		wantDegraded bool
		wantSource   string
		wantStored   transaction.TransactionStatus
		wantErr      error
	}{
		{
			name:      "正常系: 終端状態はプロバイダーに照会しない",
			reference: "TXN_1",
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
				_, err := repo.CompareAndSwapStatus(context.Background(), "TXN_1",
					transaction.TransactionStatusPending, transaction.TransactionStatusFailed)
				require.NoError(t, err)
			},
			setupGateway: func(gw *MockPaymentGateway) {},
			wantStatus:   "failed",
			wantSource:   "cache",
			wantStored:   transaction.TransactionStatusFailed,
		},
		{
			name:      "正常系: pendingはプロバイダーの結果で更新",
			reference: "TXN_1",
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			setupGateway: func(gw *MockPaymentGateway) {
				gw.On("QueryStatus", mock.Anything, "TXN_1").
					Return(&gateway.StatusResult{Reference: "TXN_1", RawStatus: "COMPLETED"}, nil)
			},
			wantStatus: "completed",
			wantSource: "provider",
			wantStored: transaction.TransactionStatusCompleted,
		},
		{
			name:      "正常系: 未知のリファレンスは終端状態で登録",
			reference: "TXN_NEW",
			setup:     func(t *testing.T, repo *memory.TransactionRepository) {},
			setupGateway: func(gw *MockPaymentGateway) {
				gw.On("QueryStatus", mock.Anything, "TXN_NEW").
					Return(&gateway.StatusResult{Reference: "TXN_NEW", RawStatus: "CANCELLED"}, nil)
			},
			wantStatus: "failed",
			wantSource: "provider",
			wantStored: transaction.TransactionStatusFailed,
		},
		{
			name:      "正常系: 未確定ならpendingのまま",
			reference: "TXN_1",
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			setupGateway: func(gw *MockPaymentGateway) {
				gw.On("QueryStatus", mock.Anything, "TXN_1").
					Return(&gateway.StatusResult{Reference: "TXN_1", RawStatus: "PROCESSING"}, nil)
			},
			wantStatus: "pending",
			wantSource: "fallback",
			wantStored: transaction.TransactionStatusPending,
		},
		{
			name:      "正常系: 未知のリファレンスで未確定ならpending",
			reference: "TXN_UNKNOWN",
			setup:     func(t *testing.T, repo *memory.TransactionRepository) {},
			setupGateway: func(gw *MockPaymentGateway) {
				gw.On("QueryStatus", mock.Anything, "TXN_UNKNOWN").
					Return(&gateway.StatusResult{Reference: "TXN_UNKNOWN"}, nil)
			},
			wantStatus: "pending",
			wantSource: "fallback",
		},
		{
			name:      "異常系: プロバイダー障害はdegraded",
			reference: "TXN_1",
			setup: func(t *testing.T, repo *memory.TransactionRepository) {
				seed(t, repo, "TXN_1", "REF_1", "")
			},
			setupGateway: func(gw *MockPaymentGateway) {
				gw.On("QueryStatus", mock.Anything, "TXN_1").
					Return(nil, gateway.ErrProviderUnavailable)
			},
			wantStatus:   "pending",
			wantDegraded: true,
			wantSource:   "degraded",
			wantStored:   transaction.TransactionStatusPending,
		},
		{
			name:         "異常系: 不正なリファレンス",
			reference:    "bad ref",
			setup:        func(t *testing.T, repo *memory.TransactionRepository) {},
			setupGateway: func(gw *MockPaymentGateway) {},
			wantErr:      transaction.ErrInvalidReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewTransactionRepository()
			tt.setup(t, repo)
			gw := new(MockPaymentGateway)
			tt.setupGateway(gw)
			svc := newTestService(t, repo, gw, true)

			resp, err := svc.GetStatus(context.Background(), tt.reference)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantDegraded, resp.Degraded)
			assert.Equal(t, tt.wantSource, resp.Source)
			if tt.wantStored != "" {
				assert.Equal(t, tt.wantStored, statusOf(t, repo, tt.reference))
			}
			gw.AssertExpectations(t)
		})
	}
}

// blockingGateway 照会を解放されるまで止めるゲートウェイ
type blockingGateway struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGateway) Name() string { return "blocking" }

func (g *blockingGateway) InitiateSTKPush(ctx context.Context, req *gateway.STKPushRequest) (*gateway.STKPushResult, error) {
	return nil, gateway.ErrProviderUnavailable
}

func (g *blockingGateway) QueryStatus(ctx context.Context, reference string) (*gateway.StatusResult, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	<-g.release
	return &gateway.StatusResult{Reference: reference, RawStatus: "SUCCESS"}, nil
}

func TestPaymentApplicationService_GetStatus_CollapsesConcurrentPolls(t *testing.T) {
	repo := memory.NewTransactionRepository()
	seed(t, repo, "TXN_1", "REF_1", "")
	gw := &blockingGateway{started: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(t, repo, gw, true)

	const pollers = 8
	results := make([]*StatusResponse, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.GetStatus(context.Background(), "TXN_1")
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}

	<-gw.started
	time.Sleep(50 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	assert.Equal(t, int32(1), gw.calls.Load())
	for _, resp := range results {
		require.NotNil(t, resp)
		assert.Equal(t, "completed", resp.Status)
	}
}

// 開始 → 識別子なしのWebhook → ポーリングでプロバイダーを呼ばずにcompletedを返す
func TestPaymentApplicationService_EndToEnd(t *testing.T) {
	repo := memory.NewTransactionRepository()
	gw := new(MockPaymentGateway)
	gw.On("InitiateSTKPush", mock.Anything, mock.Anything).
		Return(&gateway.STKPushResult{Reference: "TXN_E2E"}, nil).Once()
	svc := newTestService(t, repo, gw, true)
	ctx := context.Background()

	initiated, err := svc.Initiate(ctx, &InitiatePaymentRequest{Phone: "254712345678", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "TXN_E2E", initiated.TransactionReference)

	cb, err := svc.HandleCallback(ctx, &CallbackRequest{
		Payload: map[string]interface{}{"response": map[string]interface{}{"Status": "SUCCESS"}},
	})
	require.NoError(t, err)
	assert.True(t, cb.Matched)

	status, err := svc.GetStatus(ctx, "TXN_E2E")
	require.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, "cache", status.Source)

	gw.AssertExpectations(t)
	gw.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything)
}

func TestPaymentApplicationService_PurgeExpired(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(repo *MockTransactionRepository)
		want      int
		wantError bool
	}{
		{
			name: "正常系: TTLより古いものを削除",
			setupMock: func(repo *MockTransactionRepository) {
				repo.On("DeleteUpdatedBefore", mock.Anything, testNow.Add(-24*time.Hour)).Return(2, nil)
			},
			want: 2,
		},
		{
			name: "異常系: 削除に失敗",
			setupMock: func(repo *MockTransactionRepository) {
				repo.On("DeleteUpdatedBefore", mock.Anything, mock.Anything).Return(0, errors.New("db down"))
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockTransactionRepository)
			tt.setupMock(repo)
			svc := newTestService(t, repo, new(MockPaymentGateway), true)

			n, err := svc.PurgeExpired(context.Background())
			if tt.wantError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, n)
			}
			repo.AssertExpectations(t)
		})
	}
}

func TestPaymentApplicationService_RunExpirySweeper(t *testing.T) {
	repo := new(MockTransactionRepository)
	swept := make(chan struct{}, 1)
	repo.On("DeleteUpdatedBefore", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case swept <- struct{}{}:
			default:
			}
		}).
		Return(0, nil)

	svc := newTestService(t, repo, new(MockPaymentGateway), true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunExpirySweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not run")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
