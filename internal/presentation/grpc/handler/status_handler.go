package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	paymentapp "stk-relay/internal/application/payment"
	"stk-relay/internal/domain/transaction"
	"stk-relay/internal/presentation/grpc/pb"
)

// StatusService ステータス照会を行うアプリケーションサービス
type StatusService interface {
	GetStatus(ctx context.Context, reference string) (*paymentapp.StatusResponse, error)
}

// StatusHandler gRPCステータス照会ハンドラー
type StatusHandler struct {
	pb.UnimplementedPaymentStatusServiceServer
	statusService StatusService
}

// NewStatusHandler 新しいStatusHandlerを作成
func NewStatusHandler(statusService StatusService) *StatusHandler {
	return &StatusHandler{statusService: statusService}
}

// GetStatus リファレンスのステータスを返す
func (h *StatusHandler) GetStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "reference is required")
	}

	resp, err := h.statusService.GetStatus(ctx, req.GetValue())
	if err != nil {
		return nil, h.handleError(err)
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"status":   resp.Status,
		"degraded": resp.Degraded,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to build response")
	}
	return out, nil
}

// handleError エラーをgRPCステータスコードに変換
func (h *StatusHandler) handleError(err error) error {
	if errors.Is(err, transaction.ErrInvalidReference) {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	if errors.Is(err, transaction.ErrTransactionNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	return status.Error(codes.Internal, "internal server error")
}
