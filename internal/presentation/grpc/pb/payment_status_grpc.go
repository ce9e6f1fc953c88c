package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// メッセージは標準の既知型のみを使うため、サービス定義だけを手で記述している

const (
	// PaymentStatusServiceName サービスのフルネーム
	PaymentStatusServiceName = "stkrelay.v1.PaymentStatusService"
	// PaymentStatusServiceGetStatusFullMethodName GetStatusのフルメソッド名
	PaymentStatusServiceGetStatusFullMethodName = "/" + PaymentStatusServiceName + "/GetStatus"
)

// PaymentStatusServiceClient ステータス照会クライアント
type PaymentStatusServiceClient interface {
	GetStatus(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type paymentStatusServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPaymentStatusServiceClient 新しいクライアントを作成
func NewPaymentStatusServiceClient(cc grpc.ClientConnInterface) PaymentStatusServiceClient {
	return &paymentStatusServiceClient{cc: cc}
}

func (c *paymentStatusServiceClient) GetStatus(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PaymentStatusServiceGetStatusFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PaymentStatusServiceServer ステータス照会サーバー
type PaymentStatusServiceServer interface {
	GetStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// UnimplementedPaymentStatusServiceServer 未実装のメソッドはUnimplementedを返す
type UnimplementedPaymentStatusServiceServer struct{}

func (UnimplementedPaymentStatusServiceServer) GetStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

// RegisterPaymentStatusServiceServer サーバーを登録
func RegisterPaymentStatusServiceServer(s grpc.ServiceRegistrar, srv PaymentStatusServiceServer) {
	s.RegisterService(&PaymentStatusServiceDesc, srv)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentStatusServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PaymentStatusServiceGetStatusFullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PaymentStatusServiceServer).GetStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// PaymentStatusServiceDesc サービス記述子
var PaymentStatusServiceDesc = grpc.ServiceDesc{
	ServiceName: PaymentStatusServiceName,
	HandlerType: (*PaymentStatusServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    getStatusHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stkrelay/v1/payment_status.proto",
}
