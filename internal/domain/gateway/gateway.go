package gateway

import "context"

// STKPushRequest STK Push送信リクエスト
type STKPushRequest struct {
	Phone             string
	Amount            int64
	ExternalReference string
	CallbackURL       string
}

// STKPushResult STK Push送信結果
type STKPushResult struct {
	Reference         string
	MerchantRequestID string
	Message           string
}

// StatusResult ステータス照会結果
type StatusResult struct {
	Reference string
	// RawStatus プロバイダーが返したステータス文字列（大文字化済み、未確定なら空）
	RawStatus string
}

// PaymentGateway 決済プロバイダーとのやり取りを抽象化したインターフェース
type PaymentGateway interface {
	// Name プロバイダー名を返す
	Name() string

	// InitiateSTKPush STK Pushを開始する
	InitiateSTKPush(ctx context.Context, req *STKPushRequest) (*STKPushResult, error)

	// QueryStatus リファレンスの決済ステータスを照会する
	QueryStatus(ctx context.Context, reference string) (*StatusResult, error)
}
