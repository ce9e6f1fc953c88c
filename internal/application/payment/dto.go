package payment

// InitiatePaymentRequest STK Push開始リクエスト
type InitiatePaymentRequest struct {
	Phone  string
	Amount int64
}

// InitiatePaymentResponse STK Push開始レスポンス
type InitiatePaymentResponse struct {
	TransactionReference string
	ExternalReference    string
	MerchantRequestID    string
}

// CallbackRequest Webhook受信リクエスト
type CallbackRequest struct {
	// ExternalReference 検証済みトークンから得た外部リファレンス
	ExternalReference string
	// TokenRejected トークンが提示されたが検証に失敗した
	TokenRejected bool
	// Payload Webhookのボディ
	Payload map[string]interface{}
}

// CallbackResult Webhook処理結果
type CallbackResult struct {
	Matched   bool
	Reference string
	Status    string
	// Outcome token / identifier / fallback / unmatched / already_resolved / untrusted
	Outcome string
}

// StatusResponse ステータス照会レスポンス
type StatusResponse struct {
	Reference string
	Status    string
	Degraded  bool
	// Source cache / provider / fallback / degraded
	Source string
}
