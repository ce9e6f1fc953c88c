package handler

import (
	"github.com/shopspring/decimal"

	"stk-relay/internal/domain/transaction"
)

// STKPushRequest STK Push開始リクエスト
type STKPushRequest struct {
	Phone string `json:"phone" example:"254712345678"`
	// Amount 数値と文字列のどちらも受け付ける
	Amount *decimal.Decimal `json:"amount" example:"100"`
}

// STKPushResponse STK Push開始レスポンス
type STKPushResponse struct {
	Success              bool   `json:"success"`
	TransactionReference string `json:"transactionReference"`
}

// StatusResponse ステータス照会レスポンス
type StatusResponse struct {
	Status   string `json:"status" example:"pending"`
	Degraded bool   `json:"degraded,omitempty"`
}

// HealthResponse ヘルスチェックレスポンス
type HealthResponse struct {
	Status string `json:"status"`
}

var decimalMaxAmount = decimal.NewFromInt(transaction.MaxAmount)
