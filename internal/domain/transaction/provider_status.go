package transaction

import "strings"

// StatusFromCallback Webhookのステータス文字列をTransactionStatusに変換する。
// SUCCESS以外はすべてfailedとして扱う。
func StatusFromCallback(raw string) TransactionStatus {
	if strings.ToUpper(strings.TrimSpace(raw)) == "SUCCESS" {
		return TransactionStatusCompleted
	}
	return TransactionStatusFailed
}

// StatusFromProvider ステータス照会APIの結果をTransactionStatusに変換する。
// 終端状態を表さない値の場合はokがfalseになる。
func StatusFromProvider(raw string) (status TransactionStatus, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "COMPLETED":
		return TransactionStatusCompleted, true
	case "FAILED", "CANCELLED":
		return TransactionStatusFailed, true
	default:
		return "", false
	}
}
