package payment

import (
	"encoding/json"
	"strconv"
	"strings"
)

// callbackPayload Webhookから取り出した値
type callbackPayload struct {
	status            string
	reference         string
	merchantRequestID string
	externalReference string
}

func (p callbackPayload) hasIdentifier() bool {
	return p.reference != "" || p.merchantRequestID != "" || p.externalReference != ""
}

// parseCallbackPayload {response:{...}} 形式とフラット形式の両方を受け付ける
func parseCallbackPayload(body map[string]interface{}) callbackPayload {
	data := body
	if inner, ok := lookup(body, "response").(map[string]interface{}); ok {
		data = inner
	}

	return callbackPayload{
		status:            strings.ToUpper(strings.TrimSpace(stringValue(lookup(data, "Status")))),
		reference:         firstString(data, "TransactionReference", "reference"),
		merchantRequestID: firstString(data, "MerchantRequestID"),
		externalReference: firstString(data, "ExternalReference", "external_reference"),
	}
}

// lookup キーを大文字小文字を区別せずに検索
func lookup(m map[string]interface{}, key string) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := strings.TrimSpace(stringValue(lookup(m, key))); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
