package internal

import (
	"encoding/json"
	"strconv"
	"time"
)

// 時間格式：生產端以 RFC3339Nano 寫入，但佇列中可能存在
// 不帶時區的舊格式，解析時兩種都接受
const (
	timeLayout       = time.RFC3339Nano
	legacyTimeLayout = "2006-01-02T15:04:05.999999999"
)

// ReconcileMessage 對帳訊息（佇列 payload）
//
// 由 Flusher 從 Redis 快照組裝，Reconciler 消費。
// version 以字串編碼（Redis hash 中即為字串，保留原樣傳輸）。
type ReconcileMessage struct {
	NoteID         int64  `json:"note_id"`
	Views          int64  `json:"views"`
	Likes          int64  `json:"likes"`
	Favorites      int64  `json:"favorites"`
	Comments       int64  `json:"comments"`
	LastActivityAt string `json:"last_activity_at"`
	Version        string `json:"version"`
}

// Encode 序列化為 JSON
func (m *ReconcileMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// decodeReconcilePayload 寬容解碼佇列 payload
//
// 至少一次投遞 + 異質生產者意味著 payload 不可信：
// 欄位可能缺失、數字可能以字串編碼、note_id 可能根本不是數字。
// 這裡解碼到 map 後逐欄位防禦性解析，任何欄位失敗都以安全預設值補齊，
// 絕不返回解析錯誤（毒訊息由呼叫方以補償路徑處理）。
func decodeReconcilePayload(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseInt64 寬容解析整數
//
// Redis hash 的值依寫入路徑不同，可能是數字或字串編碼的數字。
// 解析失敗一律返回 0，不丟錯誤。
func parseInt64(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case int64:
		return t
	case float64:
		return int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// parseTime 寬容解析時間戳，失敗返回當前時間
func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Now()
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(legacyTimeLayout, s); err == nil {
		return t
	}
	return time.Now()
}

// formatTime 統一時間戳輸出格式
func formatTime(t time.Time) string {
	return t.Format(timeLayout)
}
