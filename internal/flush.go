package internal

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Flusher 定期將快取中的計數快照發佈為對帳訊息
//
// 每個快取條目對應一則訊息，攜帶四個計數總量與水合時讀到的
// base version。訊息是總量而非增量，所以重複發佈無害
// （consumer 冪等），但浪費工作——running 旗標保證同一時間
// 只有一輪 flush 在跑，重疊觸發直接跳過。
type Flusher struct {
	cache     *Cache
	publisher Publisher
	subject   string
	logger    *slog.Logger

	running atomic.Bool
}

// NewFlusher 建立 flush 調度器
func NewFlusher(cache *Cache, publisher Publisher, subject string, logger *slog.Logger) *Flusher {
	return &Flusher{
		cache:     cache,
		publisher: publisher,
		subject:   subject,
		logger:    logger,
	}
}

// FlushAll 掃描計數命名空間並逐鍵發佈對帳訊息
//
// 單鍵失敗（解析或發佈）記日誌後繼續，不中斷整輪掃描。
// 掃描中途過期的空條目直接跳過，不是錯誤。
func (f *Flusher) FlushAll(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		f.logger.Warn("flush already in progress, skip")
		return
	}
	defer f.running.Store(false)

	keys, err := f.cache.ScanKeys(ctx)
	if err != nil {
		f.logger.Error("scan cache keys failed", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	published := 0
	for _, key := range keys {
		if f.flushKey(ctx, key) {
			published++
		}
	}

	f.logger.Info("flush completed", "keys", len(keys), "published", published)
}

// flushKey 發佈單一快取條目，返回是否實際發佈
func (f *Flusher) flushKey(ctx context.Context, key string) bool {
	noteID, err := strconv.ParseInt(strings.TrimPrefix(key, cacheKeyPrefix), 10, 64)
	if err != nil || noteID < 1 {
		f.logger.Warn("invalid note id in cache key, skip", "key", key)
		return false
	}

	entries, err := f.cache.Entries(ctx, key)
	if err != nil {
		f.logger.Error("read cache entry failed", "key", key, "error", err)
		return false
	}
	if len(entries) == 0 {
		// 條目在掃描與讀取之間過期
		return false
	}

	msg := buildReconcileMessage(noteID, entries)
	data, err := msg.Encode()
	if err != nil {
		f.logger.Error("encode reconcile message failed", "note_id", noteID, "error", err)
		return false
	}

	if err := f.publisher.Publish(f.subject, data); err != nil {
		f.logger.Error("publish reconcile message failed", "note_id", noteID, "error", err)
		return false
	}

	f.logger.Debug("flushed note stats", "note_id", noteID)
	return true
}

// buildReconcileMessage 從 hash 欄位組裝訊息，缺失欄位取安全預設
func buildReconcileMessage(noteID int64, entries map[string]string) *ReconcileMessage {
	lastActivity := entries[fieldLastActivity]
	if lastActivity == "" {
		lastActivity = formatTime(time.Now())
	}

	version := entries[fieldVersion]
	if version == "" {
		version = "0"
	}

	return &ReconcileMessage{
		NoteID:         noteID,
		Views:          parseInt64(entries[FieldViews]),
		Likes:          parseInt64(entries[FieldLikes]),
		Favorites:      parseInt64(entries[FieldFavorites]),
		Comments:       parseInt64(entries[FieldComments]),
		LastActivityAt: lastActivity,
		Version:        version,
	}
}

// Run 按固定節奏執行 flush，直到 ctx 取消
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.FlushAll(ctx)
		}
	}
}
