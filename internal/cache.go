// Package internal 實現筆記互動統計的 write-behind 計數管線
//
// 系統設計問題：
//
//	瀏覽/點讚/收藏/評論等高頻計數，如何在重寫入壓力下
//	保持低延遲，同時讓關聯式資料庫最終一致？
//
// 核心挑戰：
//  1. 高頻寫入：熱門筆記每秒數千次互動
//  2. 寫入放大：每次互動都落庫，資料庫無法承受
//  3. 最終一致：快取與資料庫允許短暫偏差，但必須收斂
//  4. 亂序與重複：佇列至少一次投遞，訊息可能重複、亂序
//
// 設計方案：
//
//	請求 → Redis hash 原子增量（快速返回）
//	     → Flusher 定期快照發佈到 NATS JetStream
//	     → Reconciler 以樂觀鎖 / 增量 / 補償三段式落庫
//	     → 落庫確認後條件式淘汰快取
package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheKeyPrefix 快取鍵命名空間，鍵格式為 note_stats:<noteID>
const cacheKeyPrefix = "note_stats:"

// cacheTTL 快取條目存活時間，水合或預熱時刷新
const cacheTTL = 7 * 24 * time.Hour

// 快取 hash 的欄位名
const (
	FieldViews        = "views"
	FieldLikes        = "likes"
	FieldFavorites    = "favorites"
	FieldComments     = "comments"
	fieldLastActivity = "last_activity_at"
	fieldVersion      = "version"
)

// Snapshot 某一時刻的計數快照
type Snapshot struct {
	NoteID    int64 `json:"note_id"`
	Views     int64 `json:"views"`
	Likes     int64 `json:"likes"`
	Favorites int64 `json:"favorites"`
	Comments  int64 `json:"comments"`
}

// ErrUnknownField 欄位名不在四個計數器之內
var ErrUnknownField = fmt.Errorf("unknown counter field")

// validField 檢查欄位名是否為合法計數器
func validField(field string) bool {
	switch field {
	case FieldViews, FieldLikes, FieldFavorites, FieldComments:
		return true
	}
	return false
}

// Cache 筆記計數的 Redis hash 存取層
//
// 每個筆記一個 hash，欄位為四個計數器加 last_activity_at 與 version。
// version 在水合時寫入一次，之後快速路徑不再變動——它是衝突提示，
// 不是鎖。正確性依賴 Redis HINCRBY 的原子性，不依賴任何應用層互斥。
//
// hash 欄位值可能是數字也可能是字串編碼的數字（不同寫入路徑所致），
// 讀取端一律經 parseInt64 防禦性解析，這層容錯只存在於此邊界。
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewCache 建立快取存取層
func NewCache(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger,
	}
}

// Key 組合某筆記的快取鍵
func (c *Cache) Key(noteID int64) string {
	return fmt.Sprintf("%s%d", cacheKeyPrefix, noteID)
}

// IsEmpty 檢查快取條目是否不存在或無任何欄位
func (c *Cache) IsEmpty(ctx context.Context, noteID int64) (bool, error) {
	n, err := c.client.HLen(ctx, c.Key(noteID)).Result()
	if err != nil {
		return false, fmt.Errorf("hlen: %w", err)
	}
	return n == 0, nil
}

// Hydrate 以持久層資料回填快取並刷新 TTL
//
// 重複水合是冪等的：同一行資料寫多次結果相同。
// 水合與增量之間的競爭只以「不存在才水合」緩解，
// 刻意保持 best-effort 而非 exactly-once。
func (c *Cache) Hydrate(ctx context.Context, row *StatsRow) error {
	key := c.Key(row.NoteID)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key,
		FieldViews, row.Views,
		FieldLikes, row.Likes,
		FieldFavorites, row.Favorites,
		FieldComments, row.Comments,
		fieldLastActivity, formatTime(row.LastActivityAt),
		fieldVersion, fmt.Sprintf("%d", row.Version),
	)
	pipe.Expire(ctx, key, cacheTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hydrate note %d: %w", row.NoteID, err)
	}

	return nil
}

// Increment 原子增加指定計數器並更新活躍時間
func (c *Cache) Increment(ctx context.Context, noteID int64, field string, delta int64) error {
	if !validField(field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	key := c.Key(noteID)

	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, key, field, delta)
	pipe.HSet(ctx, key, fieldLastActivity, formatTime(time.Now()))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment %s for note %d: %w", field, noteID, err)
	}

	return nil
}

// Snapshot 讀取當前計數值，缺失欄位為 0
func (c *Cache) Snapshot(ctx context.Context, noteID int64) (Snapshot, error) {
	entries, err := c.client.HGetAll(ctx, c.Key(noteID)).Result()
	if err != nil {
		return Snapshot{NoteID: noteID}, fmt.Errorf("hgetall: %w", err)
	}
	return snapshotFromHash(noteID, entries), nil
}

// snapshotFromHash 將 hash 欄位轉為快照，容忍字串編碼與缺失
func snapshotFromHash(noteID int64, entries map[string]string) Snapshot {
	return Snapshot{
		NoteID:    noteID,
		Views:     parseInt64(entries[FieldViews]),
		Likes:     parseInt64(entries[FieldLikes]),
		Favorites: parseInt64(entries[FieldFavorites]),
		Comments:  parseInt64(entries[FieldComments]),
	}
}

// Entries 讀取完整 hash 欄位（Flusher 組裝訊息用）
func (c *Cache) Entries(ctx context.Context, key string) (map[string]string, error) {
	entries, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return entries, nil
}

// ScanKeys 列舉計數命名空間下所有快取鍵
func (c *Cache) ScanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, cacheKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

// EvictIfNotNewer 落庫確認後的條件式淘汰
//
// 快取的 last_activity_at 不晚於剛落庫的訊息時間，表示快取中
// 沒有比持久層更新的活動，可以安全刪除，下次存取重新水合。
// 若淘汰期間有寫入搶先更新了快取，則保留條目不動。
// last_activity_at 缺失或無法解析時視同可淘汰。
func (c *Cache) EvictIfNotNewer(ctx context.Context, noteID int64, appliedAt time.Time) error {
	key := c.Key(noteID)

	raw, err := c.client.HGet(ctx, key, fieldLastActivity).Result()
	if err == redis.Nil {
		return c.client.Del(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("read last activity: %w", err)
	}

	cacheLast, perr := time.Parse(timeLayout, raw)
	if perr != nil {
		if cacheLast, perr = time.Parse(legacyTimeLayout, raw); perr != nil {
			return c.client.Del(ctx, key).Err()
		}
	}

	if !cacheLast.After(appliedAt) {
		return c.client.Del(ctx, key).Err()
	}

	return nil
}
