package internal

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler 對帳消費者：將快取總量收斂進持久層
//
// 每則訊息走一條有序策略鏈，命中第一個成功的步驟即停止：
//
//  1. 樂觀鎖全量覆寫（WHERE version = base version）
//  2. 行不存在 → 無條件插入
//  3. 重讀計算箝位增量；全部 ≤ 0 且持久層活動時間不早於
//     訊息 → 視為已套用的陳舊訊息，冪等跳過
//  4. 原子增量套用
//  5. 成功路徑收尾：條件式淘汰快取
//  6. 終局失敗 → 寫補償台帳（PENDING）
//
// 不變量：每則訊息恰好一個終局動作；任何路徑都不 NACK，
// 訊息經過一輪策略鏈後一律視為已處理，保證佇列永不因
// 毒訊息停滯。亂序與重複投遞由箝位（計數永不回退）與
// 陳舊檢查（重放即 no-op）吸收。
//
// 已知取捨：步驟 3 的陳舊判定只比對 last_activity_at 而非
// version，生產者時鐘偏斜時可能誤吞訊息。
type Reconciler struct {
	store  Store
	cache  *Cache
	logger *slog.Logger
}

// NewReconciler 建立對帳消費者
func NewReconciler(store Store, cache *Cache, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Handle 處理一則對帳訊息，永不返回錯誤
func (r *Reconciler) Handle(ctx context.Context, data []byte) {
	raw, err := decodeReconcilePayload(data)
	if err != nil {
		r.logger.Error("undecodable reconcile payload", "error", err)
		r.writeCompensationSafe(ctx, nil)
		return
	}

	noteID := parseInt64(raw["note_id"])
	if noteID < 1 {
		r.logger.Warn("invalid note id in reconcile message, writing compensation", "note_id", noteID)
		r.writeCompensationSafe(ctx, raw)
		return
	}

	totals := &StatsRow{
		NoteID:         noteID,
		Views:          parseInt64(raw[FieldViews]),
		Likes:          parseInt64(raw[FieldLikes]),
		Favorites:      parseInt64(raw[FieldFavorites]),
		Comments:       parseInt64(raw[FieldComments]),
		LastActivityAt: parseTime(raw[fieldLastActivity]),
		Version:        parseInt64(raw[fieldVersion]),
	}

	r.reconcile(ctx, totals)
}

// reconcile 執行策略鏈
func (r *Reconciler) reconcile(ctx context.Context, totals *StatsRow) {
	// 1) 樂觀鎖全量覆寫
	affected, err := r.store.UpdateTotalsIfVersion(ctx, totals)
	if err != nil {
		r.logger.Warn("optimistic update failed", "note_id", totals.NoteID, "error", err)
	}
	if affected > 0 {
		r.evict(ctx, totals.NoteID, totals.LastActivityAt)
		return
	}

	// 2) 版本不符或行不存在，重讀判斷
	current, err := r.store.GetByID(ctx, totals.NoteID)
	if err == ErrNotFound {
		// 插入視同一次已套用的更新：version 比訊息的 base 高一位，
		// 否則帶同一 base version 的陳舊重放會命中樂觀鎖並回退計數
		insRow := *totals
		insRow.Version = totals.Version + 1
		if insErr := r.store.Insert(ctx, &insRow); insErr == nil {
			r.evict(ctx, totals.NoteID, totals.LastActivityAt)
			return
		}
		// 併發插入搶先，重讀後走增量路徑
		r.logger.Warn("insert raced, fallback to delta", "note_id", totals.NoteID)
		current, err = r.store.GetByID(ctx, totals.NoteID)
	}
	if err != nil {
		r.logger.Error("reread stats failed", "note_id", totals.NoteID, "error", err)
		r.writeCompensation(ctx, totals)
		return
	}

	// 3) 箝位增量：總量差為負表示訊息陳舊，永不寫負增量
	deltas := &StatsRow{
		NoteID:         totals.NoteID,
		Views:          clampDelta(totals.Views - current.Views),
		Likes:          clampDelta(totals.Likes - current.Likes),
		Favorites:      clampDelta(totals.Favorites - current.Favorites),
		Comments:       clampDelta(totals.Comments - current.Comments),
		LastActivityAt: totals.LastActivityAt,
	}

	allStale := totals.Views <= current.Views &&
		totals.Likes <= current.Likes &&
		totals.Favorites <= current.Favorites &&
		totals.Comments <= current.Comments

	if allStale && !current.LastActivityAt.Before(totals.LastActivityAt) {
		// 已套用過或更舊的重放，冪等 no-op
		r.evict(ctx, totals.NoteID, totals.LastActivityAt)
		return
	}

	// 4) 原子增量套用
	affected, err = r.store.IncrementByDeltas(ctx, deltas)
	if err != nil {
		r.logger.Warn("delta update failed", "note_id", totals.NoteID, "error", err)
	}
	if affected > 0 {
		r.evict(ctx, totals.NoteID, totals.LastActivityAt)
		return
	}

	// 6) 策略鏈耗盡
	r.writeCompensation(ctx, totals)
}

// evict 成功落庫後的條件式快取淘汰（步驟 5）
func (r *Reconciler) evict(ctx context.Context, noteID int64, appliedAt time.Time) {
	if err := r.cache.EvictIfNotNewer(ctx, noteID, appliedAt); err != nil {
		// 淘汰失敗只影響下一輪 flush 的工作量，不影響正確性
		r.logger.Warn("cache evict failed", "note_id", noteID, "error", err)
	}
}

// writeCompensation 寫補償記錄；自身失敗只記日誌，不再降級
func (r *Reconciler) writeCompensation(ctx context.Context, totals *StatsRow) {
	rec := &CompensationRecord{
		NoteID:         totals.NoteID,
		Views:          totals.Views,
		Likes:          totals.Likes,
		Favorites:      totals.Favorites,
		Comments:       totals.Comments,
		LastActivityAt: totals.LastActivityAt,
		Status:         CompensationStatusPending,
		RetryCount:     0,
	}
	if err := r.store.InsertCompensation(ctx, rec); err != nil {
		r.logger.Error("write compensation failed", "note_id", totals.NoteID, "error", err)
	}
}

// writeCompensationSafe 對無法正常解析的訊息做盡力而為的補償
//
// note_id 無法解析時記為哨兵值 0（待人工處理）。
func (r *Reconciler) writeCompensationSafe(ctx context.Context, raw map[string]any) {
	rec := &CompensationRecord{
		LastActivityAt: time.Now(),
		Status:         CompensationStatusPending,
		RetryCount:     0,
	}

	if raw != nil {
		noteID := parseInt64(raw["note_id"])
		if noteID > 0 {
			rec.NoteID = noteID
		}
		rec.Views = parseInt64(raw[FieldViews])
		rec.Likes = parseInt64(raw[FieldLikes])
		rec.Favorites = parseInt64(raw[FieldFavorites])
		rec.Comments = parseInt64(raw[FieldComments])
		rec.LastActivityAt = parseTime(raw[fieldLastActivity])
	}

	if err := r.store.InsertCompensation(ctx, rec); err != nil {
		r.logger.Error("write compensation failed", "note_id", rec.NoteID, "error", err)
	}
}

// clampDelta 箝位為非負
func clampDelta(d int64) int64 {
	if d < 0 {
		return 0
	}
	return d
}
