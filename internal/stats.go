package internal

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Stats 計數管線的對外門面
//
// 架構設計：
//
//	請求層 → ChangeField/GetStats → Redis hash（快速路徑）
//	啟動時 → PreloadRecent → 背景預熱（帶抖動）
//
// 快速路徑不持任何應用層鎖，正確性完全依賴 Redis 的
// 原子欄位增量；無效輸入以零值快照吸收，不向呼叫方拋錯。
type Stats struct {
	cache  *Cache
	store  Store
	logger *slog.Logger

	preloadJitter time.Duration
}

// NewStats 建立統計門面
func NewStats(cache *Cache, store Store, logger *slog.Logger) *Stats {
	return &Stats{
		cache:         cache,
		store:         store,
		logger:        logger,
		preloadJitter: 100 * time.Millisecond,
	}
}

// ChangeField 對指定計數器施加增量並返回當前快照
//
// noteID < 1 記日誌後返回零值快照，不產生任何副作用。
// 快取為空時先水合（持久層無行則先插入零值行，version = 0）。
func (s *Stats) ChangeField(ctx context.Context, noteID int64, field string, delta int64) Snapshot {
	if noteID < 1 {
		s.logger.Warn("invalid note id, skip change field", "note_id", noteID)
		return Snapshot{NoteID: noteID}
	}

	// 欄位名先驗證，避免無效請求觸發水合的副作用
	if !validField(field) {
		s.logger.Warn("unknown counter field, skip change field", "note_id", noteID, "field", field)
		return Snapshot{NoteID: noteID}
	}

	if err := s.ensureHydrated(ctx, noteID); err != nil {
		s.logger.Error("hydrate failed", "note_id", noteID, "error", err)
		return Snapshot{NoteID: noteID}
	}

	if err := s.cache.Increment(ctx, noteID, field, delta); err != nil {
		s.logger.Warn("increment failed", "note_id", noteID, "field", field, "error", err)
		return Snapshot{NoteID: noteID}
	}

	snap, err := s.cache.Snapshot(ctx, noteID)
	if err != nil {
		s.logger.Error("snapshot failed", "note_id", noteID, "error", err)
		return Snapshot{NoteID: noteID}
	}

	return snap
}

// GetStats 讀取當前計數
//
// 快取命中直接返回；未命中從持久層回填後返回；
// 持久層也沒有時返回零值快照，且不建立任何行（讀取不落庫）。
func (s *Stats) GetStats(ctx context.Context, noteID int64) Snapshot {
	if noteID < 1 {
		s.logger.Warn("invalid note id, return empty stats", "note_id", noteID)
		return Snapshot{NoteID: noteID}
	}

	empty, err := s.cache.IsEmpty(ctx, noteID)
	if err != nil {
		s.logger.Error("cache check failed", "note_id", noteID, "error", err)
		return Snapshot{NoteID: noteID}
	}

	if empty {
		row, err := s.store.GetByID(ctx, noteID)
		if err != nil {
			if err != ErrNotFound {
				s.logger.Error("load stats from store failed", "note_id", noteID, "error", err)
			}
			return Snapshot{NoteID: noteID}
		}
		if err := s.cache.Hydrate(ctx, row); err != nil {
			s.logger.Warn("hydrate on read failed", "note_id", noteID, "error", err)
			// 回填失敗不影響本次讀取，直接用持久層的值
			return Snapshot{
				NoteID:    noteID,
				Views:     row.Views,
				Likes:     row.Likes,
				Favorites: row.Favorites,
				Comments:  row.Comments,
			}
		}
	}

	snap, err := s.cache.Snapshot(ctx, noteID)
	if err != nil {
		s.logger.Error("snapshot failed", "note_id", noteID, "error", err)
		return Snapshot{NoteID: noteID}
	}

	return snap
}

// PreloadRecent 啟動預熱：將最近更新的 n 行回填快取
//
// 以 fire-and-forget goroutine 執行，不阻塞呼叫方。
// 條目之間帶隨機延遲，避免行程啟動時對 Redis 的驚群寫入；
// 抖動只是節奏控制，不是正確性機制。
func (s *Stats) PreloadRecent(n int) {
	go func() {
		ctx := context.Background()

		rows, err := s.store.GetRecentUpdated(ctx, n)
		if err != nil {
			s.logger.Error("preload query failed", "error", err)
			return
		}

		loaded := 0
		for i := range rows {
			row := &rows[i]
			if row.NoteID < 1 {
				continue
			}

			if s.preloadJitter > 0 {
				time.Sleep(time.Duration(rand.Int63n(int64(s.preloadJitter))))
			}

			if err := s.cache.Hydrate(ctx, row); err != nil {
				s.logger.Warn("preload hydrate failed", "note_id", row.NoteID, "error", err)
				continue
			}
			loaded++
		}

		s.logger.Info("preload completed", "requested", n, "loaded", loaded)
	}()
}

// ensureHydrated 快取為空時從持久層水合，持久層無行則插入零值行
//
// 插入與水合之間沒有分散式鎖：併發的首次寫入可能同時嘗試插入，
// 落敗方重讀即可，主鍵衝突不是錯誤路徑。
func (s *Stats) ensureHydrated(ctx context.Context, noteID int64) error {
	empty, err := s.cache.IsEmpty(ctx, noteID)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}

	row, err := s.store.GetByID(ctx, noteID)
	if err == ErrNotFound {
		init := &StatsRow{
			NoteID:         noteID,
			LastActivityAt: time.Now(),
			Version:        0,
		}
		if insErr := s.store.Insert(ctx, init); insErr != nil {
			// 可能被併發寫入者搶先插入，重讀確認
			row, err = s.store.GetByID(ctx, noteID)
			if err != nil {
				return insErr
			}
		} else {
			row = init
		}
	} else if err != nil {
		return err
	}

	return s.cache.Hydrate(ctx, row)
}
