package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/note-stats/internal"
	"github.com/koopa0/note-stats/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPipeline_EndToEnd 完整管線：增量 → flush → 佇列 → 對帳 → 落庫與淘汰
func TestPipeline_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end pipeline test in short mode")
	}

	env := testutils.SetupTestEnvironment(t)
	env.SetupNATS(t)
	ctx := context.Background()

	cfg := internal.QueueConfig{
		URL:     env.NATSUrl,
		Stream:  "NOTE_STATS_E2E",
		Subject: "note.stats.e2e",
		Durable: "e2e-reconciler",
		MaxAge:  time.Hour,
		AckWait: 5 * time.Second,
	}

	queue, err := internal.NewQueue(cfg)
	require.NoError(t, err)
	defer queue.Close()

	cache := internal.NewCache(env.RedisClient, env.Logger)
	store := internal.NewPostgresStore(env.PostgresPool)
	stats := internal.NewStats(cache, store, env.Logger)
	flusher := internal.NewFlusher(cache, queue, cfg.Subject, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	sub, err := queue.Subscribe(cfg, func(data []byte) {
		reconciler.Handle(ctx, data)
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	// 快速路徑：首次觸碰建立零值行並累加
	snap := stats.ChangeField(ctx, 42, internal.FieldLikes, 1)
	require.Equal(t, int64(1), snap.Likes)
	snap = stats.ChangeField(ctx, 42, internal.FieldViews, 3)
	require.Equal(t, int64(3), snap.Views)

	// 寫後立即可讀
	snap = stats.GetStats(ctx, 42)
	require.Equal(t, internal.Snapshot{NoteID: 42, Views: 3, Likes: 1}, snap)

	// flush 快照進佇列，等待消費者收斂持久層
	flusher.FlushAll(ctx)

	require.Eventually(t, func() bool {
		row, err := store.GetByID(ctx, 42)
		return err == nil && row.Views == 3 && row.Likes == 1
	}, 15*time.Second, 200*time.Millisecond, "durable store should converge to cache totals")

	row, err := store.GetByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version, "optimistic update advances version from 0")

	// 落庫後快取條目被淘汰（期間沒有新寫入）
	assert.Eventually(t, func() bool {
		n, err := env.RedisClient.Exists(ctx, cache.Key(42)).Result()
		return err == nil && n == 0
	}, 10*time.Second, 200*time.Millisecond, "cache entry should be evicted once durable store caught up")

	// 下次讀取自動從持久層重新水合
	snap = stats.GetStats(ctx, 42)
	assert.Equal(t, internal.Snapshot{NoteID: 42, Views: 3, Likes: 1}, snap)
}
