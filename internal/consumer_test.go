package internal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koopa0/note-stats/internal"
	"github.com/koopa0/note-stats/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeMessage(t *testing.T, msg *internal.ReconcileMessage) []byte {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

// TestReconciler_OptimisticUpdate 測試樂觀鎖全量更新路徑
func TestReconciler_OptimisticUpdate(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	base := time.Now().Add(-time.Hour).UTC()
	store.Seed(internal.StatsRow{
		NoteID:         7,
		Views:          10,
		LastActivityAt: base,
		Version:        3,
	})

	msgTime := time.Now().UTC()
	reconciler.Handle(ctx, encodeMessage(t, &internal.ReconcileMessage{
		NoteID:         7,
		Views:          15,
		Likes:          2,
		LastActivityAt: msgTime.Format(time.RFC3339Nano),
		Version:        "3",
	}))

	row, ok := store.Row(7)
	require.True(t, ok)
	assert.Equal(t, int64(15), row.Views)
	assert.Equal(t, int64(2), row.Likes)
	assert.Equal(t, int64(4), row.Version, "version should advance by one")
	assert.Empty(t, store.Compensations())
}

// TestReconciler_Idempotent 重放同一訊息必須是 no-op
func TestReconciler_Idempotent(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	store.Seed(internal.StatsRow{
		NoteID:         9,
		Views:          5,
		LastActivityAt: time.Now().Add(-time.Hour).UTC(),
		Version:        1,
	})

	msg := &internal.ReconcileMessage{
		NoteID:         9,
		Views:          8,
		Likes:          1,
		LastActivityAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:        "1",
	}

	reconciler.Handle(ctx, encodeMessage(t, msg))
	first, _ := store.Row(9)

	// 第二次投遞：base version 已過時，走增量路徑，
	// 增量全部箝位為 0 且活躍時間不更新 -> 陳舊 no-op
	reconciler.Handle(ctx, encodeMessage(t, msg))
	second, _ := store.Row(9)

	assert.Equal(t, first.Views, second.Views)
	assert.Equal(t, first.Likes, second.Likes)
	assert.Empty(t, store.Compensations())
}

// TestReconciler_DeltaFallback 測試版本衝突後的箝位增量路徑
func TestReconciler_DeltaFallback(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	// 持久層版本已被併發寫入者推進到 5，訊息還帶著 base version 3
	store.Seed(internal.StatsRow{
		NoteID:         7,
		Views:          12,
		Likes:          4,
		LastActivityAt: time.Now().Add(-time.Hour).UTC(),
		Version:        5,
	})

	reconciler.Handle(ctx, encodeMessage(t, &internal.ReconcileMessage{
		NoteID:         7,
		Views:          15,
		Likes:          2, // 低於持久層，增量箝位為 0
		LastActivityAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:        "3",
	}))

	row, _ := store.Row(7)
	assert.Equal(t, int64(15), row.Views, "delta 15-12=3 applied")
	assert.Equal(t, int64(4), row.Likes, "negative delta clamped to 0, likes unchanged")
	assert.Empty(t, store.Compensations())
}

// TestReconciler_OutOfOrderConvergence 亂序投遞必須收斂且計數不回退
func TestReconciler_OutOfOrderConvergence(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	t1 := &internal.ReconcileMessage{
		NoteID:         11,
		Views:          20,
		Likes:          5,
		LastActivityAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:        "0",
	}
	t2 := &internal.ReconcileMessage{
		NoteID:         11,
		Views:          10,
		Likes:          2,
		LastActivityAt: time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano),
		Version:        "0",
	}

	run := func(order []*internal.ReconcileMessage) internal.StatsRow {
		store := testutils.NewMockStore()
		cache := internal.NewCache(env.RedisClient, env.Logger)
		reconciler := internal.NewReconciler(store, cache, env.Logger)
		for _, msg := range order {
			reconciler.Handle(ctx, encodeMessage(t, msg))
		}
		row, ok := store.Row(11)
		require.True(t, ok)
		return row
	}

	forward := run([]*internal.ReconcileMessage{t1, t2})
	reverse := run([]*internal.ReconcileMessage{t2, t1})

	assert.Equal(t, int64(20), forward.Views, "older totals must not decrease counters")
	assert.Equal(t, forward.Views, reverse.Views)
	assert.Equal(t, forward.Likes, reverse.Likes)
}

// TestReconciler_InsertMissingRow 行不存在時無條件插入
func TestReconciler_InsertMissingRow(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	reconciler.Handle(ctx, encodeMessage(t, &internal.ReconcileMessage{
		NoteID:         42,
		Views:          3,
		LastActivityAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:        "0",
	}))

	row, ok := store.Row(42)
	require.True(t, ok)
	assert.Equal(t, int64(3), row.Views)
	assert.Empty(t, store.Compensations())
}

// TestReconciler_MalformedNoteID 無法解析的 note_id 寫一筆哨兵補償
func TestReconciler_MalformedNoteID(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	reconciler.Handle(ctx, []byte(`{"note_id":"not-a-number","views":"5","likes":2}`))

	comps := store.Compensations()
	require.Len(t, comps, 1)
	assert.Equal(t, int64(0), comps[0].NoteID, "sentinel note id")
	assert.Equal(t, internal.CompensationStatusPending, comps[0].Status)
	assert.Equal(t, int32(0), comps[0].RetryCount)
	assert.Equal(t, int64(5), comps[0].Views, "best-effort parsed fields preserved")
	assert.Equal(t, int64(2), comps[0].Likes)
}

// TestReconciler_UndecodablePayload 完全無法解碼的 payload 也要補償並結束
func TestReconciler_UndecodablePayload(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	reconciler.Handle(ctx, []byte("{definitely not json"))

	comps := store.Compensations()
	require.Len(t, comps, 1)
	assert.Equal(t, int64(0), comps[0].NoteID)
	assert.Equal(t, internal.CompensationStatusPending, comps[0].Status)
}

// TestReconciler_TerminalFailure 策略鏈耗盡時寫補償
func TestReconciler_TerminalFailure(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	store.Seed(internal.StatsRow{
		NoteID:         13,
		Views:          1,
		LastActivityAt: time.Now().Add(-time.Hour).UTC(),
		Version:        9, // 訊息 base version 不符
	})
	store.IncrementAffectsZero = true // 增量路徑也失敗

	reconciler.Handle(ctx, encodeMessage(t, &internal.ReconcileMessage{
		NoteID:         13,
		Views:          6,
		LastActivityAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:        "2",
	}))

	comps := store.Compensations()
	require.Len(t, comps, 1)
	assert.Equal(t, int64(13), comps[0].NoteID)
	assert.Equal(t, int64(6), comps[0].Views)
	assert.Equal(t, internal.CompensationStatusPending, comps[0].Status)
}

// TestReconciler_CompensationWriteFailure 補償寫入失敗只記日誌，不 panic
func TestReconciler_CompensationWriteFailure(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	store.FailCompensation = errors.New("ledger unavailable")
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	assert.NotPanics(t, func() {
		reconciler.Handle(ctx, []byte(`{"note_id":"bad"}`))
	})
}

// TestReconciler_CacheEviction 落庫成功後的條件式淘汰
func TestReconciler_CacheEviction(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	store := testutils.NewMockStore()
	cache := internal.NewCache(env.RedisClient, env.Logger)
	reconciler := internal.NewReconciler(store, cache, env.Logger)

	t.Run("cache not newer than message is evicted", func(t *testing.T) {
		env.FlushRedis(t)
		activity := time.Now().Add(-time.Minute).UTC()

		store.Seed(internal.StatsRow{NoteID: 21, Views: 1, LastActivityAt: activity, Version: 0})
		require.NoError(t, cache.Hydrate(ctx, &internal.StatsRow{
			NoteID: 21, Views: 1, LastActivityAt: activity, Version: 0,
		}))

		reconciler.Handle(ctx, encodeMessage(t, &internal.ReconcileMessage{
			NoteID:         21,
			Views:          2,
			LastActivityAt: time.Now().UTC().Format(time.RFC3339Nano),
			Version:        "0",
		}))

		exists, err := env.RedisClient.Exists(ctx, cache.Key(21)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), exists, "cache entry should be evicted")
	})

	t.Run("cache with newer activity is kept", func(t *testing.T) {
		env.FlushRedis(t)
		msgTime := time.Now().Add(-time.Minute).UTC()

		store.Seed(internal.StatsRow{NoteID: 22, Views: 1, LastActivityAt: msgTime, Version: 0})
		// 快取在訊息在途期間又收到新寫入
		require.NoError(t, cache.Hydrate(ctx, &internal.StatsRow{
			NoteID: 22, Views: 5, LastActivityAt: time.Now().Add(time.Minute).UTC(), Version: 0,
		}))

		reconciler.Handle(ctx, encodeMessage(t, &internal.ReconcileMessage{
			NoteID:         22,
			Views:          2,
			LastActivityAt: msgTime.Format(time.RFC3339Nano),
			Version:        "0",
		}))

		exists, err := env.RedisClient.Exists(ctx, cache.Key(22)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists, "cache entry with newer activity must stay")
	})
}
