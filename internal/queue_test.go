package internal_test

import (
	"testing"
	"time"

	"github.com/koopa0/note-stats/internal"
	"github.com/koopa0/note-stats/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueueConfig(url string) internal.QueueConfig {
	return internal.QueueConfig{
		URL:     url,
		Stream:  "NOTE_STATS_TEST",
		Subject: "note.stats.test",
		Durable: "test-reconciler",
		MaxAge:  time.Hour,
		AckWait: 5 * time.Second,
	}
}

// TestQueue_PublishSubscribe 測試發佈訂閱往返
func TestQueue_PublishSubscribe(t *testing.T) {
	env := testutils.SetupNATSEnvironment(t)

	cfg := testQueueConfig(env.NATSUrl)
	queue, err := internal.NewQueue(cfg)
	require.NoError(t, err)
	defer queue.Close()

	received := make(chan []byte, 4)
	sub, err := queue.Subscribe(cfg, func(data []byte) {
		received <- data
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	payload := []byte(`{"note_id":1,"views":5,"version":"0"}`)
	require.NoError(t, queue.Publish(cfg.Subject, payload))

	select {
	case data := <-received:
		assert.JSONEq(t, string(payload), string(data))
	case <-time.After(10 * time.Second):
		t.Fatal("message not delivered")
	}
}

// TestQueue_StreamInitIdempotent Stream 重複初始化必須冪等
func TestQueue_StreamInitIdempotent(t *testing.T) {
	env := testutils.SetupNATSEnvironment(t)

	cfg := testQueueConfig(env.NATSUrl)

	first, err := internal.NewQueue(cfg)
	require.NoError(t, err)
	first.Close()

	second, err := internal.NewQueue(cfg)
	require.NoError(t, err)
	second.Close()
}

// TestQueue_DurableConsumerResumes durable 訂閱重建後收到未消費的訊息
func TestQueue_DurableConsumerResumes(t *testing.T) {
	env := testutils.SetupNATSEnvironment(t)

	cfg := testQueueConfig(env.NATSUrl)
	queue, err := internal.NewQueue(cfg)
	require.NoError(t, err)
	defer queue.Close()

	// 先發佈，再建立訂閱：JetStream 持久化保證訊息不丟
	require.NoError(t, queue.Publish(cfg.Subject, []byte(`{"note_id":2}`)))

	received := make(chan []byte, 1)
	sub, err := queue.Subscribe(cfg, func(data []byte) {
		received <- data
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	select {
	case <-received:
	case <-time.After(10 * time.Second):
		t.Fatal("persisted message not delivered to late subscriber")
	}
}
