package internal

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher 對帳訊息發佈端（Flusher 依賴的最小介面）
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Queue 基於 NATS JetStream 的訊息佇列
//
// 投遞語義：至少一次。訊息落盤持久化，消費端手動 ACK，
// 未 ACK 的訊息超時後重投。消費端必須冪等（Reconciler 的
// 樂觀鎖與箝位增量正是為此設計）。
//
// 為什麼不用 Core NATS？Core NATS 是 fire-and-forget，
// 行程重啟會丟訊息；對帳訊息丟失意味著持久層長期落後。
type Queue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// QueueConfig 佇列配置
type QueueConfig struct {
	URL      string        `yaml:"url"`
	Stream   string        `yaml:"stream"`
	Subject  string        `yaml:"subject"`
	Durable  string        `yaml:"durable"`
	MaxAge   time.Duration `yaml:"max_age"`
	AckWait  time.Duration `yaml:"ack_wait"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// NewQueue 連接 NATS 並確保 Stream 存在
//
// Stream 初始化是冪等的：已存在則更新配置，不存在則建立。
func NewQueue(cfg QueueConfig) (*Queue, error) {
	conn, err := nats.Connect(
		cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	q := &Queue{
		conn:   conn,
		js:     js,
		stream: cfg.Stream,
	}

	if err := q.initStream(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init stream: %w", err)
	}

	return q, nil
}

// initStream 建立或更新 Stream
func (q *Queue) initStream(cfg QueueConfig) error {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	streamCfg := &nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
		MaxBytes: cfg.MaxBytes,
	}

	_, err := q.js.StreamInfo(cfg.Stream)
	if err == nats.ErrStreamNotFound {
		_, err = q.js.AddStream(streamCfg)
		return err
	}
	if err != nil {
		return err
	}

	_, err = q.js.UpdateStream(streamCfg)
	return err
}

// Publish 同步發佈訊息，等待 JetStream 確認落盤
func (q *Queue) Publish(subject string, data []byte) error {
	if _, err := q.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe 以 durable queue group 訂閱
//
// 手動 ACK 模式：handler 返回後由包裝層 ACK。
// handler 永不返回錯誤（毒訊息走補償路徑），所以這裡
// 無條件 ACK——重投無法修復格式錯誤的 payload，
// 不 ACK 只會讓佇列卡死。
func (q *Queue) Subscribe(cfg QueueConfig, handler func(data []byte)) (*nats.Subscription, error) {
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}

	sub, err := q.js.QueueSubscribe(cfg.Subject, cfg.Durable,
		func(msg *nats.Msg) {
			handler(msg.Data)
			_ = msg.Ack()
		},
		nats.Durable(cfg.Durable),
		nats.ManualAck(),
		nats.AckWait(ackWait),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	return sub, nil
}

// Close 關閉連接（先 drain，確保已收訊息處理完）
func (q *Queue) Close() {
	if q.conn == nil {
		return
	}
	_ = q.conn.Drain()
	q.conn.Close()
}
