package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPubSub 以 Core NATS 實作的發布/訂閱匯流排
//
// 為什麼用 Core NATS 而非 JetStream？
//   - 廣播封包是暫態的（不持久化，至少一次即可）
//   - Core NATS 微秒級延遲，fire-and-forget 正好符合需求
//
// 頻道名稱映射：
//
//	NATS subject 以 '.' 分段，且 '*'、'>' 為萬用字元
//	房間名稱可能包含任意字元 → 以 base64url 編碼成單一 token
type NATSPubSub struct {
	conn   *nats.Conn
	prefix string
}

// NATSOptions NATS 連線參數
type NATSOptions struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	SubjectPrefix string
}

// ConnectNATS 連接 NATS 並回傳匯流排
func ConnectNATS(opts NATSOptions) (*NATSPubSub, error) {
	conn, err := nats.Connect(
		opts.URL,
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return NewNATSPubSub(conn, opts.SubjectPrefix), nil
}

// NewNATSPubSub 以既有連線建立匯流排
func NewNATSPubSub(conn *nats.Conn, prefix string) *NATSPubSub {
	if prefix == "" {
		prefix = "fabric"
	}
	return &NATSPubSub{conn: conn, prefix: prefix}
}

// Subject 頻道名稱對應的 NATS subject
func (p *NATSPubSub) Subject(channel string) string {
	return p.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(channel))
}

// Publish 發布訊息
func (p *NATSPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.conn.Publish(p.Subject(channel), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe 訂閱頻道
//
// nats.go 對每個訂閱使用獨立的分派 goroutine，單一訂閱內訊息按序到達。
func (p *NATSPubSub) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	sub, err := p.conn.Subscribe(p.Subject(channel), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close 排空並關閉連線
func (p *NATSPubSub) Close() error {
	if p.conn.IsClosed() {
		return nil
	}
	return p.conn.Drain()
}

type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *natsSubscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}
