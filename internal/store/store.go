// Package store 定義廣播網路所需的共享存儲原語
//
// 系統設計問題：
//
//	多個進程如何共享「誰在線」「誰是 leader」並互相轉發訊息？
//
// 核心需求（只需要三類原語）：
//  1. 發布/訂閱：Publish(channel, bytes) / Subscribe(channel, handler)
//  2. 原子條件寫入：set-if-absent-or-owned-with-expiry、release-if-owned、Get
//  3. 至少一次投遞：呼叫端必須容忍重複或偶爾遺失的訊息
//
// 設計方案：
//
//	✅ Redis：KV + Pub/Sub 一次滿足（Lua 腳本保證條件寫入原子性）
//	✅ NATS：可替換的 Pub/Sub 匯流排（與 Redis KV 組合使用）
//	✅ Memory：單進程/測試用，多個節點可共用同一實例模擬叢集
//
// 為什麼禁止 read-then-write？
//
//	GET 發現 key 為空 → 另一進程同時 GET 也為空 → 兩者都 SET
//	結果：兩個進程同時認為自己是 leader
package store

import (
	"context"
	"time"
)

// Handler 訂閱訊息處理函數
//
// 在存儲的分派 goroutine 上同步呼叫，同一頻道的訊息按序到達；
// 處理函數不可長時間阻塞。
type Handler func(payload []byte)

// Subscription 訂閱控制代碼
type Subscription interface {
	// Unsubscribe 取消訂閱（可重複呼叫）
	Unsubscribe(ctx context.Context) error
}

// PubSub 發布/訂閱原語
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// KV 原子條件寫入原語
type KV interface {
	// Acquire 僅當 key 不存在或值等於 owner 時寫入 owner 並設定 TTL
	//
	// 回傳 true 表示寫入成功（取得或續約）。
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release 僅當 key 的值等於 owner 時刪除
	Release(ctx context.Context, key, owner string) (bool, error)

	// Get 讀取 key；不存在時 ok 為 false
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Keys 列出指定前綴的所有未過期 key
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Store 完整的共享存儲
type Store interface {
	PubSub
	KV
	Close() error
}

// composite 將 KV 與 PubSub 組合成 Store
type composite struct {
	KV
	PubSub
	closers []func() error
}

// Compose 組合獨立的 KV 與 PubSub（例如 Redis KV + NATS 匯流排）
func Compose(kv KV, ps PubSub, closers ...func() error) Store {
	return &composite{KV: kv, PubSub: ps, closers: closers}
}

// Close 依序關閉所有底層資源
func (c *composite) Close() error {
	var first error
	for _, fn := range c.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
