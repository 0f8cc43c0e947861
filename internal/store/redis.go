package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua 腳本：取得或續約租約
//
// KEYS[1]: 租約 key
// ARGV[1]: 持有者 ID
// ARGV[2]: TTL（毫秒）
//
// 返回值：
//
//	1: 寫入成功（原本為空，或原本就是自己）
//	0: 被其他持有者佔用
//
// 為什麼不用 SET NX PX？
//
//	SET NX 只處理「不存在」；續約時 key 已存在（自己持有），
//	需要「不存在 或 屬於自己」兩種情況都能寫入，且判斷與寫入必須原子
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
    return 1
end
return 0
`)

// Lua 腳本：僅在持有者相符時刪除
//
// 防止過期後被他人取得的租約被舊持有者誤刪。
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore 以 Redis 實作的共享存儲
//
// Pub/Sub 設計：
//
//	go-redis 每個 *redis.PubSub 佔用一條獨立連線
//	若每個房間各開一個 PubSub → 房間數 = 連線數（不可接受）
//	方案：整個進程共用一個 PubSub，動態 SUBSCRIBE/UNSUBSCRIBE，
//	      由單一 goroutine 讀取 Channel() 並依頻道分派給處理函數
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger

	mu       sync.RWMutex
	pubsub   *redis.PubSub
	handlers map[string]map[uint64]Handler
	subMu    sync.Mutex // 串行化 SUBSCRIBE/UNSUBSCRIBE 與 handlers 的頻道增減

	nextID atomic.Uint64
	closed atomic.Bool
	done   chan struct{}
}

// NewRedisStore 創建 Redis 存儲
//
// client 由呼叫端建立並擁有（Close 不會關閉它）。
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	s := &RedisStore{
		client:   client,
		logger:   logger,
		pubsub:   client.Subscribe(context.Background()),
		handlers: make(map[string]map[uint64]Handler),
		done:     make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Publish 發布訊息
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe 訂閱頻道（同頻道多個處理函數只送一次 SUBSCRIBE）
func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.RLock()
	first := len(s.handlers[channel]) == 0
	s.mu.RUnlock()

	if first {
		if err := s.pubsub.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
		}
	}

	id := s.nextID.Add(1)
	s.mu.Lock()
	if s.handlers[channel] == nil {
		s.handlers[channel] = make(map[uint64]Handler)
	}
	s.handlers[channel][id] = handler
	s.mu.Unlock()

	return &redisSubscription{store: s, channel: channel, id: id}, nil
}

func (s *RedisStore) unsubscribe(ctx context.Context, channel string, id uint64) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	delete(s.handlers[channel], id)
	last := len(s.handlers[channel]) == 0
	if last {
		delete(s.handlers, channel)
	}
	s.mu.Unlock()

	if last && !s.closed.Load() {
		if err := s.pubsub.Unsubscribe(ctx, channel); err != nil {
			return fmt.Errorf("redis unsubscribe %s: %w", channel, err)
		}
	}
	return nil
}

// Acquire 原子地取得或續約
func (s *RedisStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire %s: %w", key, err)
	}
	return n == 1, nil
}

// Release 僅在持有者相符時刪除
func (s *RedisStore) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	return n == 1, nil
}

// Get 讀取 key
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Keys 以 SCAN 列出前綴相符的 key（不使用 KEYS，避免阻塞 Redis）
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return keys, nil
}

// Close 關閉共用的 PubSub 連線
func (s *RedisStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.pubsub.Close()
	<-s.done
	return err
}

// dispatchLoop 讀取共用 PubSub 並分派
func (s *RedisStore) dispatchLoop() {
	defer close(s.done)

	for msg := range s.pubsub.Channel() {
		s.mu.RLock()
		handlers := make([]Handler, 0, len(s.handlers[msg.Channel]))
		for _, h := range s.handlers[msg.Channel] {
			handlers = append(handlers, h)
		}
		s.mu.RUnlock()

		payload := []byte(msg.Payload)
		for _, h := range handlers {
			h(payload)
		}
	}

	if !s.closed.Load() {
		s.logger.Error("Redis 訂閱通道意外關閉")
	}
}

type redisSubscription struct {
	store   *RedisStore
	channel string
	id      uint64
	once    sync.Once
	err     error
}

func (sub *redisSubscription) Unsubscribe(ctx context.Context) error {
	sub.once.Do(func() {
		sub.err = sub.store.unsubscribe(ctx, sub.channel, sub.id)
	})
	return sub.err
}
