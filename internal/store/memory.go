package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed 存儲已關閉
var ErrClosed = errors.New("store: closed")

// MemoryStore 單進程共享存儲
//
// 用途：
//   - 單節點部署（不需要外部依賴）
//   - 測試：多個節點共用同一實例，模擬 Redis 的語義
//
// 語義與 Redis 對齊：
//   - 發布者自己若也訂閱了該頻道，同樣會收到（反回聲需由上層處理）
//   - 所有訊息由單一分派 goroutine 依發布順序投遞
//   - key 過期為惰性判斷（讀取時比對到期時間）
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memEntry
	subs   map[string]map[uint64]Handler

	nextID atomic.Uint64
	queue  chan delivery
	stopCh chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

type memEntry struct {
	value    string
	expireAt time.Time
}

type delivery struct {
	channel string
	payload []byte
}

// NewMemoryStore 創建記憶體存儲
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		values: make(map[string]memEntry),
		subs:   make(map[string]map[uint64]Handler),
		queue:  make(chan delivery, 4096),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Publish 發布訊息
func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	// 複製一份，避免呼叫端重用緩衝區
	data := make([]byte, len(payload))
	copy(data, payload)

	select {
	case s.queue <- delivery{channel: channel, payload: data}:
		return nil
	case <-s.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 訂閱頻道
func (s *MemoryStore) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	id := s.nextID.Add(1)

	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[uint64]Handler)
	}
	s.subs[channel][id] = handler
	s.mu.Unlock()

	return &memSubscription{store: s, channel: channel, id: id}, nil
}

// Subscribers 頻道目前的訂閱數（測試用）
func (s *MemoryStore) Subscribers(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[channel])
}

// Acquire 原子地取得或續約
func (s *MemoryStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if cur, ok := s.values[key]; ok && now.Before(cur.expireAt) && cur.value != owner {
		return false, nil
	}

	s.values[key] = memEntry{value: owner, expireAt: now.Add(ttl)}
	return true, nil
}

// Release 僅在持有者相符時刪除
func (s *MemoryStore) Release(ctx context.Context, key, owner string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.values[key]
	if !ok || cur.value != owner || !time.Now().Before(cur.expireAt) {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

// Get 讀取 key
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.values[key]
	if !ok || !time.Now().Before(cur.expireAt) {
		return "", false, nil
	}
	return cur.value, true, nil
}

// Keys 列出前綴相符的未過期 key
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0)
	for key, entry := range s.values {
		if !now.Before(entry.expireAt) {
			// 順便清理過期項目
			delete(s.values, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close 停止分派
func (s *MemoryStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	<-s.done
	return nil
}

// dispatchLoop 單一 goroutine 依序投遞
func (s *MemoryStore) dispatchLoop() {
	defer close(s.done)

	for {
		select {
		case d := <-s.queue:
			s.mu.RLock()
			handlers := make([]Handler, 0, len(s.subs[d.channel]))
			for _, h := range s.subs[d.channel] {
				handlers = append(handlers, h)
			}
			s.mu.RUnlock()

			for _, h := range handlers {
				h(d.payload)
			}
		case <-s.stopCh:
			return
		}
	}
}

type memSubscription struct {
	store   *MemoryStore
	channel string
	id      uint64
	once    sync.Once
}

func (sub *memSubscription) Unsubscribe(ctx context.Context) error {
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.subs[sub.channel], sub.id)
		if len(s.subs[sub.channel]) == 0 {
			delete(s.subs, sub.channel)
		}
	})
	return nil
}
