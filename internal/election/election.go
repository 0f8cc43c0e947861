// Package election 以共享存儲上的 TTL 租約選出唯一 leader
//
// 系統設計問題：
//
//	多個進程都能執行排程任務，如何保證同一時間只有一個在做？
//
// 設計方案：
//
//	定期（間隔 < TTL）對租約 key 做條件寫入：
//	只有 key 不存在、或值已經是自己時才寫入，並設定 TTL
//
// 狀態機：
//
//	Follower --寫入成功--> Leader（觸發 OnElected）
//	Leader   --寫入成功--> Leader（續約，無狀態變化）
//	Leader   --寫入失敗或存儲錯誤--> Follower（觸發 OnRevoked）
//	Follower --寫入失敗--> Follower
//
// 為什麼不在關閉時一定要釋放？
//
//	進程崩潰時租約在 TTL 後自然過期，其他進程接手；
//	不依賴正常關閉就能保證最終會轉移。
package election

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// Options 選舉配置
type Options struct {
	Key           string        // 租約 key
	ID            string        // 本實例 ID（每個進程唯一）
	TTL           time.Duration // 租約存活時間
	RenewInterval time.Duration // 嘗試間隔，必須小於 TTL
}

// Election 一個實例的選舉狀態
type Election struct {
	kv      store.KV
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Registry

	leader atomic.Bool

	mu        sync.Mutex
	onElected []func()
	onRevoked []func()
	cancel    context.CancelFunc
	done      chan bool // 迴圈結束時回報當時是否持有租約
}

// New 建立選舉
func New(kv store.KV, opts Options, logger *slog.Logger, m *metrics.Registry) (*Election, error) {
	if opts.Key == "" || opts.ID == "" {
		return nil, apperrors.ErrInvalidConfig.WithDetails("election key and id are required")
	}
	if opts.TTL <= 0 || opts.RenewInterval <= 0 {
		return nil, apperrors.ErrInvalidConfig.WithDetails("election ttl and renew interval must be positive")
	}
	if opts.RenewInterval >= opts.TTL {
		return nil, apperrors.ErrInvalidConfig.WithDetails(
			fmt.Sprintf("renew interval %s must be shorter than ttl %s", opts.RenewInterval, opts.TTL))
	}
	if m == nil {
		m = metrics.New()
	}

	return &Election{
		kv:      kv,
		opts:    opts,
		logger:  logger.With("election_key", opts.Key, "instance", opts.ID),
		metrics: m,
	}, nil
}

// ID 本實例 ID
func (e *Election) ID() string {
	return e.opts.ID
}

// OnElected 成為 leader 時呼叫（在選舉 goroutine 上執行）
func (e *Election) OnElected(fn func()) {
	e.mu.Lock()
	e.onElected = append(e.onElected, fn)
	e.mu.Unlock()
}

// OnRevoked 失去 leader 時呼叫（在選舉 goroutine 上執行）
func (e *Election) OnRevoked(fn func()) {
	e.mu.Lock()
	e.onRevoked = append(e.onRevoked, fn)
	e.mu.Unlock()
}

// Start 開始定期嘗試
//
// 立即嘗試一次，之後每 RenewInterval 一次。ctx 結束時迴圈停止且不釋放租約
// （與進程崩潰相同，租約在 TTL 後過期）；要主動釋放請呼叫 Stop。
func (e *Election) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "election already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan bool, 1)

	go e.loop(runCtx, e.done)

	e.logger.Info("開始參與選舉", "ttl", e.opts.TTL, "renew_interval", e.opts.RenewInterval)
	return nil
}

// Stop 停止嘗試；若目前是 leader，盡力釋放租約
func (e *Election) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}

	// 進行中的嘗試可能在 cancel 之後才晉升，以迴圈最後的狀態為準
	cancel()
	wasLeader := <-done

	if !wasLeader {
		return nil
	}

	released, err := e.kv.Release(ctx, e.opts.Key, e.opts.ID)
	if err != nil {
		e.logger.Warn("釋放租約失敗，將在 TTL 後過期", "error", err)
		return err
	}
	e.logger.Info("已釋放租約", "released", released)
	return nil
}

// IsLeader 上一次嘗試的結果（不經過網路）
func (e *Election) IsLeader() bool {
	return e.leader.Load()
}

// CheckIsLeader 直接讀取租約確認
//
// 讀到的持有者不是自己而快取仍是 leader 時，立即降為 follower。
func (e *Election) CheckIsLeader(ctx context.Context) (bool, error) {
	owner, ok, err := e.kv.Get(ctx, e.opts.Key)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read lease")
	}

	isLeader := ok && owner == e.opts.ID
	if !isLeader && e.leader.Load() {
		e.demote("租約已被他人持有")
	}
	return isLeader, nil
}

func (e *Election) loop(ctx context.Context, done chan<- bool) {
	defer close(done)

	ticker := time.NewTicker(e.opts.RenewInterval)
	defer ticker.Stop()

	e.attempt(ctx)
	for {
		select {
		case <-ticker.C:
			e.attempt(ctx)
		case <-ctx.Done():
			// 不再續約就不能再宣稱自己是 leader
			held := e.leader.Load()
			if held {
				e.demote("停止續約")
			}
			done <- held
			return
		}
	}
}

// attempt 一次條件寫入（Candidate 狀態只存在於這個呼叫期間）
func (e *Election) attempt(ctx context.Context) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.RenewInterval)
	defer cancel()

	ok, err := e.kv.Acquire(attemptCtx, e.opts.Key, e.opts.ID, e.opts.TTL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// 無法確認租約時假設已失去，寧可沒有 leader 也不要兩個
		e.logger.Warn("租約寫入失敗", "error", err)
		if e.leader.Load() {
			e.demote("存儲錯誤")
		}
		return
	}

	switch {
	case ok && !e.leader.Load():
		e.promote()
	case !ok && e.leader.Load():
		e.demote("租約被他人取得")
	}
}

func (e *Election) promote() {
	if !e.leader.CompareAndSwap(false, true) {
		return
	}
	e.metrics.Leader.Set(1)
	e.metrics.LeaderTransitions.WithLabelValues("elected").Inc()
	e.logger.Info("成為 leader")

	e.mu.Lock()
	callbacks := append([]func(){}, e.onElected...)
	e.mu.Unlock()
	e.fire(callbacks)
}

func (e *Election) demote(reason string) {
	if !e.leader.CompareAndSwap(true, false) {
		return
	}
	e.metrics.Leader.Set(0)
	e.metrics.LeaderTransitions.WithLabelValues("revoked").Inc()
	e.logger.Warn("失去 leader", "reason", reason)

	e.mu.Lock()
	callbacks := append([]func(){}, e.onRevoked...)
	e.mu.Unlock()
	e.fire(callbacks)
}

func (e *Election) fire(callbacks []func()) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("選舉回呼 panic", "panic", r)
				}
			}()
			fn()
		}()
	}
}
