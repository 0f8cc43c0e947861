package election_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/election"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
	"github.com/koopa0/system-design/broadcast-fabric/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaseKey = "fabric:leader"

func newElection(t *testing.T, kv store.KV, id string, ttl, renew time.Duration) *election.Election {
	t.Helper()
	e, err := election.New(kv, election.Options{
		Key:           leaseKey,
		ID:            id,
		TTL:           ttl,
		RenewInterval: renew,
	}, logger.Discard(), nil)
	require.NoError(t, err)
	return e
}

func memoryStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func leaders(es []*election.Election) []string {
	var ids []string
	for _, e := range es {
		if e.IsLeader() {
			ids = append(ids, e.ID())
		}
	}
	return ids
}

// TestNew_InvalidOptions 測試無效配置
func TestNew_InvalidOptions(t *testing.T) {
	s := memoryStore(t)

	tests := []struct {
		name string
		opts election.Options
	}{
		{"缺少 key", election.Options{ID: "a", TTL: time.Second, RenewInterval: 100 * time.Millisecond}},
		{"缺少 id", election.Options{Key: leaseKey, TTL: time.Second, RenewInterval: 100 * time.Millisecond}},
		{"續約間隔不小於 TTL", election.Options{Key: leaseKey, ID: "a", TTL: time.Second, RenewInterval: time.Second}},
		{"TTL 為零", election.Options{Key: leaseKey, ID: "a", RenewInterval: time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := election.New(s, tt.opts, logger.Discard(), nil)
			require.Error(t, err)
			assert.True(t, apperrors.IsInvalidInput(err))
		})
	}
}

// TestElection_Uniqueness N 個實例競爭同一租約，任何時刻最多一個 leader
func TestElection_Uniqueness(t *testing.T) {
	s := memoryStore(t)

	var es []*election.Election
	for i := 0; i < 5; i++ {
		es = append(es, newElection(t, s, fmt.Sprintf("node-%d", i), 500*time.Millisecond, 100*time.Millisecond))
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, e := range es {
		wg.Add(1)
		go func(e *election.Election) {
			defer wg.Done()
			assert.NoError(t, e.Start(ctx))
		}(e)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, e := range es {
			_ = e.Stop(context.Background())
		}
	})

	require.Eventually(t, func() bool { return len(leaders(es)) == 1 }, 2*time.Second, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.LessOrEqual(t, len(leaders(es)), 1, "同時出現多個 leader: %v", leaders(es))
		time.Sleep(5 * time.Millisecond)
	}
}

// TestElection_Failover TTL=1000ms、續約=300ms，leader 停止續約後由其他實例接手
func TestElection_Failover(t *testing.T) {
	s := memoryStore(t)
	ttl, renew := 1000*time.Millisecond, 300*time.Millisecond

	a := newElection(t, s, "A", ttl, renew)
	b := newElection(t, s, "B", ttl, renew)
	c := newElection(t, s, "C", ttl, renew)

	ctxA, killA := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctxA))
	require.Eventually(t, a.IsLeader, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		_ = b.Stop(context.Background())
		_ = c.Stop(context.Background())
	})

	// 讓 B、C 至少嘗試一次，確認 A 仍持有
	time.Sleep(2 * renew)
	assert.Equal(t, []string{"A"}, leaders([]*election.Election{a, b, c}))

	// 模擬崩潰：停止續約但不釋放
	killed := time.Now()
	killA()

	require.Eventually(t, func() bool { return b.IsLeader() || c.IsLeader() }, ttl+600*time.Millisecond, 10*time.Millisecond)
	elapsed := time.Since(killed)

	assert.GreaterOrEqual(t, elapsed, ttl-renew-100*time.Millisecond, "租約未過期前不應被接手")
	assert.False(t, a.IsLeader())
	assert.Len(t, leaders([]*election.Election{b, c}), 1)
}

// TestElection_StopReleases 主動停止時釋放租約，其他實例不必等 TTL
func TestElection_StopReleases(t *testing.T) {
	s := memoryStore(t)
	a := newElection(t, s, "A", 10*time.Second, 100*time.Millisecond)
	b := newElection(t, s, "B", 10*time.Second, 100*time.Millisecond)

	var revoked atomic.Int32
	a.OnRevoked(func() { revoked.Add(1) })

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsLeader, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	require.NoError(t, a.Stop(ctx))
	assert.False(t, a.IsLeader())
	assert.Equal(t, int32(1), revoked.Load())

	// 租約已刪除，或 B 已經在這之間取得
	owner, held, err := s.Get(ctx, leaseKey)
	require.NoError(t, err)
	if held {
		assert.Equal(t, "B", owner)
	}

	require.Eventually(t, b.IsLeader, time.Second, 10*time.Millisecond)
}

// gatedKV 第一次 Acquire 停住，直到 gate 打開
type gatedKV struct {
	store.KV
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedKV) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.KV.Acquire(context.Background(), key, owner, ttl)
}

// TestElection_StopDuringAcquire 停止時進行中的嘗試才成功，租約仍要被釋放
func TestElection_StopDuringAcquire(t *testing.T) {
	s := memoryStore(t)
	kv := &gatedKV{KV: s, entered: make(chan struct{}), gate: make(chan struct{})}
	a := newElection(t, kv, "A", 10*time.Second, time.Second)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	<-kv.entered

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop(ctx) }()

	// 讓 Stop 先取消迴圈，再讓條件寫入成功
	time.Sleep(50 * time.Millisecond)
	close(kv.gate)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop 沒有返回")
	}

	assert.False(t, a.IsLeader())
	_, held, err := s.Get(ctx, leaseKey)
	require.NoError(t, err)
	assert.False(t, held, "不應留下要等 TTL 才過期的租約")
}

// TestElection_CheckIsLeader 測試直接讀取租約
func TestElection_CheckIsLeader(t *testing.T) {
	s := memoryStore(t)
	a := newElection(t, s, "A", 10*time.Second, 100*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	require.Eventually(t, a.IsLeader, time.Second, 10*time.Millisecond)

	ok, err := a.CheckIsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// 外部移除租約並改由他人持有
	_, err = s.Release(ctx, leaseKey, "A")
	require.NoError(t, err)
	_, err = s.Acquire(ctx, leaseKey, "intruder", 10*time.Second)
	require.NoError(t, err)

	ok, err = a.CheckIsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, a.IsLeader(), "快取同步降級")
}

// flakyKV 可以切換成回傳錯誤的 KV
type flakyKV struct {
	store.KV
	fail atomic.Bool
}

func (f *flakyKV) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if f.fail.Load() {
		return false, errors.New("connection refused")
	}
	return f.KV.Acquire(ctx, key, owner, ttl)
}

// TestElection_StoreErrorDemotes 存儲錯誤時 leader 降為 follower
func TestElection_StoreErrorDemotes(t *testing.T) {
	kv := &flakyKV{KV: memoryStore(t)}
	a := newElection(t, kv, "A", time.Second, 50*time.Millisecond)

	elected := make(chan struct{}, 1)
	revoked := make(chan struct{}, 1)
	a.OnElected(func() { elected <- struct{}{} })
	a.OnRevoked(func() { revoked <- struct{}{} })

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	select {
	case <-elected:
	case <-time.After(time.Second):
		t.Fatal("未成為 leader")
	}

	kv.fail.Store(true)
	select {
	case <-revoked:
	case <-time.After(time.Second):
		t.Fatal("存儲錯誤後仍是 leader")
	}
	assert.False(t, a.IsLeader())

	// 存儲恢復後重新當選
	kv.fail.Store(false)
	require.Eventually(t, a.IsLeader, time.Second, 10*time.Millisecond)
}

// TestElection_StartTwice 測試重複啟動
func TestElection_StartTwice(t *testing.T) {
	s := memoryStore(t)
	a := newElection(t, s, "A", time.Second, 100*time.Millisecond)

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	assert.Error(t, a.Start(context.Background()))
}
