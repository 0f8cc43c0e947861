package cluster_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/cluster"
	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	"github.com/koopa0/system-design/broadcast-fabric/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// TestCluster_AntiEcho 測試跨節點廣播只投遞一次
func TestCluster_AntiEcho(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(time.Second))
	y := startNode(t, s, fastOptions(time.Second))

	_, onX := x.connect(t, "general")
	_, onY := y.connect(t, "general")

	ctx := context.Background()
	require.NoError(t, x.ns.To("general").Emit(ctx, "msg", "first"))
	require.Eventually(t, func() bool { return len(onY.got("msg")) == 1 }, waitFor, 10*time.Millisecond)

	// 分派是循序的：第二則到達 Y 時，第一則的回聲必定已經處理完
	require.NoError(t, x.ns.To("general").Emit(ctx, "msg", "second"))
	require.Eventually(t, func() bool { return len(onY.got("msg")) == 2 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second"}, onX.got("msg"))
	assert.Equal(t, []string{"first", "second"}, onY.got("msg"))
}

// TestCluster_RoomSize X 上 2 人、Y 上 1 人，X 查詢得到 3
func TestCluster_RoomSize(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(2*time.Second))
	y := startNode(t, s, fastOptions(2*time.Second))

	a, _ := x.connect(t, "general")
	b, _ := x.connect(t, "general")
	c, _ := y.connect(t, "general")
	_, _ = y.connect(t, "elsewhere")

	ctx := context.Background()
	size, err := x.ns.RoomSize(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	ids, err := x.ns.To("general").FetchConnections(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID(), b.ID(), c.ID()}, ids)

	all, err := y.ns.FetchConnections(ctx, fabric.FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

// TestCluster_ZeroPeers 沒有同伴時不經過網路等待
func TestCluster_ZeroPeers(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(5*time.Second))
	_, _ = x.connect(t, "general")

	start := time.Now()
	size, err := x.ns.RoomSize(context.Background(), "general")
	require.NoError(t, err)

	assert.Equal(t, 1, size)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

// TestCluster_UnresponsivePeer 同伴不回覆時在期限內回傳部分結果
func TestCluster_UnresponsivePeer(t *testing.T) {
	s := memoryStore(t)
	timeout := 300 * time.Millisecond
	x := startNode(t, s, fastOptions(timeout))
	y := startNode(t, s, fastOptions(timeout))

	// 只有心跳 key、沒有訂閱請求頻道的節點
	_, err := s.Acquire(context.Background(), "fabric:nodes:ghost", "ghost", time.Minute)
	require.NoError(t, err)

	_, _ = x.connect(t, "general")
	_, _ = y.connect(t, "general")

	start := time.Now()
	size, err := x.ns.RoomSize(context.Background(), "general")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 2, size, "Y 的結果仍被合併")
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

// TestCluster_CallerDeadline 呼叫端的期限比預設期限短時以呼叫端為準
func TestCluster_CallerDeadline(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(5*time.Second))
	_, err := s.Acquire(context.Background(), "fabric:nodes:ghost", "ghost", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = x.ns.RoomSize(ctx, "general")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

// TestCluster_PeerWithoutNamespace 沒有此命名空間的節點回覆空結果，不必等到逾時
func TestCluster_PeerWithoutNamespace(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(3*time.Second))

	bare := cluster.NewNode(s, fastOptions(3*time.Second), testutils.Logger(), nil)
	require.NoError(t, bare.Start(context.Background()))
	t.Cleanup(func() { _ = bare.Close(context.Background()) })

	_, _ = x.connect(t, "general")

	start := time.Now()
	size, err := x.ns.RoomSize(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	assert.Less(t, time.Since(start), time.Second)
}

// TestCluster_RoomSubscriptionRefcount 第一個本地成員訂閱、最後一個離開時取消
func TestCluster_RoomSubscriptionRefcount(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(time.Second))
	channel := "fabric#/chat#general#"
	adapter := x.ns.Adapter().(*cluster.Adapter)

	assert.Equal(t, 0, s.Subscribers(channel))

	a, _ := x.connect(t, "general")
	assert.Equal(t, 1, s.Subscribers(channel))
	assert.True(t, adapter.Subscribed("general"))

	b, _ := x.connect(t, "general")
	assert.Equal(t, 1, s.Subscribers(channel), "第二個成員不重複訂閱")

	_, err := a.Leave("general")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers(channel))

	b.Disconnect("bye")
	assert.Equal(t, 0, s.Subscribers(channel))
	assert.False(t, adapter.Subscribed("general"))
}

// TestCluster_SubscribeRetry 房間訂閱失敗後會在下一次加入或定期修復時重試
func TestCluster_SubscribeRetry(t *testing.T) {
	const channel = "fabric#/chat#general#"

	t.Run("下一個成員加入", func(t *testing.T) {
		s := memoryStore(t)
		flaky := &flakyPubSub{PubSub: s, failures: map[string]int{channel: 1}}
		x := startNode(t, store.Compose(s, flaky), fastOptions(time.Second))
		y := startNode(t, s, fastOptions(time.Second))
		adapter := x.ns.Adapter().(*cluster.Adapter)

		_, first := x.connect(t, "general")
		assert.False(t, adapter.Subscribed("general"))
		assert.Equal(t, 0, s.Subscribers(channel))

		_, second := x.connect(t, "general")
		assert.True(t, adapter.Subscribed("general"))
		assert.Equal(t, 1, s.Subscribers(channel))

		require.NoError(t, y.ns.To("general").Emit(context.Background(), "msg", "remote"))
		require.Eventually(t, func() bool {
			return len(first.got("msg")) == 1 && len(second.got("msg")) == 1
		}, waitFor, 10*time.Millisecond)
	})

	t.Run("定期修復", func(t *testing.T) {
		s := memoryStore(t)
		flaky := &flakyPubSub{PubSub: s, failures: map[string]int{channel: 1}}
		x := startNode(t, store.Compose(s, flaky), fastOptions(time.Second))
		adapter := x.ns.Adapter().(*cluster.Adapter)

		x.connect(t, "general")
		assert.False(t, adapter.Subscribed("general"))

		assert.Equal(t, 0, x.node.Resubscribe())
		assert.True(t, adapter.Subscribed("general"))
		assert.Equal(t, 1, s.Subscribers(channel))
	})
}

// TestCluster_ExceptAcrossNodes 排除在接收端同樣先求聯集再套用
func TestCluster_ExceptAcrossNodes(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(time.Second))
	y := startNode(t, s, fastOptions(time.Second))

	_, r1 := x.connect(t, "r1", "r2")
	muted, r2 := y.connect(t, "r1", "r2")
	_, r3 := y.connect(t, "r2")

	ctx := context.Background()
	require.NoError(t, x.ns.To("r1", "r2").Except(muted.ID()).Emit(ctx, "msg", "a"))
	require.NoError(t, x.ns.To("r2").Emit(ctx, "msg", "b"))

	require.Eventually(t, func() bool { return len(r3.got("msg")) == 2 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, []string{"a", "b"}, r1.got("msg"))
	assert.Equal(t, []string{"b"}, r2.got("msg"))
	assert.Equal(t, []string{"a", "b"}, r3.got("msg"), "多房間只收到一次")
}

// TestCluster_DuplicateEnvelope 至少一次投遞造成的重複被丟棄
func TestCluster_DuplicateEnvelope(t *testing.T) {
	s := memoryStore(t)
	x := startNode(t, s, fastOptions(time.Second))
	_, rec := x.connect(t)

	ctx := context.Background()
	envelope := func(id, data string) []byte {
		return []byte(fmt.Sprintf(`{"origin":"peer","packet":{"id":%q,"event":"msg","data":%q,"meta":{"ts":1}},"opts":{}}`, id, data))
	}

	channel := "fabric#/chat#"
	require.NoError(t, s.Publish(ctx, channel, envelope("p1", "once")))
	require.NoError(t, s.Publish(ctx, channel, envelope("p1", "once")))
	require.NoError(t, s.Publish(ctx, channel, envelope("p2", "next")))

	require.Eventually(t, func() bool { return len(rec.got("msg")) >= 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{"once", "next"}, rec.got("msg"))
}

// TestCluster_Redis 以真實 Redis 驗證跨節點廣播與查詢（需要 Docker）
func TestCluster_Redis(t *testing.T) {
	env := testutils.SetupRedis(t)

	sx := store.NewRedisStore(env.Client, testutils.Logger())
	sy := store.NewRedisStore(env.Client, testutils.Logger())
	t.Cleanup(func() {
		_ = sx.Close()
		_ = sy.Close()
	})

	x := startNode(t, sx, fastOptions(2*time.Second))
	y := startNode(t, sy, fastOptions(2*time.Second))

	_, _ = x.connect(t, "general")
	_, _ = x.connect(t, "general")
	_, onY := y.connect(t, "general")

	ctx := context.Background()
	size, err := x.ns.RoomSize(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	// SUBSCRIBE 不等待確認，重送直到 Y 收到
	require.Eventually(t, func() bool {
		if len(onY.got("msg")) > 0 {
			return true
		}
		_ = x.ns.To("general").Emit(ctx, "msg", "over redis")
		return false
	}, 5*time.Second, 100*time.Millisecond)
}
