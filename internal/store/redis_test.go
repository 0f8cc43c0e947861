package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	"github.com/koopa0/system-design/broadcast-fabric/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Lease 測試 Lua 條件寫入（需要 Docker）
func TestRedisStore_Lease(t *testing.T) {
	env := testutils.SetupRedis(t)
	s := store.NewRedisStore(env.Client, testutils.Logger())
	defer s.Close()

	ctx := context.Background()

	ok, err := s.Acquire(ctx, "fabric:leader", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "fabric:leader", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Acquire(ctx, "fabric:leader", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "持有者續約")

	released, err := s.Release(ctx, "fabric:leader", "b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.Release(ctx, "fabric:leader", "a")
	require.NoError(t, err)
	assert.True(t, released)

	_, found, err := s.Get(ctx, "fabric:leader")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestRedisStore_Keys 測試 SCAN 前綴列舉（需要 Docker）
func TestRedisStore_Keys(t *testing.T) {
	env := testutils.SetupRedis(t)
	s := store.NewRedisStore(env.Client, testutils.Logger())
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Acquire(ctx, "fabric:nodes:"+id, id, time.Minute)
		require.NoError(t, err)
	}

	keys, err := s.Keys(ctx, "fabric:nodes:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fabric:nodes:a", "fabric:nodes:b", "fabric:nodes:c"}, keys)
}

// TestRedisStore_PubSub 測試共用 PubSub 的多頻道分派（需要 Docker）
func TestRedisStore_PubSub(t *testing.T) {
	env := testutils.SetupRedis(t)
	s := store.NewRedisStore(env.Client, testutils.Logger())
	defer s.Close()

	ctx := context.Background()

	var (
		mu  sync.Mutex
		got = map[string][]string{}
	)
	record := func(ch string) store.Handler {
		return func(p []byte) {
			mu.Lock()
			got[ch] = append(got[ch], string(p))
			mu.Unlock()
		}
	}

	subA, err := s.Subscribe(ctx, "room-a", record("a"))
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "room-b", record("b"))
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "room-a", []byte("hello")))
	require.NoError(t, s.Publish(ctx, "room-b", []byte("world")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 1 && len(got["b"]) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, subA.Unsubscribe(ctx))
	require.NoError(t, s.Publish(ctx, "room-a", []byte("dropped")))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"hello"}, got["a"])
	mu.Unlock()
}
