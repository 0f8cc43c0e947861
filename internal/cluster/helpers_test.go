package cluster_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/cluster"
	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	"github.com/koopa0/system-design/broadcast-fabric/pkg/logger"
	"github.com/stretchr/testify/require"
)

// recorder 只記錄 msg 類事件的 data
type recorder struct {
	mu     sync.Mutex
	events map[string][]string
	closed bool
}

func (r *recorder) Write(frame []byte) error {
	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("closed")
	}
	if r.events == nil {
		r.events = make(map[string][]string)
	}
	var v string
	_ = json.Unmarshal(f.Data, &v)
	r.events[f.Event] = append(r.events[f.Event], v)
	return nil
}

func (r *recorder) Ping() error { return nil }

func (r *recorder) Close(int, string) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *recorder) got(event string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events[event]...)
}

type testNode struct {
	node *cluster.Node
	ns   *fabric.Namespace
}

func startNode(t *testing.T, s store.Store, opts cluster.Options) *testNode {
	t.Helper()

	m := metrics.New()
	n := cluster.NewNode(s, opts, logger.Discard(), m)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close(context.Background()) })

	ns := fabric.NewNamespace("/chat", fabric.Options{
		NodeID:  n.ID(),
		Adapter: n.AdapterFactory(),
		Logger:  logger.Discard(),
		Metrics: m,
	})
	t.Cleanup(func() { _ = ns.Close("test done") })

	return &testNode{node: n, ns: ns}
}

func (tn *testNode) connect(t *testing.T, rooms ...string) (*fabric.Conn, *recorder) {
	t.Helper()

	rec := &recorder{}
	c, err := tn.ns.AddConnection(context.Background(), rec, fabric.Handshake{Namespace: "/chat"})
	require.NoError(t, err)
	if len(rooms) > 0 {
		_, err = c.Join(rooms...)
		require.NoError(t, err)
	}
	return c, rec
}

func memoryStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastOptions(timeout time.Duration) cluster.Options {
	opts := cluster.DefaultOptions()
	opts.RequestTimeout = timeout
	return opts
}

// flakyPubSub 對指定頻道的前幾次訂閱回傳錯誤
type flakyPubSub struct {
	store.PubSub

	mu       sync.Mutex
	failures map[string]int
}

func (f *flakyPubSub) Subscribe(ctx context.Context, channel string, handler store.Handler) (store.Subscription, error) {
	f.mu.Lock()
	if f.failures[channel] > 0 {
		f.failures[channel]--
		f.mu.Unlock()
		return nil, errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.PubSub.Subscribe(ctx, channel, handler)
}
