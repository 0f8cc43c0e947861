package heartbeat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/heartbeat"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pingSession 記錄探測，可選擇自動回應
type pingSession struct {
	mu        sync.Mutex
	pings     int
	closed    bool
	closeCode int
	respond   func()
}

func (s *pingSession) Write([]byte) error { return nil }

func (s *pingSession) Ping() error {
	s.mu.Lock()
	s.pings++
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		respond()
	}
	return nil
}

func (s *pingSession) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	return nil
}

func (s *pingSession) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func setup(t *testing.T) (*fabric.Namespace, *metrics.Registry) {
	t.Helper()
	m := metrics.New()
	ns := fabric.NewNamespace("/", fabric.Options{Logger: logger.Discard(), Metrics: m})
	return ns, m
}

func add(t *testing.T, ns *fabric.Namespace, s *pingSession) *fabric.Conn {
	t.Helper()
	c, err := ns.AddConnection(context.Background(), s, fabric.Handshake{})
	require.NoError(t, err)
	return c
}

// TestMonitor_Sweep 第一輪探測，第二輪終止沒有回應的連線
func TestMonitor_Sweep(t *testing.T) {
	ns, m := setup(t)

	silent := &pingSession{}
	add(t, ns, silent)

	healthy := &pingSession{}
	hc := add(t, ns, healthy)
	healthy.respond = hc.MarkAlive

	mon := heartbeat.New(heartbeat.SourceFunc(func() []*fabric.Namespace {
		return []*fabric.Namespace{ns}
	}), time.Hour, logger.Discard(), m)

	res := mon.Sweep()
	assert.Equal(t, heartbeat.Result{Probed: 2}, res)
	assert.Equal(t, 2, ns.Len())

	res = mon.Sweep()
	assert.Equal(t, heartbeat.Result{Probed: 1, Terminated: 1}, res)
	assert.Equal(t, 1, ns.Len())

	assert.True(t, silent.closed)
	assert.Equal(t, fabric.CloseGoingAway, silent.closeCode)
	assert.False(t, healthy.closed)
	assert.Equal(t, 2, healthy.pings)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatTerminated))
}

// TestMonitor_Run 定期掃描直到 ctx 結束
func TestMonitor_Run(t *testing.T) {
	ns, m := setup(t)
	silent := &pingSession{}
	add(t, ns, silent)

	mon := heartbeat.New(heartbeat.SourceFunc(func() []*fabric.Namespace {
		return []*fabric.Namespace{ns}
	}), 20*time.Millisecond, logger.Discard(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Run(ctx)
	}()

	require.Eventually(t, func() bool { return ns.Len() == 0 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run 未在 ctx 結束後返回")
	}
}
