package fabric_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/pkg/logger"
	"github.com/stretchr/testify/require"
)

var errSessionClosed = errors.New("session closed")

// fakeSession 記錄寫入的訊框
type fakeSession struct {
	mu          sync.Mutex
	frames      [][]byte
	pings       int
	closed      bool
	closeCode   int
	closeReason string
}

func (s *fakeSession) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *fakeSession) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	return nil
}

func (s *fakeSession) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

type frame struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Meta  fabric.Meta     `json:"meta"`
}

func (s *fakeSession) received(t *testing.T) []frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]frame, 0, len(s.frames))
	for _, raw := range s.frames {
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

// events 只列出指定事件的 data（字串）
func (s *fakeSession) events(t *testing.T, event string) []string {
	t.Helper()
	var out []string
	for _, f := range s.received(t) {
		if f.Event != event {
			continue
		}
		var v string
		require.NoError(t, json.Unmarshal(f.Data, &v))
		out = append(out, v)
	}
	return out
}

func newNamespace(t *testing.T) *fabric.Namespace {
	t.Helper()
	return fabric.NewNamespace("/chat", fabric.Options{
		NodeID:  "node-test",
		Logger:  logger.Discard(),
		Metrics: metrics.New(),
	})
}

func connect(t *testing.T, ns *fabric.Namespace) (*fabric.Conn, *fakeSession) {
	t.Helper()
	sess := &fakeSession{}
	c, err := ns.AddConnection(context.Background(), sess, fabric.Handshake{Namespace: ns.Name()})
	require.NoError(t, err)
	return c, sess
}
