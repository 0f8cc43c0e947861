package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
)

// 系統設計問題：
//   如何把 fabric.Session 接到真正的 WebSocket？
//
// 設計方案：
//   ✅ 每條連線一個緩衝 channel + 一個 writePump（gorilla 不允許並發寫入）
//   ✅ 緩衝區滿時丟棄，慢客戶端不拖累廣播
//   ✅ Ping 走 WriteControl（可與 writePump 並發），Pong 交給 Conn.MarkAlive
//   ✅ 關閉時先送完佇列中的訊框（例如 connect_error），再送 close frame
//
// 存活偵測交給 heartbeat.Monitor，這裡不設讀取期限。

const (
	writeWait   = 10 * time.Second
	controlWait = time.Second
)

var (
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("send queue full")
)

// wsSession gorilla 連線的 fabric.Session 實作
type wsSession struct {
	conn   *websocket.Conn
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newWSSession(conn *websocket.Conn, queue int, logger *slog.Logger) *wsSession {
	return &wsSession{
		conn:      conn,
		logger:    logger,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Write 放進出站佇列
func (s *wsSession) Write(frame []byte) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	select {
	case <-s.done:
		return errSessionClosed
	case s.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// Ping 送出存活探測
func (s *wsSession) Ping() error {
	if s.closed.Load() {
		return errSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait))
}

// Close 要求 writePump 送完佇列後關閉
func (s *wsSession) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode, s.closeReason = code, reason
		s.mu.Unlock()
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

// Open 會話是否仍可寫入
func (s *wsSession) Open() bool {
	return !s.closed.Load()
}

// writePump 唯一寫入 conn 的 goroutine
func (s *wsSession) writePump() {
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				s.logger.Debug("寫入失敗", "error", err)
				_ = s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-s.done:
			s.flush()
			s.mu.Lock()
			code, reason := s.closeCode, s.closeReason
			s.mu.Unlock()
			// 1006 不能出現在 close frame 中
			if code != websocket.CloseAbnormalClosure {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWait))
			}
			return
		}
	}
}

// flush 送出剩餘的佇列
func (s *wsSession) flush() {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSession) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// inbound 客戶端送來的事件
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readPump 讀取客戶端事件直到連線中斷
//
// 在 HTTP handler 的 goroutine 上執行；返回時連線已斷開。
func (s *wsSession) readPump(c *fabric.Conn, maxMessageSize int64) {
	if maxMessageSize > 0 {
		s.conn.SetReadLimit(maxMessageSize)
	}
	s.conn.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	reason := "transport close"
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("WebSocket 讀取錯誤", "conn_id", c.ID(), "error", err)
				reason = "transport error"
			}
			break
		}
		// 任何入站訊框都證明對方還在
		c.MarkAlive()

		if messageType != websocket.TextMessage {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
			s.logger.Debug("無法解析客戶端訊息", "conn_id", c.ID(), "error", err)
			continue
		}
		c.Dispatch(msg.Event, msg.Data)
	}

	c.Disconnect(reason)
	_ = s.Close(websocket.CloseNormalClosure, reason)
}
