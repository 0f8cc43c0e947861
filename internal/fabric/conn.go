package fabric

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// WebSocket 關閉碼（RFC 6455），fabric 不直接依賴傳輸層套件
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	ClosePolicy    = 1008
)

// 保留事件名稱
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// Session 一條雙工傳輸會話
//
// 實作必須是非阻塞的：Write 只把訊框放進佇列，由傳輸層自己的寫入 goroutine 送出。
type Session interface {
	// Write 送出一個文字訊框，會話已關閉時回傳錯誤
	Write(frame []byte) error
	// Ping 送出存活探測，回應由傳輸層呼叫 Conn.MarkAlive
	Ping() error
	// Close 以關閉碼與原因關閉會話（可重複呼叫）
	Close(code int, reason string) error
	// Open 會話是否仍可寫入
	Open() bool
}

// Handshake 接入事件的路由資訊
type Handshake struct {
	Namespace  string
	Token      string
	Query      url.Values
	RemoteAddr string
}

// Outcome 成員變更的結果
//
// 冪等操作不是錯誤：重複加入回傳 AlreadySatisfied，呼叫端錯誤才回傳 error。
type Outcome int

const (
	// Applied 狀態已改變
	Applied Outcome = iota
	// AlreadySatisfied 狀態原本就滿足，沒有變更
	AlreadySatisfied
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadySatisfied:
		return "already_satisfied"
	default:
		return "unknown"
	}
}

// HandlerFunc 處理客戶端事件
type HandlerFunc func(c *Conn, data json.RawMessage)

// Conn 一條連線
//
// 只由所屬進程修改。房間成員關係的權威來源是 adapter，
// Conn 的 rooms 是由 Namespace 同步維護的副本。
type Conn struct {
	id        string
	ns        *Namespace
	session   Session
	handshake Handshake
	logger    *slog.Logger

	// memberMu 串行化同一連線的 join/leave/disconnect
	memberMu sync.Mutex

	mu           sync.RWMutex
	rooms        map[string]struct{}
	data         map[string]any
	handlers     map[string]HandlerFunc
	onDisconnect []func(reason string)

	alive        atomic.Bool
	registered   atomic.Bool
	disconnected atomic.Bool
}

func newConn(ns *Namespace, session Session, hs Handshake) *Conn {
	id := NewID()
	c := &Conn{
		id:        id,
		ns:        ns,
		session:   session,
		handshake: hs,
		logger:    ns.logger.With("conn_id", id),
		rooms:     make(map[string]struct{}),
		data:      make(map[string]any),
		handlers:  make(map[string]HandlerFunc),
	}
	c.alive.Store(true)
	return c
}

// ID 連線 ID（同時是私有房間名稱）
func (c *Conn) ID() string {
	return c.id
}

// Namespace 所屬命名空間
func (c *Conn) Namespace() *Namespace {
	return c.ns
}

// Handshake 接入時的路由資訊
func (c *Conn) Handshake() Handshake {
	return c.handshake
}

// Join 加入房間（冪等）
//
// 連線 ID 形式的名稱保留給私有房間：只能加入自己的。
func (c *Conn) Join(rooms ...string) (Outcome, error) {
	if err := c.checkRooms(rooms, true); err != nil {
		return AlreadySatisfied, err
	}

	c.memberMu.Lock()
	defer c.memberMu.Unlock()

	if c.disconnected.Load() {
		return AlreadySatisfied, apperrors.ErrConnDisconnected
	}

	added := c.ns.adapter.AddAll(c.id, rooms)
	if len(added) == 0 {
		return AlreadySatisfied, nil
	}

	c.mu.Lock()
	for _, name := range added {
		c.rooms[name] = struct{}{}
	}
	c.mu.Unlock()

	c.logger.Debug("加入房間", "rooms", added)
	return Applied, nil
}

// Leave 離開房間（冪等），自己的私有房間只在斷線時離開
func (c *Conn) Leave(rooms ...string) (Outcome, error) {
	if err := c.checkRooms(rooms, false); err != nil {
		return AlreadySatisfied, err
	}
	if len(rooms) == 0 {
		return AlreadySatisfied, nil
	}

	c.memberMu.Lock()
	defer c.memberMu.Unlock()

	if c.disconnected.Load() {
		return AlreadySatisfied, apperrors.ErrConnDisconnected
	}

	left := c.ns.adapter.DelAll(c.id, rooms)
	if len(left) == 0 {
		return AlreadySatisfied, nil
	}

	c.mu.Lock()
	for _, name := range left {
		delete(c.rooms, name)
	}
	c.mu.Unlock()

	c.logger.Debug("離開房間", "rooms", left)
	return Applied, nil
}

func (c *Conn) checkRooms(rooms []string, allowOwn bool) error {
	for _, name := range rooms {
		if name == "" {
			return apperrors.ErrEmptyRoom
		}
		if IsConnID(name) && !(allowOwn && name == c.id) {
			return apperrors.ErrPrivateRoom.WithDetails(name)
		}
	}
	return nil
}

// joinPrivate 准入時加入以自身 ID 命名的房間
func (c *Conn) joinPrivate() {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()

	c.ns.adapter.AddAll(c.id, []string{c.id})
	c.mu.Lock()
	c.rooms[c.id] = struct{}{}
	c.mu.Unlock()
}

// Rooms 目前所在的房間（不含順序保證）
func (c *Conn) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		rooms = append(rooms, name)
	}
	return rooms
}

// In 是否在房間中
func (c *Conn) In(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Send 投遞封包；會話已關閉時靜默丟棄
func (c *Conn) Send(p *Packet) {
	if c.disconnected.Load() || !c.session.Open() {
		return
	}

	frame, err := p.Frame()
	if err != nil {
		c.logger.Error("封包編碼失敗", "event", p.Event, "error", err)
		return
	}

	if err := c.session.Write(frame); err != nil {
		// 遠端多半已經離開，寫入失敗不往上傳
		c.logger.Debug("寫入失敗，丟棄封包", "event", p.Event, "error", err)
	}
}

// Emit 直接送事件給這個連線
func (c *Conn) Emit(event string, data any) error {
	p, err := NewPacket(event, data)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無法編碼事件")
	}
	p.Meta.Namespace = c.ns.name
	p.Meta.Origin = c.ns.nodeID
	c.Send(p)
	return nil
}

// On 註冊客戶端事件處理器
func (c *Conn) On(event string, fn HandlerFunc) {
	c.mu.Lock()
	c.handlers[event] = fn
	c.mu.Unlock()
}

// OnDisconnect 註冊斷線通知
func (c *Conn) OnDisconnect(fn func(reason string)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// Dispatch 把客戶端事件交給處理器（由傳輸層讀取迴圈呼叫）
//
// 處理器 panic 只影響這一筆事件。
func (c *Conn) Dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	fn, ok := c.handlers[event]
	c.mu.RUnlock()

	if !ok {
		c.logger.Debug("未處理的事件", "event", event)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("事件處理器 panic", "event", event, "panic", r)
		}
	}()
	fn(c, data)
}

// Set 存放會話資料（例如中介層附加的身分）
func (c *Conn) Set(key string, value any) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

// Get 讀取會話資料
func (c *Conn) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// MarkAlive 收到存活回應
func (c *Conn) MarkAlive() {
	c.alive.Store(true)
}

// Alive 上一次探測後是否有回應
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// Probe 清除存活旗標並送出探測
func (c *Conn) Probe() error {
	c.alive.Store(false)
	return c.session.Ping()
}

// Disconnected 是否已斷線
func (c *Conn) Disconnected() bool {
	return c.disconnected.Load()
}

// Disconnect 斷開連線（可重複呼叫，第二次起為 no-op）
//
// 順序：離開所有房間 -> 移出命名空間 -> 斷線通知 -> 關閉傳輸。
func (c *Conn) Disconnect(reason string) {
	c.close(reason, CloseNormal)
}

// Terminate 強制終止未回應探測的連線
func (c *Conn) Terminate() {
	c.close("ping timeout", CloseGoingAway)
}

func (c *Conn) close(reason string, code int) {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}

	c.memberMu.Lock()
	c.ns.adapter.DelAll(c.id, nil)
	c.mu.Lock()
	clear(c.rooms)
	c.mu.Unlock()
	c.memberMu.Unlock()

	if c.registered.Load() {
		c.ns.remove(c)
	}

	c.mu.RLock()
	callbacks := append([]func(string){}, c.onDisconnect...)
	c.mu.RUnlock()
	for _, fn := range callbacks {
		c.notify(fn, reason)
	}

	if err := c.session.Close(code, reason); err != nil {
		c.logger.Debug("關閉傳輸失敗", "error", err)
	}

	c.logger.Info("連線已斷開", "reason", reason)
}

func (c *Conn) notify(fn func(string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("斷線處理器 panic", "panic", r)
		}
	}()
	fn(reason)
}
