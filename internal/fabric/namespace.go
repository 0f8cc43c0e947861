package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// Middleware 准入中介層
//
// 回傳 error 即拒絕；可以透過 c.Set 附加會話資料。
type Middleware func(ctx context.Context, c *Conn, hs Handshake) error

// AdapterFactory 建立命名空間的 adapter
//
// 在 Namespace 建構時呼叫一次；ns 同時是 adapter 需要的 Directory。
type AdapterFactory func(ns *Namespace) Adapter

// LocalAdapterFactory 單一進程模式
func LocalAdapterFactory(ns *Namespace) Adapter {
	return NewLocalAdapter(ns)
}

// Options 命名空間配置
type Options struct {
	NodeID  string
	Adapter AdapterFactory
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Namespace 連線空間的命名分區
//
// 擁有連線註冊表、adapter（內含房間註冊表）與有序的准入中介層。
// 第一次被引用時建立，存活到進程結束。
type Namespace struct {
	name    string
	nodeID  string
	logger  *slog.Logger
	metrics *metrics.Registry
	adapter Adapter

	mu           sync.RWMutex
	conns        map[string]*Conn
	middlewares  []Middleware
	onConnection []func(*Conn)
}

// NewNamespace 建立命名空間
func NewNamespace(name string, opts Options) *Namespace {
	if opts.NodeID == "" {
		opts.NodeID = NewID()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Adapter == nil {
		opts.Adapter = LocalAdapterFactory
	}

	ns := &Namespace{
		name:    name,
		nodeID:  opts.NodeID,
		logger:  opts.Logger.With("namespace", name),
		metrics: opts.Metrics,
		conns:   make(map[string]*Conn),
	}
	ns.adapter = opts.Adapter(ns)
	return ns
}

// Name 命名空間名稱
func (ns *Namespace) Name() string {
	return ns.name
}

// NodeID 所屬節點
func (ns *Namespace) NodeID() string {
	return ns.nodeID
}

// Adapter 目前使用的 adapter
func (ns *Namespace) Adapter() Adapter {
	return ns.adapter
}

// Use 附加准入中介層（依呼叫順序執行）
func (ns *Namespace) Use(mw Middleware) {
	ns.mu.Lock()
	ns.middlewares = append(ns.middlewares, mw)
	ns.mu.Unlock()
}

// OnConnection 註冊連線事件
func (ns *Namespace) OnConnection(fn func(*Conn)) {
	ns.mu.Lock()
	ns.onConnection = append(ns.onConnection, fn)
	ns.mu.Unlock()
}

// AddConnection 准入一條會話
//
// 全部中介層通過後才註冊並觸發 connection 事件；
// 任一中介層拒絕時，客戶端收到 connect_error 後連線被關閉，從未註冊。
func (ns *Namespace) AddConnection(ctx context.Context, session Session, hs Handshake) (*Conn, error) {
	c := newConn(ns, session, hs)

	ns.mu.RLock()
	chain := append([]Middleware{}, ns.middlewares...)
	ns.mu.RUnlock()

	for _, mw := range chain {
		if err := runMiddleware(ctx, mw, c, hs); err != nil {
			ns.reject(c, err)
			return nil, err
		}
	}

	ns.mu.Lock()
	ns.conns[c.id] = c
	ns.mu.Unlock()
	c.registered.Store(true)

	c.joinPrivate()

	ns.metrics.ConnectionsActive.WithLabelValues(ns.name).Inc()
	ns.logger.Info("連線已建立", "conn_id", c.id, "remote_addr", hs.RemoteAddr)

	if err := c.Emit(EventConnect, map[string]string{"id": c.id, "namespace": ns.name}); err != nil {
		ns.logger.Warn("送出 connect 失敗", "conn_id", c.id, "error", err)
	}

	ns.mu.RLock()
	handlers := append([]func(*Conn){}, ns.onConnection...)
	ns.mu.RUnlock()
	for _, fn := range handlers {
		fn(c)
	}

	return c, nil
}

func runMiddleware(ctx context.Context, mw Middleware, c *Conn, hs Handshake) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Rejected("internal error").WithDetails(fmt.Sprint(r))
		}
	}()
	if err = mw(ctx, c, hs); err != nil && !apperrors.IsRejected(err) {
		err = apperrors.Wrap(err, apperrors.ErrCodeRejected, apperrors.Reason(err))
	}
	return err
}

func (ns *Namespace) reject(c *Conn, err error) {
	reason := apperrors.Reason(err)
	ns.metrics.ConnectionsRejected.WithLabelValues(ns.name).Inc()
	ns.logger.Info("連線被拒絕", "conn_id", c.id, "reason", reason)

	if emitErr := c.Emit(EventConnectError, map[string]string{"message": reason}); emitErr != nil {
		ns.logger.Debug("送出 connect_error 失敗", "error", emitErr)
	}
	// 中介層可能已讓連線加入房間，拒絕時要一併撤銷
	c.memberMu.Lock()
	c.disconnected.Store(true)
	ns.adapter.DelAll(c.id, nil)
	c.mu.Lock()
	clear(c.rooms)
	c.mu.Unlock()
	c.memberMu.Unlock()

	if closeErr := c.session.Close(ClosePolicy, reason); closeErr != nil {
		ns.logger.Debug("關閉傳輸失敗", "error", closeErr)
	}
}

func (ns *Namespace) remove(c *Conn) {
	ns.mu.Lock()
	_, ok := ns.conns[c.id]
	delete(ns.conns, c.id)
	ns.mu.Unlock()

	if ok {
		ns.metrics.ConnectionsActive.WithLabelValues(ns.name).Dec()
	}
}

// Lookup 實作 Directory
func (ns *Namespace) Lookup(id string) (Recipient, bool) {
	c, ok := ns.Conn(id)
	if !ok {
		return nil, false
	}
	return c, true
}

// Conn 依 ID 取得本地連線
func (ns *Namespace) Conn(id string) (*Conn, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	c, ok := ns.conns[id]
	return c, ok
}

// Connections 本地連線快照（依 ID 排序）
func (ns *Namespace) Connections() []*Conn {
	ns.mu.RLock()
	conns := make([]*Conn, 0, len(ns.conns))
	for _, c := range ns.conns {
		conns = append(conns, c)
	}
	ns.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	return conns
}

// Len 本地連線數
func (ns *Namespace) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.conns)
}

// Broadcast 交給 adapter 扇出，並補上命名空間資訊
func (ns *Namespace) Broadcast(ctx context.Context, p *Packet, opts BroadcastOptions) error {
	p.Meta.Namespace = ns.name
	p.Meta.Rooms = opts.Rooms
	if p.Meta.Origin == "" {
		p.Meta.Origin = ns.nodeID
	}
	if p.Meta.Timestamp == 0 {
		p.Meta.Timestamp = time.Now().UnixMilli()
	}

	ns.metrics.PacketsBroadcast.WithLabelValues(ns.name, "local").Inc()
	return ns.adapter.Broadcast(ctx, p, opts)
}

// Emit 廣播給整個命名空間
func (ns *Namespace) Emit(ctx context.Context, event string, data any) error {
	return ns.To().Emit(ctx, event, data)
}

// To 選擇目標房間
func (ns *Namespace) To(rooms ...string) *BroadcastOperator {
	return &BroadcastOperator{ns: ns, opts: BroadcastOptions{Rooms: append([]string{}, rooms...)}}
}

// Except 排除房間（或連線 ID）
func (ns *Namespace) Except(rooms ...string) *BroadcastOperator {
	return ns.To().Except(rooms...)
}

// FetchConnections 叢集範圍的連線列舉
func (ns *Namespace) FetchConnections(ctx context.Context, opts FetchOptions) ([]string, error) {
	return ns.adapter.FetchConnections(ctx, opts)
}

// RoomSize 叢集範圍的房間人數
func (ns *Namespace) RoomSize(ctx context.Context, room string) (int, error) {
	if room == "" {
		return 0, apperrors.ErrEmptyRoom
	}
	return ns.adapter.RoomSize(ctx, room)
}

// Rooms 本地房間
func (ns *Namespace) Rooms() []string {
	return ns.adapter.Rooms()
}

// Close 斷開所有本地連線並關閉 adapter
func (ns *Namespace) Close(reason string) error {
	for _, c := range ns.Connections() {
		c.Disconnect(reason)
	}
	return ns.adapter.Close()
}

// BroadcastOperator 鏈式目標選擇
type BroadcastOperator struct {
	ns   *Namespace
	opts BroadcastOptions
}

// To 追加目標房間
func (b *BroadcastOperator) To(rooms ...string) *BroadcastOperator {
	opts := b.clone()
	opts.Rooms = append(opts.Rooms, rooms...)
	return &BroadcastOperator{ns: b.ns, opts: opts}
}

// Except 追加排除房間
func (b *BroadcastOperator) Except(rooms ...string) *BroadcastOperator {
	opts := b.clone()
	opts.Except = append(opts.Except, rooms...)
	return &BroadcastOperator{ns: b.ns, opts: opts}
}

func (b *BroadcastOperator) clone() BroadcastOptions {
	return BroadcastOptions{
		Rooms:  append([]string{}, b.opts.Rooms...),
		Except: append([]string{}, b.opts.Except...),
	}
}

// Options 目前的目標選擇
func (b *BroadcastOperator) Options() BroadcastOptions {
	return b.clone()
}

// Emit 建立封包並廣播
func (b *BroadcastOperator) Emit(ctx context.Context, event string, data any) error {
	p, err := NewPacket(event, data)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無法編碼事件")
	}
	return b.ns.Broadcast(ctx, p, b.clone())
}

// FetchConnections 依目前的目標選擇列舉
func (b *BroadcastOperator) FetchConnections(ctx context.Context) ([]string, error) {
	return b.ns.FetchConnections(ctx, b.clone())
}
