package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// subscribeTimeout 訂閱/取消訂閱房間頻道的期限
const subscribeTimeout = 5 * time.Second

// Adapter 叢集版 adapter
//
// 包裝 fabric.LocalAdapter：成員關係仍只記錄本地，
// 廣播額外發布到共享存儲，查詢額外向同伴 scatter-gather。
//
// 每個房間的頻道狀態（本進程）：
//
//	Unsubscribed --第一個本地成員--> Subscribed --最後一個本地成員離開--> Unsubscribed
type Adapter struct {
	node   *Node
	ns     *fabric.Namespace
	local  *fabric.LocalAdapter
	logger *slog.Logger

	// subMu 串行化訂閱狀態轉換（包含存儲往返）
	subMu  sync.Mutex
	nsSub  store.Subscription
	rooms  map[string]*roomSubscription
	closed bool
}

// roomSubscription sub 為 nil 表示訂閱失敗，等待重試
type roomSubscription struct {
	refs int
	sub  store.Subscription
}

func newAdapter(n *Node, ns *fabric.Namespace) *Adapter {
	return &Adapter{
		node:   n,
		ns:     ns,
		local:  fabric.NewLocalAdapter(ns),
		logger: n.logger.With("namespace", ns.Name()),
		rooms:  make(map[string]*roomSubscription),
	}
}

func (a *Adapter) subscribeNamespace() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subscribeNamespaceLocked()
}

func (a *Adapter) subscribeNamespaceLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	sub, err := a.node.store.Subscribe(ctx, namespaceChannel(a.node.opts.Prefix, a.ns.Name()), a.onBroadcast)
	if err != nil {
		a.logger.Error("訂閱命名空間頻道失敗，稍後重試", "error", err)
		return
	}
	a.nsSub = sub
}

// Resubscribe 重試先前失敗的命名空間與房間訂閱，回傳仍未訂閱的頻道數
func (a *Adapter) Resubscribe() int {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	if a.closed {
		return 0
	}

	missing := 0
	if a.nsSub == nil {
		a.subscribeNamespaceLocked()
		if a.nsSub == nil {
			missing++
		}
	}
	for room, rs := range a.rooms {
		if rs.sub != nil {
			continue
		}
		if rs.sub = a.subscribeRoom(room); rs.sub == nil {
			missing++
		} else {
			a.logger.Info("房間頻道重新訂閱成功", "room", room)
		}
	}
	return missing
}

// Local 底層的本地 adapter
func (a *Adapter) Local() *fabric.LocalAdapter {
	return a.local
}

// AddAll 本地加入，第一個本地成員訂閱房間頻道
func (a *Adapter) AddAll(id string, rooms []string) []string {
	added := a.local.AddAll(id, rooms)
	if len(added) == 0 {
		return added
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()

	for _, room := range added {
		rs, ok := a.rooms[room]
		if !ok {
			rs = &roomSubscription{}
			a.rooms[room] = rs
		}
		rs.refs++
		// 第一個本地成員，或先前訂閱失敗
		if rs.sub == nil {
			rs.sub = a.subscribeRoom(room)
		}
	}
	return added
}

// DelAll 本地離開，最後一個本地成員取消房間頻道
func (a *Adapter) DelAll(id string, rooms []string) []string {
	left := a.local.DelAll(id, rooms)
	if len(left) == 0 {
		return left
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()

	for _, room := range left {
		rs, ok := a.rooms[room]
		if !ok {
			continue
		}
		rs.refs--
		if rs.refs > 0 {
			continue
		}
		delete(a.rooms, room)
		a.unsubscribe(room, rs.sub)
	}
	return left
}

func (a *Adapter) subscribeRoom(room string) store.Subscription {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	sub, err := a.node.store.Subscribe(ctx, roomChannel(a.node.opts.Prefix, a.ns.Name(), room), a.onBroadcast)
	if err != nil {
		// 本地成員關係不受影響，只是收不到其他節點對此房間的廣播
		a.logger.Warn("訂閱房間頻道失敗", "room", room, "error", err)
		return nil
	}
	return sub
}

func (a *Adapter) unsubscribe(room string, sub store.Subscription) {
	if sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	if err := sub.Unsubscribe(ctx); err != nil {
		a.logger.Warn("取消訂閱房間頻道失敗", "room", room, "error", err)
	}
}

// Subscribed 房間頻道目前是否已訂閱
func (a *Adapter) Subscribed(room string) bool {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	rs, ok := a.rooms[room]
	return ok && rs.sub != nil
}

// Broadcast 本地扇出後發布到共享存儲
//
// 路由：恰好一個目標房間走房間頻道，其餘（整個命名空間或多個房間）走命名空間頻道，
// 多房間的聯集與 except 由接收端在本地解析。
// 發布失敗時本地投遞已完成，只回傳錯誤讓呼叫端知道複製失敗。
func (a *Adapter) Broadcast(ctx context.Context, p *fabric.Packet, opts fabric.BroadcastOptions) error {
	a.local.BroadcastLocal(p, opts)
	a.node.seen.Add(p.ID)

	payload, err := json.Marshal(envelope{Origin: a.node.id, Packet: p, Opts: opts})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode broadcast")
	}

	channel := namespaceChannel(a.node.opts.Prefix, a.ns.Name())
	if len(opts.Rooms) == 1 {
		channel = roomChannel(a.node.opts.Prefix, a.ns.Name(), opts.Rooms[0])
	}

	if err := a.node.store.Publish(ctx, channel, payload); err != nil {
		a.node.metrics.PublishErrors.Inc()
		a.logger.Warn("發布廣播失敗，只完成本地投遞", "event", p.Event, "channel", channel, "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "publish broadcast")
	}

	a.node.metrics.PacketsBroadcast.WithLabelValues(a.ns.Name(), "cluster").Inc()
	return nil
}

// onBroadcast 收到其他節點的廣播
//
// 反回聲：origin 等於自己的一律丟棄（已在本地投遞過）。
// 至少一次投遞造成的重複由封包 ID 去重。
func (a *Adapter) onBroadcast(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		a.logger.Warn("無法解析叢集廣播", "error", err)
		return
	}
	if env.Origin == a.node.id || env.Packet == nil {
		return
	}
	if !a.node.seen.Add(env.Packet.ID) {
		a.node.metrics.DuplicatesDrop.Inc()
		return
	}

	a.node.metrics.PacketsReceived.WithLabelValues(a.ns.Name()).Inc()
	a.local.BroadcastLocal(env.Packet, env.Opts)
}

// FetchConnections 本地結果合併所有同伴的結果
func (a *Adapter) FetchConnections(ctx context.Context, opts fabric.FetchOptions) ([]string, error) {
	local := a.local.LocalConnections(opts)
	remote := a.node.scatter(ctx, rpcRequest{
		Type:      requestFetchConnections,
		Namespace: a.ns.Name(),
		Opts:      opts,
	})
	return mergeIDs(local, remote.ids), nil
}

// RoomSize 本地人數加上所有同伴回報的人數
//
// 每個節點只回報數字，不需要傳送整份 ID 清單。
func (a *Adapter) RoomSize(ctx context.Context, room string) (int, error) {
	local := a.local.LocalRoomSize(room)
	remote := a.node.scatter(ctx, rpcRequest{
		Type:      requestRoomSize,
		Namespace: a.ns.Name(),
		Room:      room,
	})
	return local + remote.size, nil
}

// Rooms 本地房間
func (a *Adapter) Rooms() []string {
	return a.local.Rooms()
}

// Close 取消命名空間與所有房間頻道的訂閱
func (a *Adapter) Close() error {
	a.node.forget(a.ns.Name())

	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.closed = true

	if a.nsSub != nil {
		a.unsubscribe("", a.nsSub)
		a.nsSub = nil
	}
	for room, rs := range a.rooms {
		a.unsubscribe(room, rs.sub)
		delete(a.rooms, room)
	}
	return a.local.Close()
}
