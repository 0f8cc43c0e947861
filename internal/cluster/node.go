// Package cluster 讓多個進程組成同一個廣播網域
//
// 系統設計問題：
//
//	每個進程只持有一部分連線，如何讓「廣播給房間」「列出房間裡的人」跨進程成立？
//
// 設計方案：
//
//	廣播：本地扇出 + 發布到共享存儲，其他節點收到後在本地再扇出一次
//	查詢：scatter-gather，向所有同伴發出請求，在期限內收集回覆
//
// 取捨：
//
//	✅ 每個節點只訂閱有本地成員的房間頻道（引用計數），限制 fan-in
//	✅ 沒有同伴時查詢不經過網路
//	❌ 查詢結果是盡力而為：逾時回傳部分結果（可用性優先於完整性）
//	❌ 跨節點沒有順序保證
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// Options 節點配置
type Options struct {
	ID                string        // 節點 ID（空則自動產生）
	Prefix            string        // 頻道與 key 前綴
	RequestTimeout    time.Duration // scatter-gather 期限
	HeartbeatInterval time.Duration // 節點 key 刷新間隔
	NodeTTL           time.Duration // 節點 key 存活時間
	DedupeSize        int           // 已投遞封包 ID 的記錄上限
}

// DefaultOptions 預設配置
func DefaultOptions() Options {
	return Options{
		Prefix:            "fabric",
		RequestTimeout:    5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		NodeTTL:           15 * time.Second,
		DedupeSize:        10000,
	}
}

// Node 進程在叢集中的代表（每個進程一個）
//
// 持有：
//   - 請求頻道訂閱與本節點的回覆頻道訂閱
//   - 等待中的 scatter-gather 請求表
//   - 節點登記的心跳
//   - 本進程所有命名空間的 cluster adapter
type Node struct {
	id      string
	opts    Options
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Registry

	registry *Registry
	seen     *seenSet

	mu       sync.RWMutex
	adapters map[string]*Adapter

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	subs   []store.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode 建立節點
func NewNode(s store.Store, opts Options, logger *slog.Logger, m *metrics.Registry) *Node {
	def := DefaultOptions()
	if opts.ID == "" {
		opts.ID = fabric.NewID()
	}
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.NodeTTL <= 0 {
		opts.NodeTTL = def.NodeTTL
	}
	if m == nil {
		m = metrics.New()
	}

	logger = logger.With("node_id", opts.ID)
	return &Node{
		id:       opts.ID,
		opts:     opts,
		store:    s,
		logger:   logger,
		metrics:  m,
		registry: newRegistry(s, opts.Prefix, opts.ID, opts.NodeTTL, opts.HeartbeatInterval, logger, m),
		seen:     newSeenSet(opts.DedupeSize),
		adapters: make(map[string]*Adapter),
		pending:  make(map[string]*pendingRequest),
	}
}

// ID 節點 ID
func (n *Node) ID() string {
	return n.id
}

// Registry 節點登記
func (n *Node) Registry() *Registry {
	return n.registry
}

// Start 訂閱 RPC 頻道並開始節點心跳
func (n *Node) Start(ctx context.Context) error {
	reqSub, err := n.store.Subscribe(ctx, requestChannel(n.opts.Prefix), n.onRequest)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "subscribe request channel")
	}
	respSub, err := n.store.Subscribe(ctx, responseChannel(n.opts.Prefix, n.id), n.onResponse)
	if err != nil {
		_ = reqSub.Unsubscribe(ctx)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "subscribe response channel")
	}
	n.subs = []store.Subscription{reqSub, respSub}

	if err := n.registry.Heartbeat(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "register node")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.registry.Run(runCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.repairLoop(runCtx)
	}()

	n.logger.Info("節點已加入叢集", "prefix", n.opts.Prefix)
	return nil
}

// Close 取消訂閱、停止心跳並移除節點 key
func (n *Node) Close(ctx context.Context) error {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(ctx); err != nil {
			n.logger.Warn("取消訂閱失敗", "error", err)
		}
	}
	n.subs = nil

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if err := n.registry.Leave(ctx); err != nil {
		n.logger.Warn("移除節點 key 失敗", "error", err)
		return err
	}
	n.logger.Info("節點已離開叢集")
	return nil
}

// AdapterFactory 回傳建立 cluster adapter 的工廠，交給 fabric.Namespace
func (n *Node) AdapterFactory() fabric.AdapterFactory {
	return func(ns *fabric.Namespace) fabric.Adapter {
		a := newAdapter(n, ns)

		n.mu.Lock()
		n.adapters[ns.Name()] = a
		n.mu.Unlock()

		a.subscribeNamespace()
		return a
	}
}

// Resubscribe 重試所有命名空間中失敗的頻道訂閱，回傳仍未訂閱的頻道數
func (n *Node) Resubscribe() int {
	n.mu.RLock()
	adapters := make([]*Adapter, 0, len(n.adapters))
	for _, a := range n.adapters {
		adapters = append(adapters, a)
	}
	n.mu.RUnlock()

	missing := 0
	for _, a := range adapters {
		missing += a.Resubscribe()
	}
	return missing
}

// repairLoop 以心跳間隔重試失敗的訂閱
func (n *Node) repairLoop(ctx context.Context) {
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if missing := n.Resubscribe(); missing > 0 {
				n.logger.Warn("仍有頻道未訂閱", "channels", missing)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) adapter(ns string) (*Adapter, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.adapters[ns]
	return a, ok
}

func (n *Node) forget(ns string) {
	n.mu.Lock()
	delete(n.adapters, ns)
	n.mu.Unlock()
}

// onRequest 在存儲的分派 goroutine 上執行，計算與回覆移到獨立 goroutine
func (n *Node) onRequest(payload []byte) {
	var req rpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		n.logger.Warn("無法解析叢集請求", "error", err)
		return
	}
	if req.Origin == n.id {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.answer(req)
	}()
}

// answer 計算本地結果並回覆
//
// 從未建立此命名空間的節點回覆空結果，請求端的預期回覆數才會正確。
func (n *Node) answer(req rpcRequest) {
	resp := rpcResponse{RequestID: req.RequestID, Responder: n.id}

	if a, ok := n.adapter(req.Namespace); ok {
		switch req.Type {
		case requestFetchConnections:
			resp.IDs = a.local.LocalConnections(req.Opts)
		case requestRoomSize:
			resp.Size = a.local.LocalRoomSize(req.Room)
		default:
			n.logger.Warn("未知的叢集請求類型", "type", req.Type)
			return
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		n.logger.Error("回覆編碼失敗", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.RequestTimeout)
	defer cancel()
	if err := n.store.Publish(ctx, req.ReplyTo, payload); err != nil {
		n.metrics.PublishErrors.Inc()
		n.logger.Warn("回覆叢集請求失敗", "request_id", req.RequestID, "error", err)
	}
}

func (n *Node) onResponse(payload []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		n.logger.Warn("無法解析叢集回覆", "error", err)
		return
	}

	n.pendingMu.Lock()
	pr, ok := n.pending[resp.RequestID]
	n.pendingMu.Unlock()
	if !ok {
		// 已逾時或已完成
		return
	}
	pr.add(resp)
}

// pendingRequest 一次 scatter-gather 的累積狀態
type pendingRequest struct {
	expected int

	mu         sync.Mutex
	responders map[string]struct{}
	ids        []string
	size       int
	done       chan struct{}
	finished   bool
}

func newPendingRequest(expected int) *pendingRequest {
	return &pendingRequest{
		expected:   expected,
		responders: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// add 累積回覆；同一節點重複回覆只計一次
func (p *pendingRequest) add(resp rpcResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}
	if _, dup := p.responders[resp.Responder]; dup {
		return
	}
	p.responders[resp.Responder] = struct{}{}
	p.ids = append(p.ids, resp.IDs...)
	p.size += resp.Size

	if len(p.responders) >= p.expected {
		p.finished = true
		close(p.done)
	}
}

// result 取出目前累積的結果並停止接受回覆
func (p *pendingRequest) result() (ids []string, size, responders int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	return append([]string{}, p.ids...), p.size, len(p.responders)
}

// gathered 其他節點的合併結果
type gathered struct {
	ids        []string
	size       int
	peers      int
	responders int
}

// scatter 向所有同伴發出請求並在期限內收集
//
// 沒有同伴時立即回傳，不經過網路；逾時不是錯誤，回傳已收到的部分結果。
func (n *Node) scatter(ctx context.Context, req rpcRequest) gathered {
	start := time.Now()
	defer func() { n.metrics.RPCDuration.Observe(time.Since(start).Seconds()) }()

	peers, err := n.registry.Peers(ctx)
	if err != nil {
		n.logger.Warn("讀取節點列表失敗，只回傳本地結果", "error", err)
		n.metrics.RPCRequests.WithLabelValues("local").Inc()
		return gathered{}
	}
	if len(peers) == 0 {
		n.metrics.RPCRequests.WithLabelValues("local").Inc()
		return gathered{}
	}

	req.RequestID = fabric.NewID()
	req.Origin = n.id
	req.ReplyTo = responseChannel(n.opts.Prefix, n.id)

	pr := newPendingRequest(len(peers))
	n.pendingMu.Lock()
	n.pending[req.RequestID] = pr
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, req.RequestID)
		n.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, n.opts.RequestTimeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		n.logger.Error("請求編碼失敗", "error", err)
		return gathered{peers: len(peers)}
	}
	if err := n.store.Publish(ctx, requestChannel(n.opts.Prefix), payload); err != nil {
		n.metrics.PublishErrors.Inc()
		n.metrics.RPCRequests.WithLabelValues("partial").Inc()
		n.logger.Warn("發布叢集請求失敗，只回傳本地結果", "request_id", req.RequestID, "error", err)
		return gathered{peers: len(peers)}
	}

	result := "complete"
	select {
	case <-pr.done:
	case <-ctx.Done():
		result = "partial"
	}

	ids, size, responders := pr.result()
	n.metrics.RPCRequests.WithLabelValues(result).Inc()
	if result == "partial" {
		n.logger.Info("叢集請求逾時，回傳部分結果",
			"request_id", req.RequestID,
			"type", req.Type,
			"expected", len(peers),
			"received", responders)
	}

	return gathered{ids: ids, size: size, peers: len(peers), responders: responders}
}

func mergeIDs(parts ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, part := range parts {
		for _, id := range part {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
