// Package server 組裝廣播網路的所有元件並提供 HTTP/WebSocket 入口
//
// 組裝順序：
//
//	config → store（memory | redis | redis KV + NATS 匯流排）
//	       → cluster.Node（每個命名空間的 cluster adapter）
//	       → election（租約）→ scheduler（只在 leader 執行）
//	       → heartbeat.Monitor（清除半開連線）
//
// 關閉順序相反：先斷開本地連線，再交出租約、離開叢集、關閉存儲。
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/broadcast-fabric/internal/auth"
	"github.com/koopa0/system-design/broadcast-fabric/internal/cluster"
	"github.com/koopa0/system-design/broadcast-fabric/internal/config"
	"github.com/koopa0/system-design/broadcast-fabric/internal/election"
	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/heartbeat"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/internal/scheduler"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// ReasonServerShutdown 關閉時送給客戶端的斷線原因
const ReasonServerShutdown = "server shutting down"

// Server 一個進程的廣播網路
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Registry

	store     store.Store
	node      *cluster.Node
	election  *election.Election
	heartbeat *heartbeat.Monitor
	scheduler *scheduler.Runner
	upgrader  websocket.Upgrader

	middlewares []fabric.Middleware

	mu         sync.RWMutex
	namespaces map[string]*fabric.Namespace
	setup      []func(*fabric.Namespace)

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time
	shutdown atomic.Bool
}

// New 依配置建立存儲並組裝伺服器
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Registry) (*Server, error) {
	st, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	s, err := NewWithStore(cfg, st, logger, m)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

// OpenStore 依 cluster.store / cluster.pubsub 建立共享存儲
func OpenStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Cluster.Store == config.StoreMemory {
		logger.Info("使用記憶體存儲（單進程模式）")
		return store.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "connect redis")
	}

	rs := store.NewRedisStore(client, logger)
	if cfg.Cluster.PubSub != config.PubSubNATS {
		logger.Info("使用 Redis 存儲", "addr", cfg.Redis.Addr)
		return store.Compose(rs, rs, rs.Close, client.Close), nil
	}

	bus, err := store.ConnectNATS(store.NATSOptions{
		URL:           cfg.NATS.URL,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		SubjectPrefix: cfg.Cluster.Prefix,
	})
	if err != nil {
		_ = rs.Close()
		_ = client.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "connect nats")
	}

	logger.Info("使用 Redis KV + NATS 匯流排", "redis", cfg.Redis.Addr, "nats", cfg.NATS.URL)
	return store.Compose(rs, bus, bus.Close, rs.Close, client.Close), nil
}

// NewWithStore 以既有存儲組裝（測試與嵌入用）
func NewWithStore(cfg *config.Config, st store.Store, logger *slog.Logger, m *metrics.Registry) (*Server, error) {
	if m == nil {
		m = metrics.New()
	}

	node := cluster.NewNode(st, cluster.Options{
		ID:                cfg.Node.ID,
		Prefix:            cfg.Cluster.Prefix,
		RequestTimeout:    cfg.Cluster.RequestTimeout,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		NodeTTL:           cfg.Cluster.NodeTTL,
		DedupeSize:        cfg.Cluster.DedupeSize,
	}, logger, m)

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("node_id", node.ID()),
		metrics:    m,
		store:      st,
		node:       node,
		namespaces: make(map[string]*fabric.Namespace),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	if cfg.Auth.RateLimit.PerSecond > 0 {
		limiter := auth.NewRateLimiter(cfg.Auth.RateLimit.PerSecond, cfg.Auth.RateLimit.Burst, s.logger)
		s.middlewares = append(s.middlewares, limiter.Middleware())
	}
	if cfg.Auth.Enabled {
		verifier, err := auth.NewStaticVerifier(cfg.Auth.Credentials, s.logger)
		if err != nil {
			return nil, err
		}
		s.middlewares = append(s.middlewares, auth.Middleware(verifier))
	}

	var leader scheduler.Leader
	if cfg.Election.Enabled {
		e, err := election.New(st, election.Options{
			Key:           cfg.Election.Key,
			ID:            node.ID(),
			TTL:           cfg.Election.TTL,
			RenewInterval: cfg.Election.RenewInterval,
		}, s.logger, m)
		if err != nil {
			return nil, err
		}
		s.election = e
		if cfg.Scheduler.RequireLease {
			leader = e
		}
	}

	s.heartbeat = heartbeat.New(s, cfg.Heartbeat.Interval, s.logger, m)

	if cfg.Scheduler.Enabled {
		loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return nil, apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("scheduler.timezone: %v", err))
		}
		s.scheduler = scheduler.New(leader, loc, s.logger, m)
		if err := s.scheduler.Add(scheduler.ReportJob, cfg.Scheduler.ReportSpec, cfg.Cluster.RequestTimeout*2,
			scheduler.ClusterReport(s, s.logger, m)); err != nil {
			return nil, err
		}
	}

	for _, name := range cfg.Server.Namespaces {
		s.Of(name)
	}
	return s, nil
}

// NodeID 本節點 ID
func (s *Server) NodeID() string {
	return s.node.ID()
}

// Election 租約（未啟用時為 nil）
func (s *Server) Election() *election.Election {
	return s.election
}

// Scheduler 排程（未啟用時為 nil）
func (s *Server) Scheduler() *scheduler.Runner {
	return s.scheduler
}

// Metrics 指標
func (s *Server) Metrics() *metrics.Registry {
	return s.metrics
}

// Start 加入叢集並啟動背景工作
func (s *Server) Start(ctx context.Context) error {
	if err := s.node.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = time.Now()

	if s.election != nil {
		if err := s.election.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.heartbeat.Run(runCtx)
	}()

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	s.logger.Info("伺服器已啟動")
	return nil
}

// OnNamespace 對每個命名空間（包含之後建立的）執行設定
func (s *Server) OnNamespace(fn func(*fabric.Namespace)) {
	s.mu.Lock()
	s.setup = append(s.setup, fn)
	existing := make([]*fabric.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		existing = append(existing, ns)
	}
	s.mu.Unlock()

	for _, ns := range existing {
		fn(ns)
	}
}

// Of 取得命名空間，不存在時以 cluster adapter 建立
func (s *Server) Of(name string) *fabric.Namespace {
	name = normalizeNamespace(name)

	s.mu.RLock()
	ns, ok := s.namespaces[name]
	s.mu.RUnlock()
	if ok {
		return ns
	}

	s.mu.Lock()
	if ns, ok = s.namespaces[name]; ok {
		s.mu.Unlock()
		return ns
	}
	ns = fabric.NewNamespace(name, fabric.Options{
		NodeID:  s.node.ID(),
		Adapter: s.node.AdapterFactory(),
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	for _, mw := range s.middlewares {
		ns.Use(mw)
	}
	s.namespaces[name] = ns
	setup := append([]func(*fabric.Namespace){}, s.setup...)
	s.mu.Unlock()

	for _, fn := range setup {
		fn(ns)
	}
	s.logger.Info("命名空間已建立", "namespace", name)
	return ns
}

// Lookup 取得已存在的命名空間
func (s *Server) Lookup(name string) (*fabric.Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[normalizeNamespace(name)]
	return ns, ok
}

// Namespaces 所有命名空間（依名稱排序），實作 heartbeat.Source
func (s *Server) Namespaces() []*fabric.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*fabric.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Accept 接受一條已建立的會話
//
// 未知命名空間：dynamic_namespaces 開啟時建立，否則回 connect_error 並關閉。
func (s *Server) Accept(ctx context.Context, session fabric.Session, hs fabric.Handshake) (*fabric.Conn, error) {
	hs.Namespace = normalizeNamespace(hs.Namespace)

	ns, ok := s.Lookup(hs.Namespace)
	if !ok {
		if !s.cfg.Server.DynamicNS {
			s.rejectUnknown(session, hs.Namespace)
			return nil, apperrors.ErrNamespaceNotFound.WithDetails(hs.Namespace)
		}
		ns = s.Of(hs.Namespace)
	}
	return ns.AddConnection(ctx, session, hs)
}

func (s *Server) rejectUnknown(session fabric.Session, name string) {
	s.logger.Info("拒絕未知命名空間", "namespace", name)
	p, err := fabric.NewPacket(fabric.EventConnectError, map[string]string{"message": "invalid namespace"})
	if err == nil {
		p.Meta.Namespace = name
		if frame, err := p.Frame(); err == nil {
			_ = session.Write(frame)
		}
	}
	_ = session.Close(fabric.ClosePolicy, "invalid namespace")
}

// Stats 本節點狀態
type Stats struct {
	NodeID     string         `json:"node_id"`
	Leader     bool           `json:"leader"`
	Peers      []string       `json:"peers"`
	Namespaces map[string]int `json:"namespaces"` // 本地連線數
	Uptime     string         `json:"uptime"`
}

// Stats 讀取節點狀態
func (s *Server) Stats(ctx context.Context) Stats {
	st := Stats{
		NodeID:     s.node.ID(),
		Namespaces: make(map[string]int),
		Peers:      []string{},
	}
	if s.election != nil {
		st.Leader = s.election.IsLeader()
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started).Truncate(time.Second).String()
	}
	if peers, err := s.node.Registry().Peers(ctx); err == nil {
		st.Peers = peers
	}
	for _, ns := range s.Namespaces() {
		st.Namespaces[ns.Name()] = ns.Len()
	}
	return st
}

// Shutdown 斷開本地連線、交出租約、離開叢集並關閉存儲（只執行一次）
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("開始關閉伺服器")

	if s.scheduler != nil {
		if err := s.scheduler.Stop(ctx); err != nil {
			s.logger.Warn("等待排程任務逾時", "error", err)
		}
	}

	for _, ns := range s.Namespaces() {
		if err := ns.Close(ReasonServerShutdown); err != nil {
			s.logger.Warn("關閉命名空間失敗", "namespace", ns.Name(), "error", err)
		}
	}

	if s.election != nil {
		if err := s.election.Stop(ctx); err != nil {
			s.logger.Warn("釋放租約失敗", "error", err)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var firstErr error
	if err := s.node.Close(ctx); err != nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("伺服器已關閉")
	return firstErr
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// normalizeNamespace "" 與 "chat" 分別對應 "/" 與 "/chat"
func normalizeNamespace(name string) string {
	name = strings.TrimSuffix(name, "/")
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}
