package cluster

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	"github.com/koopa0/system-design/broadcast-fabric/internal/store"
)

// Registry 叢集成員登記
//
// 每個節點定期以條件寫入刷新 <prefix>:nodes:<id>（帶 TTL），
// 停止刷新的節點在 TTL 後自然消失，不需要任何人清理。
//
// 與 gossip 的差別：成員表存在共享存儲，不在節點之間互相傳播；
// 這裡只追蹤「上一次看到的同伴」，用來記錄節點加入/離開。
type Registry struct {
	kv       store.KV
	prefix   string
	id       string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Registry

	mu    sync.Mutex
	known map[string]struct{}
}

func newRegistry(kv store.KV, prefix, id string, ttl, interval time.Duration, logger *slog.Logger, m *metrics.Registry) *Registry {
	return &Registry{
		kv:       kv,
		prefix:   nodeKeyPrefix(prefix),
		id:       id,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  m,
		known:    make(map[string]struct{}),
	}
}

func (r *Registry) key(id string) string {
	return r.prefix + id
}

// Heartbeat 刷新本節點的 key
func (r *Registry) Heartbeat(ctx context.Context) error {
	ok, err := r.kv.Acquire(ctx, r.key(r.id), r.id, r.ttl)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("節點 key 被其他持有者佔用", "key", r.key(r.id))
	}
	return nil
}

// Peers 其他存活節點（不含自己，已排序）
func (r *Registry) Peers(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Keys(ctx, r.prefix)
	if err != nil {
		return nil, err
	}

	peers := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, r.prefix)
		if id == "" || id == r.id {
			continue
		}
		peers = append(peers, id)
	}
	sort.Strings(peers)

	r.observe(peers)
	return peers, nil
}

// observe 比對上一次的快照，記錄成員變化
func (r *Registry) observe(peers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]struct{}, len(peers))
	for _, id := range peers {
		current[id] = struct{}{}
		if _, ok := r.known[id]; !ok {
			r.logger.Info("節點加入", "peer", id)
		}
	}
	for id := range r.known {
		if _, ok := current[id]; !ok {
			r.logger.Info("節點離開", "peer", id)
		}
	}
	r.known = current
	r.metrics.ClusterPeers.Set(float64(len(peers)))
}

// Run 定期刷新，直到 ctx 結束
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("節點心跳寫入失敗", "error", err)
				continue
			}
			if _, err := r.Peers(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("讀取節點列表失敗", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Leave 刪除本節點的 key（正常關閉時）
func (r *Registry) Leave(ctx context.Context) error {
	_, err := r.kv.Release(ctx, r.key(r.id), r.id)
	return err
}
