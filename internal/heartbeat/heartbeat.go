// Package heartbeat 定期清除半開連線
//
// 傳輸層的逾時只能發現「寫不出去」的連線；
// 對方消失但 TCP 還沒斷（行動網路切換、NAT 逾時）的連線要靠應用層探測。
//
// 每一輪：
//
//	上一輪探測後沒有回應（alive == false） → 強制終止
//	否則 → alive = false 並送出 ping，等 pong 把它改回 true
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
)

// DefaultInterval 預設掃描間隔
const DefaultInterval = 30 * time.Second

// Source 提供要掃描的命名空間
type Source interface {
	Namespaces() []*fabric.Namespace
}

// SourceFunc 函數形式的 Source
type SourceFunc func() []*fabric.Namespace

// Namespaces 實作 Source
func (f SourceFunc) Namespaces() []*fabric.Namespace {
	return f()
}

// Result 一輪掃描的結果
type Result struct {
	Probed     int
	Terminated int
}

// Monitor 心跳監控
type Monitor struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Registry
}

// New 建立監控
func New(source Source, interval time.Duration, logger *slog.Logger, m *metrics.Registry) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.New()
	}
	return &Monitor{
		source:   source,
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
}

// Run 定期掃描，直到 ctx 結束
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("心跳監控已啟動", "interval", m.interval)
	for {
		select {
		case <-ticker.C:
			res := m.Sweep()
			if res.Terminated > 0 {
				m.logger.Info("已清除無回應的連線", "terminated", res.Terminated, "probed", res.Probed)
			}
		case <-ctx.Done():
			m.logger.Info("心跳監控已停止")
			return
		}
	}
}

// Sweep 掃描一輪
func (m *Monitor) Sweep() Result {
	var res Result
	for _, ns := range m.source.Namespaces() {
		for _, c := range ns.Connections() {
			if !c.Alive() {
				c.Terminate()
				res.Terminated++
				m.metrics.HeartbeatTerminated.Inc()
				continue
			}
			if err := c.Probe(); err != nil {
				m.logger.Debug("送出探測失敗", "namespace", ns.Name(), "conn_id", c.ID(), "error", err)
			}
			res.Probed++
		}
	}
	return res
}
