package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/broadcast-fabric/internal/fabric"
	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
)

// ReportJob cluster-report 任務名稱
const ReportJob = "cluster-report"

// NamespaceSource 提供要統計的命名空間
type NamespaceSource interface {
	Namespaces() []*fabric.Namespace
}

// ClusterReport 統計每個命名空間在整個叢集的連線數
//
// 經由 FetchConnections 走 scatter-gather，回覆不完整時數字偏低。
func ClusterReport(source NamespaceSource, logger *slog.Logger, m *metrics.Registry) Job {
	return func(ctx context.Context) error {
		var failed []string
		for _, ns := range source.Namespaces() {
			ids, err := ns.FetchConnections(ctx, fabric.FetchOptions{})
			if err != nil {
				failed = append(failed, ns.Name())
				logger.Warn("統計連線失敗", "namespace", ns.Name(), "error", err)
				continue
			}
			m.ClusterConnections.WithLabelValues(ns.Name()).Set(float64(len(ids)))
			logger.Info("叢集連線統計", "namespace", ns.Name(), "connections", len(ids), "local", ns.Len())
		}
		if len(failed) > 0 {
			return fmt.Errorf("fetch connections failed for %v", failed)
		}
		return nil
	}
}
