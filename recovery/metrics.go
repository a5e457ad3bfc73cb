package recovery

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

const (
	actionCommit   = "commit"
	actionRollback = "rollback"
)

// Metrics 恢复任务的监控指标, nil 时所有方法都不做任何事
type Metrics struct {
	recovered *prometheus.CounterVec
	failed    *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	sweeps    *prometheus.CounterVec
}

// NewMetrics 创建并注册监控指标
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: "recovery",
			Name:      "recovered_total",
			Help:      "Transactions driven to completion by the recovery sweep.",
		}, []string{"type", "action"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: "recovery",
			Name:      "failed_total",
			Help:      "Recovery attempts that failed and were left for the next sweep.",
		}, []string{"type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: "recovery",
			Name:      "optimistic_lock_conflicts_total",
			Help:      "Recovery attempts that lost an optimistic version check.",
		}, []string{"type"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: "recovery",
			Name:      "max_retry_skipped_total",
			Help:      "Transactions skipped because their retried count exceeds the limit.",
		}, []string{"type"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcc",
			Subsystem: "recovery",
			Name:      "sweeps_total",
			Help:      "Recovery sweeps by outcome.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.recovered, m.failed, m.conflicts, m.skipped, m.sweeps} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incRecovered(t txmanager.TransactionType, action string) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues(t.String(), action).Inc()
}

func (m *Metrics) incFailed(t txmanager.TransactionType) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) incConflict(t txmanager.TransactionType) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) incSkipped(t txmanager.TransactionType) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) incSweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}
