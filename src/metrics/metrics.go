// Package metrics 暴露迁移协调器的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docmigrate"

var (
	// MigrationsTotal 迁移结果计数，result 为 ok / error
	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "migrations_total",
		Help:      "Total number of migration runs by result.",
	}, []string{"schema_id", "result"})

	// BootstrapsTotal 首次引导计数
	BootstrapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bootstraps_total",
		Help:      "Total number of schema bootstraps.",
	}, []string{"schema_id"})

	// ScriptDurationSeconds 单个迁移脚本执行耗时
	ScriptDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "script_duration_seconds",
		Help:      "Duration of individual migration scripts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"schema_id"})

	// LockWaitSeconds 等待咨询锁释放的耗时
	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the advisory schema lock to clear.",
		Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"schema_id"})
)

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
