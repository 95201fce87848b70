// Package metrics 对比缓存服务的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationsTotal 生成任务结果计数
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keycompare",
			Subsystem: "cache",
			Name:      "generations_total",
			Help:      "Total number of comparison cache generations by result",
		},
		[]string{"result"},
	)

	// ScansStarted 实际发起的全量扫描次数（并发请求被合并后）
	ScansStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keycompare",
			Subsystem: "cache",
			Name:      "scans_started_total",
			Help:      "Total number of full source scans started",
		},
	)

	// GenerationDuration 生成耗时
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "keycompare",
			Subsystem: "cache",
			Name:      "generation_duration_seconds",
			Help:      "Duration of comparison cache generations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// RowsScanned 扫描的源数据行数
	RowsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keycompare",
			Subsystem: "cache",
			Name:      "rows_scanned_total",
			Help:      "Total number of source rows scanned by side",
		},
		[]string{"side"},
	)

	// GenerationsInFlight 进行中的生成任务
	GenerationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keycompare",
			Subsystem: "cache",
			Name:      "generations_in_flight",
			Help:      "Number of comparison cache generations currently running",
		},
	)

	// PageReads 分页读取计数
	PageReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keycompare",
			Subsystem: "reader",
			Name:      "page_reads_total",
			Help:      "Total number of windowed page reads by category and result",
		},
		[]string{"category", "result"},
	)

	// ExportedRows 导出的记录行数
	ExportedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keycompare",
			Subsystem: "export",
			Name:      "rows_total",
			Help:      "Total number of rows streamed by exports",
		},
		[]string{"category"},
	)
)
