package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 编排器指标
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	RunDuration   *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec

	AgentCostUSD  *prometheus.CounterVec
	AgentTurns    *prometheus.HistogramVec
	WaitAttempts  prometheus.Histogram
	OutputsStored *prometheus.CounterVec
}

// NewMetrics 创建指标并注册到 reg；reg 为 nil 时不注册（测试使用）
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "runs_total",
				Help:      "Total pipeline runs by flow type and result",
			},
			[]string{"flow_type", "result"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "runs_active",
				Help:      "Number of pipeline runs in progress",
			},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{60, 120, 300, 600, 900, 1200, 1800, 2700, 3600},
			},
			[]string{"flow_type"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "stage_duration_seconds",
				Help:      "Preparation stage duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		StageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "stage_failures_total",
				Help:      "Total stage failures",
			},
			[]string{"stage"},
		),
		AgentCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "cost_usd_total",
				Help:      "Accumulated agent cost in USD",
			},
			[]string{"flow_type"},
		),
		AgentTurns: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "turns",
				Help:      "Agent turns per run",
				Buckets:   []float64{10, 25, 50, 100, 150, 250, 500},
			},
			[]string{"flow_type"},
		),
		WaitAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "wait_attempts",
				Help:      "Wait attempts needed before the agent process finished",
				Buckets:   []float64{1, 2, 3, 5, 10, 30, 60, 120},
			},
		),
		OutputsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "outputs_stored_total",
				Help:      "Total output records stored by phase",
			},
			[]string{"flow_phase"},
		),
	}
}

// ObserveStage 记录阶段耗时，失败时累加失败计数
func (m *Metrics) ObserveStage(stage string, started time.Time, err error) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRun 记录一次运行的结果
func (m *Metrics) ObserveRun(flowType string, started time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	m.RunsTotal.WithLabelValues(flowType, result).Inc()
	m.RunDuration.WithLabelValues(flowType).Observe(time.Since(started).Seconds())
}
