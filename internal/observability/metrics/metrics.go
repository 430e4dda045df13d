package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monios"

// Metrics 汇总控制面的全部指标。所有方法对 nil 接收者安全，组件可以不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionConnects  *prometheus.CounterVec
	sessionEvictions *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	sandboxes        *prometheus.GaugeVec
	provisions       *prometheus.CounterVec
	artifactVersion  *prometheus.GaugeVec
	ledgerWrites     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New 创建一组独立注册的指标，同时带上 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active",
			Help: "Live agent runtime connections.",
		}),
		sessionConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "connects_total",
			Help: "Runtime connection attempts by result.",
		}, []string{"result"}),
		sessionEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "evictions_total",
			Help: "Sessions evicted by reason.",
		}, []string{"reason"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "messages_total",
			Help: "Handled messages by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "message_duration_seconds",
			Help:    "End to end message handling latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		sandboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "handles",
			Help: "Sandbox handles by status.",
		}, []string{"status"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "provisions_total",
			Help: "Sandbox provisioning attempts by result.",
		}, []string{"result"}),
		artifactVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "artifact_info",
			Help: "Currently committed code artifact.",
		}, []string{"version"}),
		ledgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "continuity", Name: "writes_total",
			Help: "Continuity ledger writes by operation and result.",
		}, []string{"op", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by handler, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive, m.sessionConnects, m.sessionEvictions,
		m.dispatches, m.dispatchDuration,
		m.sandboxes, m.provisions, m.artifactVersion,
		m.ledgerWrites,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry 返回底层注册表，便于测试直接读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 的处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SetActiveSessions 记录当前活动会话数。
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// ObserveConnect 记录一次连接尝试。
func (m *Metrics) ObserveConnect(err error) {
	if m == nil {
		return
	}
	m.sessionConnects.WithLabelValues(result(err)).Inc()
}

// ObserveEviction 记录会话被驱逐的原因，例如 clear 或 dispatch_failure。
func (m *Metrics) ObserveEviction(reason string) {
	if m == nil {
		return
	}
	m.sessionEvictions.WithLabelValues(reason).Inc()
}

// ObserveMessage 记录一次消息处理的结果与耗时。
func (m *Metrics) ObserveMessage(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(duration.Seconds())
}

// SetSandboxes 以状态为维度刷新沙箱数量。
func (m *Metrics) SetSandboxes(byStatus map[string]int, statuses ...string) {
	if m == nil {
		return
	}
	for _, status := range statuses {
		m.sandboxes.WithLabelValues(status).Set(float64(byStatus[status]))
	}
}

// ObserveProvision 记录一次沙箱创建。
func (m *Metrics) ObserveProvision(err error) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(result(err)).Inc()
}

// SetArtifactVersion 标记当前提交的代码产物版本。
func (m *Metrics) SetArtifactVersion(version string) {
	if m == nil {
		return
	}
	m.artifactVersion.Reset()
	m.artifactVersion.WithLabelValues(version).Set(1)
}

// ObserveLedgerWrite 记录账本写入。
func (m *Metrics) ObserveLedgerWrite(op string, err error) {
	if m == nil {
		return
	}
	m.ledgerWrites.WithLabelValues(op, result(err)).Inc()
}

// ObserveHTTPRequest 记录 HTTP 请求的生命周期。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}
