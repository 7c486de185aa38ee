// Metrics for RxGo
// 订阅与主题的运行指标，默认空实现，可接入Prometheus
package rxgo

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 运行指标接口
type Metrics interface {
	// SubscriptionOpened Observer创建
	SubscriptionOpened()
	// SubscriptionClosed Observer完成释放
	SubscriptionClosed()
	// UnhandledError 错误被交给未处理接收器
	UnhandledError()
	// SubjectObserversChanged 主题观察者数量变化
	SubjectObserversChanged(delta int)
}

type nopMetrics struct{}

// NopMetrics 返回空实现
func NopMetrics() Metrics {
	return nopMetrics{}
}

func (nopMetrics) SubscriptionOpened()         {}
func (nopMetrics) SubscriptionClosed()         {}
func (nopMetrics) UnhandledError()             {}
func (nopMetrics) SubjectObserversChanged(int) {}

// ============================================================================
// Prometheus 实现
// ============================================================================

// PrometheusMetrics 基于Prometheus的指标
type PrometheusMetrics struct {
	opened           prometheus.Counter
	closed           prometheus.Counter
	active           prometheus.Gauge
	unhandled        prometheus.Counter
	subjectObservers prometheus.Gauge
}

// NewPrometheusMetrics 创建指标并注册到reg
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rxgo",
			Name:      "subscriptions_opened_total",
			Help:      "Number of observers created.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rxgo",
			Name:      "subscriptions_closed_total",
			Help:      "Number of observers torn down.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rxgo",
			Name:      "subscriptions_active",
			Help:      "Number of observers not yet torn down.",
		}),
		unhandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rxgo",
			Name:      "unhandled_errors_total",
			Help:      "Number of errors routed to the unhandled sink.",
		}),
		subjectObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rxgo",
			Name:      "subject_observers",
			Help:      "Number of observers registered on subjects.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.opened, m.closed, m.active, m.unhandled, m.subjectObservers} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("rxgo: register metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) SubscriptionOpened() {
	m.opened.Inc()
	m.active.Inc()
}

func (m *PrometheusMetrics) SubscriptionClosed() {
	m.closed.Inc()
	m.active.Dec()
}

func (m *PrometheusMetrics) UnhandledError() {
	m.unhandled.Inc()
}

func (m *PrometheusMetrics) SubjectObserversChanged(delta int) {
	m.subjectObservers.Add(float64(delta))
}
