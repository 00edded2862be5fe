// Package metrics holds the gateway's Prometheus instruments. All
// methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "n8n_gateway"

// Metrics is the set of gateway instruments and their registry.
type Metrics struct {
	registry       *prometheus.Registry
	adminLogins    *prometheus.CounterVec
	tokenExchanges *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	rpcRequests    *prometheus.CounterVec
	activeStreams  prometheus.Gauge
}

// New creates the instruments on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		adminLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_logins_total",
			Help:      "Operator login attempts by result.",
		}, []string{"result"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "Authorization code exchanges by result.",
		}, []string{"result"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and result.",
		}, []string{"tool", "result"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC messages by method.",
		}, []string{"method"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open server-sent event streams.",
		}),
	}

	reg.MustRegister(m.adminLogins, m.tokenExchanges, m.toolCalls, m.rpcRequests, m.activeStreams)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func (m *Metrics) AdminLogin(result string) {
	if m == nil {
		return
	}

	m.adminLogins.WithLabelValues(result).Inc()
}

func (m *Metrics) TokenExchange(result string) {
	if m == nil {
		return
	}

	m.tokenExchanges.WithLabelValues(result).Inc()
}

func (m *Metrics) ToolCall(tool, result string) {
	if m == nil {
		return
	}

	m.toolCalls.WithLabelValues(tool, result).Inc()
}

// RPCRequest counts one message. Callers pass only known method names
// so the label set stays bounded.
func (m *Metrics) RPCRequest(method string) {
	if m == nil {
		return
	}

	m.rpcRequests.WithLabelValues(method).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}

	m.activeStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}

	m.activeStreams.Dec()
}
