package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.AdminLogin("success")
	m.AdminLogin("invalid_credentials")
	m.AdminLogin("success")
	m.TokenExchange("invalid_grant")
	m.ToolCall("get_workflows", "ok")
	m.RPCRequest("tools/call")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.adminLogins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adminLogins.WithLabelValues("invalid_credentials")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenExchanges.WithLabelValues("invalid_grant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("get_workflows", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("tools/call")))
}

func TestMetrics_StreamGauge(t *testing.T) {
	m := New()

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeStreams))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.AdminLogin("success")
		m.TokenExchange("success")
		m.ToolCall("x", "ok")
		m.RPCRequest("ping")
		m.StreamOpened()
		m.StreamClosed()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler_Exposition(t *testing.T) {
	m := New()
	m.ToolCall("get_workflow", "error")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `n8n_gateway_tool_calls_total{result="error",tool="get_workflow"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
