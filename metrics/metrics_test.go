package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/sentinel/breaker"
)

func TestBreakerHook(t *testing.T) {
	m := New()
	hook := m.BreakerHook()

	hook("backend-service", breaker.StateClosed, breaker.StateOpen, false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("backend-service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("backend-service")))

	hook("backend-service", breaker.StateOpen, breaker.StateHalfOpen, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("backend-service")))

	hook("backend-service", breaker.StateHalfOpen, breaker.StateOpen, true)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("backend-service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("backend-service")), "remote openings are not counted")
}

func TestRegisterPressureAndHandler(t *testing.T) {
	m := New()
	m.RegisterPressure(func() float64 { return 0.25 }, func() float64 { return 0.5 }, func() float64 { return 2 })
	m.ObserveStore("check_limit")(3 * time.Millisecond)
	m.TenantRequests.WithLabelValues("FREE").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	for _, want := range []string{
		"sentinel_pressure_local 0.25",
		"sentinel_pressure_global 0.5",
		"sentinel_protection_mode 2",
		`sentinel_tenant_requests_total{plan="FREE"} 1`,
		`sentinel_redis_latency_seconds_count{operation="check_limit"} 1`,
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}
