package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POD_ID", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "http://localhost:8080", cfg.DownstreamURL)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "x-tenant-id", cfg.TenantHeader)
	assert.Equal(t, "x-tenant-plan", cfg.PlanHeader)
	assert.Equal(t, 20, cfg.BurstCapacity)
	assert.InDelta(t, 10, cfg.RefillRate, 1e-9)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, 100, cfg.BaseRateLimit)
	assert.Equal(t, 5*time.Second, cfg.PressureTTL)
	assert.EqualValues(t, 512<<20, cfg.MemoryCeiling)
	assert.Equal(t, "backend-service", cfg.BreakerService)
	assert.Equal(t, 10, cfg.BreakerFailures)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 5, cfg.BreakerHalfOpenMaxReqs)
	assert.Equal(t, 200*time.Millisecond, cfg.SLOLatencyThreshold)
	assert.Equal(t, []string{"/analytics", "/reports", "/export"}, cfg.HeavyEndpoints)
	assert.NotEmpty(t, cfg.PodID)
	assert.Empty(t, cfg.GRPCHealthAddr)
	assert.Equal(t, ":3000", cfg.ListenAddr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("REQUEST_TIMEOUT_MS", "1500")
	t.Setenv("TENANT_HEADER", "X-Customer")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("POD_ID", "pod-a")
	t.Setenv("TENANT_IDLE_TTL", "2m")
	t.Setenv("HEAVY_ENDPOINTS", " /a , ,/b ")
	t.Setenv("BREAKER_COOLDOWN_MS", "250")
	t.Setenv("MEMORY_CEILING_MB", "64")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, 1500*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, "x-customer", cfg.TenantHeader)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, "pod-a", cfg.PodID)
	assert.Equal(t, 2*time.Minute, cfg.TenantIdleTTL)
	assert.Equal(t, []string{"/a", "/b"}, cfg.HeavyEndpoints)
	assert.Equal(t, 250*time.Millisecond, cfg.BreakerCooldown)
	assert.EqualValues(t, 64<<20, cfg.MemoryCeiling)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"BURST_CAPACITY", "lots"},
		{"REQUEST_TIMEOUT_MS", "30s"},
		{"REFILL_RATE", "fast"},
		{"PRESSURE_TTL", "5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "parse environment")
		})
	}
}

func TestLoadEmptyEndpointListKeepsDefaults(t *testing.T) {
	t.Setenv("HEAVY_ENDPOINTS", " , ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"/analytics", "/reports", "/export"}, cfg.HeavyEndpoints)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		errMsg string
	}{
		{"port out of range", "PORT", "70000", "PORT"},
		{"relative downstream", "DOWNSTREAM_URL", "/backend", "DOWNSTREAM_URL"},
		{"zero timeout", "REQUEST_TIMEOUT_MS", "0", "REQUEST_TIMEOUT_MS"},
		{"bad log format", "LOG_FORMAT", "xml", "LOG_FORMAT"},
		{"negative burst", "BURST_CAPACITY", "-1", "BURST_CAPACITY"},
		{"unknown backend", "STORE_BACKEND", "etcd", "STORE_BACKEND"},
		{"short pressure ttl", "PRESSURE_TTL", "100ms", "PRESSURE_TTL"},
		{"zero breaker threshold", "BREAKER_CONSECUTIVE_FAILURES", "0", "BREAKER_CONSECUTIVE_FAILURES"},
		{"zero half-open budget", "BREAKER_HALF_OPEN_MAX_REQUESTS", "0", "BREAKER_HALF_OPEN_MAX_REQUESTS"},
		{"negative memory ceiling", "MEMORY_CEILING_MB", "-5", "MEMORY_CEILING_MB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
