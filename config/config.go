// Package config loads the gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the full process configuration.
type Config struct {
	Port           int
	DownstreamURL  string
	RequestTimeout time.Duration

	LogLevel  string
	LogFormat string

	TenantHeader string
	PlanHeader   string

	BurstCapacity int
	RefillRate    float64
	TenantIdleTTL time.Duration

	StoreBackend string
	RedisURL     string

	Window        time.Duration
	BaseRateLimit int

	PodID              string
	PressureTTL        time.Duration
	MemoryCeiling      uint64 // bytes
	RequestRateCeiling int

	BreakerService         string
	BreakerFailures        int
	BreakerCooldown        time.Duration
	BreakerHalfOpenMaxReqs int

	SLOLatencyThreshold time.Duration
	HeavyEndpoints      []string

	GRPCHealthAddr string
}

// environment mirrors the variables as they appear in the process
// environment. Millisecond settings stay integers until Load converts them.
type environment struct {
	Port             int    `env:"PORT" envDefault:"3000"`
	DownstreamURL    string `env:"DOWNSTREAM_URL" envDefault:"http://localhost:8080"`
	RequestTimeoutMS int64  `env:"REQUEST_TIMEOUT_MS" envDefault:"30000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	TenantHeader string `env:"TENANT_HEADER" envDefault:"x-tenant-id"`
	PlanHeader   string `env:"PLAN_HEADER" envDefault:"x-tenant-plan"`

	BurstCapacity int           `env:"BURST_CAPACITY" envDefault:"20"`
	RefillRate    float64       `env:"REFILL_RATE" envDefault:"10"`
	TenantIdleTTL time.Duration `env:"TENANT_IDLE_TTL" envDefault:"15m"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"redis"`
	RedisURL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	WindowMS      int64 `env:"WINDOW_MS" envDefault:"60000"`
	BaseRateLimit int   `env:"BASE_RATE_LIMIT" envDefault:"100"`

	PodID              string        `env:"POD_ID"`
	PressureTTL        time.Duration `env:"PRESSURE_TTL" envDefault:"5s"`
	MemoryCeilingMB    int           `env:"MEMORY_CEILING_MB" envDefault:"512"`
	RequestRateCeiling int           `env:"REQUEST_RATE_CEILING" envDefault:"1000"`

	BreakerService         string `env:"BREAKER_SERVICE" envDefault:"backend-service"`
	BreakerFailures        int    `env:"BREAKER_CONSECUTIVE_FAILURES" envDefault:"10"`
	BreakerCooldownMS      int64  `env:"BREAKER_COOLDOWN_MS" envDefault:"30000"`
	BreakerHalfOpenMaxReqs int    `env:"BREAKER_HALF_OPEN_MAX_REQUESTS" envDefault:"5"`

	SLOLatencyThresholdMS int64    `env:"SLO_LATENCY_THRESHOLD" envDefault:"200"`
	HeavyEndpoints        []string `env:"HEAVY_ENDPOINTS" envDefault:"/analytics,/reports,/export" envSeparator:","`

	GRPCHealthAddr string `env:"GRPC_HEALTH_ADDR"`
}

var defaultHeavyEndpoints = []string{"/analytics", "/reports", "/export"}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var e environment
	if err := env.Parse(&e); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg := Config{
		Port:           e.Port,
		DownstreamURL:  e.DownstreamURL,
		RequestTimeout: millis(e.RequestTimeoutMS),

		LogLevel:  strings.ToLower(e.LogLevel),
		LogFormat: strings.ToLower(e.LogFormat),

		TenantHeader: strings.ToLower(e.TenantHeader),
		PlanHeader:   strings.ToLower(e.PlanHeader),

		BurstCapacity: e.BurstCapacity,
		RefillRate:    e.RefillRate,
		TenantIdleTTL: e.TenantIdleTTL,

		StoreBackend: strings.ToLower(e.StoreBackend),
		RedisURL:     e.RedisURL,

		Window:        millis(e.WindowMS),
		BaseRateLimit: e.BaseRateLimit,

		PodID:              e.PodID,
		PressureTTL:        e.PressureTTL,
		MemoryCeiling:      megabytes(e.MemoryCeilingMB),
		RequestRateCeiling: e.RequestRateCeiling,

		BreakerService:         e.BreakerService,
		BreakerFailures:        e.BreakerFailures,
		BreakerCooldown:        millis(e.BreakerCooldownMS),
		BreakerHalfOpenMaxReqs: e.BreakerHalfOpenMaxReqs,

		SLOLatencyThreshold: millis(e.SLOLatencyThresholdMS),
		HeavyEndpoints:      cleanList(e.HeavyEndpoints, defaultHeavyEndpoints),

		GRPCHealthAddr: e.GRPCHealthAddr,
	}
	if cfg.PodID == "" {
		cfg.PodID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns the first invalid setting.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	u, err := url.Parse(c.DownstreamURL)
	if err != nil {
		return fmt.Errorf("invalid DOWNSTREAM_URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("DOWNSTREAM_URL must be an absolute http(s) URL, got %q", c.DownstreamURL)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_MS must be > 0")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	if c.TenantHeader == "" || c.PlanHeader == "" {
		return errors.New("TENANT_HEADER and PLAN_HEADER must not be empty")
	}
	if c.BurstCapacity <= 0 {
		return errors.New("BURST_CAPACITY must be > 0")
	}
	if c.RefillRate <= 0 {
		return errors.New("REFILL_RATE must be > 0")
	}
	if c.TenantIdleTTL <= 0 {
		return errors.New("TENANT_IDLE_TTL must be > 0")
	}
	switch c.StoreBackend {
	case BackendRedis:
		if _, err := url.Parse(c.RedisURL); err != nil || c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be redis or memory, got %q", c.StoreBackend)
	}
	if c.Window < time.Millisecond {
		return errors.New("WINDOW_MS must be > 0")
	}
	if c.BaseRateLimit <= 0 {
		return errors.New("BASE_RATE_LIMIT must be > 0")
	}
	if c.PressureTTL < time.Second {
		return errors.New("PRESSURE_TTL must be at least 1s")
	}
	if c.MemoryCeiling == 0 {
		return errors.New("MEMORY_CEILING_MB must be > 0")
	}
	if c.RequestRateCeiling <= 0 {
		return errors.New("REQUEST_RATE_CEILING must be > 0")
	}
	if c.BreakerService == "" {
		return errors.New("BREAKER_SERVICE must not be empty")
	}
	if c.BreakerFailures <= 0 {
		return errors.New("BREAKER_CONSECUTIVE_FAILURES must be > 0")
	}
	if c.BreakerCooldown <= 0 {
		return errors.New("BREAKER_COOLDOWN_MS must be > 0")
	}
	if c.BreakerHalfOpenMaxReqs <= 0 {
		return errors.New("BREAKER_HALF_OPEN_MAX_REQUESTS must be > 0")
	}
	if c.SLOLatencyThreshold <= 0 {
		return errors.New("SLO_LATENCY_THRESHOLD must be > 0")
	}
	return nil
}

// ListenAddr is the HTTP listen address.
func (c Config) ListenAddr() string { return ":" + strconv.Itoa(c.Port) }

func megabytes(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 20
}

func millis(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

// cleanList trims entries and drops empty ones, falling back to def when
// nothing is left.
func cleanList(in, def []string) []string {
	var out []string
	for _, part := range in {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), def...)
	}
	return out
}
