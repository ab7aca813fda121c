// Package probe reports liveness and readiness over HTTP and the gRPC health protocol.
package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultCheckTimeout = 2 * time.Second

// Check returns nil when the dependency it covers is usable.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Checker runs named readiness checks.
type Checker struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker creates a Checker bounding every run by timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Checker{timeout: timeout}
}

// Add registers a readiness check.
func (c *Checker) Add(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Ready runs every check concurrently and returns the failures keyed by name.
func (c *Checker) Ready(ctx context.Context) (bool, map[string]string) {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]string)
	)
	for _, nc := range checks {
		wg.Add(1)
		go func(nc namedCheck) {
			defer wg.Done()
			if err := nc.check(ctx); err != nil {
				mu.Lock()
				failures[nc.name] = err.Error()
				mu.Unlock()
			}
		}(nc)
	}
	wg.Wait()
	return len(failures) == 0, failures
}

// LivenessHandler answers 200 whenever the process can serve HTTP.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadinessHandler answers 200 when every check passes, 503 otherwise.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, failures := c.Ready(r.Context())
		if !ok {
			log.Warn().Interface("failures", failures).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "checks": failures})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write health response")
	}
}
