package gateway

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/sentinel/meta"
	"github.com/toolink/sentinel/metrics"
	"github.com/toolink/sentinel/probe"
)

const (
	DefaultSLOLatency = 200 * time.Millisecond

	// logged and counted when the client left before a response was written
	statusClientClosedRequest = 499
)

// NewRouter serves the health and metrics routes and sends every other path
// through the pipeline.
func NewRouter(p *Pipeline, checker *probe.Checker, sloLatency time.Duration) http.Handler {
	if sloLatency <= 0 {
		sloLatency = DefaultSLOLatency
	}

	mux := http.NewServeMux()
	mux.Handle("/health", checker.LivenessHandler())
	mux.Handle("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", p.deps.Metrics.Handler())
	mux.Handle("/", p)

	var h http.Handler = mux
	h = recoverer(h)
	h = instrument(p.deps.Metrics, sloLatency)(h)
	h = withRequestContext(h)
	return h
}

// withRequestContext attaches request metadata and echoes the correlation id.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		md := meta.New(uuid.NewString(), r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, md.Fields().CorrelationID)
		next.ServeHTTP(w, r.WithContext(md.WithContext(r.Context())))
	})
}

// instrument records the HTTP metrics, SLO violations and the access log line.
func instrument(m *metrics.Metrics, sloLatency time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.ActiveRequests.Inc()
			defer m.ActiveRequests.Dec()

			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				// http.ErrAbortHandler from the proxy still gets its line and counters
				v := recover()
				record(m, sloLatency, rec, r, time.Since(start), v != nil)
				if v != nil {
					panic(v)
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func record(m *metrics.Metrics, sloLatency time.Duration, rec *statusRecorder, r *http.Request, elapsed time.Duration, aborted bool) {
	status := rec.status
	if status == 0 {
		switch {
		case r.Context().Err() != nil:
			status = statusClientClosedRequest
		case aborted:
			status = http.StatusInternalServerError
		default:
			status = http.StatusOK
		}
	}
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(status)
	fields := meta.FromContext(r.Context()).Fields()

	m.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
	m.HTTPDuration.WithLabelValues(r.Method, route, code, fields.Plan).Observe(elapsed.Seconds())
	if status >= http.StatusInternalServerError {
		m.HTTPErrors.WithLabelValues(r.Method, route, code).Inc()
		m.SLOErrorViolations.WithLabelValues(r.Method, route).Inc()
	}
	if elapsed > sloLatency {
		m.SLOLatencyViolations.WithLabelValues(r.Method, route).Inc()
	}

	var ev *zerolog.Event
	switch route {
	case "/health", "/ready", "/metrics":
		ev = log.Debug()
	default:
		ev = log.Info()
	}
	if aborted {
		ev = ev.Bool("aborted", true)
	}
	ev.Str("method", r.Method).
		Str("url", r.URL.RequestURI()).
		EmbedObject(fields).
		Int("status", status).
		Dur("duration", elapsed).
		Msg("request completed")
}

// recoverer turns a handler panic into a 500. http.ErrAbortHandler is passed
// through so the server can drop the connection.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(v)
			}
			log.Error().Interface("panic", v).Bytes("stack", debug.Stack()).
				Str("request_id", meta.FromContext(r.Context()).Fields().RequestID).
				Msg("unhandled error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_server_error"})
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 && code >= http.StatusOK {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	_ = http.NewResponseController(s.ResponseWriter).Flush()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
