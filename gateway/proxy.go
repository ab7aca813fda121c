package gateway

import (
	"context"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/sentinel/meta"
)

const requestIDHeader = "X-Request-Id"

var errUpstreamTimeout = errors.New("upstream timeout")

// stripped from every backend response before it reaches the client
var strippedResponseHeaders = []string{"Transfer-Encoding", "Content-Encoding", "Connection", requestIDHeader}

func (p *Pipeline) newProxy() *httputil.ReverseProxy {
	target := p.opts.Downstream
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// the transport negotiates compression itself and hands back a plain body
			pr.Out.Header.Del("Accept-Encoding")
			if id := meta.FromContext(pr.In.Context()).Fields().CorrelationID; id != "" {
				pr.Out.Header.Set(requestIDHeader, id)
			}
		},
		Transport:      p.deps.Transport,
		FlushInterval:  -1,
		ModifyResponse: p.onResponse,
		ErrorHandler:   p.onError,
		ErrorLog:       stdlog.New(log.Logger.With().Str("component", "proxy").Logger(), "", 0),
	}
}

type upstreamTimerKey struct{}

// forward sends r to the backend. The configured timeout bounds the wait for
// response headers only; once they arrive the body streams for as long as it
// takes. The call is abandoned as soon as the client goes away.
func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	timer := time.AfterFunc(p.opts.Timeout, func() { cancel(errUpstreamTimeout) })
	defer timer.Stop()
	ctx = context.WithValue(ctx, upstreamTimerKey{}, timer)

	log.Debug().Str("request_id", meta.FromContext(ctx).Fields().RequestID).Str("method", r.Method).
		Str("url", r.URL.RequestURI()).Str("downstream", p.opts.Downstream.String()).Msg("proxying request")
	p.deps.Metrics.RequestForwarded.WithLabelValues(r.Method, p.opts.Downstream.String()).Inc()

	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (p *Pipeline) onResponse(resp *http.Response) error {
	if timer, ok := resp.Request.Context().Value(upstreamTimerKey{}).(*time.Timer); ok && !timer.Stop() {
		// fired while the headers were in flight; onError answers with a 504
		return errUpstreamTimeout
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		p.deps.Breaker.RecordFailure(p.opts.Service)
		p.deps.Load.ReportError()
	} else {
		p.deps.Breaker.RecordSuccess(p.opts.Service)
	}
	for _, h := range strippedResponseHeaders {
		resp.Header.Del(h)
	}
	return nil
}

func (p *Pipeline) onError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	md := meta.FromContext(ctx)
	requestID := md.Fields().RequestID

	switch {
	case errors.Is(context.Cause(ctx), errUpstreamTimeout) || isTimeout(err):
		log.Error().Err(err).Str("request_id", requestID).Dur("timeout", p.opts.Timeout).Msg("upstream timeout")
		p.deps.Metrics.RequestTimeout.WithLabelValues(r.Method).Inc()
		p.deps.Breaker.RecordFailure(p.opts.Service)
		p.deps.Load.ReportError()
		md.SetReason("upstream_timeout")
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "upstream_timeout"})

	case ctx.Err() != nil:
		// the client is gone: nothing to answer and nothing to blame on the backend
		log.Info().Str("request_id", requestID).Msg("client disconnected, aborting upstream request")
		md.SetReason("client_disconnect")

	default:
		log.Error().Err(err).Str("request_id", requestID).Msg("proxy error")
		p.deps.Load.ReportError()
		p.deps.Breaker.RecordFailure(p.opts.Service)
		md.SetReason("bad_gateway")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad_gateway"})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout() && !errors.Is(err, context.Canceled)
}
