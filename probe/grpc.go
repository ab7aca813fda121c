package probe

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultGRPCInterval = 5 * time.Second

// GRPCHealth publishes the Checker's verdict through the standard
// grpc.health.v1 service, for orchestrators that check health over gRPC.
type GRPCHealth struct {
	checker  *Checker
	server   *health.Server
	service  string
	interval time.Duration
	clock    clockwork.Clock
}

// NewGRPCHealth creates a health service reporting under both the empty
// (whole server) name and service.
func NewGRPCHealth(checker *Checker, service string, interval time.Duration, clock clockwork.Clock) *GRPCHealth {
	if interval <= 0 {
		interval = DefaultGRPCInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	g := &GRPCHealth{
		checker:  checker,
		server:   health.NewServer(),
		service:  service,
		interval: interval,
		clock:    clock,
	}
	g.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return g
}

// Register attaches the health service to s.
func (g *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.server)
}

// Server exposes the underlying health server.
func (g *GRPCHealth) Server() *health.Server { return g.server }

func (g *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	g.server.SetServingStatus("", status)
	if g.service != "" {
		g.server.SetServingStatus(g.service, status)
	}
}

// Update runs the checks once and publishes the result.
func (g *GRPCHealth) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if ok, failures := g.checker.Ready(ctx); !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		log.Debug().Interface("failures", failures).Msg("grpc health not serving")
	}
	g.set(status)
	return status
}

// Run refreshes the status every interval until ctx is done, then marks every
// service NOT_SERVING so clients drain before the listener closes.
func (g *GRPCHealth) Run(ctx context.Context) error {
	g.Update(ctx)
	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return nil
		case <-ticker.Chan():
			g.Update(ctx)
		}
	}
}
