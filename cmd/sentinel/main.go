// Command sentinel runs the admission-control gateway in front of one backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/toolink/sentinel/breaker"
	"github.com/toolink/sentinel/config"
	"github.com/toolink/sentinel/gateway"
	"github.com/toolink/sentinel/kv"
	"github.com/toolink/sentinel/lifecycle"
	"github.com/toolink/sentinel/limiter"
	"github.com/toolink/sentinel/metrics"
	"github.com/toolink/sentinel/pressure"
	"github.com/toolink/sentinel/priority"
	"github.com/toolink/sentinel/probe"
	"github.com/toolink/sentinel/pubsub"
)

const (
	janitorInterval = time.Minute
	shutdownTimeout = 10 * time.Second
	pingTimeout     = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("sentinel exited with error")
	}
	log.Info().Msg("sentinel stopped")
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().
		Str("service", "sentinel").
		Str("instance", cfg.PodID).
		Logger()
}

// backends are the coordination store handles shared by every component.
type backends struct {
	windows    limiter.WindowStore
	store      kv.Store
	broker     *pubsub.Broker
	ping       probe.Check
	subscribed probe.Check         // fails while the breaker channel has no live subscription
	sweep      func(now time.Time) // expires memory-backed keys, nil for redis
	close      func(ctx context.Context) error
}

var errNotSubscribed = errors.New("breaker state subscription is not attached")

func subscriptionCheck(b *pubsub.Broker) probe.Check {
	return func(context.Context) error {
		if !b.Attached() {
			return errNotSubscribed
		}
		return nil
	}
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	if cfg.StoreBackend == config.BackendMemory {
		log.Warn().Msg("using in-memory store backend, limits and breaker state are not shared between instances")
		windows := limiter.NewMemoryWindowStore()
		store := kv.NewMemoryStore(nil)
		broker := pubsub.New()
		return &backends{
			windows:    windows,
			store:      store,
			broker:     broker,
			ping:       store.Ping,
			subscribed: subscriptionCheck(broker),
			sweep: func(now time.Time) {
				windows.Sweep(now)
				store.Sweep()
			},
			close: func(context.Context) error { return nil },
		}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// not fatal: the limiter fails closed and readiness reports the outage
		log.Error().Err(err).Str("addr", opts.Addr).Msg("redis unreachable at startup")
	}

	windows := limiter.NewRedisWindowStore(client)
	if err := windows.Load(pingCtx); err != nil {
		log.Warn().Err(err).Msg("failed to preload sliding window script")
	}
	store := kv.NewRedisStore(client)
	broker := pubsub.New(pubsub.WithRedisClient(client))
	return &backends{
		windows:    windows,
		store:      store,
		broker:     broker,
		ping:       store.Ping,
		subscribed: subscriptionCheck(broker),
		close:      func(context.Context) error { return client.Close() },
	}, nil
}

func run(ctx context.Context, cfg config.Config) error {
	downstream, err := url.Parse(cfg.DownstreamURL)
	if err != nil {
		return fmt.Errorf("parse DOWNSTREAM_URL: %w", err)
	}

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	bucket := limiter.NewTokenBucket(cfg.BurstCapacity, cfg.RefillRate, limiter.WithIdleTTL(cfg.TenantIdleTTL))
	distributed := limiter.NewDistributedLimiter(be.windows,
		limiter.WithWindow(cfg.Window),
		limiter.WithBaseLimit(cfg.BaseRateLimit),
		limiter.WithLatencyObserver(m.ObserveStore("check_limit")),
	)

	monitor := pressure.NewMonitor(
		pressure.WithMemoryCeiling(cfg.MemoryCeiling),
		pressure.WithRequestRateCeiling(float64(cfg.RequestRateCeiling)),
	)
	registry, err := pressure.NewRegistry(be.store, pressure.WithPodID(cfg.PodID), pressure.WithTTL(cfg.PressureTTL))
	if err != nil {
		return err
	}
	aggregator := pressure.NewAggregator(monitor, registry)
	policy := pressure.NewPolicy(aggregator)
	scheduler := priority.NewScheduler(policy, nil)

	brk := breaker.New(breaker.Config{
		FailureThreshold:    cfg.BreakerFailures,
		Cooldown:            cfg.BreakerCooldown,
		HalfOpenMaxRequests: cfg.BreakerHalfOpenMaxReqs,
	},
		breaker.WithBroker(be.broker),
		breaker.WithSnapshotStore(be.store),
		breaker.WithTransitionHook(m.BreakerHook()),
	)

	m.RegisterPressure(monitor.Pressure, aggregator.Global, func() float64 { return float64(policy.Current()) })

	checker := probe.NewChecker(probe.DefaultCheckTimeout)
	checker.Add("store", be.ping)
	checker.Add("breaker-subscription", be.subscribed)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 100

	pipeline, err := gateway.New(gateway.Options{
		Downstream:     downstream,
		Timeout:        cfg.RequestTimeout,
		TenantHeader:   cfg.TenantHeader,
		PlanHeader:     cfg.PlanHeader,
		Service:        cfg.BreakerService,
		HeavyEndpoints: cfg.HeavyEndpoints,
	}, gateway.Deps{
		Bucket:    bucket,
		Limiter:   distributed,
		Scheduler: scheduler,
		Breaker:   brk,
		Load:      monitor,
		Global:    aggregator,
		Modes:     policy,
		Metrics:   m,
		Transport: transport,
	})
	if err != nil {
		return err
	}

	manager := lifecycle.NewManager()
	manager.MustRegister(
		lifecycle.Func("store", nil, be.close),
		lifecycle.Func("broker", nil, func(context.Context) error { return be.broker.Close() }),
		lifecycle.Func("pressure-registry", nil, registry.Deregister),
		lifecycle.NewLoop("pressure-monitor", monitor.Run),
		lifecycle.NewLoop("pressure-aggregator", aggregator.Run),
		brk,
		lifecycle.Every("janitor", janitorInterval, nil, func(context.Context) {
			buckets := bucket.Sweep()
			breakers := brk.Sweep(cfg.TenantIdleTTL)
			if be.sweep != nil {
				be.sweep(time.Now())
			}
			log.Debug().Int("buckets", buckets).Int("breakers", breakers).Msg("evicted idle tenant state")
		}),
	)

	var (
		grpcServer *grpc.Server
		grpcLis    net.Listener
	)
	if cfg.GRPCHealthAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("listen grpc health on %s: %w", cfg.GRPCHealthAddr, err)
		}
		health := probe.NewGRPCHealth(checker, "sentinel", probe.DefaultGRPCInterval, nil)
		grpcServer = grpc.NewServer()
		health.Register(grpcServer)
		manager.MustRegister(lifecycle.NewLoop("grpc-health", health.Run))
	}

	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           gateway.NewRouter(pipeline, checker, cfg.SLOLatencyThreshold),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("downstream", downstream.String()).
			Str("store", cfg.StoreBackend).Msg("sentinel listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			log.Info().Str("addr", grpcLis.Addr().String()).Msg("grpc health listening")
			if err := grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})
	serveErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, manager.StopAll(stopCtx))
}
