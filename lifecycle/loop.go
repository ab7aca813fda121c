package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Loop runs a blocking function in the background between Start and Stop.
type Loop struct {
	name string
	run  func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewLoop wraps run, which must return once its context is cancelled.
func NewLoop(name string, run func(ctx context.Context) error) *Loop {
	return &Loop{name: name, run: run}
}

// Every returns a Loop calling fn once per interval.
func Every(name string, interval time.Duration, clock clockwork.Clock, fn func(ctx context.Context)) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return NewLoop(name, func(ctx context.Context) error {
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				fn(ctx)
			}
		}
	})
}

func (l *Loop) Name() string { return l.name }

// Start launches the loop. The loop outlives ctx and runs until Stop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return errors.New("loop already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := l.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Str("component", l.name).Err(err).Msg("background loop exited")
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
		}
	}(l.done)
	return nil
}

// Stop cancels the loop and waits for it to return or for ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel, l.done = nil, nil
	err := l.err
	l.err = nil
	return err
}

var _ Component = (*Loop)(nil)
