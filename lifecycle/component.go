// Package lifecycle starts and stops the gateway's background components in a
// fixed order.
package lifecycle

import (
	"context"
	"fmt"
)

// Component is a long-lived part of the gateway with an explicit start and stop.
type Component interface {
	// Name returns the unique name used for registration, ordering and logs.
	Name() string

	// Start brings the component up. Long-running work must continue in its
	// own goroutine; Start returns once the component is usable.
	Start(ctx context.Context) error

	// Stop releases everything Start acquired. ctx bounds how long it may take.
	Stop(ctx context.Context) error
}

var ErrAlreadyRegistered = fmt.Errorf("component name is already registered")

type funcComponent struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// Func adapts a pair of functions to Component. Either may be nil.
func Func(name string, start, stop func(ctx context.Context) error) Component {
	return &funcComponent{name: name, start: start, stop: stop}
}

func (f *funcComponent) Name() string { return f.name }

func (f *funcComponent) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *funcComponent) Stop(ctx context.Context) error {
	if f.stop == nil {
		return nil
	}
	return f.stop(ctx)
}
