package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager owns the registration and lifecycle of components.
type Manager struct {
	mu         sync.RWMutex
	components map[string]Component
	order      []string        // start order; stop runs in reverse
	started    map[string]bool // components whose Start succeeded
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		components: make(map[string]Component),
		started:    make(map[string]bool),
	}
}

// Register appends c to the start order.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if _, exists := m.components[name]; exists {
		log.Error().Str("component", name).Msg("attempted to register duplicate component")
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.components[name] = c
	m.order = append(m.order, name)
	log.Debug().Str("component", name).Msg("component registered")
	return nil
}

// MustRegister registers every component, panicking on a duplicate name.
func (m *Manager) MustRegister(cs ...Component) {
	for _, c := range cs {
		if err := m.Register(c); err != nil {
			panic(err)
		}
	}
}

func (m *Manager) get(name string) (Component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	return c, ok
}

// StartAll starts every component in order. If one fails, the components
// started before it are stopped in reverse order and the failure is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	started := make([]string, 0, len(order))
	for _, name := range order {
		c, ok := m.get(name)
		if !ok {
			continue
		}

		start := time.Now()
		if err := c.Start(ctx); err != nil {
			log.Error().Str("component", name).Dur("duration", time.Since(start)).Err(err).Msg("failed to start component")
			m.rollback(context.WithoutCancel(ctx), started)
			return fmt.Errorf("failed to start component %s: %w", name, err)
		}

		m.mu.Lock()
		m.started[name] = true
		m.mu.Unlock()
		started = append(started, name)
		log.Info().Str("component", name).Dur("duration", time.Since(start)).Msg("component started")
	}
	return nil
}

// StopAll stops every started component in reverse order, continuing past
// failures, and returns them joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := m.stop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop component %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		log.Warn().Int("error_count", len(errs)).Msg("shutdown completed with errors")
		return errors.Join(errs...)
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.stop(ctx, names[i]); err != nil {
			log.Error().Str("component", names[i]).Err(err).Msg("rollback stop failed")
		}
	}
}

func (m *Manager) stop(ctx context.Context, name string) error {
	m.mu.Lock()
	c, exists := m.components[name]
	wasStarted := m.started[name]
	delete(m.started, name)
	m.mu.Unlock()

	if !exists || !wasStarted {
		return nil
	}

	start := time.Now()
	if err := c.Stop(ctx); err != nil {
		log.Error().Str("component", name).Dur("duration", time.Since(start)).Err(err).Msg("failed to stop component")
		return err
	}
	log.Info().Str("component", name).Dur("duration", time.Since(start)).Msg("component stopped")
	return nil
}
