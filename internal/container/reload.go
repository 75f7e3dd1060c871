package container

import (
	"context"
	"errors"
	"fmt"
)

// Reload re-runs a service's factory and replaces its state, then reloads
// every initialized reactive dependent in dependency order. A service that
// was never initialized is simply initialized. When the factory fails the
// previous state is kept and the error is returned; the previous state is
// dropped without running Cleanup when the factory succeeds.
func (c *Container) Reload(ctx context.Context, name string) error {
	c.mu.Lock()
	svc, ok := c.services[name]
	c.mu.Unlock()
	if !ok {
		return &ServiceError{Service: name, Err: ErrNotRegistered}
	}

	if !c.IsReady(name) {
		_, err := c.Get(ctx, name)
		return err
	}

	if err := c.reloadOne(ctx, svc); err != nil {
		return err
	}

	var errs []error
	for _, dep := range c.reactiveDependents(name) {
		c.mu.Lock()
		dsvc := c.services[dep]
		ready := dsvc.status == StatusInitialized
		c.mu.Unlock()
		if !ready {
			continue
		}
		if err := c.reloadOne(ctx, dsvc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) reloadOne(ctx context.Context, svc *service) error {
	svc.reloadMu.Lock()
	defer svc.reloadMu.Unlock()

	name := svc.desc.Name
	state, err := c.build(ctx, svc)
	if err != nil {
		c.log.Error().Err(err).Str("service", name).Msg("Service reload failed")
		c.emit(ServiceEvent{Service: name, Type: EventError, Err: err})
		return err
	}

	c.mu.Lock()
	svc.state = state
	svc.status = StatusInitialized
	svc.err = nil
	c.mu.Unlock()

	c.log.Debug().Str("service", name).Msg("Service reloaded")
	c.emit(ServiceEvent{Service: name, Type: EventStateChanged, State: state})
	return nil
}

// reactiveDependents returns the services that must be reloaded after name,
// in dependency order. Propagation follows reactive services only: a
// non-reactive dependent keeps its state, so nothing behind it changes.
func (c *Container) reactiveDependents(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	affected := map[string]bool{name: true}
	changed := true
	for changed {
		changed = false
		for _, svcName := range c.order {
			if affected[svcName] {
				continue
			}
			svc := c.services[svcName]
			if !svc.desc.Reactive {
				continue
			}
			for _, dep := range svc.desc.Dependencies {
				if affected[dep] {
					affected[svcName] = true
					changed = true
					break
				}
			}
		}
	}

	var out []string
	for _, svcName := range c.topoOrderLocked() {
		if svcName != name && affected[svcName] {
			out = append(out, svcName)
		}
	}
	return out
}

// topoOrderLocked returns every registered service with dependencies before
// dependents, ties broken by registration order.
func (c *Container) topoOrderLocked() []string {
	visited := make(map[string]bool, len(c.order))
	out := make([]string, 0, len(c.order))

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		svc, ok := c.services[name]
		if !ok {
			return
		}
		visited[name] = true
		for _, dep := range svc.desc.Dependencies {
			visit(dep)
		}
		out = append(out, name)
	}
	for _, name := range c.order {
		visit(name)
	}
	return out
}

// Cleanup runs the Cleanup function of every initialized service, dependents
// before their dependencies, and resets them to registered. All cleanup
// errors are returned.
func (c *Container) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	order := c.topoOrderLocked()
	c.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]

		c.mu.Lock()
		svc := c.services[name]
		if svc.status != StatusInitialized {
			c.mu.Unlock()
			continue
		}
		state := svc.state
		svc.state = nil
		svc.status = StatusRegistered
		c.mu.Unlock()

		if svc.desc.Cleanup == nil {
			continue
		}
		if err := svc.desc.Cleanup(ctx, state); err != nil {
			c.log.Warn().Err(err).Str("service", name).Msg("Service cleanup failed")
			errs = append(errs, fmt.Errorf("cleanup %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
