// Package container is a dependency-ordered, lazily initializing service
// container. Services are registered as descriptors; the first Get of a
// service initializes its dependencies (concurrently), then runs its factory
// and memoizes the result.
package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/toolgate/internal/logging"
)

// Status is the lifecycle state of a service.
type Status string

const (
	StatusRegistered   Status = "registered"
	StatusInitializing Status = "initializing"
	StatusInitialized  Status = "initialized"
	StatusError        Status = "error"
)

// Deps holds the initialized states of a service's dependencies.
type Deps map[string]any

// Lookup returns dependency name from deps as a T.
func Lookup[T any](deps Deps, name string) (T, error) {
	var zero T
	v, ok := deps[name]
	if !ok {
		return zero, fmt.Errorf("dependency %q not available", name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dependency %q has type %T, want %T", name, v, zero)
	}
	return typed, nil
}

// Factory builds a service's state from its dependencies.
type Factory func(ctx context.Context, deps Deps) (any, error)

// Descriptor declares a service.
type Descriptor struct {
	Name         string
	Dependencies []string
	Factory      Factory
	// Cleanup releases the state when the container shuts down.
	Cleanup func(ctx context.Context, state any) error
	// Reactive services are reloaded when a dependency is reloaded.
	Reactive bool
	// Retries is how many times a failing factory is retried with
	// exponential backoff before the service is marked as errored.
	Retries int
}

// ErrNotRegistered is wrapped by errors for unknown services.
var ErrNotRegistered = errors.New("service not registered")

// CycleError reports a dependency cycle found at registration.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// IsCycleError checks if an error is a dependency cycle error.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// ServiceError reports a service that could not be initialized.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %q: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ServiceStatus is a service's state as reported by Statuses.
type ServiceStatus struct {
	Name         string   `json:"name"`
	Status       Status   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
	Reactive     bool     `json:"reactive,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type service struct {
	desc   Descriptor
	status Status
	state  any
	err    error
	init   *initCall

	reloadMu sync.Mutex
}

// initCall is one in-flight initialization shared by every concurrent Get.
type initCall struct {
	done  chan struct{}
	state any
	err   error
}

// Container hosts named services.
type Container struct {
	mu        sync.Mutex
	services  map[string]*service
	order     []string
	listeners map[EventType][]listener
	nextID    uint64
	log       zerolog.Logger
}

// New creates an empty container.
func New() *Container {
	return &Container{
		services:  make(map[string]*service),
		listeners: make(map[EventType][]listener),
		log:       logging.Component("container"),
	}
}

// Register adds a service. It fails on a duplicate name or when the new
// descriptor closes a dependency cycle; no factory runs in either case.
// Dependencies may be registered later.
func (c *Container) Register(desc Descriptor) error {
	if desc.Name == "" {
		return errors.New("service name is required")
	}
	if desc.Factory == nil {
		return fmt.Errorf("service %q: factory is required", desc.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.services[desc.Name]; exists {
		return fmt.Errorf("service %q already registered", desc.Name)
	}

	desc.Dependencies = append([]string(nil), desc.Dependencies...)
	c.services[desc.Name] = &service{desc: desc, status: StatusRegistered}
	if path := c.findCycleLocked(desc.Name); path != nil {
		delete(c.services, desc.Name)
		return &CycleError{Path: path}
	}
	c.order = append(c.order, desc.Name)
	return nil
}

// findCycleLocked looks for a cycle through start. The graph was acyclic
// before start was added, so any cycle passes through it.
func (c *Container) findCycleLocked(start string) []string {
	var stack []string
	onStack := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(name string) []string
	visit = func(name string) []string {
		if onStack[name] {
			for i, n := range stack {
				if n == name {
					return append(append([]string(nil), stack[i:]...), name)
				}
			}
		}
		if visited[name] {
			return nil
		}
		svc, ok := c.services[name]
		if !ok {
			return nil
		}
		visited[name] = true
		onStack[name] = true
		stack = append(stack, name)
		for _, dep := range svc.desc.Dependencies {
			if path := visit(dep); path != nil {
				return path
			}
		}
		stack = stack[:len(stack)-1]
		onStack[name] = false
		return nil
	}
	return visit(start)
}

// Get returns the state of a service, initializing it and its dependencies
// on first use. Concurrent callers share one initialization. A failed
// initialization is reported to every waiting caller; the next Get retries.
func (c *Container) Get(ctx context.Context, name string) (any, error) {
	c.mu.Lock()
	svc, ok := c.services[name]
	if !ok {
		c.mu.Unlock()
		return nil, &ServiceError{Service: name, Err: ErrNotRegistered}
	}
	if svc.status == StatusInitialized {
		state := svc.state
		c.mu.Unlock()
		return state, nil
	}
	call := svc.init
	if call == nil {
		call = &initCall{done: make(chan struct{})}
		svc.init = call
		svc.status = StatusInitializing
		c.mu.Unlock()

		c.emit(ServiceEvent{Service: name, Type: EventInitializing})
		// the initialization is shared, so it must not die with this caller
		go c.initialize(context.WithoutCancel(ctx), svc, call)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-call.done:
		return call.state, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the state of a service as a T.
func Get[T any](ctx context.Context, c *Container, name string) (T, error) {
	var zero T
	v, err := c.Get(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &ServiceError{Service: name, Err: fmt.Errorf("state has type %T, want %T", v, zero)}
	}
	return typed, nil
}

func (c *Container) initialize(ctx context.Context, svc *service, call *initCall) {
	name := svc.desc.Name
	start := time.Now()

	state, err := c.build(ctx, svc)

	c.mu.Lock()
	svc.init = nil
	if err != nil {
		svc.status = StatusError
		svc.err = err
	} else {
		svc.status = StatusInitialized
		svc.state = state
		svc.err = nil
	}
	c.mu.Unlock()

	// listeners see the event before any waiting Get returns
	if err != nil {
		c.log.Error().Err(err).Str("service", name).Msg("Service initialization failed")
		c.emit(ServiceEvent{Service: name, Type: EventError, Err: err})
	} else {
		c.log.Debug().Str("service", name).Dur("took", time.Since(start)).Msg("Service initialized")
		c.emit(ServiceEvent{Service: name, Type: EventInitialized, State: state})
	}

	call.state, call.err = state, err
	close(call.done)
}

// build resolves dependencies concurrently, then runs the factory.
func (c *Container) build(ctx context.Context, svc *service) (any, error) {
	deps, err := c.resolveDeps(ctx, svc.desc)
	if err != nil {
		return nil, &ServiceError{Service: svc.desc.Name, Err: err}
	}
	state, err := c.runFactory(ctx, svc.desc, deps)
	if err != nil {
		return nil, &ServiceError{Service: svc.desc.Name, Err: err}
	}
	return state, nil
}

func (c *Container) resolveDeps(ctx context.Context, desc Descriptor) (Deps, error) {
	deps := make(Deps, len(desc.Dependencies))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, dep := range desc.Dependencies {
		g.Go(func() error {
			state, err := c.Get(gctx, dep)
			if err != nil {
				return fmt.Errorf("dependency %q: %w", dep, err)
			}
			mu.Lock()
			deps[dep] = state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return deps, nil
}

func (c *Container) runFactory(ctx context.Context, desc Descriptor, deps Deps) (any, error) {
	var state any
	op := func() error {
		var err error
		state, err = callFactory(ctx, desc.Factory, deps)
		return err
	}
	if desc.Retries <= 0 {
		return state, op()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(desc.Retries)), ctx)

	err := backoff.RetryNotify(op, retry, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("service", desc.Name).Dur("retryIn", wait).Msg("Service factory failed, retrying")
	})
	return state, err
}

// callFactory runs a factory, turning a panic into an error.
func callFactory(ctx context.Context, f Factory, deps Deps) (state any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return f(ctx, deps)
}

// IsReady reports whether a service is initialized.
func (c *Container) IsReady(name string) bool {
	return c.Status(name) == StatusInitialized
}

// Status returns a service's status, or "" when it is not registered.
func (c *Container) Status(name string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[name]; ok {
		return svc.status
	}
	return ""
}

// Statuses reports every registered service, sorted by name.
func (c *Container) Statuses() []ServiceStatus {
	c.mu.Lock()
	out := make([]ServiceStatus, 0, len(c.services))
	for name, svc := range c.services {
		st := ServiceStatus{
			Name:         name,
			Status:       svc.status,
			Dependencies: append([]string(nil), svc.desc.Dependencies...),
			Reactive:     svc.desc.Reactive,
		}
		if svc.status == StatusError && svc.err != nil {
			st.Error = svc.err.Error()
		}
		out = append(out, st)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered service names in registration order.
func (c *Container) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// InitAll initializes every registered service. Independent services are
// initialized concurrently.
func (c *Container) InitAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range c.Names() {
		g.Go(func() error {
			_, err := c.Get(gctx, name)
			return err
		})
	}
	return g.Wait()
}
