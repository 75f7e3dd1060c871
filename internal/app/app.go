// Package app wires every toolgate service into a dependency-ordered
// container.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/opencode-ai/toolgate/internal/config"
	"github.com/opencode-ai/toolgate/internal/container"
	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/jobs"
	"github.com/opencode-ai/toolgate/internal/lifecycle"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/permission"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/server"
	"github.com/opencode-ai/toolgate/internal/tool"
)

// Service names.
const (
	ServiceConfig      = "config"
	ServiceBus         = "bus"
	ServiceCatalog     = "catalog"
	ServicePolicyFile  = "policy-file"
	ServicePolicyStore = "policy-store"
	ServiceNegotiator  = "negotiator"
	ServiceJobs        = "jobs"
	ServiceTools       = "tools"
	ServiceEngine      = "engine"
)

// Options configures an App.
type Options struct {
	// Directory is the project directory tools run in.
	Directory string
	// Runtime holds the policies given on the command line.
	Runtime policy.Source
	// Fs holds the policy file. Defaults to the OS filesystem.
	Fs afero.Fs
	// Workspace is the filesystem file tools read and write. Defaults to
	// the OS filesystem.
	Workspace afero.Fs
	// LoadConfig loads the app config. Defaults to config.Load.
	LoadConfig func(directory string) (*config.Config, error)
	// Shell overrides the shell background jobs run in.
	Shell string
	// Watch reloads the policy file when it changes on disk.
	Watch bool
}

// App owns the service container and everything registered in it.
type App struct {
	Container *container.Container

	opts Options
	log  zerolog.Logger

	// store is shared across policy-store reloads so that holders of the
	// pointer see every change.
	store     *policy.Store
	storeOnce sync.Once
	bus       atomic.Pointer[event.Bus]

	ctx     context.Context
	cancel  context.CancelFunc
	watcher *config.Watcher
}

// policyFileState is the state of the policy-file service.
type policyFileState struct {
	file   *config.PolicyFile
	source policy.Source
}

// New registers every service. Nothing is initialized until Start or the
// first Get.
func New(opts Options) (*App, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Workspace == nil {
		opts.Workspace = afero.NewOsFs()
	}
	if opts.LoadConfig == nil {
		opts.LoadConfig = config.Load
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Container: container.New(),
		opts:      opts,
		log:       logging.Component("app"),
		store:     policy.NewStore(),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, desc := range a.descriptors() {
		if err := a.Container.Register(desc); err != nil {
			cancel()
			return nil, err
		}
	}
	a.Container.On(container.EventAll, a.publishServiceEvent)
	return a, nil
}

func (a *App) descriptors() []container.Descriptor {
	return []container.Descriptor{
		{
			Name: ServiceConfig,
			Factory: func(ctx context.Context, _ container.Deps) (any, error) {
				return a.opts.LoadConfig(a.opts.Directory)
			},
		},
		{
			Name: ServiceBus,
			Factory: func(ctx context.Context, _ container.Deps) (any, error) {
				bus := event.NewBus()
				a.bus.Store(bus)
				return bus, nil
			},
			Cleanup: func(ctx context.Context, state any) error {
				a.bus.Store(nil)
				return state.(*event.Bus).Close()
			},
		},
		{
			Name: ServiceCatalog,
			Factory: func(ctx context.Context, _ container.Deps) (any, error) {
				return policy.NewCatalog(), nil
			},
		},
		{
			Name:         ServicePolicyFile,
			Dependencies: []string{ServiceConfig},
			Reactive:     true,
			Factory:      a.newPolicyFile,
		},
		{
			Name:         ServicePolicyStore,
			Dependencies: []string{ServiceConfig, ServiceBus, ServicePolicyFile},
			Reactive:     true,
			Factory:      a.newPolicyStore,
		},
		{
			Name:         ServiceNegotiator,
			Dependencies: []string{ServiceBus, ServiceCatalog, ServicePolicyStore, ServicePolicyFile},
			Factory:      a.newNegotiator,
			Cleanup: func(ctx context.Context, state any) error {
				state.(*permission.Negotiator).CancelAll()
				return nil
			},
		},
		{
			Name:         ServiceJobs,
			Dependencies: []string{ServiceConfig, ServiceBus},
			Factory:      a.newJobs,
			Cleanup: func(ctx context.Context, state any) error {
				return state.(*jobs.Registry).Cleanup(ctx)
			},
		},
		{
			Name:         ServiceTools,
			Dependencies: []string{ServiceConfig, ServiceCatalog, ServiceJobs},
			Factory:      a.newTools,
		},
		{
			Name:         ServiceEngine,
			Dependencies: []string{ServiceConfig, ServiceBus, ServiceTools, ServicePolicyStore, ServiceNegotiator},
			Factory:      a.newEngine,
			Cleanup: func(ctx context.Context, state any) error {
				state.(*lifecycle.Engine).Interrupt()
				return nil
			},
		},
	}
}

func (a *App) newPolicyFile(ctx context.Context, deps container.Deps) (any, error) {
	cfg, err := container.Lookup[*config.Config](deps, ServiceConfig)
	if err != nil {
		return nil, err
	}
	file := config.NewPolicyFile(a.opts.Fs, cfg.PolicyFilePath())
	src, err := file.Source()
	if err != nil {
		return nil, err
	}
	a.log.Debug().Str("path", file.Path()).Int("policies", len(src.Policies)).Msg("Loaded policy file")
	return &policyFileState{file: file, source: src}, nil
}

// newPolicyStore installs the current sources into the shared store. On
// reload it replaces them in place. The bus dependency only orders
// initialization so that the first policy.changed event has a bus.
func (a *App) newPolicyStore(ctx context.Context, deps container.Deps) (any, error) {
	cfg, err := container.Lookup[*config.Config](deps, ServiceConfig)
	if err != nil {
		return nil, err
	}
	pf, err := container.Lookup[*policyFileState](deps, ServicePolicyFile)
	if err != nil {
		return nil, err
	}
	builtin, err := cfg.BuiltinSource()
	if err != nil {
		return nil, err
	}

	a.storeOnce.Do(func() {
		a.store.OnChange(func(gen uint64, reason string) {
			if b := a.bus.Load(); b != nil {
				b.Publish(event.Event{
					Type: event.PolicyChanged,
					Data: event.PolicyChangedData{Generation: gen, Reason: reason},
				})
			}
		})
	})
	setOnly(a.store, builtin)
	setOnly(a.store, pf.source)
	if a.opts.Runtime.Origin != "" {
		setOnly(a.store, a.opts.Runtime)
	}
	return a.store, nil
}

// setOnly makes src the only source of its origin in store.
func setOnly(store *policy.Store, src policy.Source) {
	for _, existing := range store.Sources() {
		if existing.Origin == src.Origin && existing.Name != src.Name {
			store.RemoveSource(existing.Origin, existing.Name)
		}
	}
	store.SetSource(src)
}

func (a *App) newNegotiator(ctx context.Context, deps container.Deps) (any, error) {
	bus, err := container.Lookup[*event.Bus](deps, ServiceBus)
	if err != nil {
		return nil, err
	}
	cat, err := container.Lookup[*policy.Catalog](deps, ServiceCatalog)
	if err != nil {
		return nil, err
	}
	store, err := container.Lookup[*policy.Store](deps, ServicePolicyStore)
	if err != nil {
		return nil, err
	}
	return permission.NewNegotiator(store,
		permission.WithBus(bus),
		permission.WithCatalog(cat),
		permission.WithPersister(a),
	), nil
}

// PersistAllow writes an allow-always grant to the current policy file.
func (a *App) PersistAllow(ctx context.Context, p policy.Policy) error {
	pf, err := container.Get[*policyFileState](ctx, a.Container, ServicePolicyFile)
	if err != nil {
		return err
	}
	return pf.file.PersistAllow(ctx, p)
}

func (a *App) newJobs(ctx context.Context, deps container.Deps) (any, error) {
	cfg, err := container.Lookup[*config.Config](deps, ServiceConfig)
	if err != nil {
		return nil, err
	}
	bus, err := container.Lookup[*event.Bus](deps, ServiceBus)
	if err != nil {
		return nil, err
	}
	return jobs.NewRegistry(
		jobs.WithBus(bus),
		jobs.WithShell(a.opts.Shell),
		jobs.WithGracePeriod(cfg.KillGrace(jobs.DefaultGracePeriod)),
	), nil
}

func (a *App) newTools(ctx context.Context, deps container.Deps) (any, error) {
	cfg, err := container.Lookup[*config.Config](deps, ServiceConfig)
	if err != nil {
		return nil, err
	}
	cat, err := container.Lookup[*policy.Catalog](deps, ServiceCatalog)
	if err != nil {
		return nil, err
	}
	jobRegistry, err := container.Lookup[*jobs.Registry](deps, ServiceJobs)
	if err != nil {
		return nil, err
	}

	registry, err := tool.DefaultRegistry(a.opts.Workspace, a.opts.Directory, cat, jobRegistry)
	if err != nil {
		return nil, err
	}
	for alias, canonical := range cfg.Tools {
		if _, ok := registry.Get(canonical); !ok {
			return nil, fmt.Errorf("tool alias %q: unknown tool %q", alias, canonical)
		}
		if err := cat.Alias(alias, canonical); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (a *App) newEngine(ctx context.Context, deps container.Deps) (any, error) {
	cfg, err := container.Lookup[*config.Config](deps, ServiceConfig)
	if err != nil {
		return nil, err
	}
	bus, err := container.Lookup[*event.Bus](deps, ServiceBus)
	if err != nil {
		return nil, err
	}
	registry, err := container.Lookup[*tool.Registry](deps, ServiceTools)
	if err != nil {
		return nil, err
	}
	store, err := container.Lookup[*policy.Store](deps, ServicePolicyStore)
	if err != nil {
		return nil, err
	}
	negotiator, err := container.Lookup[*permission.Negotiator](deps, ServiceNegotiator)
	if err != nil {
		return nil, err
	}

	opts := []lifecycle.Option{
		lifecycle.WithBus(bus),
		lifecycle.WithWorkDir(a.opts.Directory),
	}
	if cfg.RepeatGuardEnabled() {
		opts = append(opts, lifecycle.WithRepeatGuard(cfg.RepeatThreshold))
	}
	return lifecycle.NewEngine(registry, store, negotiator, opts...), nil
}

// publishServiceEvent mirrors container events onto the bus once it exists.
func (a *App) publishServiceEvent(ev container.ServiceEvent) {
	bus := a.bus.Load()
	if bus == nil {
		return
	}
	data := event.ServiceStateData{Service: ev.Service, State: string(ev.Type)}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	bus.Publish(event.Event{Type: event.ServiceStateChanged, Data: data})
}

// Start initializes every service and, when enabled, starts watching the
// policy file.
func (a *App) Start(ctx context.Context) error {
	if err := a.Container.InitAll(ctx); err != nil {
		return err
	}
	if !a.opts.Watch {
		return nil
	}

	pf, err := container.Get[*policyFileState](ctx, a.Container, ServicePolicyFile)
	if err != nil {
		return err
	}
	w, err := config.NewWatcher(pf.file.Path(), a.reloadPolicyFile)
	if err != nil {
		a.log.Warn().Err(err).Str("path", pf.file.Path()).Msg("Policy file watcher disabled")
		return nil
	}
	a.watcher = w
	w.Start()
	return nil
}

func (a *App) reloadPolicyFile() {
	if err := a.Container.Reload(a.ctx, ServicePolicyFile); err != nil {
		a.log.Error().Err(err).Msg("Failed to reload policy file, keeping previous policies")
		return
	}
	a.log.Info().Uint64("generation", a.store.Generation()).Msg("Policy file reloaded")
}

// Reload re-reads the policy file and propagates it to the store.
func (a *App) Reload(ctx context.Context) error {
	return a.Container.Reload(ctx, ServicePolicyFile)
}

// Engine returns the lifecycle engine.
func (a *App) Engine(ctx context.Context) (*lifecycle.Engine, error) {
	return container.Get[*lifecycle.Engine](ctx, a.Container, ServiceEngine)
}

// Store returns the policy store.
func (a *App) Store(ctx context.Context) (*policy.Store, error) {
	return container.Get[*policy.Store](ctx, a.Container, ServicePolicyStore)
}

// Catalog returns the tool catalog.
func (a *App) Catalog(ctx context.Context) (*policy.Catalog, error) {
	return container.Get[*policy.Catalog](ctx, a.Container, ServiceCatalog)
}

// Negotiator returns the permission negotiator.
func (a *App) Negotiator(ctx context.Context) (*permission.Negotiator, error) {
	return container.Get[*permission.Negotiator](ctx, a.Container, ServiceNegotiator)
}

// Config returns the loaded configuration.
func (a *App) Config(ctx context.Context) (*config.Config, error) {
	return container.Get[*config.Config](ctx, a.Container, ServiceConfig)
}

// ServerServices collects what the HTTP server exposes.
func (a *App) ServerServices(ctx context.Context) (server.Services, error) {
	engine, err := a.Engine(ctx)
	if err != nil {
		return server.Services{}, err
	}
	negotiator, err := a.Negotiator(ctx)
	if err != nil {
		return server.Services{}, err
	}
	jobRegistry, err := container.Get[*jobs.Registry](ctx, a.Container, ServiceJobs)
	if err != nil {
		return server.Services{}, err
	}
	store, err := a.Store(ctx)
	if err != nil {
		return server.Services{}, err
	}
	cat, err := a.Catalog(ctx)
	if err != nil {
		return server.Services{}, err
	}
	registry, err := container.Get[*tool.Registry](ctx, a.Container, ServiceTools)
	if err != nil {
		return server.Services{}, err
	}
	bus, err := container.Get[*event.Bus](ctx, a.Container, ServiceBus)
	if err != nil {
		return server.Services{}, err
	}
	return server.Services{
		Engine:     engine,
		Negotiator: negotiator,
		Jobs:       jobRegistry,
		Store:      store,
		Catalog:    cat,
		Tools:      registry,
		Bus:        bus,
		Status:     a.Container,
	}, nil
}

// Shutdown stops the watcher and cleans up every service.
func (a *App) Shutdown(ctx context.Context) error {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to stop policy file watcher")
		}
	}
	a.cancel()
	return a.Container.Cleanup(ctx)
}
