// Package registry is the capability registry: an init-time map from
// (module ref, class name, entry point) string keys to constructors and
// callables, populated by business-module registration. It replaces
// import-by-name dispatch; a missing key is a configuration error, not a
// reflection failure.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/pkg/models"
)

// Args carries constructor parameters for a capability: the caller's
// merged settings plus any handler-supplied values.
type Args map[string]any

// Capability is a constructed business-module instance whose entry points
// can be invoked by name.
type Capability interface {
	Invoke(ctx context.Context, entryPoint string, params map[string]any) (any, error)
}

// Factory constructs a capability from constructor arguments.
type Factory func(ctor Args) (Capability, error)

// Callable is a resolved entry point bound to a constructed capability.
type Callable func(ctx context.Context, params map[string]any) (any, error)

// FuncMap is a convenience Capability for modules that are plain functions.
type FuncMap map[string]func(ctx context.Context, params map[string]any) (any, error)

// Invoke implements Capability.
func (m FuncMap) Invoke(ctx context.Context, entryPoint string, params map[string]any) (any, error) {
	fn, ok := m[entryPoint]
	if !ok {
		return nil, models.Errorf(models.ErrConfig, "entry point %s not registered", entryPoint)
	}
	return fn(ctx, params)
}

// Registry maps capability keys to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    zerolog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    observability.Logger("registry"),
	}
}

// key joins the module ref and optional class name.
func key(moduleRef, className string) string {
	if className == "" {
		return moduleRef
	}
	return moduleRef + "." + className
}

// Register adds a capability factory under (module ref, class name).
// Later registrations replace earlier ones.
func (r *Registry) Register(moduleRef, className string, factory Factory) {
	r.mu.Lock()
	r.factories[key(moduleRef, className)] = factory
	r.mu.Unlock()
	r.logger.Info().
		Str("module_ref", moduleRef).
		Str("class_name", className).
		Msg("registered capability")
}

// RegisterFuncs adds a module of plain functions under a module ref.
func (r *Registry) RegisterFuncs(moduleRef string, funcs FuncMap) {
	r.Register(moduleRef, "", func(Args) (Capability, error) {
		return funcs, nil
	})
}

// Resolve constructs the capability registered under (module ref, class
// name) and binds the named entry point. A missing registration or a
// failing constructor yields a typed configuration error.
func (r *Registry) Resolve(moduleRef, className, entryPoint string, ctor Args) (Callable, error) {
	if moduleRef == "" || entryPoint == "" {
		return nil, models.NewError(models.ErrConfig, "module ref and entry point are required")
	}

	r.mu.RLock()
	factory, ok := r.factories[key(moduleRef, className)]
	r.mu.RUnlock()
	if !ok {
		return nil, models.Errorf(models.ErrConfig,
			"capability %s not registered", key(moduleRef, className))
	}

	capability, err := factory(ctor)
	if err != nil {
		return nil, models.Wrap(models.ErrConfig,
			"construct capability "+key(moduleRef, className), err)
	}

	return func(ctx context.Context, params map[string]any) (any, error) {
		return capability.Invoke(ctx, entryPoint, params)
	}, nil
}

// Registered reports whether a capability key is present.
func (r *Registry) Registered(moduleRef, className string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key(moduleRef, className)]
	return ok
}
