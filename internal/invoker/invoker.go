// Package invoker executes resolved functions, either in-process through
// the capability registry or through a remote compute call.
package invoker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/registry"
	"github.com/routeflow/dispatch/pkg/models"
)

// Payload is the invocation document sent to a remote worker or executed
// locally. Empty fields are omitted on the wire.
type Payload struct {
	ModuleRef string          `json:"module_ref"`
	ClassName string          `json:"class_name,omitempty"`
	Funct     string          `json:"funct"`
	Setting   models.Settings `json:"setting,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
	Body      string          `json:"body,omitempty"`
	Context   map[string]any  `json:"context,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Remote is the transport used for out-of-process invocation.
type Remote interface {
	Invoke(ctx context.Context, target string, payload *Payload, mode models.FunctType) ([]byte, error)
}

// Invoker routes invocations to the registry or a remote transport.
type Invoker struct {
	registry *registry.Registry
	remote   Remote
	logger   zerolog.Logger
}

// New creates an invoker. remote may be nil when only local invocation is
// needed; remote calls then fail with a configuration error.
func New(reg *registry.Registry, remote Remote) *Invoker {
	return &Invoker{
		registry: reg,
		remote:   remote,
		logger:   observability.Logger("invoker"),
	}
}

// InvokeLocal constructs the capability in-process and calls the named
// entry point.
func (i *Invoker) InvokeLocal(ctx context.Context, moduleRef, className, entryPoint string, ctor registry.Args, params map[string]any) (any, error) {
	call, err := i.registry.Resolve(moduleRef, className, entryPoint, ctor)
	if err != nil {
		return nil, err
	}
	i.logger.Debug().
		Str("module_ref", moduleRef).
		Str("class_name", className).
		Str("entry_point", entryPoint).
		Msg("invoking local capability")
	return call(ctx, params)
}

// InvokeRemote sends the payload to the named remote target with the
// given invocation semantics.
func (i *Invoker) InvokeRemote(ctx context.Context, target string, payload *Payload, mode models.FunctType) ([]byte, error) {
	if i.remote == nil {
		return nil, models.NewError(models.ErrConfig, "no remote transport configured")
	}
	i.logger.Debug().
		Str("target", target).
		Str("funct", payload.Funct).
		Str("mode", string(mode)).
		Msg("invoking remote target")
	return i.remote.Invoke(ctx, target, payload, mode)
}
