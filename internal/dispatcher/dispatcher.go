// Package dispatcher is the composition root of the dispatch core: it
// classifies an inbound event and routes it to resolution, authorization,
// session handling, worker execution or the task drainer, returning a
// normalized response envelope.
package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/authorizer"
	"github.com/routeflow/dispatch/internal/classifier"
	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/internal/invoker"
	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/resolver"
	"github.com/routeflow/dispatch/internal/session"
	"github.com/routeflow/dispatch/pkg/models"
)

// Dispatcher wires the dispatch core together.
type Dispatcher struct {
	resolver *resolver.Resolver
	invoker  *invoker.Invoker
	worker   *invoker.Worker
	gateway  *authorizer.Gateway
	sessions *session.Store
	tasks    *Tasks
	provider func() map[string]any
	logger   zerolog.Logger
}

// New creates the dispatcher. provider supplies the plugin context handed
// to invoked business modules and may be nil.
func New(res *resolver.Resolver, inv *invoker.Invoker, worker *invoker.Worker, gw *authorizer.Gateway, sessions *session.Store, tasks *Tasks, provider func() map[string]any) *Dispatcher {
	return &Dispatcher{
		resolver: res,
		invoker:  inv,
		worker:   worker,
		gateway:  gw,
		sessions: sessions,
		tasks:    tasks,
		provider: provider,
		logger:   observability.Logger("dispatcher"),
	}
}

// Handle classifies the raw event and routes it. The returned envelope is
// always well formed: resolution and handler errors become error
// envelopes, and failures on authorizer-shaped events become Deny
// decisions.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) models.Envelope {
	ev, err := event.Parse(raw)
	if err != nil {
		return errorEnvelope(err)
	}

	kind := classifier.Classify(ev)
	logger := observability.WithTrigger(d.logger, string(kind))
	logger.Debug().Msg("classified event")

	switch kind {
	case models.TriggerHTTP:
		return d.handleHTTP(ctx, ev)
	case models.TriggerWebSocket:
		return d.handleWebSocket(ctx, ev)
	case models.TriggerDirectInvocation, models.TriggerDefault:
		return d.handleWorkerPayload(ctx, ev)
	case models.TriggerQueue, models.TriggerObjectStorage, models.TriggerChangeStream, models.TriggerPubSub:
		return d.handleRecords(ctx, ev, kind)
	case models.TriggerBot:
		return d.handleBot(ctx, ev)
	case models.TriggerIdentityHook:
		return d.handleIdentityHook(ctx, ev)
	case models.TriggerLogDelivery, models.TriggerBridgeEvent:
		// Accepted for delivery, intentionally unprocessed.
		return models.NewEnvelope(200, "")
	default:
		return errorEnvelope(models.Errorf(models.ErrUnsupportedTrigger,
			"no handler for trigger kind %s", kind))
	}
}

// handleHTTP runs the request/response path: authorizer-shaped events get
// a policy decision, everything else resolves and invokes the target
// function.
func (d *Dispatcher) handleHTTP(ctx context.Context, ev *event.Event) models.Envelope {
	if authorizer.IsAuthorizationEvent(ev) {
		return decisionEnvelope(d.authorizeRequest(ctx, ev))
	}

	funct, trailingPath, err := ev.ProxyFunctionAndPath()
	if err != nil {
		return errorEnvelope(err)
	}

	settings, descriptor, err := d.resolver.Resolve(ctx, ev.EndpointID(), ev.APIKey(), funct, ev.Method())
	if err != nil {
		return errorEnvelope(err)
	}
	if descriptor.Area != "" && descriptor.Area != ev.Area() {
		return errorEnvelope(models.Errorf(models.ErrValidation,
			"function %s belongs to area %s, not %s", funct, descriptor.Area, ev.Area()))
	}

	callCtx := d.pluginContext()
	// Permission verification covers mutating requests only: a bodyless
	// call to an auth-required function was already admitted by the
	// gateway decision.
	if descriptor.Config.AuthRequired && ev.Str("body") != "" {
		granted, err := d.gateway.VerifyPermission(ctx, ev, settings, callCtx)
		if err != nil {
			return errorEnvelope(models.Wrap(models.ErrAuthorizationDenied,
				"permission verification failed", err))
		}
		for k, v := range granted {
			callCtx[k] = v
		}
	}

	params := map[string]any{}
	for k, v := range ev.QueryStringParameters() {
		params[k] = v
	}
	for k, v := range event.FilterMetadata(ev.Headers(), settings) {
		params[k] = v
	}
	if trailingPath != "" {
		params["path"] = trailingPath
	}

	out, err := d.invoker.InvokeRemote(ctx, descriptor.RemoteTarget, &invoker.Payload{
		ModuleRef: descriptor.Config.ModuleRef,
		ClassName: descriptor.Config.ClassName,
		Funct:     funct,
		Setting:   settings,
		Params:    params,
		Body:      ev.Str("body"),
		Context:   callCtx,
	}, descriptor.Config.FunctType)
	if err != nil {
		return errorEnvelope(err)
	}
	if descriptor.Config.FunctType == models.FunctTypeEvent {
		return models.NewEnvelope(202, "")
	}

	// GraphQL resolvers report errors in-band with a 200 transport
	// status; surface them as server errors.
	if descriptor.Config.GraphQL && hasGraphQLErrors(out) {
		return models.NewEnvelope(500, string(out))
	}
	return models.NewEnvelope(200, string(out))
}

// authorizeRequest builds the policy decision for an authorizer-shaped
// request. The target function is resolved first: only a function that
// requires authorization consults the authorizer capability, everything
// else gets a static Allow. Failures on this path never escape as errors,
// they become Deny decisions.
func (d *Dispatcher) authorizeRequest(ctx context.Context, ev *event.Event) *models.Decision {
	principal, resource := authorizer.RequestIdentity(ev)

	funct, _, err := ev.ProxyFunctionAndPath()
	if err != nil {
		return authorizer.DenyDecision(principal, resource, err.Error())
	}
	settings, descriptor, err := d.resolver.Resolve(ctx, ev.EndpointID(), ev.APIKey(), funct, ev.Method())
	if err != nil {
		return authorizer.DenyDecision(principal, resource, err.Error())
	}
	if !descriptor.Config.AuthRequired {
		return authorizer.AllowDecision(principal, resource, d.pluginContext())
	}
	return d.gateway.Authorize(ctx, ev, settings, d.pluginContext())
}

// handleWebSocket routes the connection lifecycle by route key.
func (d *Dispatcher) handleWebSocket(ctx context.Context, ev *event.Event) models.Envelope {
	switch ev.RouteKey() {
	case "$connect":
		out, err := d.sessions.Connect(ctx, ev)
		if err != nil {
			return errorEnvelope(err)
		}
		if decision, ok := out.(*models.Decision); ok {
			return decisionEnvelope(decision)
		}
		if env, ok := out.(models.Envelope); ok {
			return env
		}
		return models.NewEnvelope(200, "")
	case "$disconnect":
		env, err := d.sessions.Disconnect(ctx, ev)
		if err != nil {
			return errorEnvelope(err)
		}
		return env
	case "stream":
		env, err := d.sessions.Stream(ctx, ev)
		if err != nil {
			return errorEnvelope(err)
		}
		return env
	default:
		return errorEnvelope(models.Errorf(models.ErrValidation,
			"invalid websocket route %s", ev.RouteKey()))
	}
}

// handleWorkerPayload executes a direct-invocation document in-process.
func (d *Dispatcher) handleWorkerPayload(ctx context.Context, ev *event.Event) models.Envelope {
	payload := &invoker.Payload{
		ModuleRef: ev.Str("module_ref"),
		ClassName: ev.Str("class_name"),
		Funct:     ev.Str("function_name"),
		Setting:   models.Settings(ev.Map("setting")),
		Params:    ev.Map("params"),
		Body:      ev.Str("body"),
		Context:   ev.Map("context"),
		RequestID: ev.Str("request_id"),
	}
	if payload.ModuleRef == "" || payload.Funct == "" {
		return errorEnvelope(models.NewError(models.ErrValidation,
			"invocation payload needs module_ref and function_name"))
	}

	out, err := d.worker.Execute(ctx, payload)
	if err != nil {
		return errorEnvelope(err)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return errorEnvelope(models.Wrap(models.ErrValidation, "encode worker result", err))
	}
	return models.NewEnvelope(200, string(body))
}

// handleRecords extracts a task from each trigger record and hands it to
// the drainer.
func (d *Dispatcher) handleRecords(ctx context.Context, ev *event.Event, kind models.TriggerKind) models.Envelope {
	count := ev.Records()
	for i := 0; i < count; i++ {
		rec := ev.Record(i)

		var task *Task
		var err error
		switch kind {
		case models.TriggerQueue:
			task, err = TaskFromQueueRecord(rec)
		case models.TriggerObjectStorage:
			task, err = TaskFromObjectStorageRecord(rec)
		case models.TriggerPubSub:
			task, err = TaskFromPubSubRecord(rec)
		case models.TriggerChangeStream:
			settings, serr := d.resolver.Setting(ctx, ev.DefaultSettingIndex())
			if serr != nil {
				settings = models.Settings{}
			}
			task, err = TaskFromChangeStreamRecord(rec, settings)
		}
		if err != nil {
			return errorEnvelope(err)
		}
		if err := d.tasks.HandleTask(ctx, task); err != nil {
			return errorEnvelope(err)
		}
	}
	return models.NewEnvelope(200, "")
}

func (d *Dispatcher) handleBot(ctx context.Context, ev *event.Event) models.Envelope {
	task, err := TaskFromBotEvent(ev)
	if err != nil {
		return errorEnvelope(err)
	}
	if err := d.tasks.HandleTask(ctx, task); err != nil {
		return errorEnvelope(err)
	}
	return models.NewEnvelope(200, "")
}

// handleIdentityHook delegates to the configured identity capability and
// echoes the (possibly enriched) event back, as identity providers
// expect. An unconfigured hook is an accepted no-op.
func (d *Dispatcher) handleIdentityHook(ctx context.Context, ev *event.Event) models.Envelope {
	settings, err := d.resolver.Setting(ctx, ev.DefaultSettingIndex())
	if err != nil {
		settings = models.Settings{}
	}
	moduleRef, _ := settings["identity_hook_module_ref"].(string)
	if moduleRef == "" {
		return models.NewEnvelope(200, string(ev.Raw()))
	}
	className, _ := settings["identity_hook_class_name"].(string)
	entryPoint, _ := settings["identity_hook_entry_point"].(string)
	if entryPoint == "" {
		entryPoint = "handle"
	}

	out, err := d.invoker.InvokeLocal(ctx, moduleRef, className, entryPoint, nil, map[string]any{
		"event":   ev.AsMap(),
		"context": d.pluginContext(),
	})
	if err != nil {
		return errorEnvelope(err)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return errorEnvelope(models.Wrap(models.ErrValidation, "encode identity hook result", err))
	}
	return models.NewEnvelope(200, string(body))
}

func (d *Dispatcher) pluginContext() map[string]any {
	if d.provider == nil {
		return map[string]any{}
	}
	return d.provider()
}

func errorEnvelope(err error) models.Envelope {
	body, _ := json.Marshal(map[string]any{"error": err.Error()})
	return models.NewEnvelope(models.StatusOf(err), string(body))
}

func decisionEnvelope(decision *models.Decision) models.Envelope {
	body, err := json.Marshal(decision)
	if err != nil {
		return errorEnvelope(err)
	}
	return models.NewEnvelope(200, string(body))
}

func hasGraphQLErrors(out []byte) bool {
	var doc struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return false
	}
	return len(doc.Errors) > 0
}
