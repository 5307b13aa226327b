// Package authorizer dispatches authorize and verify-permission calls to
// the configured authorizer capability and builds gateway access-policy
// decisions. Anything that goes wrong while handling an authorizer-shaped
// event becomes a well-formed Deny, never a raw error.
package authorizer

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/internal/invoker"
	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/registry"
	"github.com/routeflow/dispatch/pkg/models"
)

// Default capability coordinates, overridable per tenant through settings.
const (
	defaultModuleRef = "authorizer"
	defaultClassName = "Authorizer"

	authorizeEntryPoint = "authorize"
	verifyEntryPoint    = "verify_permission"
)

// Gateway invokes the authorizer capability configured in merged settings.
type Gateway struct {
	invoker *invoker.Invoker
	logger  zerolog.Logger
}

// New creates the authorization gateway.
func New(inv *invoker.Invoker) *Gateway {
	return &Gateway{
		invoker: inv,
		logger:  observability.Logger("authorizer"),
	}
}

// IsAuthorizationEvent reports whether the event is a gateway authorizer
// trigger (type REQUEST or TOKEN).
func IsAuthorizationEvent(ev *event.Event) bool {
	t := ev.Str("type")
	return t == "REQUEST" || t == "TOKEN"
}

// RequestIdentity extracts the caller principal and the wildcard policy
// resource from an authorizer-shaped event.
func RequestIdentity(ev *event.Event) (principal, resource string) {
	principal = ev.Str("requestContext.identity.apiKey")
	resource = ev.Str("methodArn")
	if arn, err := ParseMethodARN(resource); err == nil {
		resource = arn.Wildcard()
	}
	return principal, resource
}

// Authorize runs the authorize entry point and normalizes its result into
// a Decision. Errors never escape as errors: every failure path yields a
// Deny decision carrying the reason.
func (g *Gateway) Authorize(ctx context.Context, ev *event.Event, settings models.Settings, callCtx map[string]any) *models.Decision {
	principal, resource := RequestIdentity(ev)

	out, err := g.invoke(ctx, ev, settings, authorizeEntryPoint, callCtx)
	if err != nil {
		g.logger.Warn().Err(err).Str("principal", principal).Msg("authorization failed")
		return DenyDecision(principal, resource, err.Error())
	}

	decision, err := normalizeDecision(out, principal, resource, callCtx)
	if err != nil {
		g.logger.Warn().Err(err).Str("principal", principal).Msg("authorizer returned an unusable result")
		return DenyDecision(principal, resource, err.Error())
	}
	return decision
}

// VerifyPermission runs the verify-permission entry point. Its result map
// is merged into the event context before function invocation; failures
// here are real errors and propagate.
func (g *Gateway) VerifyPermission(ctx context.Context, ev *event.Event, settings models.Settings, callCtx map[string]any) (map[string]any, error) {
	out, err := g.invoke(ctx, ev, settings, verifyEntryPoint, callCtx)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, models.Errorf(models.ErrAuthorizationDenied,
			"verify_permission returned %T, want a map", out)
	}
}

func (g *Gateway) invoke(ctx context.Context, ev *event.Event, settings models.Settings, entryPoint string, callCtx map[string]any) (any, error) {
	moduleRef := stringSetting(settings, "authorizer_module_ref", defaultModuleRef)
	className := stringSetting(settings, "authorizer_class_name", defaultClassName)

	return g.invoker.InvokeLocal(ctx, moduleRef, className, entryPoint,
		registry.Args(settings), map[string]any{
			"event":   ev.AsMap(),
			"context": callCtx,
		})
}

// normalizeDecision accepts the shapes a capability may return: a Decision
// (by value or pointer), a policy-document map, or a bare bool.
func normalizeDecision(out any, principal, resource string, callCtx map[string]any) (*models.Decision, error) {
	switch v := out.(type) {
	case *models.Decision:
		return v, nil
	case models.Decision:
		return &v, nil
	case bool:
		if v {
			return AllowDecision(principal, resource, callCtx), nil
		}
		return DenyDecision(principal, resource, "authorization denied"), nil
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, models.Wrap(models.ErrAuthorizationDenied, "encode authorizer result", err)
		}
		var d models.Decision
		if err := json.Unmarshal(raw, &d); err != nil || len(d.PolicyDocument.Statement) == 0 {
			return nil, models.NewError(models.ErrAuthorizationDenied, "authorizer result is not a policy document")
		}
		return &d, nil
	default:
		return nil, models.Errorf(models.ErrAuthorizationDenied, "authorizer returned %T", out)
	}
}

func stringSetting(settings models.Settings, key, fallback string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
