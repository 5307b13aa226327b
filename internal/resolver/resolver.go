// Package resolver turns an (endpoint, api key, function name, method)
// quadruple into a concrete function descriptor plus merged settings,
// with endpoint aliasing and a TTL cache in front of the registry store.
package resolver

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/pkg/models"
)

// DirectEndpointID bypasses endpoint aliasing entirely.
const DirectEndpointID = "0"

// ConfigSource is the registry surface the resolver reads. *store.Store
// satisfies it.
type ConfigSource interface {
	GetEndpoint(ctx context.Context, endpointID string) (*models.Endpoint, error)
	GetConnection(ctx context.Context, endpointID, apiKey string) (*models.Connection, error)
	GetFunction(ctx context.Context, remoteTarget, functionName string) (*models.FunctionDescriptor, error)
	GetSetting(ctx context.Context, settingID string) (models.Settings, error)
}

// Resolution is a cached resolve result.
type Resolution struct {
	Settings   models.Settings
	Descriptor *models.FunctionDescriptor
}

// Options tunes the resolver.
type Options struct {
	// CacheTTL bounds how long resolutions and settings stay cached.
	CacheTTL time.Duration
	// SharedEndpointID receives aliased traffic from non-special endpoints.
	SharedEndpointID string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Resolver resolves function bindings against a ConfigSource.
type Resolver struct {
	source   ConfigSource
	shared   string
	cache    *cache[Resolution]
	settings *cache[models.Settings]
	logger   zerolog.Logger
}

// New creates a resolver. Zero-value options fall back to a 300s TTL and
// shared endpoint "1".
func New(source ConfigSource, opts Options) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 300 * time.Second
	}
	if opts.SharedEndpointID == "" {
		opts.SharedEndpointID = "1"
	}
	return &Resolver{
		source:   source,
		shared:   opts.SharedEndpointID,
		cache:    newCache[Resolution](opts.CacheTTL, opts.Now),
		settings: newCache[models.Settings](opts.CacheTTL, opts.Now),
		logger:   observability.Logger("resolver"),
	}
}

// AliasEndpoint maps an endpoint ID to the one resolution actually uses.
// "0" is passed through untouched; an endpoint that is missing or not
// marked special aliases to the shared endpoint.
func (r *Resolver) AliasEndpoint(ctx context.Context, endpointID string) string {
	if endpointID == DirectEndpointID {
		return endpointID
	}
	ep, err := r.source.GetEndpoint(ctx, endpointID)
	if err != nil || !ep.SpecialConnection {
		return r.shared
	}
	return endpointID
}

// Resolve maps (endpointID, apiKey, functionName, method) to the merged
// settings and descriptor for the unique matching binding. method may be
// empty, which skips the method membership check. Results are cached by
// the full key; failures are recomputed on every call.
func (r *Resolver) Resolve(ctx context.Context, endpointID, apiKey, functionName, method string) (models.Settings, *models.FunctionDescriptor, error) {
	key := strings.Join([]string{endpointID, functionName, apiKey, method}, "|")
	if res, ok := r.cache.get(key); ok {
		return res.Settings, res.Descriptor, nil
	}

	res, err := r.resolve(ctx, endpointID, apiKey, functionName, method)
	if err != nil {
		return nil, nil, err
	}
	r.cache.put(key, res)
	return res.Settings, res.Descriptor, nil
}

func (r *Resolver) resolve(ctx context.Context, endpointID, apiKey, functionName, method string) (Resolution, error) {
	effective := r.AliasEndpoint(ctx, endpointID)
	if effective != endpointID {
		r.logger.Debug().
			Str("endpoint_id", endpointID).
			Str("aliased_to", effective).
			Msg("aliased endpoint to shared connection")
	}

	conn, err := r.source.GetConnection(ctx, effective, apiKey)
	if err != nil {
		return Resolution{}, err
	}

	var binding *models.FunctionBinding
	for i := range conn.Functions {
		if conn.Functions[i].FunctionName != functionName {
			continue
		}
		if binding != nil {
			return Resolution{}, models.Errorf(models.ErrNotFound,
				"function %s is bound more than once for endpoint %s", functionName, effective)
		}
		binding = &conn.Functions[i]
	}
	if binding == nil {
		return Resolution{}, models.Errorf(models.ErrNotFound,
			"function %s is not bound for endpoint %s", functionName, effective)
	}

	descriptor, err := r.source.GetFunction(ctx, binding.RemoteTarget, binding.FunctionName)
	if err != nil {
		return Resolution{}, err
	}

	if method != "" && !slices.Contains(descriptor.Config.Methods, method) {
		return Resolution{}, models.Errorf(models.ErrMethodNotSupported,
			"method %s not supported by function %s", method, functionName)
	}

	base, err := r.Setting(ctx, descriptor.Config.SettingID)
	if err != nil {
		return Resolution{}, err
	}
	override, err := r.Setting(ctx, binding.SettingID)
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{Settings: base.Merge(override), Descriptor: descriptor}, nil
}

// Setting fetches a setting document through the settings cache. An empty
// setting ID yields an empty map.
func (r *Resolver) Setting(ctx context.Context, settingID string) (models.Settings, error) {
	if settingID == "" {
		return models.Settings{}, nil
	}
	if s, ok := r.settings.get(settingID); ok {
		return s, nil
	}
	s, err := r.source.GetSetting(ctx, settingID)
	if err != nil {
		return nil, err
	}
	r.settings.put(settingID, s)
	return s, nil
}
