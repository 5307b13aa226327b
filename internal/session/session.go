// Package session manages the WebSocket connection lifecycle: connect
// (with optional gateway authorization), message streaming to resolved
// functions, and disconnect.
package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/authorizer"
	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/internal/invoker"
	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/resolver"
	"github.com/routeflow/dispatch/pkg/models"
)

// Sessions is the persistence surface. *store.Store satisfies it.
type Sessions interface {
	PutSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, endpointID, connectionID string) (*models.Session, error)
	FindSessionByConnectionID(ctx context.Context, connectionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, endpointID, connectionID string) error
	QueryExpiredSessions(ctx context.Context, endpointID string, cutoff time.Time, identity string) ([]*models.Session, error)
}

// Options tunes the session store.
type Options struct {
	// Retention bounds how long an untouched session survives before the
	// connect-time sweep removes it. Zero falls back to 24h.
	Retention time.Duration
	// ContextProvider supplies the plugin context propagated to invoked
	// functions. May be nil.
	ContextProvider func() map[string]any
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store routes WebSocket lifecycle events.
type Store struct {
	sessions  Sessions
	resolver  *resolver.Resolver
	gateway   *authorizer.Gateway
	invoker   *invoker.Invoker
	retention time.Duration
	provider  func() map[string]any
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates the session store.
func New(sessions Sessions, res *resolver.Resolver, gw *authorizer.Gateway, inv *invoker.Invoker, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		sessions:  sessions,
		resolver:  res,
		gateway:   gw,
		invoker:   inv,
		retention: opts.Retention,
		provider:  opts.ContextProvider,
		now:       opts.Now,
		logger:    observability.Logger("session"),
	}
}

// Connect handles the $connect route. Authorizer-shaped events yield the
// gateway's decision without creating a session; otherwise a session is
// upserted when both API key and endpoint id are present, followed by a
// retention sweep of stale sessions for the same identity.
func (s *Store) Connect(ctx context.Context, ev *event.Event) (any, error) {
	if authorizer.IsAuthorizationEvent(ev) {
		settings, err := s.resolver.Setting(ctx, ev.DefaultSettingIndex())
		if err != nil {
			settings = models.Settings{}
		}
		return s.gateway.Authorize(ctx, ev, settings, nil), nil
	}

	connectionID := ev.ConnectionID()
	if connectionID == "" {
		return nil, models.NewError(models.ErrValidation, "connect event has no connection id")
	}

	apiKey := ev.APIKey()
	endpointID := ev.EndpointID()
	if apiKey == "" || apiKey == event.AnonymousAPIKey || endpointID == "" {
		// Anonymous connections are accepted but leave no record.
		return models.NewEnvelope(200, ""), nil
	}

	data := map[string]any{}
	for k, v := range ev.QueryStringParameters() {
		data[k] = v
	}
	for k, v := range ev.AuthorizedIdentity() {
		data[k] = v
	}

	now := s.now()
	sess := &models.Session{
		EndpointID:   endpointID,
		ConnectionID: connectionID,
		APIKey:       apiKey,
		Area:         ev.Area(),
		Data:         data,
		Status:       models.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	s.sweep(ctx, endpointID, sess.Identity())

	logger := observability.WithConnection(observability.WithEndpoint(s.logger, endpointID), connectionID)
	logger.Debug().Interface("data", observability.SanitizeForLog(data)).Msg("session data stored")
	logger.Info().Msg("session connected")
	return models.NewEnvelope(200, ""), nil
}

// sweep removes sessions untouched for longer than the retention window,
// scoped to one identity when known. Failures are logged only; a sweep
// must never fail the connect that triggered it.
func (s *Store) sweep(ctx context.Context, endpointID, identity string) {
	cutoff := s.now().Add(-s.retention)
	stale, err := s.sessions.QueryExpiredSessions(ctx, endpointID, cutoff, identity)
	if err != nil {
		s.logger.Warn().Err(err).Msg("session sweep query failed")
		return
	}
	for _, old := range stale {
		if err := s.sessions.DeleteSession(ctx, old.EndpointID, old.ConnectionID); err != nil {
			s.logger.Warn().Err(err).
				Str("connection_id", old.ConnectionID).
				Msg("failed to delete stale session")
		}
	}
	if len(stale) > 0 {
		s.logger.Info().Int("removed", len(stale)).Msg("swept stale sessions")
	}
}

// Stream handles an in-band message: looks up the session, parses the
// {funct, payload} body, resolves the target and invokes it with the
// stored session data as metadata.
func (s *Store) Stream(ctx context.Context, ev *event.Event) (models.Envelope, error) {
	sess, err := s.sessions.FindSessionByConnectionID(ctx, ev.ConnectionID())
	if err != nil {
		return models.Envelope{}, err
	}

	body := ev.Body()
	funct, _ := body["funct"].(string)
	if funct == "" {
		return models.Envelope{}, models.NewError(models.ErrValidation, "stream message has no funct")
	}
	payload, _ := body["payload"].(map[string]any)

	settings, descriptor, err := s.resolver.Resolve(ctx, sess.EndpointID, sess.APIKey, funct, "")
	if err != nil {
		return models.Envelope{}, err
	}

	metadata := map[string]any{}
	for k, v := range sess.Data {
		metadata[k] = v
	}
	for k, v := range ev.QueryStringParameters() {
		metadata[k] = v
	}
	params := event.FilterMetadata(metadata, settings)
	for k, v := range payload {
		params[k] = v
	}
	params["connection_id"] = sess.ConnectionID
	params["endpoint_id"] = sess.EndpointID

	var callCtx map[string]any
	if s.provider != nil {
		callCtx = s.provider()
	}
	out, err := s.invoker.InvokeRemote(ctx, descriptor.RemoteTarget, &invoker.Payload{
		ModuleRef: descriptor.Config.ModuleRef,
		ClassName: descriptor.Config.ClassName,
		Funct:     funct,
		Setting:   settings,
		Params:    params,
		Context:   callCtx,
	}, descriptor.Config.FunctType)
	if err != nil {
		return models.Envelope{}, err
	}

	sess.UpdatedAt = s.now()
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		s.logger.Warn().Err(err).Str("connection_id", sess.ConnectionID).Msg("failed to touch session")
	}
	return models.NewEnvelope(200, string(out)), nil
}

// Disconnect handles the $disconnect route: the session is marked inactive
// and its updatedAt touched, so the retention sweep reclaims it later. A
// missing session is not an error; disconnect is idempotent.
func (s *Store) Disconnect(ctx context.Context, ev *event.Event) (models.Envelope, error) {
	sess, err := s.sessions.FindSessionByConnectionID(ctx, ev.ConnectionID())
	if err != nil {
		if models.IsNotFound(err) {
			return models.NewEnvelope(200, ""), nil
		}
		return models.Envelope{}, err
	}

	sess.Status = models.SessionInactive
	sess.UpdatedAt = s.now()
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return models.Envelope{}, err
	}

	disconnectLogger := observability.WithConnection(observability.WithEndpoint(s.logger, sess.EndpointID), sess.ConnectionID)
	disconnectLogger.Info().Msg("session disconnected")
	return models.NewEnvelope(200, ""), nil
}
