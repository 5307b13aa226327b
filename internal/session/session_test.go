package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/routeflow/dispatch/internal/authorizer"
	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/internal/invoker"
	"github.com/routeflow/dispatch/internal/registry"
	"github.com/routeflow/dispatch/internal/resolver"
	"github.com/routeflow/dispatch/internal/store"
	"github.com/routeflow/dispatch/pkg/models"
)

type remoteCall struct {
	target  string
	payload *invoker.Payload
	mode    models.FunctType
}

type fakeRemote struct {
	calls []remoteCall
	reply []byte
}

func (f *fakeRemote) Invoke(_ context.Context, target string, payload *invoker.Payload, mode models.FunctType) ([]byte, error) {
	f.calls = append(f.calls, remoteCall{target: target, payload: payload, mode: mode})
	return f.reply, nil
}

type fixture struct {
	store   *store.Store
	remote  *fakeRemote
	manager *Store
	now     time.Time
}

func testFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	if err := st.PutEndpoint(ctx, &models.Endpoint{ID: "5", SpecialConnection: true}); err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
	if err := st.PutConnection(ctx, &models.Connection{
		EndpointID: "5",
		APIKey:     "key-a",
		Functions: []models.FunctionBinding{
			{RemoteTarget: "core-worker", FunctionName: "place_order"},
		},
	}); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	if err := st.PutFunction(ctx, &models.FunctionDescriptor{
		RemoteTarget: "core-worker",
		FunctionName: "place_order",
		Config: models.FunctionConfig{
			ModuleRef: "orders.handlers",
			ClassName: "OrderHandler",
			FunctType: models.FunctTypeRequestResponse,
			Methods:   []string{"POST"},
		},
	}); err != nil {
		t.Fatalf("seed function: %v", err)
	}

	f := &fixture{
		store:  st,
		remote: &fakeRemote{reply: []byte(`{"ok": true}`)},
		now:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	reg := registry.New()
	reg.Register("authorizer", "Authorizer", func(registry.Args) (registry.Capability, error) {
		return registry.FuncMap{
			"authorize": func(context.Context, map[string]any) (any, error) { return true, nil },
		}, nil
	})
	inv := invoker.New(reg, f.remote)
	res := resolver.New(st, resolver.Options{})

	f.manager = New(st, res, authorizer.New(inv), inv, Options{
		Retention: 24 * time.Hour,
		Now:       func() time.Time { return f.now },
	})
	return f
}

func parseEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	ev, err := event.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	return ev
}

func connectEvent(t *testing.T, connectionID string) *event.Event {
	return parseEvent(t, `{
		"requestContext": {
			"connectionId": "`+connectionID+`",
			"routeKey": "$connect",
			"authorizer": {"email": "ops@acme.io"}
		},
		"queryStringParameters": {"endpoint_id": "5", "api_key": "key-a"}
	}`)
}

func TestConnect_CreatesSession(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	out, err := f.manager.Connect(ctx, connectEvent(t, "Conn-1"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env, ok := out.(models.Envelope)
	if !ok || env.StatusCode != 200 {
		t.Fatalf("out = %#v, want a 200 envelope", out)
	}

	sess, err := f.store.GetSession(ctx, "5", "conn-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != models.SessionActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
	if sess.APIKey != "key-a" || sess.Area != "core" {
		t.Errorf("session = %+v", sess)
	}
	if sess.Identity() != "ops@acme.io" {
		t.Errorf("identity = %s", sess.Identity())
	}
}

func TestConnect_SweepsStaleSessionsForIdentity(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	stale := f.now.Add(-48 * time.Hour)

	seed := func(connectionID, email string) {
		t.Helper()
		err := f.store.PutSession(ctx, &models.Session{
			EndpointID:   "5",
			ConnectionID: connectionID,
			APIKey:       "key-a",
			Area:         "core",
			Data:         map[string]any{"email": email},
			Status:       models.SessionActive,
			CreatedAt:    stale,
			UpdatedAt:    stale,
		})
		if err != nil {
			t.Fatalf("seed session %s: %v", connectionID, err)
		}
	}
	seed("old-same", "ops@acme.io")
	seed("old-other", "someone@else.io")

	if _, err := f.manager.Connect(ctx, connectEvent(t, "conn-2")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := f.store.GetSession(ctx, "5", "old-same"); !models.IsNotFound(err) {
		t.Errorf("stale session for same identity survived the sweep: %v", err)
	}
	if _, err := f.store.GetSession(ctx, "5", "old-other"); err != nil {
		t.Errorf("sweep removed another identity's session: %v", err)
	}
}

func TestConnect_AuthorizerShapedEvent(t *testing.T) {
	f := testFixture(t)
	ev := parseEvent(t, `{
		"type": "REQUEST",
		"methodArn": "arn:aws:execute-api:us-east-1:123456789012:api/beta/GET/connect",
		"requestContext": {"identity": {"apiKey": "key-a"}}
	}`)

	out, err := f.manager.Connect(context.Background(), ev)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	decision, ok := out.(*models.Decision)
	if !ok {
		t.Fatalf("out = %#v, want a decision", out)
	}
	if decision.Effect() != models.EffectAllow {
		t.Errorf("effect = %s, want Allow", decision.Effect())
	}
}

func TestConnect_AnonymousLeavesNoRecord(t *testing.T) {
	f := testFixture(t)
	ev := parseEvent(t, `{
		"requestContext": {"connectionId": "anon-1", "routeKey": "$connect"},
		"queryStringParameters": {"endpoint_id": "5"}
	}`)

	out, err := f.manager.Connect(context.Background(), ev)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if env, ok := out.(models.Envelope); !ok || env.StatusCode != 200 {
		t.Fatalf("out = %#v", out)
	}
	if _, err := f.store.GetSession(context.Background(), "5", "anon-1"); !models.IsNotFound(err) {
		t.Errorf("anonymous connect created a session: %v", err)
	}
}

func TestStream_InvokesResolvedFunction(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Connect(ctx, connectEvent(t, "conn-1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.now = f.now.Add(5 * time.Minute)
	ev := parseEvent(t, `{
		"requestContext": {"connectionId": "conn-1", "routeKey": "stream"},
		"body": "{\"funct\": \"place_order\", \"payload\": {\"sku\": \"a-1\"}}"
	}`)
	env, err := f.manager.Stream(ctx, ev)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if env.StatusCode != 200 || env.Body != `{"ok": true}` {
		t.Errorf("envelope = %+v", env)
	}

	if len(f.remote.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1", len(f.remote.calls))
	}
	call := f.remote.calls[0]
	if call.target != "core-worker" || call.mode != models.FunctTypeRequestResponse {
		t.Errorf("call = %+v", call)
	}
	if call.payload.Funct != "place_order" || call.payload.ModuleRef != "orders.handlers" {
		t.Errorf("payload = %+v", call.payload)
	}
	if call.payload.Params["sku"] != "a-1" || call.payload.Params["connection_id"] != "conn-1" {
		t.Errorf("params = %v", call.payload.Params)
	}

	sess, err := f.store.GetSession(ctx, "5", "conn-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.UpdatedAt.Equal(f.now) {
		t.Errorf("updatedAt = %s, want %s", sess.UpdatedAt, f.now)
	}
}

func TestStream_UnknownConnection(t *testing.T) {
	f := testFixture(t)
	ev := parseEvent(t, `{
		"requestContext": {"connectionId": "ghost", "routeKey": "stream"},
		"body": "{\"funct\": \"place_order\"}"
	}`)
	_, err := f.manager.Stream(context.Background(), ev)
	if !models.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestStream_MissingFunct(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Connect(ctx, connectEvent(t, "conn-1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := parseEvent(t, `{
		"requestContext": {"connectionId": "conn-1", "routeKey": "stream"},
		"body": "{\"payload\": {}}"
	}`)
	_, err := f.manager.Stream(ctx, ev)
	if models.CodeOf(err) != models.ErrValidation {
		t.Errorf("code = %s, want %s", models.CodeOf(err), models.ErrValidation)
	}
}

func TestDisconnect_MarksInactive(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	if _, err := f.manager.Connect(ctx, connectEvent(t, "conn-1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f.now = f.now.Add(time.Hour)
	ev := parseEvent(t, `{"requestContext": {"connectionId": "conn-1", "routeKey": "$disconnect"}}`)
	env, err := f.manager.Disconnect(ctx, ev)
	if err != nil || env.StatusCode != 200 {
		t.Fatalf("Disconnect = %+v, %v", env, err)
	}

	sess, err := f.store.GetSession(ctx, "5", "conn-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != models.SessionInactive {
		t.Errorf("status = %s, want inactive", sess.Status)
	}
	if !sess.UpdatedAt.Equal(f.now) {
		t.Errorf("updatedAt not touched: %s", sess.UpdatedAt)
	}
}

func TestDisconnect_UnknownConnectionIsIdempotent(t *testing.T) {
	f := testFixture(t)
	ev := parseEvent(t, `{"requestContext": {"connectionId": "ghost", "routeKey": "$disconnect"}}`)
	env, err := f.manager.Disconnect(context.Background(), ev)
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if env.StatusCode != 200 {
		t.Errorf("status = %d, want 200", env.StatusCode)
	}
}
