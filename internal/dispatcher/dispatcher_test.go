package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/routeflow/dispatch/internal/authorizer"
	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/internal/invoker"
	"github.com/routeflow/dispatch/internal/queue"
	"github.com/routeflow/dispatch/internal/registry"
	"github.com/routeflow/dispatch/internal/resolver"
	"github.com/routeflow/dispatch/internal/session"
	"github.com/routeflow/dispatch/pkg/models"
)

// fakeSource is an in-memory resolver.ConfigSource.
type fakeSource struct {
	endpoints   map[string]*models.Endpoint
	connections map[string]*models.Connection
	functions   map[string]*models.FunctionDescriptor
	settings    map[string]models.Settings
}

func (f *fakeSource) GetEndpoint(_ context.Context, id string) (*models.Endpoint, error) {
	if ep, ok := f.endpoints[id]; ok {
		return ep, nil
	}
	return nil, models.Errorf(models.ErrNotFound, "endpoint %s not found", id)
}

func (f *fakeSource) GetConnection(_ context.Context, endpointID, apiKey string) (*models.Connection, error) {
	if c, ok := f.connections[endpointID+"|"+apiKey]; ok {
		return c, nil
	}
	return nil, models.Errorf(models.ErrNotFound, "connection not found")
}

func (f *fakeSource) GetFunction(_ context.Context, remoteTarget, functionName string) (*models.FunctionDescriptor, error) {
	if fd, ok := f.functions[remoteTarget+"|"+functionName]; ok {
		return fd, nil
	}
	return nil, models.Errorf(models.ErrNotFound, "function %s not found", functionName)
}

func (f *fakeSource) GetSetting(_ context.Context, settingID string) (models.Settings, error) {
	if s, ok := f.settings[settingID]; ok {
		return s, nil
	}
	return nil, models.Errorf(models.ErrNotFound, "setting %s not found", settingID)
}

type remoteCall struct {
	target  string
	payload *invoker.Payload
	mode    models.FunctType
}

type fakeRemote struct {
	calls []remoteCall
	reply []byte
	fail  error
}

func (f *fakeRemote) Invoke(_ context.Context, target string, payload *invoker.Payload, mode models.FunctType) ([]byte, error) {
	f.calls = append(f.calls, remoteCall{target: target, payload: payload, mode: mode})
	if f.fail != nil {
		return nil, f.fail
	}
	return f.reply, nil
}

func (f *fakeRemote) callsTo(funct string) []remoteCall {
	var out []remoteCall
	for _, c := range f.calls {
		if c.payload.Funct == funct {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	source  *fakeSource
	remote  *fakeRemote
	memq    *queue.MemoryQueue
	alerts  *queue.MemoryAlerts
	reg     *registry.Registry
	tasks   *Tasks
	handler *Dispatcher
}

func descriptor(funct string, functType models.FunctType, extra func(*models.FunctionConfig)) *models.FunctionDescriptor {
	fd := &models.FunctionDescriptor{
		RemoteTarget: "core-worker",
		FunctionName: funct,
		Area:         "core",
		Config: models.FunctionConfig{
			ModuleRef: "orders.handlers",
			ClassName: "OrderHandler",
			FunctType: functType,
			Methods:   []string{"GET", "POST"},
		},
	}
	if extra != nil {
		extra(&fd.Config)
	}
	return fd
}

func testFixture(t *testing.T) *fixture {
	t.Helper()

	bindings := []models.FunctionBinding{
		{RemoteTarget: "core-worker", FunctionName: "place_order"},
		{RemoteTarget: "core-worker", FunctionName: "sync_orders"},
		{RemoteTarget: "core-worker", FunctionName: "process_upload"},
		{RemoteTarget: "core-worker", FunctionName: "order_changed"},
		{RemoteTarget: "core-worker", FunctionName: "notify"},
		{RemoteTarget: "core-worker", FunctionName: "orderbot_dispatch"},
		{RemoteTarget: "core-worker", FunctionName: "updateSyncTask"},
	}
	source := &fakeSource{
		endpoints: map[string]*models.Endpoint{
			"5": {ID: "5", SpecialConnection: true},
		},
		connections: map[string]*models.Connection{
			"5|key-a": {EndpointID: "5", APIKey: "key-a", Functions: bindings},
			"5|" + event.AnonymousAPIKey: {EndpointID: "5", APIKey: event.AnonymousAPIKey, Functions: bindings},
			"0|" + event.AnonymousAPIKey: {EndpointID: "0", APIKey: event.AnonymousAPIKey, Functions: bindings},
		},
		functions: map[string]*models.FunctionDescriptor{
			"core-worker|place_order":       descriptor("place_order", models.FunctTypeRequestResponse, nil),
			"core-worker|sync_orders":       descriptor("sync_orders", models.FunctTypeEvent, nil),
			"core-worker|process_upload":    descriptor("process_upload", models.FunctTypeEvent, nil),
			"core-worker|order_changed":     descriptor("order_changed", models.FunctTypeEvent, nil),
			"core-worker|notify":            descriptor("notify", models.FunctTypeEvent, nil),
			"core-worker|orderbot_dispatch": descriptor("orderbot_dispatch", models.FunctTypeEvent, nil),
			"core-worker|updateSyncTask":    descriptor("updateSyncTask", models.FunctTypeEvent, nil),
		},
		settings: map[string]models.Settings{},
	}

	f := &fixture{
		source: source,
		remote: &fakeRemote{reply: []byte(`{"ok": true}`)},
		memq:   queue.NewMemoryQueue(),
		alerts: &queue.MemoryAlerts{},
		reg:    registry.New(),
	}

	f.reg.Register("authorizer", "Authorizer", func(registry.Args) (registry.Capability, error) {
		return registry.FuncMap{
			"authorize": func(context.Context, map[string]any) (any, error) { return true, nil },
			"verify_permission": func(context.Context, map[string]any) (any, error) {
				return map[string]any{"role": "admin"}, nil
			},
		}, nil
	})

	res := resolver.New(source, resolver.Options{})
	inv := invoker.New(f.reg, f.remote)
	gw := authorizer.New(inv)
	sessions := session.New(sessionStore{}, res, gw, inv, session.Options{})
	f.tasks = NewTasks(res, inv, f.memq, f.alerts, TasksOptions{MaxMessages: 3})
	f.handler = New(res, inv, invoker.NewWorker(f.reg), gw, sessions, f.tasks, nil)
	return f
}

// sessionStore is a no-op Sessions implementation; WebSocket routing has
// its own tests in the session package.
type sessionStore struct{}

func (sessionStore) PutSession(context.Context, *models.Session) error { return nil }
func (sessionStore) GetSession(context.Context, string, string) (*models.Session, error) {
	return nil, models.NewError(models.ErrNotFound, "no session")
}
func (sessionStore) FindSessionByConnectionID(context.Context, string) (*models.Session, error) {
	return nil, models.NewError(models.ErrNotFound, "no session")
}
func (sessionStore) DeleteSession(context.Context, string, string) error { return nil }
func (sessionStore) QueryExpiredSessions(context.Context, string, time.Time, string) ([]*models.Session, error) {
	return nil, nil
}

func TestDrain_TerminatesWithOneCompletionSignal(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()

	const total = 7
	for i := 0; i < total; i++ {
		if err := f.memq.Push(ctx, "orders-sync", queue.Message{ID: strconv.Itoa(i)}); err != nil {
			t.Fatalf("seed queue: %v", err)
		}
	}

	task := &Task{EndpointID: "5", Funct: "sync_orders", QueueName: "orders-sync"}
	if err := f.tasks.Submit(ctx, task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cycles, err := f.tasks.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 7 messages at batch size 3 drain in ceil(7/3) = 3 cycles.
	if cycles != 3 {
		t.Errorf("cycles = %d, want 3", cycles)
	}
	batches := f.remote.callsTo("sync_orders")
	if len(batches) != 3 {
		t.Fatalf("batch dispatches = %d, want 3", len(batches))
	}
	delivered := 0
	for _, c := range batches {
		delivered += len(c.payload.Params["data"].([]map[string]any))
	}
	if delivered != total {
		t.Errorf("delivered = %d, want %d", delivered, total)
	}

	completions := f.remote.callsTo("updateSyncTask")
	if len(completions) != 1 {
		t.Fatalf("completion signals = %d, want 1", len(completions))
	}
	if completions[0].payload.Params["id"] != "orders-sync" {
		t.Errorf("completion params = %v", completions[0].payload.Params)
	}
	if f.memq.Exists("orders-sync") {
		t.Error("drained queue was not deleted")
	}
	if f.alerts.Count() != 0 {
		t.Errorf("alerts = %d, want 0", f.alerts.Count())
	}
}

func TestHandleTask_FailureAlertsAndRetries(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	f.remote.fail = models.NewError(models.ErrRemoteInvocation, "worker down")

	if err := f.memq.Push(ctx, "orders-sync", queue.Message{ID: "1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	task := &Task{EndpointID: "5", Funct: "sync_orders", QueueName: "orders-sync"}
	if err := f.tasks.HandleTask(ctx, task); err != nil {
		t.Fatalf("queue drain failure must be swallowed, got %v", err)
	}
	if f.alerts.Count() != 1 {
		t.Errorf("alerts = %d, want 1", f.alerts.Count())
	}
	if n, _ := f.memq.TotalCount(ctx, "dispatch:tasks"); n != 1 {
		t.Errorf("control queue = %d tasks, want 1 (retry resubmitted)", n)
	}

	// A plain task re-raises instead.
	if err := f.tasks.HandleTask(ctx, &Task{EndpointID: "5", Funct: "place_order"}); err == nil {
		t.Error("plain task failure must propagate")
	}
	if f.alerts.Count() != 2 {
		t.Errorf("alerts = %d, want 2", f.alerts.Count())
	}
}

func TestHandle_HTTPRequest(t *testing.T) {
	f := testFixture(t)
	env := f.handler.Handle(context.Background(), []byte(`{
		"requestContext": {"resourcePath": "/core/{proxy+}", "httpMethod": "POST", "stage": "beta"},
		"pathParameters": {"endpoint_id": "5", "area": "core", "proxy": "place_order"},
		"headers": {"x-api-key": "key-a"},
		"queryStringParameters": {"limit": "10"},
		"body": "{\"sku\": \"a-1\"}"
	}`))
	if env.StatusCode != 200 {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Body != `{"ok": true}` {
		t.Errorf("body = %s", env.Body)
	}

	if len(f.remote.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1", len(f.remote.calls))
	}
	call := f.remote.calls[0]
	if call.target != "core-worker" || call.payload.Funct != "place_order" {
		t.Errorf("call = %+v", call)
	}
	if call.payload.Params["limit"] != "10" {
		t.Errorf("params = %v", call.payload.Params)
	}
	if call.payload.Body != `{"sku": "a-1"}` {
		t.Errorf("payload body = %s", call.payload.Body)
	}
}

func TestHandle_HTTPUnknownFunction(t *testing.T) {
	f := testFixture(t)
	env := f.handler.Handle(context.Background(), []byte(`{
		"requestContext": {"resourcePath": "/core/{proxy+}", "httpMethod": "GET"},
		"pathParameters": {"endpoint_id": "5", "proxy": "no_such_funct"},
		"headers": {"x-api-key": "key-a"}
	}`))
	if env.StatusCode != 404 {
		t.Errorf("status = %d, want 404: %s", env.StatusCode, env.Body)
	}
	if !strings.Contains(env.Body, "error") {
		t.Errorf("body = %s", env.Body)
	}
}

func TestHandle_HTTPAuthRequired(t *testing.T) {
	f := testFixture(t)
	f.source.functions["core-worker|place_order"] = descriptor("place_order",
		models.FunctTypeRequestResponse, func(c *models.FunctionConfig) { c.AuthRequired = true })

	env := f.handler.Handle(context.Background(), []byte(`{
		"requestContext": {"resourcePath": "/core/{proxy+}", "httpMethod": "POST"},
		"pathParameters": {"endpoint_id": "5", "proxy": "place_order"},
		"headers": {"x-api-key": "key-a"},
		"body": "{}"
	}`))
	if env.StatusCode != 200 {
		t.Fatalf("envelope = %+v", env)
	}
	call := f.remote.calls[len(f.remote.calls)-1]
	if call.payload.Context["role"] != "admin" {
		t.Errorf("verified permissions not merged into context: %v", call.payload.Context)
	}
}

func TestHandle_HTTPAuthRequiredBodylessSkipsVerification(t *testing.T) {
	f := testFixture(t)
	f.source.functions["core-worker|place_order"] = descriptor("place_order",
		models.FunctTypeRequestResponse, func(c *models.FunctionConfig) { c.AuthRequired = true })
	f.reg.Register("authorizer", "Authorizer", func(registry.Args) (registry.Capability, error) {
		return registry.FuncMap{
			"verify_permission": func(context.Context, map[string]any) (any, error) {
				return nil, models.NewError(models.ErrAuthorizationDenied, "no grant")
			},
		}, nil
	})

	env := f.handler.Handle(context.Background(), []byte(`{
		"requestContext": {"resourcePath": "/core/{proxy+}", "httpMethod": "GET"},
		"pathParameters": {"endpoint_id": "5", "proxy": "place_order"},
		"headers": {"x-api-key": "key-a"}
	}`))
	if env.StatusCode != 200 {
		t.Fatalf("bodyless request must skip permission verification: %+v", env)
	}
	if len(f.remote.calls) != 1 {
		t.Fatalf("remote calls = %d, want 1", len(f.remote.calls))
	}
	if _, ok := f.remote.calls[0].payload.Context["role"]; ok {
		t.Errorf("context carries permissions that were never verified: %v", f.remote.calls[0].payload.Context)
	}
}

func TestHandle_WebSocketInvalidRoute(t *testing.T) {
	f := testFixture(t)
	env := f.handler.Handle(context.Background(), []byte(`{
		"requestContext": {"connectionId": "conn-1", "routeKey": "$default"}
	}`))
	if env.StatusCode != 400 {
		t.Errorf("status = %d, want 400: %s", env.StatusCode, env.Body)
	}
	if !strings.Contains(env.Body, "invalid websocket route") {
		t.Errorf("body = %s", env.Body)
	}

	// The stream route still reaches the session store; with no session
	// on record it reports not found rather than an invalid route.
	env = f.handler.Handle(context.Background(), []byte(`{
		"requestContext": {"connectionId": "conn-1", "routeKey": "stream"},
		"body": "{\"funct\": \"place_order\"}"
	}`))
	if env.StatusCode != 404 {
		t.Errorf("stream status = %d, want 404: %s", env.StatusCode, env.Body)
	}
}

func authorizerEvent(funct string) []byte {
	return []byte(`{
		"type": "REQUEST",
		"methodArn": "arn:aws:execute-api:us-east-1:123456789012:api/beta/GET/orders",
		"requestContext": {"resourcePath": "/core/{proxy+}", "httpMethod": "GET", "identity": {"apiKey": "key-a"}},
		"pathParameters": {"endpoint_id": "5", "area": "core", "proxy": "` + funct + `"}
	}`)
}

func decodeDecision(t *testing.T, env models.Envelope) models.Decision {
	t.Helper()
	if env.StatusCode != 200 {
		t.Fatalf("envelope = %+v", env)
	}
	var decision models.Decision
	if err := json.Unmarshal([]byte(env.Body), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	return decision
}

func TestHandle_AuthorizerShapedEvent(t *testing.T) {
	f := testFixture(t)
	f.source.functions["core-worker|place_order"] = descriptor("place_order",
		models.FunctTypeRequestResponse, func(c *models.FunctionConfig) { c.AuthRequired = true })

	decision := decodeDecision(t, f.handler.Handle(context.Background(), authorizerEvent("place_order")))
	if decision.Effect() != models.EffectAllow {
		t.Errorf("effect = %s, want Allow", decision.Effect())
	}
	if decision.PrincipalID != "key-a" {
		t.Errorf("principal = %s, want key-a", decision.PrincipalID)
	}
}

func TestHandle_AuthorizerEventWithoutAuthRequirement(t *testing.T) {
	f := testFixture(t)
	// The authorizer capability is unavailable: a function that does not
	// require authorization must still be admitted.
	f.reg.Register("authorizer", "Authorizer", func(registry.Args) (registry.Capability, error) {
		return nil, models.NewError(models.ErrConfig, "authorizer unavailable")
	})

	decision := decodeDecision(t, f.handler.Handle(context.Background(), authorizerEvent("place_order")))
	if decision.Effect() != models.EffectAllow {
		t.Errorf("effect = %s, want Allow: context %v", decision.Effect(), decision.Context)
	}
	if len(f.remote.calls) != 0 {
		t.Errorf("authorization must not invoke the function, got %d calls", len(f.remote.calls))
	}
}

func TestHandle_AuthorizerEventUnknownFunctionDenies(t *testing.T) {
	f := testFixture(t)
	decision := decodeDecision(t, f.handler.Handle(context.Background(), authorizerEvent("no_such_funct")))
	if decision.Effect() != models.EffectDeny {
		t.Fatalf("effect = %s, want Deny", decision.Effect())
	}
	if msg, _ := decision.Context["error_message"].(string); msg == "" {
		t.Errorf("deny context = %v, want error_message", decision.Context)
	}
}

func TestHandle_GraphQLErrorsBecome500(t *testing.T) {
	f := testFixture(t)
	f.source.functions["core-worker|place_order"] = descriptor("place_order",
		models.FunctTypeRequestResponse, func(c *models.FunctionConfig) { c.GraphQL = true })
	f.remote.reply = []byte(`{"data": null, "errors": [{"message": "boom"}]}`)

	env := f.handler.Handle(context.Background(), []byte(`{
		"requestContext": {"resourcePath": "/core/{proxy+}", "httpMethod": "POST"},
		"pathParameters": {"endpoint_id": "5", "proxy": "place_order"},
		"headers": {"x-api-key": "key-a"},
		"body": "{}"
	}`))
	if env.StatusCode != 500 {
		t.Errorf("status = %d, want 500", env.StatusCode)
	}
}

func TestHandle_DirectInvocation(t *testing.T) {
	f := testFixture(t)
	f.reg.RegisterFuncs("orders.tools", registry.FuncMap{
		"recount": func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"count": 2, "echo": params["order_id"]}, nil
		},
	})

	env := f.handler.Handle(context.Background(), []byte(`{
		"__type": "invocation",
		"context": {},
		"module_ref": "orders.tools",
		"class_name": "",
		"function_name": "recount",
		"params": {"order_id": "o-9"}
	}`))
	if env.StatusCode != 200 {
		t.Fatalf("envelope = %+v", env)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(env.Body), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if out["echo"] != "o-9" {
		t.Errorf("out = %v", out)
	}
}

func TestHandle_ObjectStorageEvent(t *testing.T) {
	f := testFixture(t)
	env := f.handler.Handle(context.Background(), []byte(`{
		"Records": [{
			"s3": {
				"bucket": {"name": "tenant-uploads"},
				"object": {"key": "5/process_upload/report.csv"}
			}
		}]
	}`))
	if env.StatusCode != 200 {
		t.Fatalf("envelope = %+v", env)
	}
	calls := f.remote.callsTo("process_upload")
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].payload.Params["id"] != "report.csv" {
		t.Errorf("params = %v", calls[0].payload.Params)
	}
}

func TestHandle_QueueEventDrains(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	if err := f.memq.Push(ctx, "orders-sync", queue.Message{ID: "m-1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	env := f.handler.Handle(ctx, []byte(`{
		"Records": [{
			"eventSource": "aws:sqs",
			"eventSourceARN": "arn:aws:sqs:us-east-1:123456789012:orders-sync",
			"body": "{}",
			"messageAttributes": {
				"endpoint_id": {"stringValue": "5"},
				"funct": {"stringValue": "sync_orders"}
			}
		}]
	}`))
	if env.StatusCode != 200 {
		t.Fatalf("envelope = %+v", env)
	}
	if len(f.remote.callsTo("sync_orders")) != 1 {
		t.Errorf("sync dispatches = %d, want 1", len(f.remote.callsTo("sync_orders")))
	}
	if len(f.remote.callsTo("updateSyncTask")) != 1 {
		t.Errorf("completion signals = %d, want 1", len(f.remote.callsTo("updateSyncTask")))
	}
}

func TestHandle_BotEvent(t *testing.T) {
	f := testFixture(t)
	env := f.handler.Handle(context.Background(), []byte(`{"bot": {"name": "orderbot", "endpoint_id": "5"}, "text": "hi"}`))
	if env.StatusCode != 200 {
		t.Fatalf("envelope = %+v", env)
	}
	if len(f.remote.callsTo("orderbot_dispatch")) != 1 {
		t.Errorf("bot dispatches = %d", len(f.remote.callsTo("orderbot_dispatch")))
	}
}

func TestHandle_LogDeliveryIsAcceptedNoOp(t *testing.T) {
	f := testFixture(t)
	env := f.handler.Handle(context.Background(), []byte(`{"awslogs": {"data": "H4sIAAA"}}`))
	if env.StatusCode != 200 {
		t.Errorf("envelope = %+v", env)
	}
	if len(f.remote.calls) != 0 {
		t.Errorf("log delivery invoked %d remote calls", len(f.remote.calls))
	}
}

func TestHandle_InvalidJSON(t *testing.T) {
	f := testFixture(t)
	env := f.handler.Handle(context.Background(), []byte(`{not json`))
	if env.StatusCode != 400 {
		t.Errorf("status = %d, want 400", env.StatusCode)
	}
}
