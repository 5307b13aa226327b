package classifier

import (
	"testing"

	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/pkg/models"
)

// fixtures holds one representative record per trigger kind.
var fixtures = map[models.TriggerKind]string{
	models.TriggerHTTP: `{
		"requestContext": {"http": {"method": "GET"}, "stage": "beta"},
		"pathParameters": {"endpoint_id": "1", "proxy": "ping"}
	}`,
	models.TriggerWebSocket: `{
		"requestContext": {"connectionId": "abc123", "routeKey": "$connect"}
	}`,
	models.TriggerDirectInvocation: `{
		"__type": "direct",
		"context": {"endpoint_id": "1"},
		"module_ref": "orders",
		"class_name": "Orders",
		"function_name": "get_order"
	}`,
	models.TriggerIdentityHook: `{
		"triggerSource": "TokenGeneration_Authentication",
		"userPoolId": "pool-1",
		"request": {},
		"response": {}
	}`,
	models.TriggerLogDelivery:  `{"awslogs": {"data": "H4sIA=="}}`,
	models.TriggerBridgeEvent:  `{"source": "scheduler", "detail-type": "tick", "detail": {}}`,
	models.TriggerBot:          `{"bot": {"id": "1", "name": "support"}}`,
	models.TriggerChangeStream: `{"Records": [{"eventSource": "aws:dynamodb", "dynamodb": {}}]}`,
	models.TriggerObjectStorage: `{
		"Records": [{"s3": {"bucket": {"name": "b"}, "object": {"key": "1/sync_data/f.csv"}}}]
	}`,
	models.TriggerPubSub: `{"Records": [{"Sns": {"Message": "{}"}}]}`,
	models.TriggerQueue: `{
		"Records": [{"eventSource": "aws:sqs", "body": "{}", "messageAttributes": {}}]
	}`,
}

func parse(t *testing.T, raw string) *event.Event {
	t.Helper()
	ev, err := event.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return ev
}

func TestClassify(t *testing.T) {
	for want, raw := range fixtures {
		t.Run(string(want), func(t *testing.T) {
			if got := Classify(parse(t, raw)); got != want {
				t.Errorf("Classify() = %s, want %s", got, want)
			}
		})
	}
}

// Each fixture must satisfy exactly one shape predicate; ordering never
// hides a second match.
func TestClassify_Exclusivity(t *testing.T) {
	for want, raw := range fixtures {
		ev := parse(t, raw)

		var matched []models.TriggerKind
		for _, r := range rules {
			if r.match(ev) {
				matched = append(matched, r.kind)
			}
		}

		if len(matched) != 1 {
			t.Errorf("fixture %s matched %v, want exactly one", want, matched)
		}
	}
}

func TestClassify_Default(t *testing.T) {
	tests := []string{
		`{}`,
		`{"module_ref": "orders", "class_name": "Orders", "function_name": "f", "context": {}, "parameters": {}}`,
		`{"Records": []}`,
		`{"Records": [{"eventSource": "something:else"}]}`,
	}

	for _, raw := range tests {
		if got := Classify(parse(t, raw)); got != models.TriggerDefault {
			t.Errorf("Classify(%s) = %s, want default", raw, got)
		}
	}
}

func TestClassify_HTTPRestShape(t *testing.T) {
	// REST-style payloads carry resourcePath + httpMethod instead of
	// the http object.
	raw := `{
		"requestContext": {"resourcePath": "/{area}/{endpoint_id}/{proxy+}", "httpMethod": "POST"}
	}`
	if got := Classify(parse(t, raw)); got != models.TriggerHTTP {
		t.Errorf("Classify() = %s, want http", got)
	}
}

func TestClassify_SideEffectFree(t *testing.T) {
	ev := parse(t, fixtures[models.TriggerQueue])
	before := string(ev.Raw())
	Classify(ev)
	Classify(ev)
	if string(ev.Raw()) != before {
		t.Error("classification must not mutate the event")
	}
}
