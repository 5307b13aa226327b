// Package classifier matches inbound events to exactly one trigger kind.
package classifier

import (
	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/pkg/models"
)

// predicate reports whether an event has the shape of one trigger kind.
type predicate func(*event.Event) bool

// rule pairs a trigger kind with its shape predicate.
type rule struct {
	kind  models.TriggerKind
	match predicate
}

// rules is evaluated in order; the first match wins. More specific shapes
// come before generic ones: a WebSocket event also carries a requestContext,
// and every record-list kind shares the Records envelope.
var rules = []rule{
	{models.TriggerWebSocket, isWebSocket},
	{models.TriggerHTTP, isHTTP},
	{models.TriggerDirectInvocation, isDirectInvocation},
	{models.TriggerIdentityHook, isIdentityHook},
	{models.TriggerLogDelivery, isLogDelivery},
	{models.TriggerBridgeEvent, isBridgeEvent},
	{models.TriggerBot, isBot},
	{models.TriggerChangeStream, isChangeStream},
	{models.TriggerObjectStorage, isObjectStorage},
	{models.TriggerPubSub, isPubSub},
	{models.TriggerQueue, isQueue},
}

// Classify returns the trigger kind of the event. Events matching no shape
// classify as Default.
func Classify(ev *event.Event) models.TriggerKind {
	for _, r := range rules {
		if r.match(ev) {
			return r.kind
		}
	}
	return models.TriggerDefault
}

func isWebSocket(ev *event.Event) bool {
	return ev.Has("requestContext.connectionId") && ev.Has("requestContext.routeKey")
}

func isHTTP(ev *event.Event) bool {
	if ev.Has("requestContext.http") && !ev.Has("requestContext.resourcePath") {
		return true
	}
	return ev.Has("requestContext.resourcePath") && ev.Has("requestContext.httpMethod")
}

func isDirectInvocation(ev *event.Event) bool {
	return ev.Has("__type") &&
		ev.Has("context") &&
		ev.Has("module_ref") &&
		ev.Has("class_name") &&
		ev.Has("function_name")
}

func isIdentityHook(ev *event.Event) bool {
	return ev.Has("triggerSource") &&
		ev.Has("userPoolId") &&
		ev.Has("request") &&
		ev.Has("response")
}

func isLogDelivery(ev *event.Event) bool {
	return ev.Has("awslogs")
}

func isBridgeEvent(ev *event.Event) bool {
	return ev.Has("source") && ev.Has("detail-type") && ev.Has("detail")
}

func isBot(ev *event.Event) bool {
	return ev.Has("bot")
}

func isChangeStream(ev *event.Event) bool {
	return ev.Records() > 0 && ev.Record(0).Str("eventSource") == "aws:dynamodb"
}

func isObjectStorage(ev *event.Event) bool {
	return ev.Records() > 0 && ev.Record(0).Has("s3")
}

func isPubSub(ev *event.Event) bool {
	return ev.Records() > 0 && ev.Record(0).Has("Sns")
}

func isQueue(ev *event.Event) bool {
	return ev.Records() > 0 && ev.Record(0).Str("eventSource") == "aws:sqs"
}
