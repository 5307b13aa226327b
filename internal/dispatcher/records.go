package dispatcher

import (
	"encoding/json"
	"net/url"
	"path"
	"strings"

	"github.com/routeflow/dispatch/internal/event"
	"github.com/routeflow/dispatch/pkg/models"
)

// defaultStreamFunct handles change-stream records for tables without an
// explicit route.
const defaultStreamFunct = "stream_handle"

// TaskFromQueueRecord extracts the dispatch route from a queue message
// record: endpoint id and funct ride in message attributes, parameters in
// the body, and the queue name comes off the source ARN.
func TaskFromQueueRecord(rec *event.Event) (*Task, error) {
	endpointID := rec.Str("messageAttributes.endpoint_id.stringValue")
	funct := rec.Str("messageAttributes.funct.stringValue")
	if endpointID == "" || funct == "" {
		return nil, models.NewError(models.ErrValidation,
			"queue record is missing endpoint_id or funct attributes")
	}

	params := rec.Body()
	queueName := ""
	if arn := rec.Str("eventSourceARN"); arn != "" {
		parts := strings.Split(arn, ":")
		queueName = parts[len(parts)-1]
	}

	return &Task{
		EndpointID: endpointID,
		Funct:      funct,
		Params:     params,
		QueueName:  queueName,
	}, nil
}

// TaskFromObjectStorageRecord derives the route from the object key:
// {endpoint}/{funct}/{k:v pieces...}/{basename}. Colon-separated path
// pieces become parameters and the basename becomes the id.
func TaskFromObjectStorageRecord(rec *event.Event) (*Task, error) {
	key := rec.Str("s3.object.key")
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}
	segments := strings.Split(strings.Trim(key, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return nil, models.Errorf(models.ErrValidation,
			"object key %q does not carry endpoint and funct segments", key)
	}

	params := map[string]any{
		"bucket": rec.Str("s3.bucket.name"),
		"key":    key,
	}
	for _, piece := range segments[2 : len(segments)-1] {
		if k, v, ok := strings.Cut(piece, ":"); ok && k != "" {
			params[k] = v
		}
	}
	if len(segments) > 2 {
		params["id"] = path.Base(key)
	}

	return &Task{
		EndpointID: segments[0],
		Funct:      segments[1],
		Params:     params,
	}, nil
}

// TaskFromChangeStreamRecord routes a change-data-capture record by its
// table name through the stream_config setting. Tables without a route
// fall back to the default stream handler on the direct endpoint.
func TaskFromChangeStreamRecord(rec *event.Event, settings models.Settings) (*Task, error) {
	table := tableFromStreamARN(rec.Str("eventSourceARN"))
	if table == "" {
		return nil, models.NewError(models.ErrValidation,
			"change-stream record has no table in its source arn")
	}

	endpointID := "0"
	funct := defaultStreamFunct
	if routes, ok := settings["stream_config"].(map[string]any); ok {
		if route, ok := routes[table].(map[string]any); ok {
			if v, ok := route["endpoint_id"].(string); ok && v != "" {
				endpointID = v
			}
			if v, ok := route["funct"].(string); ok && v != "" {
				funct = v
			}
		}
	}

	return &Task{
		EndpointID: endpointID,
		Funct:      funct,
		Params: map[string]any{
			"table":      table,
			"event_name": rec.Str("eventName"),
			"record":     rec.Map("dynamodb"),
		},
	}, nil
}

// tableFromStreamARN pulls the table name out of
// arn:...:table/{name}/stream/{timestamp}.
func tableFromStreamARN(arn string) string {
	_, rest, ok := strings.Cut(arn, "table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

// TaskFromPubSubRecord decodes the published message document, which
// carries its own routing fields.
func TaskFromPubSubRecord(rec *event.Event) (*Task, error) {
	message := rec.Str("Sns.Message")
	var doc map[string]any
	if err := json.Unmarshal([]byte(message), &doc); err != nil {
		return nil, models.Wrap(models.ErrValidation, "decode pubsub message", err)
	}

	funct, _ := doc["funct"].(string)
	if funct == "" {
		return nil, models.NewError(models.ErrValidation, "pubsub message has no funct")
	}
	endpointID, _ := doc["endpoint_id"].(string)
	if endpointID == "" {
		endpointID = "0"
	}
	params, _ := doc["params"].(map[string]any)

	return &Task{EndpointID: endpointID, Funct: funct, Params: params}, nil
}

// TaskFromBotEvent routes a bot event to the {bot}_dispatch convention.
func TaskFromBotEvent(ev *event.Event) (*Task, error) {
	name := ev.Str("bot.name")
	if name == "" {
		return nil, models.NewError(models.ErrValidation, "bot event has no bot name")
	}
	endpointID := ev.Str("bot.endpoint_id")
	if endpointID == "" {
		endpointID = "0"
	}
	return &Task{
		EndpointID: endpointID,
		Funct:      name + "_dispatch",
		Params:     ev.AsMap(),
	}, nil
}
