// Package event wraps raw inbound trigger records with typed field access.
// Events arrive as opaque JSON delivered by an external trigger source;
// field probes are cheap gjson path lookups, no full unmarshal up front.
package event

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/routeflow/dispatch/pkg/models"
)

// AnonymousAPIKey stands in when no API key is present on the event.
const AnonymousAPIKey = "#####"

// Event is an inbound trigger record.
type Event struct {
	raw []byte
}

// Parse validates the raw record and returns an Event over it.
func Parse(raw []byte) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, models.NewError(models.ErrValidation, "event is not valid JSON")
	}
	return &Event{raw: raw}, nil
}

// FromMap builds an Event from an already-decoded record. Used by tests
// and by handlers that synthesize follow-up events.
func FromMap(m map[string]any) (*Event, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, models.Wrap(models.ErrValidation, "encode event", err)
	}
	return &Event{raw: raw}, nil
}

// Raw returns the underlying record bytes.
func (e *Event) Raw() []byte {
	return e.raw
}

// Has reports whether the path exists in the record.
func (e *Event) Has(path string) bool {
	return gjson.GetBytes(e.raw, path).Exists()
}

// Str returns the string at path, or "" when absent.
func (e *Event) Str(path string) string {
	return gjson.GetBytes(e.raw, path).String()
}

// Int returns the integer at path, or 0 when absent.
func (e *Event) Int(path string) int64 {
	return gjson.GetBytes(e.raw, path).Int()
}

// Map returns the object at path decoded into a map, or an empty map.
func (e *Event) Map(path string) map[string]any {
	r := gjson.GetBytes(e.raw, path)
	if !r.IsObject() {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.Raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// AsMap decodes the whole event document into a map.
func (e *Event) AsMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// Records returns the number of entries under the top-level record list.
func (e *Event) Records() int {
	r := gjson.GetBytes(e.raw, "Records")
	if !r.IsArray() {
		return 0
	}
	return int(r.Get("#").Int())
}

// Record returns the i-th entry of the record list as a nested Event.
func (e *Event) Record(i int) *Event {
	r := gjson.GetBytes(e.raw, "Records").Array()
	if i < 0 || i >= len(r) {
		return &Event{raw: []byte("{}")}
	}
	return &Event{raw: []byte(r[i].Raw)}
}

// Method returns the HTTP method: payload-v2 shape first, then v1.
func (e *Event) Method() string {
	if m := e.Str("requestContext.http.method"); m != "" {
		return m
	}
	return e.Str("requestContext.httpMethod")
}

// EndpointID returns the tenant endpoint id from path parameters, falling
// back to the query string for WebSocket connects, which carry no path.
func (e *Event) EndpointID() string {
	if id := strings.TrimSpace(e.Str("pathParameters.endpoint_id")); id != "" {
		return id
	}
	return strings.TrimSpace(e.Str("queryStringParameters.endpoint_id"))
}

// Area returns the API area, defaulting to "core".
func (e *Event) Area() string {
	if a := strings.TrimSpace(e.Str("pathParameters.area")); a != "" {
		return a
	}
	return "core"
}

// Stage returns the deployment stage, defaulting to "beta".
func (e *Event) Stage() string {
	if s := strings.TrimSpace(e.Str("requestContext.stage")); s != "" {
		return s
	}
	return "beta"
}

// Proxy returns the raw proxy path parameter.
func (e *Event) Proxy() string {
	return strings.TrimSpace(e.Str("pathParameters.proxy"))
}

// ProxyFunctionAndPath splits the proxy parameter into the logical function
// name and the trailing path.
func (e *Event) ProxyFunctionAndPath() (string, string, error) {
	proxy := e.Proxy()
	if proxy == "" {
		return "", "", models.NewError(models.ErrValidation, "`proxy` is required in path parameters")
	}

	name, path, _ := strings.Cut(proxy, "/")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", models.NewError(models.ErrValidation, "missing function name in request")
	}

	return name, strings.TrimSpace(path), nil
}

// Headers returns the request headers, if any.
func (e *Event) Headers() map[string]any {
	return e.Map("headers")
}

// PathParameters returns the request path parameters, if any.
func (e *Event) PathParameters() map[string]any {
	return e.Map("pathParameters")
}

// QueryStringParameters returns the query string parameters, if any.
func (e *Event) QueryStringParameters() map[string]any {
	return e.Map("queryStringParameters")
}

// Body returns the parsed request body, tolerating absent or invalid JSON.
func (e *Event) Body() map[string]any {
	body := e.Str("body")
	if body == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// AuthorizedIdentity returns the identity attached by an upstream
// authorizer, if any.
func (e *Event) AuthorizedIdentity() map[string]any {
	return e.Map("requestContext.authorizer")
}

// ConnectionID returns the WebSocket connection id.
func (e *Event) ConnectionID() string {
	return strings.ToLower(strings.TrimSpace(e.Str("requestContext.connectionId")))
}

// RouteKey returns the WebSocket route key.
func (e *Event) RouteKey() string {
	return strings.ToLower(strings.TrimSpace(e.Str("requestContext.routeKey")))
}

// APIKey searches the event for an API key: request-context identity,
// event root, headers, query string, then body. Falls back to the
// anonymous key.
func (e *Event) APIKey() string {
	if key := strings.TrimSpace(e.Str("requestContext.identity.apiKey")); key != "" {
		return key
	}
	if key := strings.TrimSpace(e.Str("api_key")); key != "" {
		return key
	}
	for _, header := range []string{"x-api-key", "api-key", "x_api_key", "api_key"} {
		if key := strings.TrimSpace(e.Str("headers." + header)); key != "" {
			return key
		}
	}
	for _, param := range []string{"api_key", "api-key", "x_api_key", "x-api-key"} {
		if key := strings.TrimSpace(e.Str("queryStringParameters." + param)); key != "" {
			return key
		}
	}
	if key, ok := e.Body()["api_key"].(string); ok && strings.TrimSpace(key) != "" {
		return strings.TrimSpace(key)
	}
	return AnonymousAPIKey
}

// DefaultSettingIndex derives the setting id holding the event's default
// configuration: {stage}_{area}_{endpointID}.
func (e *Event) DefaultSettingIndex() string {
	return e.Stage() + "_" + e.Area() + "_" + e.EndpointID()
}

// toSnakeCase lowers a header-style key: "X-Shop-Id" -> "x_shop_id".
func toSnakeCase(key string) string {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	return strings.ToLower(key)
}

// FilterMetadata selects the metadata entries named by the
// custom_header_keys setting, normalizing key spellings to snake_case.
func FilterMetadata(metadata map[string]any, setting models.Settings) map[string]any {
	result := map[string]any{}
	if len(metadata) == 0 {
		return result
	}

	keys := customHeaderKeys(setting)
	if len(keys) == 0 {
		return result
	}

	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		if k := toSnakeCase(key); k != "" {
			wanted[k] = true
		}
	}

	for original, value := range metadata {
		if len(result) == len(wanted) {
			break
		}
		if k := toSnakeCase(original); wanted[k] {
			result[k] = value
		}
	}

	return result
}

// customHeaderKeys reads the custom_header_keys setting, accepting a list,
// a JSON-encoded list, or a comma-separated string.
func customHeaderKeys(setting models.Settings) []string {
	raw, ok := setting["custom_header_keys"]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		keys := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	case string:
		var keys []string
		if err := json.Unmarshal([]byte(v), &keys); err == nil {
			return keys
		}
		return strings.Split(v, ",")
	}
	return nil
}
