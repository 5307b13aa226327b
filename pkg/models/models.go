// Package models contains shared data structures used across dispatch modules.
package models

import "time"

// TriggerKind is the classified shape of an inbound event.
type TriggerKind string

const (
	TriggerHTTP             TriggerKind = "http"
	TriggerWebSocket        TriggerKind = "websocket"
	TriggerDirectInvocation TriggerKind = "direct_invocation"
	TriggerLogDelivery      TriggerKind = "log_delivery"
	TriggerIdentityHook     TriggerKind = "identity_hook"
	TriggerChangeStream     TriggerKind = "change_stream"
	TriggerBridgeEvent      TriggerKind = "bridge_event"
	TriggerObjectStorage    TriggerKind = "object_storage"
	TriggerPubSub           TriggerKind = "pubsub"
	TriggerQueue            TriggerKind = "queue"
	TriggerBot              TriggerKind = "bot"
	TriggerDefault          TriggerKind = "default"
)

// FunctType selects the invocation semantics for a resolved function.
type FunctType string

const (
	FunctTypeEvent           FunctType = "Event"
	FunctTypeRequestResponse FunctType = "RequestResponse"
	FunctTypeDryRun          FunctType = "DryRun"
)

// Endpoint is a tenant-facing routing identifier. An endpoint without a
// special connection is never addressed directly; resolution aliases it to
// the shared endpoint.
type Endpoint struct {
	ID                string `json:"endpoint_id"`
	SpecialConnection bool   `json:"special_connection"`
}

// FunctionBinding maps a logical function name to a remote target and an
// optional binding-level setting.
type FunctionBinding struct {
	RemoteTarget string `json:"remote_target"`
	FunctionName string `json:"function_name"`
	SettingID    string `json:"setting_id"`
}

// Connection is the per-(endpoint, API key) set of function bindings.
type Connection struct {
	EndpointID string            `json:"endpoint_id"`
	APIKey     string            `json:"api_key"`
	Functions  []FunctionBinding `json:"functions"`
	Whitelist  []string          `json:"whitelist,omitempty"`
}

// FunctionConfig holds the invocation configuration of a descriptor.
type FunctionConfig struct {
	ModuleRef    string    `json:"module_ref"`
	ClassName    string    `json:"class_name"`
	FunctType    FunctType `json:"funct_type"`
	Methods      []string  `json:"methods"`
	SettingID    string    `json:"setting_id"`
	AuthRequired bool      `json:"auth_required"`
	GraphQL      bool      `json:"graphql"`
}

// FunctionDescriptor is the resolved, versioned definition of a callable
// business capability, keyed by (remote target, function name).
type FunctionDescriptor struct {
	RemoteTarget string         `json:"remote_target"`
	FunctionName string         `json:"function_name"`
	Area         string         `json:"area"`
	Config       FunctionConfig `json:"config"`
}

// Settings is a flat variable-to-value mapping. Merged settings layer
// binding-level overrides atop descriptor-level defaults.
type Settings map[string]any

// Merge returns a new Settings with override values winning on collision.
func (s Settings) Merge(override Settings) Settings {
	merged := make(Settings, len(s)+len(override))
	for k, v := range s {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// SessionStatus is the lifecycle state of a WebSocket session record.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
)

// Session is a WebSocket connection record keyed by (endpoint, connection).
type Session struct {
	EndpointID   string         `json:"endpoint_id"`
	ConnectionID string         `json:"connection_id"`
	APIKey       string         `json:"api_key"`
	Area         string         `json:"area"`
	Data         map[string]any `json:"data,omitempty"`
	Status       SessionStatus  `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Identity returns the identity associated with the session, if any.
func (s *Session) Identity() string {
	if s.Data == nil {
		return ""
	}
	if v, ok := s.Data["email"].(string); ok {
		return v
	}
	return ""
}

// PluginConfiguration describes one capability plugin to initialize.
type PluginConfiguration struct {
	PluginType string         `json:"type" yaml:"type"`
	Config     map[string]any `json:"config" yaml:"config"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	ModuleRef  string         `json:"module_ref" yaml:"module_ref"`
	ClassName  string         `json:"class_name,omitempty" yaml:"class_name,omitempty"`
	EntryPoint string         `json:"entry_point" yaml:"entry_point"`
}

// Envelope is the normalized HTTP-style response returned to trigger
// sources that expect one.
type Envelope struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// corsHeaders are attached to every envelope.
func corsHeaders() map[string]string {
	return map[string]string{
		"Access-Control-Allow-Headers": "Access-Control-Allow-Origin",
		"Access-Control-Allow-Origin":  "*",
	}
}

// NewEnvelope builds a response envelope with the standard headers.
func NewEnvelope(statusCode int, body string) Envelope {
	return Envelope{
		StatusCode: statusCode,
		Headers:    corsHeaders(),
		Body:       body,
	}
}

// PolicyEffect is the outcome carried by an authorizer decision.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "Allow"
	EffectDeny  PolicyEffect = "Deny"
)

// PolicyStatement is one statement of an access-policy document.
type PolicyStatement struct {
	Action   string       `json:"Action"`
	Effect   PolicyEffect `json:"Effect"`
	Resource string       `json:"Resource"`
}

// PolicyDocument is the access-policy document of an authorizer decision.
type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// Decision is the document returned for gateway-style authorizer triggers.
type Decision struct {
	PrincipalID    string         `json:"principalId"`
	PolicyDocument PolicyDocument `json:"policyDocument"`
	Context        map[string]any `json:"context,omitempty"`
}

// Effect reports the effect of the decision's first statement.
func (d *Decision) Effect() PolicyEffect {
	if len(d.PolicyDocument.Statement) == 0 {
		return EffectDeny
	}
	return d.PolicyDocument.Statement[0].Effect
}
