// Package models defines the shared domain model for the Voxhall tool
// execution subsystem: tool servers, synced tool definitions, policies,
// call audit records, and the provider-neutral function schema exchanged
// with realtime speech vendors.
package models

import (
	"time"
)

// ── Tool Server ──────────────────────────────────────────────

// TransportKind selects how the gateway reaches a tool server.
type TransportKind string

const (
	// TransportWebSocket is a persistent socket carrying framed JSON-RPC
	// messages with out-of-order responses.
	TransportWebSocket TransportKind = "websocket"
	// TransportHTTP is a stateless request/response exchange per call.
	// The response body may be plain JSON or an SSE event stream.
	TransportHTTP TransportKind = "http"
)

// AuthMode selects how credentials are presented to a tool server.
type AuthMode string

const (
	AuthNone          AuthMode = "none"
	AuthBearer        AuthMode = "bearer"
	AuthAPIKey        AuthMode = "api-key"
	AuthCustomHeaders AuthMode = "custom-headers"
)

// ServerStatus is the lifecycle state of a registered tool server.
type ServerStatus string

const (
	ServerInactive ServerStatus = "inactive"
	ServerActive   ServerStatus = "active"
	ServerError    ServerStatus = "error"
)

// ToolServer is a registered external tool provider owned by a tenant user.
// Credentials is the encrypted blob produced by the secrets codec; it is
// decrypted only while building transport headers.
type ToolServer struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	Transport   TransportKind `json:"transport"`
	Auth        AuthMode      `json:"auth"`
	Credentials string        `json:"-"`
	// Integration marks a direct integration (fixed code-defined tool list,
	// bypassing the generic protocol). Empty for generic servers.
	Integration     string       `json:"integration,omitempty"`
	Status          ServerStatus `json:"status"`
	LastConnectedAt *time.Time   `json:"last_connected_at,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Credential is the decrypted form of ToolServer.Credentials.
// Which fields are meaningful depends on the server's AuthMode.
type Credential struct {
	Token     string            `json:"token,omitempty"`      // bearer
	HeaderKey string            `json:"header_key,omitempty"` // api-key header name
	APIKey    string            `json:"api_key,omitempty"`    // api-key value
	Headers   map[string]string `json:"headers,omitempty"`    // custom-headers
}

// ── Tool Definition ──────────────────────────────────────────

// ToolDefinition is one callable function synced from a tool server.
// Rows mirror the server's latest tools/list result: upserted by
// (server, name), deleted when no longer advertised.
type ToolDefinition struct {
	ID           string         `json:"id"`
	ServerID     string         `json:"server_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	Enabled      bool           `json:"enabled"`
	LastSyncedAt time.Time      `json:"last_synced_at"`
}

// RemoteToolInfo is the wire shape of one entry in a tools/list result.
type RemoteToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ── Tool Policy ──────────────────────────────────────────────

// PolicyKind identifies a policy rule type attached to a tool.
type PolicyKind string

const (
	// PolicyRateLimit caps a user's successful calls in a rolling window.
	// Config: {"max_calls": 60, "window_seconds": 60}
	PolicyRateLimit PolicyKind = "rate_limit"
	// PolicyParamRestrict blocks calls whose arguments contain forbidden
	// keys. Config: {"blocked_params": ["raw_sql"], "deny_when": "amount > 500"}
	PolicyParamRestrict PolicyKind = "param_restrict"
	// PolicyRequireApproval means the tool can never run automatically.
	PolicyRequireApproval PolicyKind = "require_approval"
)

// ToolPolicy is one rule evaluated before a tool executes. All policies
// on a tool are evaluated; the first violation wins.
type ToolPolicy struct {
	ID        string         `json:"id"`
	ToolID    string         `json:"tool_id"`
	Kind      PolicyKind     `json:"kind"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
}

// ── Call Log ─────────────────────────────────────────────────

// CallStatus is the terminal outcome of a gateway-routed tool call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
	CallBlocked CallStatus = "blocked"
)

// CallLogEntry is the immutable audit record written for every call the
// gateway routes, success or not. ServerID is nil for builtin and
// fallback calls, and survives as a dangling reference if the server is
// later deleted.
type CallLogEntry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	ServerID   *string        `json:"server_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Result     string         `json:"result"`
	DurationMs int64          `json:"duration_ms"`
	Status     CallStatus     `json:"status"`
	ChannelID  string         `json:"channel_id"`
	Source     string         `json:"source"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ── Provider Function Schema ─────────────────────────────────

// FunctionSchema is the provider-neutral description of one callable
// function, as exposed to a realtime speech vendor. Name carries the
// invertible origin encoding (see toolreg).
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ── Voice Session ────────────────────────────────────────────

// VoiceSession is the slice of live-call state the tool subsystem sees.
// The speech pipeline owns the rest; the gateway only reads identifiers
// and session-scoped metadata for argument injection.
type VoiceSession struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Model     string `json:"model"`
	// ContactID is the caller's CRM contact, injected into direct
	// integration calls when the model did not supply one.
	ContactID string `json:"contact_id,omitempty"`
	Source    string `json:"source"`
}

// SessionProfile is the uniform assistant configuration an adapter maps
// into a vendor's session-update wire shape.
type SessionProfile struct {
	Instructions string           `json:"instructions"`
	Voice        string           `json:"voice"`
	Temperature  float64          `json:"temperature"`
	VADEnabled   bool             `json:"vad_enabled"`
	Tools        []FunctionSchema `json:"tools"`
}
