// Package rpc implements the JSON-RPC 2.0 dialect spoken by tool servers:
// envelope framing, request/response correlation over persistent sockets,
// and the stateless HTTP exchange with best-effort SSE parsing.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the JSON-RPC version token carried on every envelope.
const Version = "2.0"

// Methods consumed by the gateway.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

// ProtocolVersion is the handshake protocol-version token sent in initialize.
const ProtocolVersion = "2024-11-05"

// DefaultCallTimeout bounds every call, including the connect handshake.
const DefaultCallTimeout = 30 * time.Second

// Request is an outgoing JSON-RPC envelope. IDs are uuid strings, unique
// per call, never reused.
type Request struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an incoming JSON-RPC envelope.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the remote error envelope. It is returned to callers as-is;
// the gateway decides how much of it a voice session gets to see.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Sentinel failures for calls that never received a response envelope.
var (
	// ErrTimeout means no matching response arrived within the window.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrConnectionClosed means the transport dropped before a response.
	ErrConnectionClosed = errors.New("rpc: connection closed")
	// ErrManualDisconnect means the operator tore the connection down.
	ErrManualDisconnect = errors.New("rpc: manually disconnected")
)

// ToolsCallParams is the params shape of tools/call.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// InitializeParams is the params shape of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies this gateway to the remote server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewInitializeParams builds the handshake params sent on every connect.
func NewInitializeParams() InitializeParams {
	return InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "voxhall-gateway", Version: "0.4.0"},
	}
}
