// Package store provides the storage interface and implementations for the
// Voxhall tool execution subsystem. The gateway and registries depend only
// on this narrow interface, making it easy to swap between in-memory
// (tests, zero-config mode) and PostgreSQL (production) implementations.
package store

import (
	"context"
	"time"

	"github.com/voxhall/voxhall/pkg/models"
)

// Store is the repository boundary consumed by the tool subsystem.
type Store interface {
	ToolServerStore
	ToolDefinitionStore
	ToolPolicyStore
	CallLogStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Tool Server Store ───────────────────────────────────────

type ToolServerStore interface {
	ListServers(ctx context.Context, userID string) ([]models.ToolServer, error)
	GetServer(ctx context.Context, id string) (*models.ToolServer, error)
	CreateServer(ctx context.Context, server *models.ToolServer) error
	UpdateServer(ctx context.Context, server *models.ToolServer) error
	// DeleteServer removes the server and cascades to its tool
	// definitions and their policies. Call log rows keep a dangling
	// server reference by design.
	DeleteServer(ctx context.Context, id string) error
}

// ── Tool Definition Store ───────────────────────────────────

type ToolDefinitionStore interface {
	ListTools(ctx context.Context, serverID string) ([]models.ToolDefinition, error)
	GetTool(ctx context.Context, id string) (*models.ToolDefinition, error)
	GetToolByName(ctx context.Context, serverID, name string) (*models.ToolDefinition, error)

	// UpsertTool inserts or refreshes a definition keyed by (server, name).
	// On update only description, schema and sync timestamp are refreshed;
	// the stored enabled flag is preserved. On insert the given Enabled
	// value becomes the initial flag.
	UpsertTool(ctx context.Context, def *models.ToolDefinition) error

	// SetToolEnabled flips the enabled flag of one definition.
	SetToolEnabled(ctx context.Context, id string, enabled bool) error

	// DeleteToolsNotIn removes every definition of the server whose name
	// is not in keep. Used by sync to mirror the remote tool list.
	DeleteToolsNotIn(ctx context.Context, serverID string, keep []string) error
}

// ── Tool Policy Store ───────────────────────────────────────

type ToolPolicyStore interface {
	ListPolicies(ctx context.Context, toolID string) ([]models.ToolPolicy, error)
	CreatePolicy(ctx context.Context, policy *models.ToolPolicy) error
	DeletePolicy(ctx context.Context, id string) error
}

// ── Call Log Store ──────────────────────────────────────────

type CallLogStore interface {
	// AppendCallLog persists an immutable audit record. Never updated.
	AppendCallLog(ctx context.Context, entry *models.CallLogEntry) error

	ListCallLogs(ctx context.Context, userID string, limit int) ([]models.CallLogEntry, error)

	// CountSuccessfulCallsSince returns the user's successful call count
	// in the trailing window, for rate-limit policies.
	CountSuccessfulCallsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
