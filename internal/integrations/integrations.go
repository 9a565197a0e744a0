// Package integrations defines the contract for direct integrations:
// first-party providers whose tool lists live in code rather than on a
// remote tool server. Each provider is registered under a slug that
// prefixes its provider-facing tool names.
package integrations

import (
	"context"
	"encoding/json"

	"github.com/voxhall/voxhall/pkg/models"
)

// Integration is a direct provider. Tools returns the fixed tool list;
// Execute runs one of those tools against the tenant's configured
// endpoint on the given server record.
type Integration interface {
	Slug() string
	Tools() []models.RemoteToolInfo
	Execute(ctx context.Context, server *models.ToolServer, tool string, args map[string]any) (json.RawMessage, error)
}
