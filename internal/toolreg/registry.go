// Package toolreg keeps the local mirror of every tool a tenant can
// call: definitions synced from remote servers, fixed direct-integration
// lists, and the provider-facing name encoding that routes calls back to
// their origin.
package toolreg

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/integrations"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/pkg/models"
)

// RemoteLister fetches the live tool list of a generic tool server.
// Satisfied by conn.Registry.
type RemoteLister interface {
	ListTools(ctx context.Context, server *models.ToolServer) ([]models.RemoteToolInfo, error)
}

// Registry syncs and serves tool definitions.
type Registry struct {
	store        store.Store
	remote       RemoteLister
	integrations map[string]integrations.Integration
}

// NewRegistry builds the tool registry. Integration slugs are validated
// here; a colliding slug is a wiring bug and fails construction.
func NewRegistry(s store.Store, remote RemoteLister, provs ...integrations.Integration) (*Registry, error) {
	r := &Registry{
		store:        s,
		remote:       remote,
		integrations: make(map[string]integrations.Integration, len(provs)),
	}
	for _, p := range provs {
		slug := p.Slug()
		if err := ValidateSlug(slug); err != nil {
			return nil, err
		}
		if _, dup := r.integrations[slug]; dup {
			return nil, fmt.Errorf("integration slug %q registered twice", slug)
		}
		r.integrations[slug] = p
	}
	return r, nil
}

// Integration returns the direct integration registered under slug.
func (r *Registry) Integration(slug string) (integrations.Integration, bool) {
	p, ok := r.integrations[slug]
	return p, ok
}

// ── Sync ────────────────────────────────────────────────────

// Sync mirrors the server's current tool list into the store: new tools
// are inserted, known tools refreshed in place with their enabled flag
// preserved, and tools the server no longer advertises are deleted.
// Direct-integration tools start disabled so tenants opt in per tool;
// generic remote tools start enabled.
func (r *Registry) Sync(ctx context.Context, serverID string) error {
	server, err := r.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}

	var (
		listed         []models.RemoteToolInfo
		defaultEnabled bool
	)
	if server.Integration != "" {
		p, ok := r.integrations[server.Integration]
		if !ok {
			return fmt.Errorf("server %s references unknown integration %q", serverID, server.Integration)
		}
		listed = p.Tools()
		defaultEnabled = false
	} else {
		listed, err = r.remote.ListTools(ctx, server)
		if err != nil {
			return fmt.Errorf("list tools on %s: %w", server.Name, err)
		}
		defaultEnabled = true
	}

	now := time.Now().UTC()
	keep := make([]string, 0, len(listed))
	for _, info := range listed {
		keep = append(keep, info.Name)
		def := &models.ToolDefinition{
			ServerID:     serverID,
			Name:         info.Name,
			Description:  info.Description,
			InputSchema:  info.InputSchema,
			Enabled:      defaultEnabled,
			LastSyncedAt: now,
		}
		if err := r.store.UpsertTool(ctx, def); err != nil {
			return fmt.Errorf("upsert tool %s: %w", info.Name, err)
		}
	}
	if err := r.store.DeleteToolsNotIn(ctx, serverID, keep); err != nil {
		return fmt.Errorf("prune stale tools: %w", err)
	}

	log.Info().
		Str("server_id", serverID).
		Int("tools", len(listed)).
		Msg("tool list synced")
	return nil
}

// ── Provider schemas ────────────────────────────────────────

// SessionTools assembles the provider-facing function schemas for every
// enabled tool across the user's servers. Names carry the invertible
// origin encoding; builtin verbs are appended by the session layer, not
// here.
func (r *Registry) SessionTools(ctx context.Context, userID string) ([]models.FunctionSchema, error) {
	servers, err := r.store.ListServers(ctx, userID)
	if err != nil {
		return nil, err
	}

	var schemas []models.FunctionSchema
	for _, server := range servers {
		defs, err := r.store.ListTools(ctx, server.ID)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if !def.Enabled {
				continue
			}
			var name string
			if server.Integration != "" {
				name = EncodeIntegrationName(server.Integration, def.Name)
			} else {
				name, err = EncodeRemoteName(server.ID, def.Name)
				if err != nil {
					log.Warn().Err(err).Str("server_id", server.ID).Msg("skipping tool with unencodable server id")
					continue
				}
			}
			schemas = append(schemas, models.FunctionSchema{
				Name:        name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			})
		}
	}
	return schemas, nil
}
