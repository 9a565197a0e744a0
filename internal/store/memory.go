package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxhall/voxhall/pkg/models"
)

// MemoryStore is the in-memory Store implementation used by tests and by
// zero-config deployments. All maps are guarded by a single RWMutex;
// copies are returned so callers cannot mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	servers  map[string]*models.ToolServer
	tools    map[string]*models.ToolDefinition
	policies map[string]*models.ToolPolicy
	callLogs []models.CallLogEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:  make(map[string]*models.ToolServer),
		tools:    make(map[string]*models.ToolDefinition),
		policies: make(map[string]*models.ToolPolicy),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// ── Tool Servers ────────────────────────────────────────────

func (s *MemoryStore) ListServers(ctx context.Context, userID string) ([]models.ToolServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ToolServer, 0)
	for _, srv := range s.servers {
		if srv.UserID == userID {
			out = append(out, *srv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetServer(ctx context.Context, id string) (*models.ToolServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool server", Key: id}
	}
	cp := *srv
	return &cp, nil
}

func (s *MemoryStore) CreateServer(ctx context.Context, server *models.ToolServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
	cp := *server
	s.servers[server.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateServer(ctx context.Context, server *models.ToolServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[server.ID]; !ok {
		return &ErrNotFound{Entity: "tool server", Key: server.ID}
	}
	server.UpdatedAt = time.Now().UTC()
	cp := *server
	s.servers[server.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteServer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[id]; !ok {
		return &ErrNotFound{Entity: "tool server", Key: id}
	}
	delete(s.servers, id)

	// Cascade: definitions and their policies go with the server.
	for toolID, def := range s.tools {
		if def.ServerID != id {
			continue
		}
		delete(s.tools, toolID)
		for polID, pol := range s.policies {
			if pol.ToolID == toolID {
				delete(s.policies, polID)
			}
		}
	}
	return nil
}

// ── Tool Definitions ────────────────────────────────────────

func (s *MemoryStore) ListTools(ctx context.Context, serverID string) ([]models.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ToolDefinition, 0)
	for _, def := range s.tools {
		if def.ServerID == serverID {
			out = append(out, *def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetTool(ctx context.Context, id string) (*models.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.tools[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool", Key: id}
	}
	cp := *def
	return &cp, nil
}

func (s *MemoryStore) GetToolByName(ctx context.Context, serverID, name string) (*models.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if def := s.findByName(serverID, name); def != nil {
		cp := *def
		return &cp, nil
	}
	return nil, &ErrNotFound{Entity: "tool", Key: serverID + "/" + name}
}

func (s *MemoryStore) UpsertTool(ctx context.Context, def *models.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findByName(def.ServerID, def.Name); existing != nil {
		existing.Description = def.Description
		existing.InputSchema = def.InputSchema
		existing.LastSyncedAt = def.LastSyncedAt
		// enabled flag survives re-syncs
		def.ID = existing.ID
		def.Enabled = existing.Enabled
		return nil
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	cp := *def
	s.tools[def.ID] = &cp
	return nil
}

func (s *MemoryStore) SetToolEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.tools[id]
	if !ok {
		return &ErrNotFound{Entity: "tool", Key: id}
	}
	def.Enabled = enabled
	return nil
}

func (s *MemoryStore) DeleteToolsNotIn(ctx context.Context, serverID string, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}

	for toolID, def := range s.tools {
		if def.ServerID != serverID {
			continue
		}
		if _, ok := keepSet[def.Name]; ok {
			continue
		}
		delete(s.tools, toolID)
		for polID, pol := range s.policies {
			if pol.ToolID == toolID {
				delete(s.policies, polID)
			}
		}
	}
	return nil
}

// findByName scans for a definition by (server, name). Caller holds the lock.
func (s *MemoryStore) findByName(serverID, name string) *models.ToolDefinition {
	for _, def := range s.tools {
		if def.ServerID == serverID && def.Name == name {
			return def
		}
	}
	return nil
}

// ── Tool Policies ───────────────────────────────────────────

func (s *MemoryStore) ListPolicies(ctx context.Context, toolID string) ([]models.ToolPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ToolPolicy, 0)
	for _, pol := range s.policies {
		if pol.ToolID == toolID {
			out = append(out, *pol)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreatePolicy(ctx context.Context, policy *models.ToolPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	cp := *policy
	s.policies[policy.ID] = &cp
	return nil
}

func (s *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return &ErrNotFound{Entity: "policy", Key: id}
	}
	delete(s.policies, id)
	return nil
}

// ── Call Logs ───────────────────────────────────────────────

func (s *MemoryStore) AppendCallLog(ctx context.Context, entry *models.CallLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.callLogs = append(s.callLogs, *entry)
	return nil
}

func (s *MemoryStore) ListCallLogs(ctx context.Context, userID string, limit int) ([]models.CallLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]models.CallLogEntry, 0)
	for i := len(s.callLogs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.callLogs[i].UserID == userID {
			out = append(out, s.callLogs[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) CountSuccessfulCallsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entry := range s.callLogs {
		if entry.UserID == userID && entry.Status == models.CallSuccess && !entry.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}
