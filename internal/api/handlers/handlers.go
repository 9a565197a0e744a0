// Package handlers implements the admin HTTP surface for the tool
// execution subsystem: server registration and lifecycle, tool listing
// and enablement, policies, and the call audit log.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/api/middleware"
	"github.com/voxhall/voxhall/internal/conn"
	"github.com/voxhall/voxhall/internal/secrets"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/internal/toolreg"
	"github.com/voxhall/voxhall/pkg/models"
)

// Handlers carries the subsystem components the admin surface drives.
type Handlers struct {
	store store.Store
	conns *conn.Registry
	tools *toolreg.Registry
	codec *secrets.Codec
}

func New(s store.Store, conns *conn.Registry, tools *toolreg.Registry, codec *secrets.Codec) *Handlers {
	return &Handlers{store: s, conns: conns, tools: tools, codec: codec}
}

// ── Tool servers ────────────────────────────────────────────

type registerServerRequest struct {
	Name        string               `json:"name"`
	URL         string               `json:"url"`
	Transport   models.TransportKind `json:"transport"`
	Auth        models.AuthMode      `json:"auth"`
	Integration string               `json:"integration,omitempty"`
	Credential  *models.Credential   `json:"credential,omitempty"`
}

func (h *Handlers) RegisterServer(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		respondError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	switch req.Transport {
	case models.TransportWebSocket, models.TransportHTTP:
	default:
		respondError(w, http.StatusBadRequest, "transport must be websocket or http")
		return
	}

	server := &models.ToolServer{
		ID:          uuid.New().String(),
		UserID:      middleware.GetUserID(r.Context()),
		Name:        req.Name,
		URL:         req.URL,
		Transport:   req.Transport,
		Auth:        req.Auth,
		Integration: req.Integration,
		Status:      models.ServerInactive,
	}
	if server.Auth == "" {
		server.Auth = models.AuthNone
	}

	if req.Credential != nil {
		raw, err := json.Marshal(req.Credential)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid credential")
			return
		}
		sealed, err := h.codec.Encrypt(string(raw))
		if err != nil {
			log.Error().Err(err).Msg("failed to encrypt credentials")
			respondError(w, http.StatusInternalServerError, "failed to store credentials")
			return
		}
		server.Credentials = sealed
	}

	if err := h.store.CreateServer(r.Context(), server); err != nil {
		log.Error().Err(err).Msg("failed to create tool server")
		respondError(w, http.StatusInternalServerError, "failed to register server")
		return
	}
	respond(w, http.StatusCreated, server)
}

func (h *Handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.ListServers(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		log.Error().Err(err).Msg("failed to list tool servers")
		respondError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	respond(w, http.StatusOK, map[string]any{"servers": servers})
}

func (h *Handlers) GetServer(w http.ResponseWriter, r *http.Request) {
	server, ok := h.ownedServer(w, r)
	if !ok {
		return
	}

	state := "disconnected"
	if s, live := h.conns.State(server.ID); live {
		state = string(s)
	}
	respond(w, http.StatusOK, map[string]any{"server": server, "connection": state})
}

func (h *Handlers) DeleteServer(w http.ResponseWriter, r *http.Request) {
	server, ok := h.ownedServer(w, r)
	if !ok {
		return
	}

	h.conns.Disconnect(r.Context(), server.ID)
	if err := h.store.DeleteServer(r.Context(), server.ID); err != nil {
		log.Error().Err(err).Str("server_id", server.ID).Msg("failed to delete tool server")
		respondError(w, http.StatusInternalServerError, "failed to delete server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ConnectServer(w http.ResponseWriter, r *http.Request) {
	server, ok := h.ownedServer(w, r)
	if !ok {
		return
	}

	if err := h.conns.Connect(r.Context(), server); err != nil {
		respondError(w, http.StatusBadGateway, "connection failed: "+err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (h *Handlers) DisconnectServer(w http.ResponseWriter, r *http.Request) {
	server, ok := h.ownedServer(w, r)
	if !ok {
		return
	}
	h.conns.Disconnect(r.Context(), server.ID)
	respond(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (h *Handlers) SyncServer(w http.ResponseWriter, r *http.Request) {
	server, ok := h.ownedServer(w, r)
	if !ok {
		return
	}

	if err := h.tools.Sync(r.Context(), server.ID); err != nil {
		respondError(w, http.StatusBadGateway, "sync failed: "+err.Error())
		return
	}
	defs, err := h.store.ListTools(r.Context(), server.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	respond(w, http.StatusOK, map[string]any{"tools": defs})
}

// ── Tools ───────────────────────────────────────────────────

func (h *Handlers) ListServerTools(w http.ResponseWriter, r *http.Request) {
	server, ok := h.ownedServer(w, r)
	if !ok {
		return
	}
	defs, err := h.store.ListTools(r.Context(), server.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	respond(w, http.StatusOK, map[string]any{"tools": defs})
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handlers) SetToolEnabled(w http.ResponseWriter, r *http.Request) {
	def, ok := h.ownedTool(w, r)
	if !ok {
		return
	}

	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.SetToolEnabled(r.Context(), def.ID, req.Enabled); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update tool")
		return
	}
	def.Enabled = req.Enabled
	respond(w, http.StatusOK, def)
}

// SessionTools returns the provider-facing function schemas for the
// user's enabled tools, as a voice session would receive them.
func (h *Handlers) SessionTools(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.tools.SessionTools(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to assemble session tools")
		return
	}
	if schemas == nil {
		schemas = []models.FunctionSchema{}
	}
	respond(w, http.StatusOK, map[string]any{"tools": schemas})
}

// ── Policies ────────────────────────────────────────────────

type createPolicyRequest struct {
	Kind   models.PolicyKind `json:"kind"`
	Config map[string]any    `json:"config"`
}

func (h *Handlers) ListToolPolicies(w http.ResponseWriter, r *http.Request) {
	def, ok := h.ownedTool(w, r)
	if !ok {
		return
	}
	policies, err := h.store.ListPolicies(r.Context(), def.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}
	respond(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *Handlers) CreateToolPolicy(w http.ResponseWriter, r *http.Request) {
	def, ok := h.ownedTool(w, r)
	if !ok {
		return
	}

	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Kind {
	case models.PolicyRateLimit, models.PolicyParamRestrict, models.PolicyRequireApproval:
	default:
		respondError(w, http.StatusBadRequest, "unknown policy kind")
		return
	}

	policy := &models.ToolPolicy{
		ID:     uuid.New().String(),
		ToolID: def.ID,
		Kind:   req.Kind,
		Config: req.Config,
	}
	if err := h.store.CreatePolicy(r.Context(), policy); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create policy")
		return
	}
	respond(w, http.StatusCreated, policy)
}

func (h *Handlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeletePolicy(r.Context(), chi.URLParam(r, "policyID")); err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, "policy not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete policy")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Call logs ───────────────────────────────────────────────

func (h *Handlers) ListCallLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	logs, err := h.store.ListCallLogs(r.Context(), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list call logs")
		return
	}
	respond(w, http.StatusOK, map[string]any{"calls": logs})
}

// ── Helpers ─────────────────────────────────────────────────

// ownedServer loads the {serverID} route param and enforces tenant
// ownership. Foreign servers 404 rather than 403 to avoid existence leaks.
func (h *Handlers) ownedServer(w http.ResponseWriter, r *http.Request) (*models.ToolServer, bool) {
	server, err := h.store.GetServer(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, "server not found")
		} else {
			respondError(w, http.StatusInternalServerError, "failed to load server")
		}
		return nil, false
	}
	if server.UserID != middleware.GetUserID(r.Context()) {
		respondError(w, http.StatusNotFound, "server not found")
		return nil, false
	}
	return server, true
}

func (h *Handlers) ownedTool(w http.ResponseWriter, r *http.Request) (*models.ToolDefinition, bool) {
	def, err := h.store.GetTool(r.Context(), chi.URLParam(r, "toolID"))
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, "tool not found")
		} else {
			respondError(w, http.StatusInternalServerError, "failed to load tool")
		}
		return nil, false
	}

	server, err := h.store.GetServer(r.Context(), def.ServerID)
	if err != nil || server.UserID != middleware.GetUserID(r.Context()) {
		respondError(w, http.StatusNotFound, "tool not found")
		return nil, false
	}
	return def, true
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
