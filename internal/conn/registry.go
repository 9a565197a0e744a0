// Package conn owns live connections to tool servers: one per server,
// with handshake, reconnect backoff, and manual teardown semantics. The
// registry is an explicitly owned object handed to whoever needs it and
// torn down on process shutdown.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/rpc"
	"github.com/voxhall/voxhall/internal/secrets"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/pkg/models"
)

// State is the lifecycle of one server's live connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
)

const (
	reconnectBase = time.Second
	// maxReconnectAttempts caps automatic recovery; past it the entry is
	// removed and the operator must connect explicitly again.
	maxReconnectAttempts = 5
)

// DialFunc opens a persistent transport. Injectable so tests can supply
// in-memory transports.
type DialFunc func(ctx context.Context, url string, headers http.Header) (rpc.Transport, error)

// SyncHook runs after a connection reaches Ready (auto-sync of the tool
// list). Errors are logged, never fatal to the connect itself.
type SyncHook func(ctx context.Context, serverID string) error

// connection is the per-server live state. The attempts counter and the
// reconnect timer are guarded by the registry mutex; request correlation
// state lives inside the caller.
type connection struct {
	server  *models.ToolServer
	caller  *rpc.Caller
	state   State
	retry   *backoff.ExponentialBackOff
	attempt int
	timer   *time.Timer

	// pending is closed when the current connect attempt settles;
	// connectErr holds its outcome. Concurrent connects wait on these
	// instead of dialing a second transport for the same server.
	pending    chan struct{}
	connectErr error
}

// Registry holds at most one live connection per tool server and routes
// calls by the server's declared transport kind.
type Registry struct {
	store store.Store
	codec *secrets.Codec
	http  *rpc.HTTPCaller
	dial  DialFunc
	sync  SyncHook

	mu    sync.Mutex
	conns map[string]*connection
}

// NewRegistry creates a connection registry over the given store and
// credential codec.
func NewRegistry(s store.Store, codec *secrets.Codec) *Registry {
	return &Registry{
		store: s,
		codec: codec,
		http:  rpc.NewHTTPCaller(),
		dial: func(ctx context.Context, url string, headers http.Header) (rpc.Transport, error) {
			return rpc.DialWS(ctx, url, headers)
		},
		conns: make(map[string]*connection),
	}
}

// SetSyncHook installs the post-connect tool sync callback.
func (r *Registry) SetSyncHook(hook SyncHook) { r.sync = hook }

// State reports the connection state for a server, if any.
func (r *Registry) State(serverID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[serverID]
	if !ok {
		return "", false
	}
	return c.state, true
}

// ── Connect / Disconnect ────────────────────────────────────

// Connect establishes the server's connection. A no-op when already
// Ready. For stateless HTTP servers there is nothing to hold open, so
// connect only verifies reachability through the sync hook.
func (r *Registry) Connect(ctx context.Context, server *models.ToolServer) error {
	if server.Transport == models.TransportHTTP {
		r.markConnected(ctx, server)
		r.runSync(ctx, server.ID)
		return nil
	}

	r.mu.Lock()
	if existing, ok := r.conns[server.ID]; ok {
		switch existing.state {
		case StateReady:
			r.mu.Unlock()
			return nil
		case StateConnecting, StateInitializing:
			// Another connect is mid-handshake for this server. Join it
			// rather than dialing a second transport; at most one live
			// connection per server.
			pending := existing.pending
			r.mu.Unlock()
			select {
			case <-pending:
			case <-ctx.Done():
				return ctx.Err()
			}
			return r.settled(server.ID, existing)
		case StateReconnecting:
			// No transport is open while a reconnect timer waits, so an
			// explicit connect can take over the entry.
			if existing.timer != nil {
				existing.timer.Stop()
			}
		}
	}
	c := &connection{server: server, state: StateConnecting, retry: newRetry(), pending: make(chan struct{})}
	r.conns[server.ID] = c
	r.mu.Unlock()

	err := r.open(ctx, c)

	r.mu.Lock()
	c.connectErr = err
	close(c.pending)
	if err != nil && r.conns[server.ID] == c {
		delete(r.conns, server.ID)
	}
	r.mu.Unlock()

	if err != nil {
		r.markFailed(ctx, server, err)
		return err
	}

	r.markConnected(ctx, server)
	r.runSync(ctx, server.ID)
	return nil
}

// settled reports the outcome of a connect attempt some other caller
// ran to completion.
func (r *Registry) settled(serverID string, c *connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.conns[serverID]; ok && live.state == StateReady {
		return nil
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	return rpc.ErrConnectionClosed
}

// open dials the transport and performs the initialize handshake, all
// bounded by one overall connect timeout.
func (r *Registry) open(ctx context.Context, c *connection) error {
	ctx, cancel := context.WithTimeout(ctx, rpc.DefaultCallTimeout)
	defer cancel()

	cred, err := DecodeCredential(r.codec, c.server)
	if err != nil {
		return err
	}
	headers, err := BuildAuthHeaders(c.server.Auth, cred)
	if err != nil {
		return err
	}

	transport, err := r.dial(ctx, c.server.URL, headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.server.URL, err)
	}

	caller := rpc.NewCaller(transport)

	r.mu.Lock()
	c.caller = caller
	c.state = StateInitializing
	r.mu.Unlock()

	if _, err := caller.Call(ctx, rpc.MethodInitialize, rpc.NewInitializeParams()); err != nil {
		// A failed handshake is a connection failure, not an operator
		// action; the abort reason must say so.
		caller.Abort(rpc.ErrConnectionClosed)
		return fmt.Errorf("initialize handshake: %w", err)
	}

	r.mu.Lock()
	c.state = StateReady
	c.attempt = 0
	c.retry.Reset()
	r.mu.Unlock()

	go r.watch(c, caller)

	log.Info().
		Str("server_id", c.server.ID).
		Str("url", c.server.URL).
		Msg("tool server connected")
	return nil
}

// Disconnect tears down a server's connection. Idempotent. All pending
// requests reject with ManualDisconnect and any scheduled reconnect is
// suppressed by pinning the attempt counter to the cap.
func (r *Registry) Disconnect(ctx context.Context, serverID string) {
	r.mu.Lock()
	c, ok := r.conns[serverID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.attempt = maxReconnectAttempts
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(r.conns, serverID)
	caller := c.caller
	r.mu.Unlock()

	if caller != nil {
		caller.Abort(rpc.ErrManualDisconnect)
	}

	if srv, err := r.store.GetServer(ctx, serverID); err == nil {
		srv.Status = models.ServerInactive
		if err := r.store.UpdateServer(ctx, srv); err != nil {
			log.Warn().Err(err).Str("server_id", serverID).Msg("failed to mark server inactive")
		}
	}

	log.Info().Str("server_id", serverID).Msg("tool server disconnected")
}

// Shutdown disconnects everything. Called on process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(ctx, id)
	}
}

// ── Reconnect ───────────────────────────────────────────────

// watch waits for the caller to drop and schedules recovery. Manual
// disconnects pin the attempt counter, so the cap check below also
// covers them.
func (r *Registry) watch(c *connection, caller *rpc.Caller) {
	<-caller.Done()

	r.mu.Lock()
	current, ok := r.conns[c.server.ID]
	if !ok || current != c || c.caller != caller {
		// Entry was replaced or manually removed; nothing to recover.
		r.mu.Unlock()
		return
	}

	if c.attempt >= maxReconnectAttempts {
		delete(r.conns, c.server.ID)
		r.mu.Unlock()
		log.Warn().
			Str("server_id", c.server.ID).
			Int("attempts", maxReconnectAttempts).
			Msg("reconnect attempts exhausted, removing connection")
		return
	}

	c.attempt++
	c.state = StateReconnecting
	delay := c.retry.NextBackOff()
	attempt := c.attempt
	c.timer = time.AfterFunc(delay, func() { r.reconnect(c) })
	r.mu.Unlock()

	log.Info().
		Str("server_id", c.server.ID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")
}

// reconnect is the deferred recovery attempt. It re-checks that the
// entry is still live so a disconnect racing the timer wins.
func (r *Registry) reconnect(c *connection) {
	r.mu.Lock()
	current, ok := r.conns[c.server.ID]
	if !ok || current != c || c.state != StateReconnecting {
		r.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.pending = make(chan struct{})
	c.connectErr = nil
	attempt := c.attempt
	r.mu.Unlock()

	ctx := context.Background()
	err := r.open(ctx, c)

	r.mu.Lock()
	c.connectErr = err
	close(c.pending)
	r.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).
			Str("server_id", c.server.ID).
			Int("attempt", attempt).
			Msg("reconnect attempt failed")
		r.markFailed(ctx, c.server, err)
		// Feed the failure back through watch's cap logic.
		r.watch(c, c.caller)
		return
	}

	r.markConnected(ctx, c.server)
	r.runSync(ctx, c.server.ID)
}

// newRetry builds the deterministic doubling schedule: 1s, 2s, 4s, ...
func newRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = reconnectBase << maxReconnectAttempts
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ── Calls ───────────────────────────────────────────────────

// ListTools issues tools/list on the server, routed by transport kind.
func (r *Registry) ListTools(ctx context.Context, server *models.ToolServer) ([]models.RemoteToolInfo, error) {
	result, err := r.call(ctx, server, rpc.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var listed struct {
		Tools []models.RemoteToolInfo `json:"tools"`
	}
	if result != nil {
		if err := json.Unmarshal(result, &listed); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
	}
	return listed.Tools, nil
}

// CallTool issues tools/call on the server, routed by transport kind.
func (r *Registry) CallTool(ctx context.Context, server *models.ToolServer, name string, args map[string]any) (json.RawMessage, error) {
	return r.call(ctx, server, rpc.MethodToolsCall, rpc.ToolsCallParams{Name: name, Arguments: args})
}

func (r *Registry) call(ctx context.Context, server *models.ToolServer, method string, params any) (json.RawMessage, error) {
	switch server.Transport {
	case models.TransportHTTP:
		cred, err := DecodeCredential(r.codec, server)
		if err != nil {
			return nil, err
		}
		headers, err := BuildAuthHeaders(server.Auth, cred)
		if err != nil {
			return nil, err
		}
		return r.http.Call(ctx, server.URL, headers, method, params)

	case models.TransportWebSocket:
		caller, err := r.ready(ctx, server)
		if err != nil {
			return nil, err
		}
		return caller.Call(ctx, method, params)

	default:
		return nil, fmt.Errorf("unknown transport %q", server.Transport)
	}
}

// ready returns the server's live caller, connecting on demand.
func (r *Registry) ready(ctx context.Context, server *models.ToolServer) (*rpc.Caller, error) {
	r.mu.Lock()
	c, ok := r.conns[server.ID]
	if ok && c.state == StateReady {
		caller := c.caller
		r.mu.Unlock()
		return caller, nil
	}
	r.mu.Unlock()

	if err := r.Connect(ctx, server); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok = r.conns[server.ID]
	if !ok || c.state != StateReady {
		return nil, rpc.ErrConnectionClosed
	}
	return c.caller, nil
}

// ── Status bookkeeping ──────────────────────────────────────

func (r *Registry) markConnected(ctx context.Context, server *models.ToolServer) {
	srv, err := r.store.GetServer(ctx, server.ID)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			log.Warn().Err(err).Str("server_id", server.ID).Msg("failed to load server for status update")
		}
		return
	}
	now := time.Now().UTC()
	srv.Status = models.ServerActive
	srv.LastConnectedAt = &now
	srv.LastError = ""
	if err := r.store.UpdateServer(ctx, srv); err != nil {
		log.Warn().Err(err).Str("server_id", server.ID).Msg("failed to mark server active")
	}
}

func (r *Registry) markFailed(ctx context.Context, server *models.ToolServer, cause error) {
	srv, err := r.store.GetServer(ctx, server.ID)
	if err != nil {
		return
	}
	srv.Status = models.ServerError
	srv.LastError = cause.Error()
	if err := r.store.UpdateServer(ctx, srv); err != nil {
		log.Warn().Err(err).Str("server_id", server.ID).Msg("failed to mark server errored")
	}
}

// runSync invokes the auto-sync hook; sync failures never fail a connect.
func (r *Registry) runSync(ctx context.Context, serverID string) {
	if r.sync == nil {
		return
	}
	if err := r.sync(ctx, serverID); err != nil {
		log.Warn().Err(err).Str("server_id", serverID).Msg("tool sync after connect failed")
	}
}
