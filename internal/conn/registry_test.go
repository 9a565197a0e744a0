package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxhall/voxhall/internal/rpc"
	"github.com/voxhall/voxhall/internal/secrets"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/pkg/models"
)

// stubTransport answers the initialize handshake and stays silent for
// everything else until told to drop. delay and initErr, when set before
// use, slow down or fail the handshake answer.
type stubTransport struct {
	mu       sync.Mutex
	messages chan []byte
	closed   bool
	delay    time.Duration
	initErr  *rpc.Error
}

func newStubTransport() *stubTransport {
	return &stubTransport{messages: make(chan []byte, 16)}
}

func (s *stubTransport) Send(ctx context.Context, payload []byte) error {
	var req struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if req.Method == rpc.MethodInitialize {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		resp := rpc.Response{Jsonrpc: rpc.Version, ID: req.ID, Result: json.RawMessage(`{}`)}
		if s.initErr != nil {
			resp = rpc.Response{Jsonrpc: rpc.Version, ID: req.ID, Error: s.initErr}
		}
		payload, _ := json.Marshal(resp)
		s.mu.Lock()
		if !s.closed {
			s.messages <- payload
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *stubTransport) Messages() <-chan []byte { return s.messages }

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.messages)
	}
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore, *models.ToolServer, *stubTransport) {
	t.Helper()

	st := store.NewMemoryStore()
	server := &models.ToolServer{
		ID:        "srv-1",
		UserID:    "user-1",
		Name:      "crm",
		URL:       "wss://tools.example.com/rpc",
		Transport: models.TransportWebSocket,
		Auth:      models.AuthNone,
		Status:    models.ServerInactive,
	}
	if err := st.CreateServer(context.Background(), server); err != nil {
		t.Fatalf("CreateServer() error = %v", err)
	}

	transport := newStubTransport()
	reg := NewRegistry(st, secrets.NewEphemeralCodec())
	reg.dial = func(ctx context.Context, url string, headers http.Header) (rpc.Transport, error) {
		return transport, nil
	}
	return reg, st, server, transport
}

func TestConnectHandshakeAndStatus(t *testing.T) {
	reg, st, server, transport := newTestRegistry(t)
	defer transport.Close()
	ctx := context.Background()

	if err := reg.Connect(ctx, server); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	state, ok := reg.State(server.ID)
	if !ok || state != StateReady {
		t.Errorf("State() = %v,%v, want %v,true", state, ok, StateReady)
	}

	got, _ := st.GetServer(ctx, server.ID)
	if got.Status != models.ServerActive {
		t.Errorf("server status = %q, want %q", got.Status, models.ServerActive)
	}
	if got.LastConnectedAt == nil {
		t.Error("LastConnectedAt not set after connect")
	}
}

func TestConnectNoOpWhenReady(t *testing.T) {
	reg, _, server, transport := newTestRegistry(t)
	defer transport.Close()
	ctx := context.Background()

	dials := 0
	inner := reg.dial
	reg.dial = func(ctx context.Context, url string, headers http.Header) (rpc.Transport, error) {
		dials++
		return inner(ctx, url, headers)
	}

	if err := reg.Connect(ctx, server); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if err := reg.Connect(ctx, server); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if dials != 1 {
		t.Errorf("dial count = %d, want 1 (second connect is a no-op)", dials)
	}
}

func TestConcurrentConnectsShareOneTransport(t *testing.T) {
	reg, _, server, _ := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var dialed []*stubTransport
	reg.dial = func(ctx context.Context, url string, headers http.Header) (rpc.Transport, error) {
		tr := newStubTransport()
		tr.delay = 100 * time.Millisecond // hold the handshake open so the connects overlap
		mu.Lock()
		dialed = append(dialed, tr)
		mu.Unlock()
		return tr, nil
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- reg.Connect(ctx, server) }()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 1 {
		t.Fatalf("dial count = %d, want 1 (racing connects must share one transport)", len(dialed))
	}
	dialed[0].mu.Lock()
	closed := dialed[0].closed
	dialed[0].mu.Unlock()
	if closed {
		t.Error("the shared transport was closed")
	}
	if state, ok := reg.State(server.ID); !ok || state != StateReady {
		t.Errorf("State() = %v,%v, want %v,true", state, ok, StateReady)
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	reg, st, server, transport := newTestRegistry(t)
	transport.initErr = &rpc.Error{Code: -32600, Message: "unsupported protocol"}
	ctx := context.Background()

	err := reg.Connect(ctx, server)
	if err == nil {
		t.Fatal("Connect() error = nil, want handshake failure")
	}
	if errors.Is(err, rpc.ErrManualDisconnect) {
		t.Errorf("Connect() error = %v, a failed handshake is not a manual disconnect", err)
	}
	if _, ok := reg.State(server.ID); ok {
		t.Error("failed handshake left a connection entry behind")
	}

	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if !closed {
		t.Error("transport left open after failed handshake")
	}

	got, _ := st.GetServer(ctx, server.ID)
	if got.Status != models.ServerError {
		t.Errorf("server status = %q, want %q", got.Status, models.ServerError)
	}
}

func TestConnectDialFailureMarksError(t *testing.T) {
	reg, st, server, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.dial = func(ctx context.Context, url string, headers http.Header) (rpc.Transport, error) {
		return nil, errors.New("connection refused")
	}

	if err := reg.Connect(ctx, server); err == nil {
		t.Fatal("Connect() error = nil, want dial failure")
	}
	if _, ok := reg.State(server.ID); ok {
		t.Error("failed connect left a connection entry behind")
	}

	got, _ := st.GetServer(ctx, server.ID)
	if got.Status != models.ServerError {
		t.Errorf("server status = %q, want %q", got.Status, models.ServerError)
	}
	if got.LastError == "" {
		t.Error("LastError empty after failed connect")
	}
}

func TestDisconnectRejectsInFlightWithManualReason(t *testing.T) {
	reg, _, server, transport := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Connect(ctx, server); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		// tools/call is never answered by the stub
		_, err := reg.CallTool(ctx, server, "lookup_contact", map[string]any{"phone": "+15550100"})
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	reg.Disconnect(ctx, server.ID)

	select {
	case err := <-done:
		if !errors.Is(err, rpc.ErrManualDisconnect) {
			t.Errorf("CallTool() error = %v, want ErrManualDisconnect", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call did not reject after disconnect")
	}
	_ = transport
}

func TestDisconnectIdempotent(t *testing.T) {
	reg, _, server, transport := newTestRegistry(t)
	defer transport.Close()
	ctx := context.Background()

	if err := reg.Connect(ctx, server); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	reg.Disconnect(ctx, server.ID)
	reg.Disconnect(ctx, server.ID) // second call must be a no-op

	if _, ok := reg.State(server.ID); ok {
		t.Error("connection entry survived disconnect")
	}
}

func TestRetryScheduleDoubles(t *testing.T) {
	b := newRetry()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("delay %d = %v, want %v", i+1, got, w)
		}
	}
}

func TestExhaustedAttemptsRemoveEntry(t *testing.T) {
	reg, _, server, transport := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Connect(ctx, server); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Pin the counter to the cap, then drop the transport: watch must
	// remove the entry instead of scheduling another attempt.
	reg.mu.Lock()
	reg.conns[server.ID].attempt = maxReconnectAttempts
	reg.mu.Unlock()

	transport.Close()

	deadline := time.After(time.Second)
	for {
		if _, ok := reg.State(server.ID); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("connection entry not removed after exhausting reconnect attempts")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHTTPTransportRoutesStateless(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req rpc.Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpc.Response{Jsonrpc: rpc.Version, ID: req.ID, Result: json.RawMessage(`{"tools":[{"name":"echo","description":"echoes","inputSchema":{"type":"object"}}]}`)})
	}))
	defer backend.Close()

	st := store.NewMemoryStore()
	codec := secrets.NewEphemeralCodec()
	raw, _ := json.Marshal(models.Credential{Token: "abc"})
	sealed, _ := codec.Encrypt(string(raw))

	server := &models.ToolServer{
		ID:          "srv-http",
		UserID:      "user-1",
		URL:         backend.URL,
		Transport:   models.TransportHTTP,
		Auth:        models.AuthBearer,
		Credentials: sealed,
	}
	st.CreateServer(context.Background(), server)

	reg := NewRegistry(st, codec)
	tools, err := reg.ListTools(context.Background(), server)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("ListTools() = %+v, want one tool named echo", tools)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer abc")
	}
}
