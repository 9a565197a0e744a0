package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport. Each Send invokes the reply
// hook with the decoded request so tests can answer, misanswer, or stay
// silent.
type fakeTransport struct {
	mu       sync.Mutex
	messages chan []byte
	closed   bool
	reply    func(req Request, push func(Response))
}

func newFakeTransport(reply func(req Request, push func(Response))) *fakeTransport {
	return &fakeTransport{
		messages: make(chan []byte, 16),
		reply:    reply,
	}
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if f.reply != nil {
		f.reply(req, f.push)
	}
	return nil
}

func (f *fakeTransport) push(resp Response) {
	payload, _ := json.Marshal(resp)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.messages <- payload
	}
}

func (f *fakeTransport) Messages() <-chan []byte { return f.messages }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
	return nil
}

func TestCallMatchesResponseByID(t *testing.T) {
	ft := newFakeTransport(func(req Request, push func(Response)) {
		// Answer out of order: an unrelated frame first, then the real one.
		push(Response{Jsonrpc: Version, ID: "someone-else", Result: json.RawMessage(`"nope"`)})
		push(Response{Jsonrpc: Version, ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
	})
	c := NewCaller(ft)
	defer ft.Close()

	result, err := c.Call(context.Background(), MethodToolsCall, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("Call() result = %s, want {\"ok\":true}", result)
	}
}

func TestCallRemoteError(t *testing.T) {
	ft := newFakeTransport(func(req Request, push func(Response)) {
		push(Response{Jsonrpc: Version, ID: req.ID, Error: &Error{Code: -32601, Message: "Method not found"}})
	})
	c := NewCaller(ft)
	defer ft.Close()

	_, err := c.Call(context.Background(), "no/such", nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *rpc.Error", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("rpc error code = %d, want -32601", rpcErr.Code)
	}
}

func TestCallTimeout(t *testing.T) {
	ft := newFakeTransport(nil) // never answers
	c := NewCaller(ft)
	c.timeout = 50 * time.Millisecond
	defer ft.Close()

	_, err := c.Call(context.Background(), MethodToolsCall, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
}

func TestTimeoutDoesNotPoisonSiblingCalls(t *testing.T) {
	ft := newFakeTransport(func(req Request, push func(Response)) {
		if req.Method == MethodToolsList {
			push(Response{Jsonrpc: Version, ID: req.ID, Result: json.RawMessage(`{"tools":[]}`)})
		}
		// tools/call never answered
	})
	c := NewCaller(ft)
	c.timeout = 100 * time.Millisecond
	defer ft.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodToolsCall, nil)
		done <- err
	}()

	// The sibling call on the same connection resolves while the slow
	// call is still pending.
	if _, err := c.Call(context.Background(), MethodToolsList, nil); err != nil {
		t.Fatalf("sibling Call() error = %v", err)
	}

	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Errorf("slow Call() error = %v, want ErrTimeout", err)
	}
}

func TestTransportDropRejectsPending(t *testing.T) {
	ft := newFakeTransport(nil)
	c := NewCaller(ft)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodToolsCall, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ft.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Call() error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call was not rejected after transport drop")
	}
}

func TestAbortRejectsWithManualDisconnect(t *testing.T) {
	ft := newFakeTransport(nil)
	c := NewCaller(ft)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), MethodToolsCall, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Abort(ErrManualDisconnect)

	select {
	case err := <-done:
		if !errors.Is(err, ErrManualDisconnect) {
			t.Errorf("Call() error = %v, want ErrManualDisconnect", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call was not rejected after abort")
	}
}
