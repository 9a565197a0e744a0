package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Caller correlates responses on a persistent transport back to their
// originating request by envelope id. One Caller owns one transport; the
// pending table is the only shared state and is mutex-guarded, so calls
// from any number of goroutines interleave freely without blocking each
// other.
type Caller struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan *Response
	reason  error

	done chan struct{}
}

// NewCaller wraps a transport and starts the dispatch loop.
func NewCaller(t Transport) *Caller {
	c := &Caller{
		transport: t,
		timeout:   DefaultCallTimeout,
		pending:   make(map[string]chan *Response),
		done:      make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Done is closed once the transport has dropped and all pending calls
// have been rejected.
func (c *Caller) Done() <-chan struct{} { return c.done }

// Abort tears the transport down, rejecting every in-flight call with the
// given reason instead of the default ErrConnectionClosed.
func (c *Caller) Abort(reason error) {
	c.mu.Lock()
	if c.reason == nil {
		c.reason = reason
	}
	c.mu.Unlock()
	c.transport.Close()
}

// Call sends one request and suspends until its response, the per-call
// timeout, or transport loss. Remote error envelopes surface as *Error.
func (c *Caller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.drop(id)

	payload, err := json.Marshal(Request{Jsonrpc: Version, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(ctx, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.done:
		return nil, c.closeReason()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch routes incoming frames to pending calls until the transport
// drops, then rejects whatever is still waiting.
func (c *Caller) dispatch() {
	for payload := range c.transport.Messages() {
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			log.Debug().Err(err).Msg("discarding unparsable frame")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			// Unsolicited or late; no one is waiting for it.
			log.Debug().Str("id", resp.ID).Msg("ignoring unmatched response")
			continue
		}
		ch <- &resp
	}

	c.mu.Lock()
	if c.reason == nil {
		c.reason = ErrConnectionClosed
	}
	c.pending = make(map[string]chan *Response)
	c.mu.Unlock()
	close(c.done)
}

func (c *Caller) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Caller) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == nil {
		return ErrConnectionClosed
	}
	return c.reason
}
