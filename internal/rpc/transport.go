package rpc

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is a raw framed message pipe to a tool server. It owns nothing
// but send/receive; correlation and retry live above it.
type Transport interface {
	// Send writes one frame. Safe for concurrent use.
	Send(ctx context.Context, payload []byte) error

	// Messages yields incoming frames. The channel closes when the
	// transport drops, whatever the cause.
	Messages() <-chan []byte

	// Close tears the transport down. Idempotent.
	Close() error
}

// ── WebSocket transport ─────────────────────────────────────

// WSTransport is the persistent-socket Transport over a websocket.
type WSTransport struct {
	conn     *websocket.Conn
	messages chan []byte
	writeMu  sync.Mutex
	closeOne sync.Once
}

// DialWS opens a websocket to the given URL with the prepared auth headers
// and starts the read pump.
func DialWS(ctx context.Context, url string, headers http.Header) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t := &WSTransport{
		conn:     conn,
		messages: make(chan []byte, 16),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Send(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WSTransport) Messages() <-chan []byte { return t.messages }

func (t *WSTransport) Close() error {
	var err error
	t.closeOne.Do(func() {
		err = t.conn.Close()
	})
	return err
}

// readLoop pumps frames into the messages channel until the socket drops,
// then closes the channel so consumers observe the disconnect.
func (t *WSTransport) readLoop() {
	defer close(t.messages)
	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			t.Close()
			return
		}
		t.messages <- payload
	}
}
