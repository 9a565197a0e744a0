package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// HTTPCaller performs stateless JSON-RPC exchanges: one POST per call,
// response delivered either as a plain JSON body or as an SSE stream.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller creates an HTTP caller with the standard call timeout.
func NewHTTPCaller() *HTTPCaller {
	return &HTTPCaller{
		client: &http.Client{Timeout: DefaultCallTimeout},
	}
}

// Call performs a single request/response exchange. A nil result with a
// nil error means the server answered with nothing parseable; that
// permissiveness tolerates noisy SSE framing from intermediary proxies
// and is deliberately not an error.
func (h *HTTPCaller) Call(ctx context.Context, url string, headers http.Header, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(Request{Jsonrpc: Version, ID: uuid.New().String(), Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, vals := range headers {
		for _, v := range vals {
			req.Header.Set(key, v)
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool server returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var frame *Response
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		frame = lastEventFrame(raw)
	}
	if frame == nil {
		frame = wholeBodyFrame(raw)
	}
	if frame == nil {
		// Degraded path: nothing parseable anywhere in the body. Logged
		// distinctly from a remote error so operators can tell "tool
		// returned nothing" from "tool said nothing parseable".
		log.Warn().
			Str("url", url).
			Str("method", method).
			Int("body_bytes", len(raw)).
			Dur("elapsed", time.Since(start)).
			Msg("sse_unparsable: treating response as null result")
		return nil, nil
	}

	if frame.Error != nil {
		return nil, frame.Error
	}
	return frame.Result, nil
}

// lastEventFrame scans SSE lines and returns the last data: payload that
// parses as a JSON-RPC response. Empty and [DONE] data lines are skipped.
func lastEventFrame(body []byte) *Response {
	var last *Response
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if !strings.HasPrefix(data, "{") {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}
		last = &resp
	}
	return last
}

// wholeBodyFrame falls back to parsing the entire body as one envelope.
func wholeBodyFrame(body []byte) *Response {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil
	}
	if resp.Result == nil && resp.Error == nil {
		return nil
	}
	return &resp
}
