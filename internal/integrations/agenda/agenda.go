// Package agenda is the scheduling integration. Its tool list is fixed
// in code; the tenant only supplies an endpoint and credentials, and
// calls are plain JSON POSTs against that endpoint.
package agenda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxhall/voxhall/internal/conn"
	"github.com/voxhall/voxhall/internal/secrets"
	"github.com/voxhall/voxhall/pkg/models"
)

// Slug prefixes every agenda tool name seen by the model provider.
const Slug = "agenda"

const requestTimeout = 30 * time.Second

// Integration executes scheduling tools against a tenant's agenda
// endpoint. Safe for concurrent use.
type Integration struct {
	codec  *secrets.Codec
	client *http.Client
}

func New(codec *secrets.Codec) *Integration {
	return &Integration{
		codec:  codec,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (i *Integration) Slug() string { return Slug }

// Tools returns the fixed scheduling tool list. Synced entries start
// disabled so a tenant opts in per tool.
func (i *Integration) Tools() []models.RemoteToolInfo {
	return []models.RemoteToolInfo{
		{
			Name:        "check_availability",
			Description: "Look up open appointment slots in a date range.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"from": map[string]any{"type": "string", "description": "Start of the range, ISO 8601 date"},
					"to":   map[string]any{"type": "string", "description": "End of the range, ISO 8601 date"},
				},
				"required": []any{"from", "to"},
			},
		},
		{
			Name:        "book_appointment",
			Description: "Book an appointment slot for the caller.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"slot_id":    map[string]any{"type": "string", "description": "Slot identifier from check_availability"},
					"contact_id": map[string]any{"type": "string", "description": "Caller contact identifier"},
					"notes":      map[string]any{"type": "string", "description": "Optional booking notes"},
				},
				"required": []any{"slot_id", "contact_id"},
			},
		},
		{
			Name:        "cancel_appointment",
			Description: "Cancel a previously booked appointment.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"appointment_id": map[string]any{"type": "string", "description": "Appointment identifier"},
					"contact_id":     map[string]any{"type": "string", "description": "Caller contact identifier"},
				},
				"required": []any{"appointment_id", "contact_id"},
			},
		},
	}
}

// Execute posts the argument map to <endpoint>/<tool> with the server's
// configured auth headers.
func (i *Integration) Execute(ctx context.Context, server *models.ToolServer, tool string, args map[string]any) (json.RawMessage, error) {
	cred, err := conn.DecodeCredential(i.codec, server)
	if err != nil {
		return nil, err
	}
	headers, err := conn.BuildAuthHeaders(server.Auth, cred)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode agenda arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agenda %s: %w", tool, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agenda %s: read response: %w", tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agenda %s: status %d: %s", tool, resp.StatusCode, string(payload))
	}
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(payload), nil
}
