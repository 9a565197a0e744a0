// Package realtime adapts the tool subsystem to the realtime speech
// vendors. Each vendor is a strategy object behind one capability
// interface; the session loop picks an adapter once, by model name, and
// never branches on the vendor again.
package realtime

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/gateway"
	"github.com/voxhall/voxhall/pkg/models"
)

// maxTextToolCalls bounds marker extraction so adversarial transcripts
// cannot make the parser loop over unbounded matches.
const maxTextToolCalls = 16

// Flags are the per-vendor capabilities the session loop branches on.
type Flags struct {
	// SkipFunctionCallsInResponseDone is set for vendors that surface
	// function calls through a dedicated event and repeat them inside
	// the response-done payload; the loop must ignore the duplicates.
	SkipFunctionCallsInResponseDone bool
	// ServerVAD means turn detection runs on the vendor's side.
	ServerVAD bool
	// TextToolCalls means the vendor has no structured function-call
	// event and embeds tool calls as markers in streamed text.
	TextToolCalls bool
}

// Adapter translates between one vendor's wire shapes and the gateway's
// calling convention.
type Adapter interface {
	// Name identifies the vendor in logs.
	Name() string

	// BuildSessionConfig maps the uniform session profile into the
	// vendor's session-update payload.
	BuildSessionConfig(profile models.SessionProfile) map[string]any

	// SanitizeTools normalizes function schemas to what the vendor's
	// schema validator accepts. Input is never mutated.
	SanitizeTools(tools []models.FunctionSchema) []models.FunctionSchema

	// HandleFunctionCall decodes a structured function-call event.
	// ok is false when the event is not a function call.
	HandleFunctionCall(event []byte) (gateway.Request, bool)

	// ExtractTextToolCalls parses marker-embedded tool calls out of
	// streamed text, capped at maxTextToolCalls matches.
	ExtractTextToolCalls(text string) []gateway.Request

	Flags() Flags
}

// ForModel selects the adapter for a model identifier. Pure: the same
// string always yields the same vendor. Unrecognized models fall back
// to the OpenAI adapter, the dialect most providers emulate.
func ForModel(model string) Adapter {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gemini"):
		return &GeminiAdapter{}
	case strings.HasPrefix(m, "ultravox") || strings.HasPrefix(m, "fixie-ai/"):
		return &UltravoxAdapter{}
	default:
		return &OpenAIAdapter{}
	}
}

// ── Shared helpers ──────────────────────────────────────────

// toolCallMarker is the delimiter grammar for text-embedded tool calls:
// <tool_call>{"name":"...","arguments":{...}}</tool_call>.
var toolCallMarker = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// extractMarkedToolCalls is the shared text fallback parser. Each match
// is decoded independently; one malformed marker does not drop the rest.
func extractMarkedToolCalls(vendor, text string) []gateway.Request {
	matches := toolCallMarker.FindAllStringSubmatch(text, maxTextToolCalls)
	if len(matches) == 0 {
		return nil
	}

	out := make([]gateway.Request, 0, len(matches))
	for _, m := range matches {
		var call struct {
			Name      string          `json:"name"`
			CallID    string          `json:"call_id"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &call); err != nil || call.Name == "" {
			log.Warn().Str("vendor", vendor).Str("marker", m[1]).Msg("skipping malformed text tool call")
			continue
		}
		out = append(out, gateway.Request{
			Name:          call.Name,
			CallID:        call.CallID,
			ArgumentsJSON: string(call.Arguments),
		})
	}
	return out
}

// sanitizeSchema deep-normalizes one JSON-Schema parameter object for
// strict vendors: metadata keys are stripped and object schemas get
// explicit required and additionalProperties fields.
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}, "required": []any{}, "additionalProperties": false}
	}

	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if key == "$schema" || key == "definitions" || key == "$defs" {
			continue
		}
		out[key] = sanitizeValue(value)
	}

	if out["type"] == "object" {
		if _, ok := out["required"]; !ok {
			out["required"] = []any{}
		}
		if _, ok := out["additionalProperties"]; !ok {
			out["additionalProperties"] = false
		}
	}
	return out
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return sanitizeSchema(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}
