package realtime

import (
	"encoding/json"

	"github.com/voxhall/voxhall/internal/gateway"
	"github.com/voxhall/voxhall/pkg/models"
)

// OpenAIAdapter speaks the OpenAI Realtime dialect. Function calls
// arrive as dedicated arguments-done events and are repeated inside
// response.done, so the loop skips the duplicates.
type OpenAIAdapter struct{}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Flags() Flags {
	return Flags{
		SkipFunctionCallsInResponseDone: true,
		ServerVAD:                       true,
	}
}

func (a *OpenAIAdapter) BuildSessionConfig(profile models.SessionProfile) map[string]any {
	session := map[string]any{
		"modalities":   []any{"text", "audio"},
		"instructions": profile.Instructions,
		"voice":        profile.Voice,
		"temperature":  profile.Temperature,
	}
	if profile.VADEnabled {
		session["turn_detection"] = map[string]any{"type": "server_vad"}
	} else {
		session["turn_detection"] = nil
	}

	tools := make([]any, 0, len(profile.Tools))
	for _, tool := range a.SanitizeTools(profile.Tools) {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	session["tools"] = tools

	return map[string]any{"type": "session.update", "session": session}
}

// SanitizeTools is near identity for OpenAI; only the metadata keys the
// endpoint rejects are stripped.
func (a *OpenAIAdapter) SanitizeTools(tools []models.FunctionSchema) []models.FunctionSchema {
	out := make([]models.FunctionSchema, len(tools))
	for i, tool := range tools {
		out[i] = tool
		if tool.Parameters != nil {
			params := make(map[string]any, len(tool.Parameters))
			for key, value := range tool.Parameters {
				if key == "$schema" || key == "definitions" || key == "$defs" {
					continue
				}
				params[key] = value
			}
			out[i].Parameters = params
		}
	}
	return out
}

func (a *OpenAIAdapter) HandleFunctionCall(event []byte) (gateway.Request, bool) {
	var msg struct {
		Type      string `json:"type"`
		Name      string `json:"name"`
		CallID    string `json:"call_id"`
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(event, &msg); err != nil {
		return gateway.Request{}, false
	}
	if msg.Type != "response.function_call_arguments.done" || msg.Name == "" {
		return gateway.Request{}, false
	}
	return gateway.Request{Name: msg.Name, CallID: msg.CallID, ArgumentsJSON: msg.Arguments}, true
}

// ExtractTextToolCalls is unused for OpenAI; function calls are
// structured events. Kept total so the session loop can call it blindly.
func (a *OpenAIAdapter) ExtractTextToolCalls(text string) []gateway.Request { return nil }
