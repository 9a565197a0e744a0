package realtime

import (
	"encoding/json"

	"github.com/voxhall/voxhall/internal/gateway"
	"github.com/voxhall/voxhall/pkg/models"
)

// GeminiAdapter speaks the Gemini Live dialect. Its schema validator is
// strict, so tool parameters go through the full normalization pass.
// The platform requests its own continuation turn after a function
// response is supplied.
type GeminiAdapter struct{}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Flags() Flags {
	return Flags{
		SkipFunctionCallsInResponseDone: false,
		ServerVAD:                       true,
	}
}

func (a *GeminiAdapter) BuildSessionConfig(profile models.SessionProfile) map[string]any {
	declarations := make([]any, 0, len(profile.Tools))
	for _, tool := range a.SanitizeTools(profile.Tools) {
		declarations = append(declarations, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}

	generation := map[string]any{
		"temperature":        profile.Temperature,
		"response_modalities": []any{"AUDIO"},
		"speech_config": map[string]any{
			"voice_config": map[string]any{
				"prebuilt_voice_config": map[string]any{"voice_name": profile.Voice},
			},
		},
	}

	setup := map[string]any{
		"system_instruction": map[string]any{
			"parts": []any{map[string]any{"text": profile.Instructions}},
		},
		"generation_config": generation,
		"tools":             []any{map[string]any{"function_declarations": declarations}},
	}
	if !profile.VADEnabled {
		setup["realtime_input_config"] = map[string]any{
			"automatic_activity_detection": map[string]any{"disabled": true},
		}
	}
	return map[string]any{"setup": setup}
}

// SanitizeTools applies the strict normalization Gemini requires:
// metadata keys removed, object schemas given explicit required and
// additionalProperties fields, recursively.
func (a *GeminiAdapter) SanitizeTools(tools []models.FunctionSchema) []models.FunctionSchema {
	out := make([]models.FunctionSchema, len(tools))
	for i, tool := range tools {
		out[i] = tool
		out[i].Parameters = sanitizeSchema(tool.Parameters)
	}
	return out
}

func (a *GeminiAdapter) HandleFunctionCall(event []byte) (gateway.Request, bool) {
	var msg struct {
		ToolCall struct {
			FunctionCalls []struct {
				Name string         `json:"name"`
				ID   string         `json:"id"`
				Args map[string]any `json:"args"`
			} `json:"functionCalls"`
		} `json:"toolCall"`
	}
	if err := json.Unmarshal(event, &msg); err != nil {
		return gateway.Request{}, false
	}
	calls := msg.ToolCall.FunctionCalls
	if len(calls) == 0 || calls[0].Name == "" {
		return gateway.Request{}, false
	}
	args, err := json.Marshal(calls[0].Args)
	if err != nil {
		return gateway.Request{}, false
	}
	return gateway.Request{Name: calls[0].Name, CallID: calls[0].ID, ArgumentsJSON: string(args)}, true
}

// ExtractTextToolCalls is unused for Gemini. Kept total.
func (a *GeminiAdapter) ExtractTextToolCalls(text string) []gateway.Request { return nil }
