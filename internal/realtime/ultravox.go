package realtime

import (
	"github.com/voxhall/voxhall/internal/gateway"
	"github.com/voxhall/voxhall/pkg/models"
)

// UltravoxAdapter covers vendors without a structured function-call
// event: tool calls are embedded as delimited markers in streamed text
// and extracted on this side.
type UltravoxAdapter struct{}

func (a *UltravoxAdapter) Name() string { return "ultravox" }

func (a *UltravoxAdapter) Flags() Flags {
	return Flags{
		SkipFunctionCallsInResponseDone: false,
		ServerVAD:                       false,
		TextToolCalls:                   true,
	}
}

func (a *UltravoxAdapter) BuildSessionConfig(profile models.SessionProfile) map[string]any {
	tools := make([]any, 0, len(profile.Tools))
	for _, tool := range a.SanitizeTools(profile.Tools) {
		tools = append(tools, map[string]any{
			"temporaryTool": map[string]any{
				"modelToolName":    tool.Name,
				"description":      tool.Description,
				"dynamicParameters": tool.Parameters,
			},
		})
	}
	return map[string]any{
		"systemPrompt":   profile.Instructions,
		"voice":          profile.Voice,
		"temperature":    profile.Temperature,
		"selectedTools":  tools,
		"firstSpeaker":   "FIRST_SPEAKER_AGENT",
	}
}

func (a *UltravoxAdapter) SanitizeTools(tools []models.FunctionSchema) []models.FunctionSchema {
	out := make([]models.FunctionSchema, len(tools))
	for i, tool := range tools {
		out[i] = tool
		out[i].Parameters = sanitizeSchema(tool.Parameters)
	}
	return out
}

// HandleFunctionCall always declines; this vendor has no structured
// function-call event.
func (a *UltravoxAdapter) HandleFunctionCall(event []byte) (gateway.Request, bool) {
	return gateway.Request{}, false
}

func (a *UltravoxAdapter) ExtractTextToolCalls(text string) []gateway.Request {
	return extractMarkedToolCalls(a.Name(), text)
}
