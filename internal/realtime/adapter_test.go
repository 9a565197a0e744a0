package realtime

import (
	"fmt"
	"strings"
	"testing"

	"github.com/voxhall/voxhall/pkg/models"
)

func TestForModelSelection(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-realtime", "openai"},
		{"gpt-4o-realtime-preview", "openai"},
		{"gemini-2.0-flash-live", "gemini"},
		{"Gemini-Live", "gemini"},
		{"ultravox-70b", "ultravox"},
		{"fixie-ai/ultravox", "ultravox"},
		{"something-unknown", "openai"},
	}
	for _, tc := range cases {
		if got := ForModel(tc.model).Name(); got != tc.want {
			t.Errorf("ForModel(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestForModelIsPure(t *testing.T) {
	a := ForModel("gemini-2.0-flash-live")
	b := ForModel("gemini-2.0-flash-live")
	if a.Name() != b.Name() {
		t.Errorf("ForModel not stable: %q vs %q", a.Name(), b.Name())
	}
}

func TestGeminiSanitizeTools(t *testing.T) {
	tools := []models.FunctionSchema{{
		Name: "lookup",
		Parameters: map[string]any{
			"$schema":     "http://json-schema.org/draft-07/schema#",
			"definitions": map[string]any{"x": map[string]any{}},
			"type":        "object",
			"properties": map[string]any{
				"nested": map[string]any{
					"type":       "object",
					"properties": map[string]any{"a": map[string]any{"type": "string"}},
				},
			},
		},
	}}

	out := (&GeminiAdapter{}).SanitizeTools(tools)
	params := out[0].Parameters

	if _, ok := params["$schema"]; ok {
		t.Error("$schema survived sanitization")
	}
	if _, ok := params["definitions"]; ok {
		t.Error("definitions survived sanitization")
	}
	if _, ok := params["required"]; !ok {
		t.Error("required not defaulted on object schema")
	}
	if ap, ok := params["additionalProperties"]; !ok || ap != false {
		t.Errorf("additionalProperties = %v, want false", ap)
	}

	nested := params["properties"].(map[string]any)["nested"].(map[string]any)
	if _, ok := nested["required"]; !ok {
		t.Error("nested object schema missing defaulted required")
	}

	// input untouched
	if _, ok := tools[0].Parameters["$schema"]; !ok {
		t.Error("sanitizer mutated its input")
	}
}

func TestGeminiSanitizeNilParameters(t *testing.T) {
	out := (&GeminiAdapter{}).SanitizeTools([]models.FunctionSchema{{Name: "bare"}})
	params := out[0].Parameters
	if params["type"] != "object" {
		t.Errorf("nil parameters sanitized to %v, want empty object schema", params)
	}
}

func TestOpenAIHandleFunctionCall(t *testing.T) {
	a := &OpenAIAdapter{}

	event := []byte(`{"type":"response.function_call_arguments.done","name":"end_call","call_id":"c7","arguments":"{\"reason\":\"done\"}"}`)
	req, ok := a.HandleFunctionCall(event)
	if !ok {
		t.Fatal("HandleFunctionCall() ok = false, want true")
	}
	if req.Name != "end_call" || req.CallID != "c7" {
		t.Errorf("request = %+v, want end_call/c7", req)
	}
	if req.ArgumentsJSON != `{"reason":"done"}` {
		t.Errorf("arguments = %q", req.ArgumentsJSON)
	}

	if _, ok := a.HandleFunctionCall([]byte(`{"type":"response.audio.delta"}`)); ok {
		t.Error("non function-call event accepted")
	}
	if _, ok := a.HandleFunctionCall([]byte(`not json`)); ok {
		t.Error("malformed event accepted")
	}
}

func TestGeminiHandleFunctionCall(t *testing.T) {
	a := &GeminiAdapter{}

	event := []byte(`{"toolCall":{"functionCalls":[{"name":"lookup","id":"g1","args":{"q":"ada"}}]}}`)
	req, ok := a.HandleFunctionCall(event)
	if !ok {
		t.Fatal("HandleFunctionCall() ok = false, want true")
	}
	if req.Name != "lookup" || req.CallID != "g1" {
		t.Errorf("request = %+v, want lookup/g1", req)
	}
	if !strings.Contains(req.ArgumentsJSON, `"q":"ada"`) {
		t.Errorf("arguments = %q, want args object encoded", req.ArgumentsJSON)
	}

	if _, ok := a.HandleFunctionCall([]byte(`{"serverContent":{}}`)); ok {
		t.Error("non tool-call event accepted")
	}
}

func TestUltravoxExtractTextToolCalls(t *testing.T) {
	a := &UltravoxAdapter{}

	text := `Sure, let me check that.
<tool_call>{"name":"check_availability","call_id":"t1","arguments":{"from":"2026-09-01","to":"2026-09-02"}}</tool_call>
And also:
<tool_call>{"name": broken,}</tool_call>
<tool_call>{"name":"book_appointment","arguments":{"slot_id":"s1"}}</tool_call>`

	calls := a.ExtractTextToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("extracted %d calls, want 2 (malformed marker skipped)", len(calls))
	}
	if calls[0].Name != "check_availability" || calls[0].CallID != "t1" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Name != "book_appointment" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestUltravoxExtractionCapped(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, `<tool_call>{"name":"t%d","arguments":{}}</tool_call>`, i)
	}

	calls := (&UltravoxAdapter{}).ExtractTextToolCalls(b.String())
	if len(calls) != maxTextToolCalls {
		t.Errorf("extracted %d calls, want cap of %d", len(calls), maxTextToolCalls)
	}
}

func TestUltravoxExtractNoMarkers(t *testing.T) {
	if calls := (&UltravoxAdapter{}).ExtractTextToolCalls("plain sentence, no tools"); calls != nil {
		t.Errorf("extracted %v from plain text, want nil", calls)
	}
}

func TestVendorFlags(t *testing.T) {
	if f := (&OpenAIAdapter{}).Flags(); !f.SkipFunctionCallsInResponseDone || !f.ServerVAD || f.TextToolCalls {
		t.Errorf("openai flags = %+v", f)
	}
	if f := (&GeminiAdapter{}).Flags(); f.SkipFunctionCallsInResponseDone || !f.ServerVAD {
		t.Errorf("gemini flags = %+v", f)
	}
	if f := (&UltravoxAdapter{}).Flags(); !f.TextToolCalls {
		t.Errorf("ultravox flags = %+v", f)
	}
}

func TestOpenAIBuildSessionConfig(t *testing.T) {
	profile := models.SessionProfile{
		Instructions: "Be helpful.",
		Voice:        "alloy",
		Temperature:  0.7,
		VADEnabled:   true,
		Tools:        []models.FunctionSchema{{Name: "end_call"}},
	}

	cfg := (&OpenAIAdapter{}).BuildSessionConfig(profile)
	if cfg["type"] != "session.update" {
		t.Errorf("type = %v, want session.update", cfg["type"])
	}
	session := cfg["session"].(map[string]any)
	if session["instructions"] != "Be helpful." || session["voice"] != "alloy" {
		t.Errorf("session = %v", session)
	}
	td, ok := session["turn_detection"].(map[string]any)
	if !ok || td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v, want server_vad", session["turn_detection"])
	}
	if tools := session["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v, want 1 entry", tools)
	}
}

func TestGeminiBuildSessionConfigVADDisabled(t *testing.T) {
	cfg := (&GeminiAdapter{}).BuildSessionConfig(models.SessionProfile{VADEnabled: false})
	setup := cfg["setup"].(map[string]any)
	ric, ok := setup["realtime_input_config"].(map[string]any)
	if !ok {
		t.Fatal("realtime_input_config missing when VAD disabled")
	}
	aad := ric["automatic_activity_detection"].(map[string]any)
	if aad["disabled"] != true {
		t.Errorf("automatic_activity_detection = %v, want disabled", aad)
	}
}
