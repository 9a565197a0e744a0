package agenda

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxhall/voxhall/internal/secrets"
	"github.com/voxhall/voxhall/pkg/models"
)

func TestToolsAreFixed(t *testing.T) {
	tools := New(secrets.NewEphemeralCodec()).Tools()

	want := map[string]bool{"check_availability": true, "book_appointment": true, "cancel_appointment": true}
	if len(tools) != len(want) {
		t.Fatalf("tool count = %d, want %d", len(tools), len(want))
	}
	for _, tool := range tools {
		if !want[tool.Name] {
			t.Errorf("unexpected tool %q", tool.Name)
		}
		if tool.Description == "" || tool.InputSchema == nil {
			t.Errorf("tool %q missing description or schema", tool.Name)
		}
	}
}

func TestExecutePostsToToolPath(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"appointment_id":"apt-7"}`))
	}))
	defer backend.Close()

	codec := secrets.NewEphemeralCodec()
	raw, _ := json.Marshal(models.Credential{Token: "agenda-tok"})
	sealed, _ := codec.Encrypt(string(raw))

	server := &models.ToolServer{
		ID:          "srv-agenda",
		URL:         backend.URL,
		Auth:        models.AuthBearer,
		Credentials: sealed,
		Integration: Slug,
	}

	result, err := New(codec).Execute(context.Background(), server, "book_appointment", map[string]any{
		"slot_id":    "s1",
		"contact_id": "c9",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(result) != `{"appointment_id":"apt-7"}` {
		t.Errorf("result = %s", result)
	}
	if gotPath != "/book_appointment" {
		t.Errorf("path = %q, want /book_appointment", gotPath)
	}
	if gotAuth != "Bearer agenda-tok" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotBody["slot_id"] != "s1" {
		t.Errorf("body = %v, want arguments forwarded", gotBody)
	}
}

func TestExecuteNonSuccessStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slot already taken", http.StatusConflict)
	}))
	defer backend.Close()

	server := &models.ToolServer{ID: "srv-agenda", URL: backend.URL, Auth: models.AuthNone, Integration: Slug}
	if _, err := New(secrets.NewEphemeralCodec()).Execute(context.Background(), server, "book_appointment", nil); err == nil {
		t.Fatal("Execute() error = nil, want non-nil for HTTP 409")
	}
}
