package policy

import (
	"context"
	"testing"
	"time"

	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/pkg/models"
)

func seedTool(t *testing.T, st *store.MemoryStore) *models.ToolDefinition {
	t.Helper()
	def := &models.ToolDefinition{ServerID: "srv-1", Name: "send_payment", Enabled: true}
	if err := st.UpsertTool(context.Background(), def); err != nil {
		t.Fatalf("UpsertTool() error = %v", err)
	}
	return def
}

func logSuccess(t *testing.T, st *store.MemoryStore, userID string, at time.Time) {
	t.Helper()
	err := st.AppendCallLog(context.Background(), &models.CallLogEntry{
		UserID:    userID,
		ToolName:  "send_payment",
		Status:    models.CallSuccess,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendCallLog() error = %v", err)
	}
}

func TestCheckNoPoliciesAllows(t *testing.T) {
	st := store.NewMemoryStore()
	tool := seedTool(t, st)

	v, err := NewEngine(st).Check(context.Background(), "u1", tool, map[string]any{"amount": 10})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v != nil {
		t.Errorf("Check() violation = %+v, want nil", v)
	}
}

func TestRateLimitBlocksAtCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyRateLimit,
		Config: map[string]any{"max_calls": float64(3), "window_seconds": float64(60)},
	})

	engine := NewEngine(st)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		v, err := engine.Check(ctx, "u1", tool, nil)
		if err != nil {
			t.Fatalf("Check() %d error = %v", i, err)
		}
		if v != nil {
			t.Fatalf("Check() %d violation = %+v, want nil under the cap", i, v)
		}
		logSuccess(t, st, "u1", now)
	}

	v, err := engine.Check(ctx, "u1", tool, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v == nil || v.Kind != models.PolicyRateLimit {
		t.Fatalf("Check() violation = %+v, want rate_limit block on 4th call", v)
	}
}

func TestRateLimitWindowElapses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyRateLimit,
		Config: map[string]any{"max_calls": float64(1), "window_seconds": float64(60)},
	})

	now := time.Now().UTC()
	logSuccess(t, st, "u1", now.Add(-2*time.Minute)) // outside the window

	v, err := NewEngine(st).Check(ctx, "u1", tool, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v != nil {
		t.Errorf("Check() violation = %+v, want nil for expired window", v)
	}
}

func TestRateLimitCountsOnlyThisUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyRateLimit,
		Config: map[string]any{"max_calls": float64(1)},
	})

	logSuccess(t, st, "other-user", time.Now().UTC())

	v, err := NewEngine(st).Check(ctx, "u1", tool, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v != nil {
		t.Errorf("Check() violation = %+v, other users' calls must not count", v)
	}
}

func TestParamRestrictBlockedKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyParamRestrict,
		Config: map[string]any{"blocked_params": []any{"raw_sql"}},
	})

	engine := NewEngine(st)

	v, err := engine.Check(ctx, "u1", tool, map[string]any{"raw_sql": "drop table"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v == nil || v.Kind != models.PolicyParamRestrict {
		t.Fatalf("Check() violation = %+v, want param_restrict block", v)
	}

	v, err = engine.Check(ctx, "u1", tool, map[string]any{"query": "safe"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v != nil {
		t.Errorf("Check() violation = %+v, want nil for clean args", v)
	}
}

func TestParamRestrictDenyWhen(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyParamRestrict,
		Config: map[string]any{"deny_when": "amount > 500"},
	})

	engine := NewEngine(st)

	v, err := engine.Check(ctx, "u1", tool, map[string]any{"amount": 900})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v == nil {
		t.Fatal("Check() violation = nil, want deny_when block for amount 900")
	}

	v, err = engine.Check(ctx, "u1", tool, map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v != nil {
		t.Errorf("Check() violation = %+v, want nil for amount 100", v)
	}
}

func TestParamRestrictBrokenExpressionSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyParamRestrict,
		Config: map[string]any{"deny_when": "this is ((( not an expression"},
	})

	v, err := NewEngine(st).Check(ctx, "u1", tool, map[string]any{"amount": 900})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v != nil {
		t.Errorf("Check() violation = %+v, broken expression must not block", v)
	}
}

func TestRequireApprovalAlwaysBlocks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyRequireApproval,
	})

	v, err := NewEngine(st).Check(ctx, "u1", tool, nil)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v == nil || v.Kind != models.PolicyRequireApproval {
		t.Fatalf("Check() violation = %+v, want require_approval block", v)
	}
	if v.Reason == "" {
		t.Error("violation reason is empty, want human readable explanation")
	}
}

func TestFirstViolationWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tool := seedTool(t, st)

	// Kind order is lexicographic: param_restrict sorts before
	// require_approval, so it must be the violation reported.
	st.CreatePolicy(ctx, &models.ToolPolicy{ToolID: tool.ID, Kind: models.PolicyRequireApproval})
	st.CreatePolicy(ctx, &models.ToolPolicy{
		ToolID: tool.ID,
		Kind:   models.PolicyParamRestrict,
		Config: map[string]any{"blocked_params": []any{"x"}},
	})

	v, err := NewEngine(st).Check(ctx, "u1", tool, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if v == nil || v.Kind != models.PolicyParamRestrict {
		t.Fatalf("Check() violation = %+v, want param_restrict reported first", v)
	}
}
