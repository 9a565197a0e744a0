// Package policy evaluates the rules attached to a tool before the
// gateway lets a call through. Policies are evaluated in a deterministic
// order (kind, then id) and the first violation stops the call.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/pkg/models"
)

// Rate limit defaults, applied when a rate_limit policy omits the keys.
const (
	DefaultMaxCalls      = 60
	DefaultWindowSeconds = 60
)

// Violation explains why a call was blocked. Reason is human readable;
// the gateway hands it back to the model verbatim so the assistant can
// tell the caller what happened.
type Violation struct {
	PolicyID string
	Kind     models.PolicyKind
	Reason   string
}

// Engine checks tool policies against call context.
type Engine struct {
	store store.Store
	now   func() time.Time
}

func NewEngine(s store.Store) *Engine {
	return &Engine{store: s, now: time.Now}
}

// Check evaluates every policy on the tool in order. It returns a
// non-nil Violation for the first rule that blocks the call, or nil when
// the call may proceed. The error return is for infrastructure failures
// only, never for blocks.
func (e *Engine) Check(ctx context.Context, userID string, tool *models.ToolDefinition, args map[string]any) (*Violation, error) {
	policies, err := e.store.ListPolicies(ctx, tool.ID)
	if err != nil {
		return nil, fmt.Errorf("load policies for tool %s: %w", tool.ID, err)
	}

	for _, pol := range policies {
		var v *Violation
		switch pol.Kind {
		case models.PolicyRateLimit:
			v, err = e.checkRateLimit(ctx, userID, &pol)
			if err != nil {
				return nil, err
			}
		case models.PolicyParamRestrict:
			v = e.checkParamRestrict(&pol, args)
		case models.PolicyRequireApproval:
			v = &Violation{
				PolicyID: pol.ID,
				Kind:     pol.Kind,
				Reason:   fmt.Sprintf("tool %s requires human approval and cannot run automatically", tool.Name),
			}
		default:
			log.Warn().Str("policy_id", pol.ID).Str("kind", string(pol.Kind)).Msg("ignoring unknown policy kind")
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// checkRateLimit counts the user's successful calls in the trailing
// window. The read-then-decide is not atomic, so concurrent calls can
// briefly exceed the cap; this is a soft limit.
func (e *Engine) checkRateLimit(ctx context.Context, userID string, pol *models.ToolPolicy) (*Violation, error) {
	maxCalls := cfgInt(pol.Config, "max_calls", DefaultMaxCalls)
	windowSeconds := cfgInt(pol.Config, "window_seconds", DefaultWindowSeconds)

	since := e.now().Add(-time.Duration(windowSeconds) * time.Second)
	count, err := e.store.CountSuccessfulCallsSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("count calls for rate limit: %w", err)
	}
	if count >= maxCalls {
		return &Violation{
			PolicyID: pol.ID,
			Kind:     pol.Kind,
			Reason:   fmt.Sprintf("rate limit reached: %d calls in the last %d seconds (max %d)", count, windowSeconds, maxCalls),
		}, nil
	}
	return nil, nil
}

// checkParamRestrict blocks calls whose arguments contain a forbidden
// key, and optionally evaluates a deny_when expression over the argument
// map. A broken expression is logged and skipped rather than blocking
// every call behind a typo.
func (e *Engine) checkParamRestrict(pol *models.ToolPolicy, args map[string]any) *Violation {
	if blocked, ok := pol.Config["blocked_params"].([]any); ok {
		for _, raw := range blocked {
			key, ok := raw.(string)
			if !ok {
				continue
			}
			if _, present := args[key]; present {
				return &Violation{
					PolicyID: pol.ID,
					Kind:     pol.Kind,
					Reason:   fmt.Sprintf("argument %q is not allowed for this tool", key),
				}
			}
		}
	}

	denyWhen, ok := pol.Config["deny_when"].(string)
	if !ok || denyWhen == "" {
		return nil
	}
	out, err := expr.Eval(denyWhen, args)
	if err != nil {
		log.Warn().Err(err).Str("policy_id", pol.ID).Msg("deny_when expression failed, skipping")
		return nil
	}
	if denied, _ := out.(bool); denied {
		return &Violation{
			PolicyID: pol.ID,
			Kind:     pol.Kind,
			Reason:   fmt.Sprintf("call denied by policy condition %q", denyWhen),
		}
	}
	return nil
}

// cfgInt reads an integer from a decoded JSON config map, where numbers
// arrive as float64.
func cfgInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
