// Package gateway is the single dispatch point for tool calls coming
// out of live voice sessions. It classifies a call by its name, applies
// policies, routes to the right backend, and guarantees that no
// downstream failure ever escapes Execute: a session must survive any
// tool blowing up.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxhall/voxhall/internal/policy"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/internal/toolreg"
	"github.com/voxhall/voxhall/pkg/models"
)

// Request is one tool-call request normalized by a realtime adapter.
type Request struct {
	Name          string
	CallID        string
	ArgumentsJSON string
}

// Result is what goes back to the vendor connection. SendResponse is
// false when the session loop should not request a further model turn,
// which builtin verbs use to end or hand off the call cleanly.
type Result struct {
	Output       string
	SendResponse bool
}

// Remote executes a tool on a registered tool server. Satisfied by
// conn.Registry.
type Remote interface {
	CallTool(ctx context.Context, server *models.ToolServer, name string, args map[string]any) (json.RawMessage, error)
}

// WebhookFunc is the fallback handler for names that match no known
// origin. Optional; without one, unmatched names produce an error output.
type WebhookFunc func(ctx context.Context, session *models.VoiceSession, name string, args map[string]any) (string, error)

// Gateway routes tool calls. Construct once and share.
type Gateway struct {
	store   store.Store
	remote  Remote
	tools   *toolreg.Registry
	policy  *policy.Engine
	webhook WebhookFunc
	tracer  trace.Tracer
}

func New(s store.Store, remote Remote, tools *toolreg.Registry, engine *policy.Engine) *Gateway {
	return &Gateway{
		store:  s,
		remote: remote,
		tools:  tools,
		policy: engine,
		tracer: otel.Tracer("voxhall/gateway"),
	}
}

// SetWebhookFallback installs the handler for unmatched tool names.
func (g *Gateway) SetWebhookFallback(fn WebhookFunc) { g.webhook = fn }

// outcome is the internal dispatch result before logging.
type outcome struct {
	output       string
	sendResponse bool
	status       models.CallStatus
	serverID     *string
}

// Execute routes one tool call. It always returns a well-formed Result
// and always appends exactly one call log entry; panics and errors from
// any backend are converted into an error-status output.
func (g *Gateway) Execute(ctx context.Context, req Request, session *models.VoiceSession) Result {
	ctx, span := g.tracer.Start(ctx, "gateway.execute",
		trace.WithAttributes(
			attribute.String("tool.name", req.Name),
			attribute.String("call.id", req.CallID),
		))
	defer span.End()

	start := time.Now()
	args := parseArguments(req.ArgumentsJSON)

	out := g.dispatch(ctx, req, session, args)

	duration := time.Since(start).Milliseconds()
	entry := &models.CallLogEntry{
		ID:         uuid.New().String(),
		UserID:     session.UserID,
		ServerID:   out.serverID,
		ToolName:   req.Name,
		Arguments:  args,
		Result:     out.output,
		DurationMs: duration,
		Status:     out.status,
		ChannelID:  session.ChannelID,
		Source:     session.Source,
	}
	if err := g.store.AppendCallLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("tool", req.Name).Msg("failed to append call log")
	}

	span.SetAttributes(attribute.String("call.status", string(out.status)))
	log.Info().
		Str("tool", req.Name).
		Str("channel_id", session.ChannelID).
		Str("status", string(out.status)).
		Int64("duration_ms", duration).
		Msg("tool call routed")

	return Result{Output: out.output, SendResponse: out.sendResponse}
}

// dispatch classifies and runs the call. The recover here is the
// failure isolation boundary: whatever a backend does, the session gets
// a result.
func (g *Gateway) dispatch(ctx context.Context, req Request, session *models.VoiceSession, args map[string]any) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("tool", req.Name).Msg("tool handler panicked")
			out = outcome{
				output:       "Error: the tool call failed unexpectedly.",
				sendResponse: true,
				status:       models.CallError,
			}
		}
	}()

	switch {
	case req.Name == toolreg.BuiltinEndCall || req.Name == toolreg.BuiltinTransferCall:
		return g.runBuiltin(req.Name, args)
	}

	if slug, tool, ok := g.matchIntegration(req.Name); ok {
		return g.runIntegration(ctx, session, slug, tool, args)
	}

	if serverID, tool, ok := toolreg.DecodeRemoteName(req.Name); ok {
		return g.runRemote(ctx, session, serverID, tool, args)
	}

	return g.runFallback(ctx, session, req.Name, args)
}

// ── Builtins ────────────────────────────────────────────────

// runBuiltin handles the in-process verbs. Neither requests a further
// model turn: the session is ending or leaving the assistant's hands.
func (g *Gateway) runBuiltin(name string, args map[string]any) outcome {
	switch name {
	case toolreg.BuiltinEndCall:
		return outcome{
			output:       "The call has been ended.",
			sendResponse: false,
			status:       models.CallSuccess,
		}
	case toolreg.BuiltinTransferCall:
		dest, _ := args["destination"].(string)
		if dest == "" {
			return outcome{
				output:       "Error: transfer_call requires a destination.",
				sendResponse: true,
				status:       models.CallError,
			}
		}
		return outcome{
			output:       fmt.Sprintf("Transferring the call to %s.", dest),
			sendResponse: false,
			status:       models.CallSuccess,
		}
	}
	return outcome{output: "Error: unknown builtin.", sendResponse: true, status: models.CallError}
}

// ── Direct integrations ─────────────────────────────────────

// matchIntegration finds the registered integration whose slug prefixes
// the name. Slugs are validated non-overlapping at registration.
func (g *Gateway) matchIntegration(name string) (slug, tool string, ok bool) {
	idx := strings.Index(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	slug = name[:idx]
	if _, registered := g.tools.Integration(slug); !registered {
		return "", "", false
	}
	return slug, name[idx+1:], true
}

// runIntegration delegates to the integration's own execution path,
// injecting the session's contact id when the model did not supply one.
func (g *Gateway) runIntegration(ctx context.Context, session *models.VoiceSession, slug, tool string, args map[string]any) outcome {
	prov, _ := g.tools.Integration(slug)

	server, err := g.integrationServer(ctx, session.UserID, slug)
	if err != nil {
		log.Warn().Err(err).Str("integration", slug).Msg("integration server lookup failed")
		return outcome{
			output:       fmt.Sprintf("Error: the %s integration is not configured.", slug),
			sendResponse: true,
			status:       models.CallError,
		}
	}

	if session.ContactID != "" {
		if _, supplied := args["contact_id"]; !supplied {
			if args == nil {
				args = map[string]any{}
			}
			args["contact_id"] = session.ContactID
		}
	}

	result, err := prov.Execute(ctx, server, tool, args)
	if err != nil {
		log.Warn().Err(err).Str("integration", slug).Str("tool", tool).Msg("integration call failed")
		return outcome{
			output:       "Error: the tool call failed.",
			sendResponse: true,
			status:       models.CallError,
			serverID:     &server.ID,
		}
	}
	return outcome{
		output:       string(result),
		sendResponse: true,
		status:       models.CallSuccess,
		serverID:     &server.ID,
	}
}

// integrationServer finds the user's server record configured for the
// integration slug.
func (g *Gateway) integrationServer(ctx context.Context, userID, slug string) (*models.ToolServer, error) {
	servers, err := g.store.ListServers(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		if servers[i].Integration == slug {
			return &servers[i], nil
		}
	}
	return nil, fmt.Errorf("no %s server registered for user %s", slug, userID)
}

// ── Remote tools ────────────────────────────────────────────

// runRemote decodes the origin server, applies policies when the tool
// is known to the registry, and executes through the connection layer.
func (g *Gateway) runRemote(ctx context.Context, session *models.VoiceSession, serverID, tool string, args map[string]any) outcome {
	server, err := g.store.GetServer(ctx, serverID)
	if err != nil {
		log.Warn().Err(err).Str("server_id", serverID).Str("tool", tool).Msg("tool call for unknown server")
		return outcome{
			output:       "Error: the tool's server is no longer registered.",
			sendResponse: true,
			status:       models.CallError,
		}
	}

	if def, err := g.store.GetToolByName(ctx, serverID, tool); err == nil {
		violation, err := g.policy.Check(ctx, session.UserID, def, args)
		if err != nil {
			log.Error().Err(err).Str("tool", tool).Msg("policy check failed")
			return outcome{
				output:       "Error: the tool call failed.",
				sendResponse: true,
				status:       models.CallError,
				serverID:     &server.ID,
			}
		}
		if violation != nil {
			log.Info().
				Str("tool", tool).
				Str("policy_id", violation.PolicyID).
				Str("kind", string(violation.Kind)).
				Msg("tool call blocked by policy")
			return outcome{
				output:       violation.Reason,
				sendResponse: true,
				status:       models.CallBlocked,
				serverID:     &server.ID,
			}
		}
	}

	result, err := g.remote.CallTool(ctx, server, tool, args)
	if err != nil {
		log.Warn().Err(err).Str("server_id", serverID).Str("tool", tool).Msg("remote tool call failed")
		return outcome{
			output:       "Error: the tool call failed.",
			sendResponse: true,
			status:       models.CallError,
			serverID:     &server.ID,
		}
	}

	output := "null"
	if result != nil {
		output = string(result)
	}
	return outcome{
		output:       output,
		sendResponse: true,
		status:       models.CallSuccess,
		serverID:     &server.ID,
	}
}

// ── Fallback ────────────────────────────────────────────────

func (g *Gateway) runFallback(ctx context.Context, session *models.VoiceSession, name string, args map[string]any) outcome {
	if g.webhook == nil {
		return outcome{
			output:       fmt.Sprintf("Error: unknown tool %q.", name),
			sendResponse: true,
			status:       models.CallError,
		}
	}
	output, err := g.webhook(ctx, session, name, args)
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("webhook fallback failed")
		return outcome{
			output:       "Error: the tool call failed.",
			sendResponse: true,
			status:       models.CallError,
		}
	}
	return outcome{output: output, sendResponse: true, status: models.CallSuccess}
}

// parseArguments tolerates empty and malformed argument payloads; the
// model occasionally emits both.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		log.Warn().Err(err).Msg("unparsable tool arguments, treating as empty")
		return map[string]any{}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}
