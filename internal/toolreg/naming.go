package toolreg

import (
	"fmt"
	"strings"
)

// Provider-facing tool names are flat strings, so the origin of a tool
// is encoded into the name itself. Remote tools carry their server id;
// integration tools carry the integration slug; builtins are bare verbs.
const (
	// RemotePrefix marks a tool that lives on a registered tool server.
	RemotePrefix = "mcp_"

	// BuiltinEndCall and BuiltinTransferCall are handled in process and
	// never leave the gateway.
	BuiltinEndCall      = "end_call"
	BuiltinTransferCall = "transfer_call"
)

const hexIDLen = 32 // uuid with dashes stripped

// EncodeRemoteName builds the provider-facing name for a remote tool.
// The server id is embedded dash-stripped at fixed width so DecodeRemoteName
// can split the name without guessing, even when the tool name itself
// contains underscores.
func EncodeRemoteName(serverID, tool string) (string, error) {
	hexID := strings.ReplaceAll(serverID, "-", "")
	if len(hexID) != hexIDLen {
		return "", fmt.Errorf("server id %q is not a uuid", serverID)
	}
	return RemotePrefix + hexID + "_" + tool, nil
}

// DecodeRemoteName inverts EncodeRemoteName. The second return is the
// original tool name; ok is false for anything not produced by the encoder.
func DecodeRemoteName(name string) (serverID, tool string, ok bool) {
	if !strings.HasPrefix(name, RemotePrefix) {
		return "", "", false
	}
	rest := name[len(RemotePrefix):]
	if len(rest) < hexIDLen+2 || rest[hexIDLen] != '_' {
		return "", "", false
	}
	hexID := rest[:hexIDLen]
	for _, r := range hexID {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return "", "", false
		}
	}
	serverID = hexID[:8] + "-" + hexID[8:12] + "-" + hexID[12:16] + "-" + hexID[16:20] + "-" + hexID[20:]
	return serverID, rest[hexIDLen+1:], true
}

// EncodeIntegrationName builds the provider-facing name for a direct
// integration tool.
func EncodeIntegrationName(slug, tool string) string {
	return slug + "_" + tool
}

// ValidateSlug rejects integration slugs that would collide with the
// builtin verbs or shadow the remote-tool namespace. Called once at
// integration registration; a failure here is a programming error.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("integration slug is empty")
	}
	for _, builtin := range []string{BuiltinEndCall, BuiltinTransferCall} {
		if slug == builtin {
			return fmt.Errorf("integration slug %q collides with a builtin verb", slug)
		}
		// A slug that is the leading segment of a builtin composes into
		// it: slug "end" plus tool "call" would encode as "end_call".
		if strings.HasPrefix(builtin, slug+"_") {
			return fmt.Errorf("integration slug %q composes into builtin %q", slug, builtin)
		}
	}
	if strings.HasPrefix(slug+"_", RemotePrefix) {
		return fmt.Errorf("integration slug %q shadows the remote tool namespace", slug)
	}
	return nil
}
