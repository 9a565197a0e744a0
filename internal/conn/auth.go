package conn

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/voxhall/voxhall/internal/secrets"
	"github.com/voxhall/voxhall/pkg/models"
)

// BuildAuthHeaders constructs transport headers for a server's auth mode.
// Pure and stateless: same inputs, same headers.
func BuildAuthHeaders(mode models.AuthMode, cred *models.Credential) (http.Header, error) {
	headers := http.Header{}
	if cred == nil {
		cred = &models.Credential{}
	}

	switch mode {
	case models.AuthNone, "":
		// empty

	case models.AuthBearer:
		if cred.Token == "" {
			return nil, fmt.Errorf("bearer auth configured but no token stored")
		}
		headers.Set("Authorization", "Bearer "+cred.Token)

	case models.AuthAPIKey:
		if cred.HeaderKey == "" || cred.APIKey == "" {
			return nil, fmt.Errorf("api-key auth configured but header or key missing")
		}
		headers.Set(cred.HeaderKey, cred.APIKey)

	case models.AuthCustomHeaders:
		for key, value := range cred.Headers {
			headers.Set(key, value)
		}

	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
	return headers, nil
}

// DecodeCredential decrypts and decodes a server's stored credential blob.
func DecodeCredential(codec *secrets.Codec, server *models.ToolServer) (*models.Credential, error) {
	if server.Credentials == "" {
		return &models.Credential{}, nil
	}
	plain, err := codec.Decrypt(server.Credentials)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials for server %s: %w", server.ID, err)
	}
	var cred models.Credential
	if err := json.Unmarshal([]byte(plain), &cred); err != nil {
		return nil, fmt.Errorf("decode credentials for server %s: %w", server.ID, err)
	}
	return &cred, nil
}
