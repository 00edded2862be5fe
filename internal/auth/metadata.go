package auth

import (
	"encoding/json"
	"net/http"
)

const (
	// ServerMetadataPath is the discovery document clients start from
	// (RFC 8414).
	ServerMetadataPath = "/.well-known/oauth-authorization-server"

	// ProtectedResourceMetadataPath is advertised in WWW-Authenticate
	// challenges (RFC 9728 Section 5.1).
	ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

	// Scope is the only scope the gateway grants.
	Scope = "mcp"
)

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// NewServerMetadata describes the authorization server at serverURL.
func NewServerMetadata(serverURL string) ServerMetadata {
	return ServerMetadata{
		Issuer:                            serverURL,
		AuthorizationEndpoint:             serverURL + "/oauth/authorize",
		TokenEndpoint:                     serverURL + "/oauth/token",
		RegistrationEndpoint:              serverURL + "/oauth/register",
		ScopesSupported:                   []string{Scope},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post", "client_secret_basic"},
	}
}

// HandleServerMetadata serves GET /.well-known/oauth-authorization-server.
func HandleServerMetadata(serverURL string) http.HandlerFunc {
	return metadataHandler(NewServerMetadata(serverURL))
}

// HandleProtectedResourceMetadata serves GET /.well-known/oauth-protected-resource.
func HandleProtectedResourceMetadata(serverURL string) http.HandlerFunc {
	return metadataHandler(ProtectedResourceMetadata{
		Resource:               serverURL,
		AuthorizationServers:   []string{serverURL},
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "n8n gateway",
	})
}

// metadataHandler encodes doc once and serves the bytes.
func metadataHandler(doc any) http.HandlerFunc {
	body, err := json.Marshal(doc)
	if err != nil {
		panic("encoding metadata: " + err.Error())
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	}
}
