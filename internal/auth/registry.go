// Package auth implements the gateway's OAuth 2.1 authorization server:
// client registration, operator login, authorization codes with PKCE,
// and bearer tokens. State lives in a store.AuthStore.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
	"github.com/google/uuid"
)

const (
	// clientSecretBytes is the entropy of generated client secrets.
	clientSecretBytes = 32

	maxClientNameLen = 200
)

// errUnusableRedirect marks a request whose redirect_uri cannot be
// trusted. Such requests must not be redirected anywhere.
var errUnusableRedirect = errors.New("unusable redirect_uri")

// RegistryPolicy controls how unknown clients are treated.
type RegistryPolicy struct {
	// AutoRegister admits an unknown client_id at the authorize endpoint,
	// trusting the redirect_uri it presents.
	AutoRegister bool
	MaxClients   int
}

// ClientRegistry stores OAuth clients.
type ClientRegistry struct {
	// mu makes the capacity check and the insert one step.
	mu      sync.Mutex
	clients store.Table[*models.Client]
	policy  RegistryPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// NewClientRegistry creates a registry over the given table.
func NewClientRegistry(clients store.Table[*models.Client], policy RegistryPolicy, logger *slog.Logger) *ClientRegistry {
	if policy.MaxClients <= 0 {
		policy.MaxClients = 100
	}

	return &ClientRegistry{
		clients: clients,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// Register creates a client with a fresh id and secret. The plain secret
// is returned once and only its hash is kept.
func (r *ClientRegistry) Register(ctx context.Context, name string, redirectURIs []string) (*models.Client, string, error) {
	if len(redirectURIs) == 0 {
		return nil, "", gwerrors.Describe(gwerrors.ErrInvalidRequest, "redirect_uris is required")
	}

	for _, u := range redirectURIs {
		if !absoluteURI(u) {
			return nil, "", gwerrors.Describe(gwerrors.ErrInvalidRequest, "redirect_uri %q is not an absolute URI", u)
		}
	}

	if len(name) > maxClientNameLen {
		name = name[:maxClientNameLen]
	}

	secret := RandomHex(clientSecretBytes)
	client := &models.Client{
		ClientID:     uuid.NewString(),
		ClientName:   name,
		RedirectURIs: append([]string(nil), redirectURIs...),
		SecretHash:   HashSecret(secret),
		CreatedAt:    r.now(),
	}

	if err := r.put(ctx, client); err != nil {
		return nil, "", err
	}

	r.logger.Info("client registered",
		slog.String("client_id", client.ClientID),
		slog.String("client_name", client.ClientName),
	)

	return client, secret, nil
}

// Get returns a registered client or ErrInvalidClient.
func (r *ClientRegistry) Get(ctx context.Context, clientID string) (*models.Client, error) {
	if clientID == "" {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidClient, "client_id is required")
	}

	client, ok, err := r.clients.Get(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	if !ok {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidClient, "unknown client_id")
	}

	return client, nil
}

// GetOrAutoRegister returns the client, creating it on the fly when the
// auto-registration policy allows. An auto-registered client trusts
// exactly the redirect_uri it first presented.
func (r *ClientRegistry) GetOrAutoRegister(ctx context.Context, clientID, redirectURI string) (*models.Client, error) {
	client, err := r.Get(ctx, clientID)
	if err == nil || clientID == "" || !r.policy.AutoRegister || !errors.Is(err, gwerrors.ErrInvalidClient) {
		return client, err
	}

	if !absoluteURI(redirectURI) {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidClient, "auto-registration requires an absolute redirect_uri")
	}

	client = &models.Client{
		ClientID:       clientID,
		RedirectURIs:   []string{redirectURI},
		AutoRegistered: true,
		CreatedAt:      r.now(),
	}

	if err := r.put(ctx, client); err != nil {
		return nil, err
	}

	r.logger.Warn("client auto-registered",
		slog.String("client_id", clientID),
		slog.String("redirect_uri", redirectURI),
	)

	return client, nil
}

// Authenticate verifies a presented client secret. Clients registered
// without a secret (auto-registered public clients) accept none.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*models.Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if client.SecretHash == "" || !secretMatches(secret, client.SecretHash) {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidClient, "client authentication failed")
	}

	return client, nil
}

func (r *ClientRegistry) put(ctx context.Context, client *models.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.clients.Len(ctx)
	if err != nil {
		return fmt.Errorf("counting clients: %w", err)
	}

	if n >= r.policy.MaxClients {
		return gwerrors.ErrRegistryFull
	}

	if err := r.clients.Put(ctx, client.ClientID, client); err != nil {
		return fmt.Errorf("storing client: %w", err)
	}

	return nil
}

// ResolveRedirectURI picks the redirect URI for a request. An empty
// value is allowed when exactly one URI is registered (RFC 6749
// Section 3.1.2.3).
func ResolveRedirectURI(client *models.Client, redirectURI string) (string, error) {
	if redirectURI == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}

		return "", fmt.Errorf("%w: %w: required when multiple URIs are registered", gwerrors.ErrInvalidRequest, errUnusableRedirect)
	}

	if !validateRedirectURI(client, redirectURI) {
		return "", fmt.Errorf("%w: %w: not registered for this client", gwerrors.ErrInvalidRequest, errUnusableRedirect)
	}

	return redirectURI, nil
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required, except that a
// registered loopback URI (http://127.0.0.1 or http://localhost) accepts
// any port and path per RFC 8252 Section 7.3.
func validateRedirectURI(client *models.Client, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

// isLoopbackRedirect compares scheme and hostname so that
// 127.0.0.1.evil.com does not match a 127.0.0.1 prefix.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}

// absoluteURI rejects relative references and fragments.
func absoluteURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	return u.Scheme != "" && u.Host != "" && u.Fragment == ""
}
