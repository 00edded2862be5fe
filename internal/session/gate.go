// Package session authorizes protocol requests and binds protocol
// sessions to the backend credentials they act with.
package session

import (
	"context"
	"strings"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
)

// Method records how a request was authorized.
type Method int

const (
	// MethodBearer: a live access token in the Authorization header.
	MethodBearer Method = iota + 1
	// MethodSession: a live protocol session linked to a usable admin
	// session.
	MethodSession
)

func (m Method) String() string {
	switch m {
	case MethodBearer:
		return "bearer"
	case MethodSession:
		return "session"
	default:
		return "none"
	}
}

// AuthContext is the identity behind an authorized request.
type AuthContext struct {
	Method Method
	// Token is set for MethodBearer.
	Token *models.AccessToken
	// SessionID is set for MethodSession.
	SessionID string
	ClientID  string
	// AdminSessionToken is the operator binding the token inherited from
	// its authorization code. Empty for standalone tokens.
	AdminSessionToken string
	Standalone        bool
}

// TokenVerifier is implemented by *auth.TokenService.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*models.AccessToken, bool)
}

// AdminSessions is implemented by *auth.AdminAuthenticator.
type AdminSessions interface {
	Session(ctx context.Context, token string) (*models.AdminSession, bool)
	MostRecent(ctx context.Context) (*models.AdminSession, bool)
}

// Gate decides whether a protocol request is authorized.
type Gate struct {
	tokens   TokenVerifier
	sessions store.Table[*models.ProtocolSession]
	admin    AdminSessions
	now      func() time.Time
}

// NewGate creates a gate.
func NewGate(tokens TokenVerifier, sessions store.Table[*models.ProtocolSession], admin AdminSessions) *Gate {
	return &Gate{tokens: tokens, sessions: sessions, admin: admin, now: time.Now}
}

// Authorize checks a bearer token first and the protocol session
// second. A bearer token that is presented but not valid is rejected
// even when the session would pass. A session is only as good as the
// token that created it, so revoking or expiring that token ends the
// session too. Failures return ErrUnauthorized.
func (g *Gate) Authorize(ctx context.Context, authorization, sessionID string) (*AuthContext, error) {
	if raw, ok := bearerToken(authorization); ok {
		tok, valid := g.tokens.Verify(ctx, raw)
		if !valid {
			return nil, gwerrors.Describe(gwerrors.ErrUnauthorized, "invalid or expired access token")
		}

		return &AuthContext{
			Method:            MethodBearer,
			Token:             tok,
			ClientID:          tok.ClientID,
			AdminSessionToken: tok.AdminSessionToken,
			Standalone:        tok.Standalone,
		}, nil
	}

	if authorization != "" {
		return nil, gwerrors.Describe(gwerrors.ErrUnauthorized, "unsupported authorization scheme")
	}

	if sessionID == "" {
		return nil, gwerrors.Describe(gwerrors.ErrUnauthorized, "authentication required")
	}

	ps, ok, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !ok || !ps.Authenticated || ps.AdminSessionToken == "" || ps.AccessToken == "" {
		return nil, gwerrors.Describe(gwerrors.ErrUnauthorized, "session is not authorized")
	}

	if _, valid := g.tokens.Verify(ctx, ps.AccessToken); !valid {
		return nil, gwerrors.Describe(gwerrors.ErrUnauthorized, "session token revoked or expired")
	}

	if _, ok := g.admin.Session(ctx, ps.AdminSessionToken); !ok {
		return nil, gwerrors.Describe(gwerrors.ErrUnauthorized, "operator session expired")
	}

	return &AuthContext{
		Method:            MethodSession,
		SessionID:         ps.ID,
		ClientID:          ps.ClientID,
		AdminSessionToken: ps.AdminSessionToken,
	}, nil
}

// bearerToken extracts the token from an Authorization header. The
// scheme is case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}
