package session

import (
	"context"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
)

// Source says where resolved credentials came from.
type Source int

const (
	SourceAdminSession Source = iota + 1
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceAdminSession:
		return "admin_session"
	case SourceDefault:
		return "default"
	default:
		return "none"
	}
}

// ResolverConfig holds the process-wide fallback and standalone policy.
type ResolverConfig struct {
	Defaults                 models.Credentials
	StandaloneAllowMutations bool
}

// Resolver picks the backend credentials for a tool call.
type Resolver struct {
	cfg   ResolverConfig
	admin AdminSessions
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig, admin AdminSessions) *Resolver {
	return &Resolver{cfg: cfg, admin: admin}
}

// Resolve applies a fixed precedence: the admin session linked to the
// protocol session (or, for a sessionless bearer call, the one the token
// inherited), then the process-wide defaults. Standalone tokens skip the
// first step. ErrUnresolvable when neither applies.
func (r *Resolver) Resolve(ctx context.Context, auth *AuthContext, ps *models.ProtocolSession) (models.Credentials, Source, error) {
	if !auth.Standalone {
		link := auth.AdminSessionToken
		if ps != nil {
			link = ps.AdminSessionToken
		}

		if link != "" {
			if s, ok := r.admin.Session(ctx, link); ok {
				return s.Backend, SourceAdminSession, nil
			}
		}
	}

	if r.cfg.Defaults.Valid() {
		return r.cfg.Defaults, SourceDefault, nil
	}

	return models.Credentials{}, 0, gwerrors.ErrUnresolvable
}

// Permit applies the standalone-token policy to a tool. Mutating tools
// are refused to standalone tokens unless explicitly allowed.
func (r *Resolver) Permit(auth *AuthContext, readOnly bool) error {
	if !auth.Standalone || readOnly || r.cfg.StandaloneAllowMutations {
		return nil
	}

	return gwerrors.Describe(gwerrors.ErrAccessDenied, "standalone tokens may only call read-only tools")
}
