package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/logging"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/n8n"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// adminTokenBytes gives admin session tokens 256 bits of entropy.
const adminTokenBytes = 32

// BackendProber checks backend reachability. *n8n.Client implements it.
type BackendProber interface {
	Probe(ctx context.Context, creds models.Credentials) error
}

// AdminConfig holds the single operator identity.
type AdminConfig struct {
	Username string
	// Password is plain text or a bcrypt hash.
	Password     string
	SessionTTL   time.Duration
	ProbeTimeout time.Duration
}

// AdminAuthenticator verifies the operator and issues AdminSessions
// bound to a backend the operator proved reachable.
type AdminAuthenticator struct {
	cfg      AdminConfig
	sessions store.Table[*models.AdminSession]
	prober   BackendProber
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdminAuthenticator creates an authenticator.
func NewAdminAuthenticator(cfg AdminConfig, sessions store.Table[*models.AdminSession], prober BackendProber, logger *slog.Logger) *AdminAuthenticator {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = n8n.DefaultTimeout
	}

	return &AdminAuthenticator{
		cfg:      cfg,
		sessions: sessions,
		prober:   prober,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckCredentials reports whether username and password identify the
// operator. Usernames are compared after NFC normalisation.
func (a *AdminAuthenticator) CheckCredentials(username, password string) bool {
	userOK := constantTimeEqual(
		norm.NFC.String(strings.TrimSpace(username)),
		norm.NFC.String(a.cfg.Username),
	)

	passOK := checkPassword(a.cfg.Password, password)

	return userOK && passOK
}

// Login verifies the operator, probes the backend, and on success
// stores a new authenticated AdminSession. Nothing is stored on failure.
func (a *AdminAuthenticator) Login(ctx context.Context, username, password, host, apiKey string) (*models.AdminSession, error) {
	if !a.CheckCredentials(username, password) {
		a.logger.Warn("admin login failed", slog.String("username", username))
		return nil, gwerrors.ErrInvalidCredentials
	}

	normalized, err := n8n.NormalizeHost(host)
	if err != nil {
		return nil, gwerrors.Describe(gwerrors.ErrBackendUnreachable, "%v", err)
	}

	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, gwerrors.Describe(gwerrors.ErrBackendUnreachable, "API key is required")
	}

	creds := models.Credentials{Host: normalized, APIKey: apiKey}

	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	if err := a.prober.Probe(probeCtx, creds); err != nil {
		a.logger.Warn("backend probe failed",
			slog.String("host", normalized),
			slog.String("error", err.Error()),
		)

		return nil, gwerrors.Describe(gwerrors.ErrBackendUnreachable, "%v", err)
	}

	now := a.now()
	session := &models.AdminSession{
		Token:         RandomHex(adminTokenBytes),
		Authenticated: true,
		Backend:       creds,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.cfg.SessionTTL),
	}

	if err := a.sessions.Put(ctx, session.Token, session); err != nil {
		return nil, fmt.Errorf("storing admin session: %w", err)
	}

	a.logger.Info("admin login successful",
		slog.String("host", normalized),
		slog.String("session", logging.Prefix(session.Token)),
	)

	return session, nil
}

// Session returns the admin session for token if it is usable.
func (a *AdminAuthenticator) Session(ctx context.Context, token string) (*models.AdminSession, bool) {
	if token == "" {
		return nil, false
	}

	s, ok, err := a.sessions.Get(ctx, token)
	if err != nil || !ok || !s.Usable(a.now()) {
		return nil, false
	}

	return s, true
}

// MostRecent returns the newest usable admin session, if any.
func (a *AdminAuthenticator) MostRecent(ctx context.Context) (*models.AdminSession, bool) {
	all, err := a.sessions.List(ctx)
	if err != nil {
		return nil, false
	}

	now := a.now()

	var best *models.AdminSession

	for _, s := range all {
		if !s.Usable(now) {
			continue
		}

		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}

	return best, best != nil
}

// Logout deletes the admin session. Unknown tokens are not an error.
func (a *AdminAuthenticator) Logout(ctx context.Context, token string) error {
	ok, err := a.sessions.Delete(ctx, token)
	if err != nil {
		return fmt.Errorf("deleting admin session: %w", err)
	}

	if ok {
		a.logger.Info("admin session ended", slog.String("session", logging.Prefix(token)))
	}

	return nil
}

// checkPassword compares a presented password against the configured
// value. bcrypt hashes are verified with bcrypt; plain values are
// compared as SHA-256 digests so the comparison time does not leak the
// password length.
func checkPassword(configured, presented string) bool {
	if isBcryptHash(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}

	return constantTimeEqual(configured, presented)
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func constantTimeEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))

	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
