package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	operatorA = models.Credentials{Host: "https://a.n8n.example.com", APIKey: "key-a"}
	operatorB = models.Credentials{Host: "https://b.n8n.example.com", APIKey: "key-b"}
	defaults  = models.Credentials{Host: "https://default.n8n.example.com", APIKey: "key-default"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdmin is an AdminSessions over a plain map.
type fakeAdmin struct {
	now      time.Time
	sessions map[string]*models.AdminSession
}

func newFakeAdmin(now time.Time) *fakeAdmin {
	return &fakeAdmin{now: now, sessions: make(map[string]*models.AdminSession)}
}

func (f *fakeAdmin) add(token string, creds models.Credentials, created time.Time) *models.AdminSession {
	s := &models.AdminSession{
		Token:         token,
		Authenticated: true,
		Backend:       creds,
		CreatedAt:     created,
		ExpiresAt:     created.Add(time.Hour),
	}
	f.sessions[token] = s

	return s
}

func (f *fakeAdmin) Session(_ context.Context, token string) (*models.AdminSession, bool) {
	s, ok := f.sessions[token]
	if !ok || !s.Usable(f.now) {
		return nil, false
	}

	return s, true
}

func (f *fakeAdmin) MostRecent(_ context.Context) (*models.AdminSession, bool) {
	var best *models.AdminSession

	for _, s := range f.sessions {
		if s.Usable(f.now) && (best == nil || s.CreatedAt.After(best.CreatedAt)) {
			best = s
		}
	}

	return best, best != nil
}

type fakeTokens map[string]*models.AccessToken

func (f fakeTokens) Verify(_ context.Context, token string) (*models.AccessToken, bool) {
	t, ok := f[token]
	return t, ok
}

type fixture struct {
	now      time.Time
	admin    *fakeAdmin
	tokens   fakeTokens
	sessions store.Table[*models.ProtocolSession]
	gate     *Gate
	linker   *Linker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		now:      now,
		admin:    newFakeAdmin(now),
		tokens:   fakeTokens{},
		sessions: store.NewMemoryTable[*models.ProtocolSession](func() time.Time { return now }),
	}

	f.gate = NewGate(f.tokens, f.sessions, f.admin)
	f.linker = NewLinker(f.sessions, f.admin, time.Hour, testLogger())
	f.linker.now = func() time.Time { return now }

	return f
}

func (f *fixture) bearer(token string, standalone bool, adminToken string) *AuthContext {
	f.tokens[token] = &models.AccessToken{
		Token:             token,
		ClientID:          "client-1",
		AdminSessionToken: adminToken,
		Standalone:        standalone,
		ExpiresAt:         f.now.Add(time.Hour),
	}

	return &AuthContext{Method: MethodBearer, Token: f.tokens[token], ClientID: "client-1", AdminSessionToken: adminToken, Standalone: standalone}
}

// --- Gate ---

func TestGate_Bearer(t *testing.T) {
	f := newFixture(t)
	f.bearer("tok", false, "admin-a")

	auth, err := f.gate.Authorize(context.Background(), "Bearer tok", "")
	require.NoError(t, err)
	assert.Equal(t, MethodBearer, auth.Method)
	assert.Equal(t, "client-1", auth.ClientID)
	assert.Equal(t, "admin-a", auth.AdminSessionToken)

	auth, err = f.gate.Authorize(context.Background(), "bearer tok", "")
	require.NoError(t, err, "scheme is case-insensitive")
	assert.Equal(t, MethodBearer, auth.Method)
}

func TestGate_InvalidBearerIsRejectedEvenWithSession(t *testing.T) {
	f := newFixture(t)
	f.admin.add("admin-a", operatorA, f.now)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{})
	require.NoError(t, err)

	_, err = f.gate.Authorize(context.Background(), "Bearer revoked", ps.ID)
	assert.ErrorIs(t, err, gwerrors.ErrUnauthorized)
}

func TestGate_Session(t *testing.T) {
	f := newFixture(t)
	f.admin.add("admin-a", operatorA, f.now)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, f.bearer("tok", false, "admin-a"))
	require.NoError(t, err)
	require.Equal(t, "tok", ps.AccessToken)

	auth, err := f.gate.Authorize(context.Background(), "", ps.ID)
	require.NoError(t, err)
	assert.Equal(t, MethodSession, auth.Method)
	assert.Equal(t, ps.ID, auth.SessionID)
	assert.Equal(t, "admin-a", auth.AdminSessionToken)
}

func TestGate_Rejections(t *testing.T) {
	f := newFixture(t)

	unlinked, err := f.linker.LinkOrCreate(context.Background(), "", true, f.bearer("tok", false, ""))
	require.NoError(t, err)
	require.Empty(t, unlinked.AdminSessionToken)

	f.admin.add("admin-a", operatorA, f.now)

	tokenless, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{})
	require.NoError(t, err)
	require.Equal(t, "admin-a", tokenless.AdminSessionToken)

	tests := []struct {
		name          string
		authorization string
		sessionID     string
	}{
		{"nothing", "", ""},
		{"basic scheme", "Basic YWRtaW46cHc=", ""},
		{"empty bearer", "Bearer ", ""},
		{"unknown session", "", "no-such-session"},
		{"credential-less session", "", unlinked.ID},
		{"session without an originating token", "", tokenless.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gate.Authorize(context.Background(), tt.authorization, tt.sessionID)
			assert.ErrorIs(t, err, gwerrors.ErrUnauthorized)
		})
	}
}

func TestGate_SessionWithExpiredOperator(t *testing.T) {
	f := newFixture(t)
	f.admin.add("admin-a", operatorA, f.now)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, f.bearer("tok", false, "admin-a"))
	require.NoError(t, err)

	f.admin.now = f.now.Add(2 * time.Hour)

	_, err = f.gate.Authorize(context.Background(), "", ps.ID)
	assert.ErrorIs(t, err, gwerrors.ErrUnauthorized)
}

func TestGate_SessionEndsWithItsToken(t *testing.T) {
	f := newFixture(t)
	f.admin.add("admin-a", operatorA, f.now)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, f.bearer("tok", false, "admin-a"))
	require.NoError(t, err)

	_, err = f.gate.Authorize(context.Background(), "", ps.ID)
	require.NoError(t, err)

	delete(f.tokens, "tok")

	_, err = f.gate.Authorize(context.Background(), "", ps.ID)
	assert.ErrorIs(t, err, gwerrors.ErrUnauthorized)
}

// --- Linker ---

func TestLinker_LinksMostRecentAdminSession(t *testing.T) {
	f := newFixture(t)
	f.admin.add("older", operatorA, f.now.Add(-10*time.Minute))
	f.admin.add("newer", operatorB, f.now.Add(-time.Minute))

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{Method: MethodBearer})
	require.NoError(t, err)

	assert.Equal(t, "newer", ps.AdminSessionToken)
	assert.True(t, ps.Authenticated)
	assert.Equal(t, f.now.Add(time.Hour), ps.ExpiresAt)
}

func TestLinker_PrefersTokenBinding(t *testing.T) {
	f := newFixture(t)
	f.admin.add("older", operatorA, f.now.Add(-10*time.Minute))
	f.admin.add("newer", operatorB, f.now.Add(-time.Minute))

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, f.bearer("tok", false, "older"))
	require.NoError(t, err)
	assert.Equal(t, "older", ps.AdminSessionToken)
}

func TestLinker_StandaloneNeverBinds(t *testing.T) {
	f := newFixture(t)
	f.admin.add("admin-a", operatorA, f.now)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, f.bearer("tok", true, ""))
	require.NoError(t, err)
	assert.Empty(t, ps.AdminSessionToken)
}

func TestLinker_NoAdminSessionLeavesSessionUnbound(t *testing.T) {
	f := newFixture(t)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{Method: MethodBearer})
	require.NoError(t, err)
	assert.True(t, ps.Authenticated)
	assert.Empty(t, ps.AdminSessionToken)
}

func TestLinker_ExistingSessionIsPinned(t *testing.T) {
	f := newFixture(t)
	f.admin.add("first", operatorA, f.now.Add(-time.Minute))

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{ClientID: "client-1"})
	require.NoError(t, err)

	// A newer operator login does not rebind the existing session.
	f.admin.add("second", operatorB, f.now)

	again, err := f.linker.LinkOrCreate(context.Background(), ps.ID, true, &AuthContext{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, ps.ID, again.ID)
	assert.Equal(t, "first", again.AdminSessionToken)
}

func TestLinker_UnknownOrForeignSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker.LinkOrCreate(context.Background(), "missing", false, &AuthContext{})
	assert.ErrorIs(t, err, gwerrors.ErrSessionNotFound)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{ClientID: "client-1"})
	require.NoError(t, err)

	_, err = f.linker.LinkOrCreate(context.Background(), ps.ID, false, &AuthContext{ClientID: "client-2"})
	assert.ErrorIs(t, err, gwerrors.ErrSessionNotFound)
}

func TestLinker_SessionlessNonInitialize(t *testing.T) {
	f := newFixture(t)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", false, &AuthContext{})
	require.NoError(t, err)
	assert.Nil(t, ps)
	assert.Equal(t, 0, f.linker.Count(context.Background()))
}

func TestLinker_Terminate(t *testing.T) {
	f := newFixture(t)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{})
	require.NoError(t, err)

	require.NoError(t, f.linker.Terminate(context.Background(), ps.ID))
	require.NoError(t, f.linker.Terminate(context.Background(), ps.ID), "idempotent")

	_, ok := f.linker.Get(context.Background(), ps.ID)
	assert.False(t, ok)
}

// --- Resolver ---

func TestResolver_Precedence(t *testing.T) {
	f := newFixture(t)
	f.admin.add("admin-a", operatorA, f.now)

	linked := &models.ProtocolSession{ID: "s1", AdminSessionToken: "admin-a"}
	unlinked := &models.ProtocolSession{ID: "s2"}
	stale := &models.ProtocolSession{ID: "s3", AdminSessionToken: "gone"}

	tests := []struct {
		name       string
		defaults   models.Credentials
		auth       *AuthContext
		ps         *models.ProtocolSession
		want       models.Credentials
		wantSource Source
		wantErr    error
	}{
		{"linked wins over defaults", defaults, &AuthContext{}, linked, operatorA, SourceAdminSession, nil},
		{"linked without defaults", models.Credentials{}, &AuthContext{}, linked, operatorA, SourceAdminSession, nil},
		{"unlinked falls back to defaults", defaults, &AuthContext{}, unlinked, defaults, SourceDefault, nil},
		{"stale link falls back to defaults", defaults, &AuthContext{}, stale, defaults, SourceDefault, nil},
		{"unlinked without defaults", models.Credentials{}, &AuthContext{}, unlinked, models.Credentials{}, 0, gwerrors.ErrUnresolvable},
		{"sessionless bearer uses token binding", models.Credentials{}, &AuthContext{AdminSessionToken: "admin-a"}, nil, operatorA, SourceAdminSession, nil},
		{"session link beats token binding", defaults, &AuthContext{AdminSessionToken: "admin-a"}, unlinked, defaults, SourceDefault, nil},
		{"standalone skips linked session", defaults, &AuthContext{Standalone: true}, linked, defaults, SourceDefault, nil},
		{"standalone without defaults", models.Credentials{}, &AuthContext{Standalone: true}, linked, models.Credentials{}, 0, gwerrors.ErrUnresolvable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(ResolverConfig{Defaults: tt.defaults}, f.admin)

			creds, source, err := r.Resolve(context.Background(), tt.auth, tt.ps)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, creds)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

// A session created with no operator logged in never picks up the
// credentials of an operator who logs in later.
func TestResolver_NeverBorrowsAnotherSession(t *testing.T) {
	f := newFixture(t)

	ps, err := f.linker.LinkOrCreate(context.Background(), "", true, &AuthContext{})
	require.NoError(t, err)

	f.admin.add("later", operatorB, f.now)

	r := NewResolver(ResolverConfig{}, f.admin)

	_, _, err = r.Resolve(context.Background(), &AuthContext{}, ps)
	assert.ErrorIs(t, err, gwerrors.ErrUnresolvable)
}

func TestResolver_Permit(t *testing.T) {
	strict := NewResolver(ResolverConfig{}, nil)
	relaxed := NewResolver(ResolverConfig{StandaloneAllowMutations: true}, nil)
	standalone := &AuthContext{Standalone: true}

	require.NoError(t, strict.Permit(&AuthContext{}, false))
	require.NoError(t, strict.Permit(standalone, true))
	assert.ErrorIs(t, strict.Permit(standalone, false), gwerrors.ErrAccessDenied)
	assert.NoError(t, relaxed.Permit(standalone, false))
}
