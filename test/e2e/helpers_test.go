package e2e_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/n8n-gateway/internal/config"
	"github.com/alexjbarnes/n8n-gateway/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "operator"
	testPassword = "operator-pass"
	n8nAPIKey    = "n8n-e2e-api-key"
	pkceVerifier = "e2e-test-pkce-verifier-that-is-long-enough-for-rfc7636"
	redirectURI  = "http://127.0.0.1:19876/callback"
	testState    = "e2e-state"
)

// workflowsBody is what the fake n8n returns for GET /api/v1/workflows.
const workflowsBody = `{"data":[{"id":"1","name":"Daily report","active":true},{"id":"2","name":"Slack alert","active":false}],"nextCursor":null}`

// fakeN8N is a minimal n8n public API that accepts one API key.
type fakeN8N struct {
	URL   string
	calls atomic.Int64
}

func newFakeN8N(t *testing.T) *fakeN8N {
	t.Helper()

	f := &fakeN8N{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)

		if r.Header.Get("X-N8N-API-KEY") != n8nAPIKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"unauthorized"}`)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, workflowsBody)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	f.URL = ts.URL

	return f
}

// harness holds the full e2e stack: the gateway served over real HTTP
// in front of a fake n8n.
type harness struct {
	URL    string
	App    *server.App
	N8N    *fakeN8N
	Client *http.Client
}

type harnessOption func(cfg *config.Config, backend *fakeN8N)

// withDefaultBackend points the process-wide default credentials at the
// fake n8n.
func withDefaultBackend(cfg *config.Config, backend *fakeN8N) {
	cfg.DefaultN8NHost = backend.URL
	cfg.DefaultN8NAPIKey = n8nAPIKey
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	backend := newFakeN8N(t)

	// Use NewUnstartedServer so we can read the listener address before
	// wiring (SERVER_URL is the token audience).
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	cfg := &config.Config{
		Environment:        "development",
		ServerURL:          serverURL,
		AdminUsername:      testUsername,
		AdminPassword:      testPassword,
		AdminSessionTTL:    24 * time.Hour,
		AdminCookieTTL:     30 * time.Minute,
		AuthCodeTTL:        10 * time.Minute,
		AccessTokenTTL:     24 * time.Hour,
		StandaloneTokenTTL: 90 * 24 * time.Hour,
		ProtocolSessionTTL: 24 * time.Hour,
		RequirePKCE:        true,
		MaxClients:         100,
		BackendTimeout:     5 * time.Second,
		HeartbeatInterval:  time.Second,
		SweepInterval:      time.Minute,
		CacheTTL:           time.Minute,
		MetricsEnabled:     true,
		CORSAllowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(cfg, backend)
	}

	app, err := server.New(cfg, nil, "e2e", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ts.Config.Handler = app.Handler
	ts.Start()
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := ts.Client()
	client.Jar = jar

	return &harness{
		URL:    serverURL,
		App:    app,
		N8N:    backend,
		Client: client,
	}
}

// registerClient registers a client via POST /oauth/register.
func (h *harness) registerClient(t *testing.T) string {
	t.Helper()

	b, err := json.Marshal(map[string]any{
		"client_name":   "e2e client",
		"redirect_uris": []string{redirectURI},
	})
	require.NoError(t, err)

	resp := h.doPostJSON(t, "/oauth/register", b)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.ClientID)

	return result.ClientID
}

// authorizeParams are the pass-through parameters of one authorization.
func (h *harness) authorizeParams(clientID string) url.Values {
	return url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {pkceChallenge(pkceVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {testState},
		"resource":              {h.URL},
	}
}

// authorizePage fetches /oauth/authorize and returns the status and body.
func (h *harness) authorizePage(t *testing.T, params url.Values) (int, string) {
	t.Helper()

	resp := h.doGet(t, h.URL+"/oauth/authorize?"+params.Encode())
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

// login submits the operator login form. It does not follow the
// redirect back into /oauth/authorize.
func (h *harness) login(t *testing.T, params url.Values, password string) *http.Response {
	t.Helper()

	status, page := h.authorizePage(t, params)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, page, `name="username"`, "expected the login form")

	form := cloneValues(params)
	form.Set("csrf_token", extractCSRF(t, page))
	form.Set("username", testUsername)
	form.Set("password", password)
	form.Set("n8n_host", h.N8N.URL)
	form.Set("n8n_api_key", n8nAPIKey)

	return h.doPostFormNoRedirect(t, "/oauth/login", form)
}

// approve renders the consent page and approves it, returning the
// authorization code from the redirect.
func (h *harness) approve(t *testing.T, params url.Values) string {
	t.Helper()

	status, page := h.authorizePage(t, params)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, page, `value="approve"`, "expected the consent form")

	form := cloneValues(params)
	form.Set("csrf_token", extractCSRF(t, page))
	form.Set("action", "approve")

	resp := h.doPostFormNoRedirect(t, "/oauth/approve", form)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testState, loc.Query().Get("state"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "authorization code missing from redirect")

	return code
}

// authorizationCode runs register, login and consent, returning the
// client and a fresh code.
func (h *harness) authorizationCode(t *testing.T) (string, string) {
	t.Helper()

	clientID := h.registerClient(t)
	params := h.authorizeParams(clientID)

	resp := h.login(t, params, testPassword)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	return clientID, h.approve(t, params)
}

// tokenResponse is the JSON body returned by POST /oauth/token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (h *harness) exchange(t *testing.T, clientID, code string) *http.Response {
	t.Helper()

	return h.doPostForm(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"code_verifier": {pkceVerifier},
	})
}

// accessToken performs the full authorization code + PKCE flow.
func (h *harness) accessToken(t *testing.T) tokenResponse {
	t.Helper()

	clientID, code := h.authorizationCode(t)

	resp := h.exchange(t, clientID, code)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	return tr
}

// standaloneToken issues a standalone token with operator Basic auth.
func (h *harness) standaloneToken(t *testing.T) string {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+"/tokens/register",
		bytes.NewBufferString(`{"description":"e2e"}`))
	require.NoError(t, err)
	req.SetBasicAuth(testUsername, testPassword)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	return tr.AccessToken
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token using the SDK's streamable client transport.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// rpcReply is a decoded JSON-RPC response.
type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rpc posts one raw JSON-RPC message and returns the response, the
// session header and the decoded body.
func (h *harness) rpc(t *testing.T, token, sessionID, body string) (*http.Response, rpcReply) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+"/", bytes.NewBufferString(body))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply rpcReply

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &reply), string(raw))
	}

	return resp, reply
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostForm performs a POST with form-encoded body and t.Context().
func (h *harness) doPostForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostFormNoRedirect performs a form POST that does not follow redirects.
func (h *harness) doPostFormNoRedirect(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	noRedirect := *h.Client
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := noRedirect.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostJSON performs a POST with JSON body and t.Context().
func (h *harness) doPostJSON(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		bytes.NewReader(body),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// extractCSRF scrapes the CSRF token from an authorize HTML form.
func extractCSRF(t *testing.T, body string) string {
	t.Helper()

	re := regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)
	matches := re.FindStringSubmatch(body)
	require.Len(t, matches, 2, "CSRF token not found in form HTML")

	return matches[1]
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}

	return out
}

func countAdminSessions(t *testing.T, h *harness) int {
	t.Helper()

	n, err := h.App.Store.AdminSessions.Len(t.Context())
	require.NoError(t, err)

	return n
}
