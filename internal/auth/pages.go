package auth

import (
	"html/template"
	"net/http"
)

// pages holds the login and consent forms. Both carry the authorize
// parameters as hidden fields plus a csrf_token bound to the client and
// redirect URI.
var pages = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>n8n gateway</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .client {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .client p { margin-bottom: 0.3rem; }
  .client p:last-child { margin-bottom: 0; }
  .client .redirect { color: #666; word-break: break-all; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  fieldset { border: none; margin-bottom: 0.5rem; }
  legend { font-size: 0.8rem; text-transform: uppercase; color: #888; margin-bottom: 0.5rem; }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="text"], input[type="password"], input[type="url"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    margin-bottom: 1rem;
  }
  .actions { display: flex; gap: 0.5rem; }
  button {
    flex: 1;
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button.secondary { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
</style>
</head>
<body>
<div class="card">
  <h1>n8n gateway</h1>
{{end}}

{{define "client"}}
  <div class="client">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access to your n8n workflows.</p>
    {{if .RedirectURI}}<p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>{{end}}
    {{if .Scope}}<p>Scope: <code>{{.Scope}}</code></p>{{end}}
  </div>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
{{end}}

{{define "hidden"}}
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="response_type" value="{{.ResponseType}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="resource" value="{{.Resource}}">
{{end}}

{{define "login"}}{{template "head" .}}
  <p class="sub">Sign in and connect an n8n instance.</p>
  {{template "client" .}}
  <form method="POST" action="/oauth/login">
    {{template "hidden" .}}
    <fieldset>
      <legend>Operator</legend>
      <label for="username">Username</label>
      <input type="text" id="username" name="username" autocomplete="username" required autofocus>
      <label for="password">Password</label>
      <input type="password" id="password" name="password" autocomplete="current-password" required>
    </fieldset>
    <fieldset>
      <legend>n8n instance</legend>
      <label for="n8n_host">URL</label>
      <input type="url" id="n8n_host" name="n8n_host" placeholder="https://n8n.example.com" value="{{.Host}}" required>
      <label for="n8n_api_key">API key</label>
      <input type="password" id="n8n_api_key" name="n8n_api_key" autocomplete="off" required>
    </fieldset>
    <button type="submit">Sign in</button>
  </form>
</div>
</body>
</html>{{end}}

{{define "consent"}}{{template "head" .}}
  <p class="sub">Signed in. Connected to <code>{{.Host}}</code>.</p>
  {{template "client" .}}
  <form method="POST" action="/oauth/approve">
    {{template "hidden" .}}
    <div class="actions">
      <button type="submit" name="action" value="deny" class="secondary">Deny</button>
      <button type="submit" name="action" value="approve">Approve</button>
    </div>
  </form>
</div>
</body>
</html>{{end}}
`))

type pageData struct {
	CSRFToken           string
	ResponseType        string
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
	Host                string
	Error               string
}

func newPageData(req *AuthorizeRequest, clientName, redirectURI, csrf string) pageData {
	return pageData{
		CSRFToken:           csrf,
		ResponseType:        req.ResponseType,
		ClientID:            req.ClientID,
		ClientName:          clientName,
		RedirectURI:         redirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
		Resource:            req.Resource,
	}
}

func renderPage(w http.ResponseWriter, name string, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = pages.ExecuteTemplate(w, name, data)
}
