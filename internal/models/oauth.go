// Package models defines types shared across internal packages.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Credentials address one n8n instance.
type Credentials struct {
	Host   string `json:"host"`
	APIKey string `json:"-"`
}

// Valid reports whether both halves are present.
func (c Credentials) Valid() bool {
	return c.Host != "" && c.APIKey != ""
}

// Fingerprint identifies the credential pair without revealing the key.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Host + "\x00" + c.APIKey))
	return hex.EncodeToString(sum[:16])
}

// Client is a registered OAuth client.
type Client struct {
	ClientID       string    `json:"client_id"`
	ClientName     string    `json:"client_name,omitempty"`
	RedirectURIs   []string  `json:"redirect_uris"`
	SecretHash     string    `json:"-"`
	AutoRegistered bool      `json:"-"`
	CreatedAt      time.Time `json:"client_id_issued_at"`
}

// Expired is always false; clients live until restart.
func (c *Client) Expired(time.Time) bool { return false }

// AdminSession is an operator login. Backend holds the n8n instance the
// operator proved they can reach.
type AdminSession struct {
	Token         string
	Authenticated bool
	Backend       Credentials
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

func (s *AdminSession) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Usable reports whether the session can back protocol calls at now.
func (s *AdminSession) Usable(now time.Time) bool {
	return s.Authenticated && s.Backend.Valid() && !s.Expired(now)
}

// AuthorizationCode is a pending single-use grant.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
	AdminSessionToken   string
	ExpiresAt           time.Time
}

func (c *AuthorizationCode) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// AccessToken is an issued bearer token. AdminSessionToken is empty for
// standalone tokens, which never carry an operator binding.
type AccessToken struct {
	Token             string
	ClientID          string
	Scope             string
	Resource          string
	Description       string
	AdminSessionToken string
	Standalone        bool
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

func (t *AccessToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// ProtocolSession is one MCP client connection. AdminSessionToken is
// fixed when the session is created and never rebound. AccessToken is
// the bearer that created it; the session dies with that token.
type ProtocolSession struct {
	ID                string
	Authenticated     bool
	AccessToken       string
	AdminSessionToken string
	ClientID          string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

func (s *ProtocolSession) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// CSRFToken binds a login or consent form to the authorize request that
// rendered it.
type CSRFToken struct {
	Token       string
	ClientID    string
	RedirectURI string
	ExpiresAt   time.Time
}

func (c *CSRFToken) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }
