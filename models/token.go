package models

import (
	"strings"
	"time"
)

// AccessToken is an issued access token and its refresh token, if any.
type AccessToken struct {
	Token            string
	ApplicationID    int64
	ClientID         string
	UserID           string
	Scope            string // space delimited
	Created          time.Time
	Expires          time.Time
	RedirectURI      string
	Refresh          string
	RefreshCreated   time.Time
	RefreshExpiresIn time.Duration
}

func (t AccessToken) PK() string {
	return t.Token
}

// ScopeList splits Scope into names.
func (t AccessToken) ScopeList() []string {
	return strings.Fields(t.Scope)
}

// AllowsScopes reports whether every scope in scopes was granted to the token.
func (t AccessToken) AllowsScopes(scopes []string) bool {
	granted := map[string]bool{}
	for _, s := range t.ScopeList() {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Expired reports whether the access token has expired at now.
func (t AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.Expires)
}

// AuthorizationCode is a short lived code issued by the authorize endpoint.
type AuthorizationCode struct {
	Code                string
	ApplicationID       int64
	ClientID            string
	UserID              string
	Scope               string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Created             time.Time
	ExpiresIn           time.Duration
}

func (c AuthorizationCode) PK() string {
	return c.Code
}

// Expired reports whether the code has expired at now.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.Created.Add(c.ExpiresIn))
}
