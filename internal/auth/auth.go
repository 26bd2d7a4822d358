// Package auth authenticates API callers. Two credential shapes exist: the
// legacy single api_key (full access as "admin") and named tokens carrying
// scopes. The token name doubles as the requester identity the publisher
// ACL checks.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNoAuthHeader  = errors.New("missing Authorization header")
	ErrBadAuthHeader = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing API key")
)

// TokenConfig is one configured bearer token.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken pulls the bearer token out of the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoAuthHeader
	}
	rest, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrBadAuthHeader
	}
	token := strings.TrimSpace(rest)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// Authenticate matches a presented token against the legacy key and the
// configured token list. Every comparison is constant-time.
func Authenticate(presented, legacyAPIKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, legacyAPIKey) {
		return Principal{Name: "admin", Scopes: map[string]struct{}{"*": {}}}, true
	}
	for _, t := range tokens {
		if !constantTimeEqual(presented, t.Token) {
			continue
		}
		name := t.Name
		if name == "" {
			name = "api"
		}
		return Principal{Name: name, Scopes: normalizeScopes(t.Scopes)}, true
	}
	return Principal{}, false
}

// HasAnyScope reports whether the principal holds any of the required
// scopes. The wildcard scope satisfies everything; no requirements means
// allow.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes["*"]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// normalizeScopes trims entries, drops blanks, and expands write scopes to
// imply their read counterpart.
func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	if _, ok := out["jobs:rw"]; ok {
		out["jobs:ro"] = struct{}{}
	}
	return out
}
