package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Principal is the API key holder behind a request. KeyID is a short,
// non-reversible fingerprint that is safe to log.
type Principal struct {
	APIKey string
	KeyID  string
}

func NewPrincipal(apiKey string) *Principal {
	sum := sha256.Sum256([]byte(apiKey))
	return &Principal{APIKey: apiKey, KeyID: "key_" + hex.EncodeToString(sum[:6])}
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// ParseAPIKey reads the caller's key from the bearer header, then
// X-API-Key. Browser websocket clients cannot set headers, so upgrade
// requests may also pass it as the api_key query parameter.
func ParseAPIKey(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	if IsWebSocketUpgrade(r) {
		if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
			return key, true
		}
	}
	return "", false
}

func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, part := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
			return true
		}
	}
	return false
}
