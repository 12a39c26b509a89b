package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/user/turnstile/internal/types"
)

// TokenAuth maps bearer tokens to principals. Browsers that cannot set
// headers on a websocket upgrade may pass ?token= instead.
type TokenAuth struct {
	tokens map[string]types.Principal
}

func NewTokenAuth(tokens map[string]string) *TokenAuth {
	a := &TokenAuth{tokens: make(map[string]types.Principal, len(tokens))}
	for token, principal := range tokens {
		if token != "" && principal != "" {
			a.tokens[token] = types.Principal(principal)
		}
	}
	return a
}

// Authenticate returns the principal for the request's token.
func (a *TokenAuth) Authenticate(r *http.Request) (types.Principal, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	for known, principal := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return principal, true
		}
	}
	return "", false
}
