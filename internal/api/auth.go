package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"strings"

	"github.com/capitabee/donezo-sub000/internal/state"
)

// principal is the resolved identity behind a request token.
type principal struct {
	id     string
	userID string
	tier   string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

// canActForUser limits workers to their own sessions; admins may act
// for anyone.
func (p principal) canActForUser(userID string) bool {
	if p.hasScope("admin") {
		return true
	}
	return p.userID == "" || p.userID == userID
}

// authorizer resolves bearer tokens from the environment and from API
// keys minted through the admin endpoints. With no tokens configured
// auth is disabled, which suits local development.
type authorizer struct {
	enabled bool
	tokens  map[string]principal
	store   state.Store
}

// DONEZO_API_TOKENS holds comma-separated entries of the form
// token:part|part where each part is either a scope name or a
// user=<id> / tier=<name> binding, e.g.
//
//	w1secret:worker|user=u1|tier=Professional,opsecret:admin|metrics
func newAuthorizerFromEnv(store state.Store) *authorizer {
	raw := strings.TrimSpace(os.Getenv("DONEZO_API_TOKENS"))
	if raw == "" {
		return &authorizer{enabled: false, tokens: map[string]principal{}, store: store}
	}
	tokens := make(map[string]principal)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		token := strings.TrimSpace(parts[0])
		spec := strings.TrimSpace(parts[1])
		if token == "" || spec == "" {
			continue
		}
		p := principal{id: tokenID(token), scopes: map[string]struct{}{}}
		for _, part := range strings.Split(spec, "|") {
			part = strings.TrimSpace(part)
			switch {
			case part == "":
			case strings.HasPrefix(part, "user="):
				p.userID = strings.TrimPrefix(part, "user=")
			case strings.HasPrefix(part, "tier="):
				p.tier = strings.TrimPrefix(part, "tier=")
			default:
				p.scopes[part] = struct{}{}
			}
		}
		if len(p.scopes) == 0 {
			continue
		}
		tokens[token] = p
	}
	if len(tokens) == 0 {
		return &authorizer{enabled: false, tokens: map[string]principal{}, store: store}
	}
	return &authorizer{enabled: true, tokens: tokens, store: store}
}

func (a *authorizer) authorize(r *http.Request, requiredAny ...string) (principal, int, string) {
	if !a.enabled {
		return principal{id: "anonymous", scopes: map[string]struct{}{}}, http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	p, ok := a.tokens[token]
	if !ok {
		p, ok = a.lookupStoredKey(r.Context(), token)
	}
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	if len(requiredAny) == 0 {
		return p, http.StatusOK, ""
	}
	for _, scope := range requiredAny {
		if p.hasScope(scope) {
			return p, http.StatusOK, ""
		}
	}
	return p, http.StatusForbidden, fmt.Sprintf("missing required scope (one of: %s)", strings.Join(requiredAny, ","))
}

// lookupStoredKey checks the token against API keys minted via the
// admin endpoint. Only the sha256 of a token is ever persisted.
func (a *authorizer) lookupStoredKey(ctx context.Context, token string) (principal, bool) {
	if a.store == nil {
		return principal{}, false
	}
	keys, err := a.store.ListAPIKeys(ctx)
	if err != nil {
		return principal{}, false
	}
	hash := HashToken(token)
	for _, k := range keys {
		if k.TokenHash != hash {
			continue
		}
		p := principal{id: "key-" + k.ID, scopes: make(map[string]struct{}, len(k.Scopes))}
		for _, s := range k.Scopes {
			switch {
			case strings.HasPrefix(s, "user="):
				p.userID = strings.TrimPrefix(s, "user=")
			case strings.HasPrefix(s, "tier="):
				p.tier = strings.TrimPrefix(s, "tier=")
			default:
				p.scopes[s] = struct{}{}
			}
		}
		return p, true
	}
	return principal{}, false
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-Donezo-Token"))
}

func tokenID(token string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("tok-%08x", h.Sum32())
}
