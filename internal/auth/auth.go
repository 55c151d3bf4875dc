// Package auth resolves presented credentials (static API keys or signed
// tokens) into principals with an organization scope and role set.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrAuthDisabled = errors.New("token signing is not configured")
)

// Roles understood by the gateway and the HTTP API.
const (
	RoleReader   = "reader"
	RoleWriter   = "writer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type Principal struct {
	ID     string   `json:"id"`
	OrgID  string   `json:"orgId"`
	Roles  []string `json:"roles"`
	Budget int      `json:"budget,omitempty"`
}

// HasAny reports whether the principal holds at least one of required.
// An empty requirement is satisfied by anyone.
func (p Principal) HasAny(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

type Resolver interface {
	Resolve(ctx context.Context, credential string) (Principal, error)
}

// Chain tries each resolver in order and returns the first principal found.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, credential string) (Principal, error) {
	if strings.TrimSpace(credential) == "" {
		return Principal{}, ErrUnauthorized
	}
	for _, r := range c {
		if r == nil {
			continue
		}
		if p, err := r.Resolve(ctx, credential); err == nil {
			return p, nil
		}
	}
	return Principal{}, ErrUnauthorized
}

type StaticKey struct {
	Key       string
	Principal Principal
}

// StaticKeys matches configured API keys. Every key is compared so the
// time taken does not reveal which one matched.
type StaticKeys struct {
	keys []StaticKey
}

func NewStaticKeys(keys ...StaticKey) *StaticKeys {
	return &StaticKeys{keys: keys}
}

func (s *StaticKeys) Resolve(_ context.Context, credential string) (Principal, error) {
	var found *StaticKey
	for i := range s.keys {
		if subtle.ConstantTimeCompare([]byte(s.keys[i].Key), []byte(credential)) == 1 && found == nil {
			found = &s.keys[i]
		}
	}
	if found == nil {
		return Principal{}, ErrUnauthorized
	}
	return found.Principal, nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
