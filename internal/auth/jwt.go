package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	OrgID  string   `json:"org"`
	Roles  []string `json:"roles,omitempty"`
	Budget int      `json:"budget,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with the shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Resolve(_ context.Context, token string) (Principal, error) {
	if v == nil || len(v.secret) == 0 {
		return Principal{}, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.OrgID) == "" {
		return Principal{}, ErrUnauthorized
	}
	return Principal{ID: claims.Subject, OrgID: claims.OrgID, Roles: claims.Roles, Budget: claims.Budget}, nil
}

// Issue signs a token for p. A non-positive ttl issues a token without expiry.
func Issue(secret string, p Principal, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.OrgID) == "" {
		return "", errors.New("principal id and org are required")
	}
	now := time.Now()
	claims := Claims{
		OrgID:  p.OrgID,
		Roles:  p.Roles,
		Budget: p.Budget,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.ID,
			Issuer:   "agentgate",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
