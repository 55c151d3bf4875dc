package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticKeys(t *testing.T) {
	keys := NewStaticKeys(
		StaticKey{Key: "k-reader", Principal: Principal{ID: "bot", OrgID: "acme", Roles: []string{RoleReader}}},
		StaticKey{Key: "k-admin", Principal: Principal{ID: "ops", OrgID: "acme", Roles: []string{RoleAdmin}}},
	)
	p, err := keys.Resolve(context.Background(), "k-admin")
	require.NoError(t, err)
	assert.Equal(t, "ops", p.ID)

	_, err = keys.Resolve(context.Background(), "k-admi")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTRoundTripThroughChain(t *testing.T) {
	token, err := Issue("s3cret", Principal{ID: "ci", OrgID: "acme", Roles: []string{RoleOperator}, Budget: 40}, time.Hour)
	require.NoError(t, err)

	chain := Chain{NewStaticKeys(), NewJWTVerifier("s3cret")}
	p, err := chain.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Principal{ID: "ci", OrgID: "acme", Roles: []string{RoleOperator}, Budget: 40}, p)

	_, err = Chain{NewJWTVerifier("other")}.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = chain.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTExpired(t *testing.T) {
	token, err := Issue("s3cret", Principal{ID: "ci", OrgID: "acme"}, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = NewJWTVerifier("s3cret").Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssueRequiresSecretAndOrg(t *testing.T) {
	_, err := Issue("", Principal{ID: "a", OrgID: "b"}, 0)
	assert.ErrorIs(t, err, ErrAuthDisabled)
	_, err = Issue("s", Principal{ID: "a"}, 0)
	assert.Error(t, err)
}

func TestHasAnyAndBearer(t *testing.T) {
	p := Principal{Roles: []string{RoleWriter}}
	assert.True(t, p.HasAny(nil))
	assert.True(t, p.HasAny([]string{RoleReader, RoleWriter}))
	assert.False(t, p.HasAny([]string{RoleAdmin}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(r))
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))
}
