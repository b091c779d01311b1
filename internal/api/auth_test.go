package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	a := NewAuthenticator(testSecret, "moodvoice", time.Hour)
	require.True(t, a.Enabled())

	tok, err := a.IssueToken("alice")
	require.NoError(t, err)

	user, err := a.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewAuthenticator(testSecret, "moodvoice", time.Hour)

	expired := NewAuthenticator(testSecret, "moodvoice", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	oldTok, err := expired.IssueToken("alice")
	require.NoError(t, err)

	foreign := NewAuthenticator(testSecret, "someone-else", time.Hour)
	foreignTok, err := foreign.IssueToken("alice")
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
		Issuer:  "moodvoice",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "moodvoice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "moodvoice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":      "",
		"garbage":    "abc.def.ghi",
		"expired":    oldTok,
		"issuer":     foreignTok,
		"no expiry":  noExp,
		"no subject": noSub,
		"algorithm":  hs512,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(tok)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestDisabledAuthIsAnonymous(t *testing.T) {
	a := NewAuthenticator("", "", 0)
	assert.False(t, a.Enabled())

	user, err := a.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, AnonymousUser, user)

	_, err = a.IssueToken("alice")
	assert.Error(t, err)
}

func TestMiddlewareStoresUser(t *testing.T) {
	a := NewAuthenticator(testSecret, "moodvoice", time.Hour)
	tok, err := a.IssueToken("erin")
	require.NoError(t, err)

	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "erin", seen)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("BEARER  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer "))
	assert.Equal(t, AnonymousUser, UserFromContext(context.Background()))
}
