package security

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/testutil/testoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oidcResolver(t *testing.T) (*TokenResolver, *testoidc.Issuer) {
	t.Helper()
	issuer := testoidc.Start(t)
	cfg := config.DefaultConfig()
	cfg.OIDCIssuer = issuer.URL()
	r := NewTokenResolver(&cfg)
	require.NotNil(t, r.verifier)
	return r, issuer
}

func TestResolveVerifiesSignedTokens(t *testing.T) {
	r, issuer := oidcResolver(t)

	token, err := issuer.IssueToken("alice")
	require.NoError(t, err)
	id, err := r.Resolve(context.Background(), token, "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	// Opaque tokens still pass through as the user id.
	id, err = r.Resolve(context.Background(), "bob", "", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)
}

func TestResolveClaimPreference(t *testing.T) {
	r, issuer := oidcResolver(t)

	token, err := issuer.Issue(testoidc.Claims{Subject: "sub-1", UPN: "carol@example.com"})
	require.NoError(t, err)
	id, err := r.Resolve(context.Background(), token, "", "")
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", id.UserID)

	token, err = issuer.Issue(testoidc.Claims{Subject: "sub-2"})
	require.NoError(t, err)
	id, err = r.Resolve(context.Background(), token, "", "")
	require.NoError(t, err)
	assert.Equal(t, "sub-2", id.UserID)

	token, err = issuer.Issue(testoidc.Claims{})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), token, "", "")
	require.ErrorIs(t, err, errMissingIdentity)
}

func TestResolveRejectsBadTokens(t *testing.T) {
	r, issuer := oidcResolver(t)

	expired, err := issuer.Issue(testoidc.Claims{Subject: "dave", TTL: -time.Hour})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), expired, "", "")
	require.ErrorIs(t, err, errInvalidJWT)

	other := testoidc.Start(t)
	forged, err := other.IssueToken("mallory")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), forged, "", "")
	require.ErrorIs(t, err, errInvalidJWT)
}
