package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueToken("team-a", false)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "team-a", claims.TeamID)
	assert.False(t, claims.Admin)
}

func TestAdminClaim(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("root", true)
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	mgr1, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken("team-a", false)
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("team-a", false)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}

func TestHashAndVerifySecret(t *testing.T) {
	key, err := NewAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, apiKeyBytes*2)

	hash, err := HashSecret(key)
	require.NoError(t, err)

	ok, err := VerifySecret(key, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySecret(key, "malformed")
	assert.Error(t, err)
}

func TestHashSecretSalts(t *testing.T) {
	h1, err := HashSecret("same-secret")
	require.NoError(t, err)
	h2, err := HashSecret("same-secret")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
