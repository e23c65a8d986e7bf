package aquasync

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTGenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("alice", "phone-a", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "phone-a", claims.DeviceID)
	require.Equal(t, "aquascan", claims.Issuer)
}

func TestJWTWrongSecretRejected(t *testing.T) {
	token, err := NewJWTAuth("secret-one").GenerateToken("alice", "phone-a", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-two").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTExpiredTokenRejected(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("alice", "phone-a", -time.Minute)
	require.NoError(t, err)

	_, err = jwtAuth.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTIdentityFromRequest(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("alice", "phone-a", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://sync.test/v1/records", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := jwtAuth.GetUserID(req)
	require.NoError(t, err)
	require.Equal(t, "alice", userID)

	sourceID, err := jwtAuth.GetSourceID(req)
	require.NoError(t, err)
	require.Equal(t, "phone-a", sourceID)
}

func TestJWTMissingOrMalformedHeader(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	req, err := http.NewRequest(http.MethodGet, "http://sync.test/v1/records", nil)
	require.NoError(t, err)

	_, err = jwtAuth.GetUserID(req)
	require.ErrorContains(t, err, "authorization header required")

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = jwtAuth.GetUserID(req)
	require.ErrorContains(t, err, "bearer token required")
}
