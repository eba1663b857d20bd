package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookVerifier_IssueAndVerify(t *testing.T) {
	v := NewWebhookVerifier("s3cret", "https://idp.example.com")
	token, err := v.Issue("register", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "register", claims.Action)
	assert.Equal(t, "https://idp.example.com", claims.Issuer)
}

func TestWebhookVerifier_Rejects(t *testing.T) {
	v := NewWebhookVerifier("s3cret", "https://idp.example.com")

	wrongSecret, err := NewWebhookVerifier("other", "https://idp.example.com").Issue("login", time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := NewWebhookVerifier("s3cret", "https://evil.example.com").Issue("login", time.Minute)
	require.NoError(t, err)
	expired, err := v.Issue("login", -time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: "https://idp.example.com"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", wrongSecret},
		{"wrong issuer", wrongIssuer},
		{"expired", expired},
		{"alg none", none},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestWebhookVerifier_NoSecret(t *testing.T) {
	v := NewWebhookVerifier("", "")
	_, err := v.Verify("anything")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = v.Issue("register", time.Minute)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestWebhookVerifier_NoIssuerCheck(t *testing.T) {
	v := NewWebhookVerifier("s3cret", "")
	token, err := NewWebhookVerifier("s3cret", "https://anyone.example.com").Issue("login", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.NoError(t, err)
}
