package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-testing")

func TestServiceToken_RoundTrip(t *testing.T) {
	token, err := GenerateServiceToken(testSecret, "pmpro-webhook", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateServiceToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "pmpro-webhook", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestServiceToken_NoExpiry(t *testing.T) {
	token, err := GenerateServiceToken(testSecret, "frontend", 0)
	require.NoError(t, err)

	claims, err := ValidateServiceToken(token, testSecret)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}

func TestValidateServiceToken_Rejects(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})
	expiredToken, err := expired.SignedString(testSecret)
	require.NoError(t, err)

	otherSecret, err := GenerateServiceToken([]byte("other"), "x", time.Hour)
	require.NoError(t, err)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, ServiceClaims{})
	hs512Token, err := hs512.SignedString(testSecret)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"expired", expiredToken},
		{"wrong secret", otherSecret},
		{"wrong algorithm", hs512Token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateServiceToken(tt.token, testSecret)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestServiceToken_MissingSecret(t *testing.T) {
	_, err := GenerateServiceToken(nil, "x", time.Hour)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = ValidateServiceToken("whatever", nil)
	assert.ErrorIs(t, err, ErrMissingSecret)
}
