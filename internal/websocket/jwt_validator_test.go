package websocket

import (
	"context"
	"errors"
	"testing"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomClaims_Validate(t *testing.T) {
	claims := &CustomClaims{}
	assert.NoError(t, claims.Validate(context.Background()))
}

func TestNewAuth0JWTValidator_Success(t *testing.T) {
	v, err := NewAuth0JWTValidator("test.auth0.com", "https://api.creditline.test")
	require.NoError(t, err)
	assert.NotNil(t, v.validator)

	var _ TokenValidator = v
}

func TestAuth0JWTValidator_ValidateToken_InvalidJWT(t *testing.T) {
	v, err := NewAuth0JWTValidator("test.auth0.com", "https://api.creditline.test")
	require.NoError(t, err)

	subject, err := v.ValidateToken(context.Background(), "invalid-token")
	assert.Empty(t, subject)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestSubjectFromClaims(t *testing.T) {
	subject, err := subjectFromClaims(&validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{Subject: "auth0|collector-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "auth0|collector-7", subject)

	_, err = subjectFromClaims(&validator.ValidatedClaims{})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = subjectFromClaims("not claims")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
