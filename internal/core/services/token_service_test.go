package services

import (
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, err := svc.GenerateToken("S1", domain.RoleViewer)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("S1"), claims.SessionID)
	assert.Equal(t, domain.RoleViewer, claims.Role)

	assert.NoError(t, svc.Authorize(claims, "S1", domain.RoleViewer))
	assert.NoError(t, svc.Authorize(claims, "S1", ""))
	assert.ErrorIs(t, svc.Authorize(claims, "S1", domain.RoleBroadcaster), ErrUnauthorized)
	assert.ErrorIs(t, svc.Authorize(claims, "S2", domain.RoleViewer), ErrUnauthorized)
}

func TestTokenService_Rejects(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	_, err := svc.GenerateToken("S1", "operator")
	assert.Error(t, err)

	other := NewTokenService("other-secret", time.Hour)
	token, err := other.GenerateToken("S1", domain.RoleBroadcaster)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewTokenService("secret", -time.Minute)
	token, err = expired.GenerateToken("S1", domain.RoleBroadcaster)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{SessionID: "S1", Role: domain.RoleViewer})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
