package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewService("test-signing-key", "dispatch")
	principal := domain.Principal{ID: domain.NewPrincipalID(), Role: domain.RoleDriver}

	t.Run("round trip preserves the identity snapshot", func(t *testing.T) {
		token, err := svc.GenerateAccessToken(principal, time.Hour)
		require.NoError(t, err)

		got, err := svc.ValidatePrincipal(token)
		require.NoError(t, err)
		assert.Equal(t, principal, got)
	})

	t.Run("expired token is unauthorized", func(t *testing.T) {
		token, err := svc.GenerateAccessToken(principal, -time.Minute)
		require.NoError(t, err)

		_, err = svc.ValidatePrincipal(token)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("wrong signing key is rejected", func(t *testing.T) {
		token, err := svc.GenerateAccessToken(principal, time.Hour)
		require.NoError(t, err)

		other := NewService("different-key", "dispatch")
		_, err = other.ValidatePrincipal(token)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, err := svc.ValidatePrincipal("not.a.jwt")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("tampered role claim fails validation", func(t *testing.T) {
		token, err := svc.GenerateAccessToken(principal, time.Hour)
		require.NoError(t, err)

		// Flip a byte in the payload; the signature no longer matches.
		tampered := []byte(token)
		tampered[len(tampered)/2] ^= 0x01
		_, err = svc.ValidatePrincipal(string(tampered))
		require.Error(t, err)
	})
}
