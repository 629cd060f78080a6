package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/votewave/votewave/pkg/identity"
)

func TestCreatorSecretRoundTrip(t *testing.T) {
	secret, err := identity.GenerateCreatorSecret()
	require.NoError(t, err)
	require.Len(t, secret, 64)

	hash, err := identity.HashCreatorSecret(secret)
	require.NoError(t, err)
	require.NotEqual(t, secret, hash)

	require.True(t, identity.VerifyCreatorSecret(hash, secret))
	require.False(t, identity.VerifyCreatorSecret(hash, "wrong"))
	require.False(t, identity.VerifyCreatorSecret("", secret))
}

func TestGenerateCreatorSecretUnique(t *testing.T) {
	a, err := identity.GenerateCreatorSecret()
	require.NoError(t, err)
	b, err := identity.GenerateCreatorSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
