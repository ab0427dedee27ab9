package testutil

import (
	"crypto/ed25519"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

// GenerateKeypair returns a random ed25519 keypair.
func GenerateKeypair(t *testing.T) ed25519.PrivateKey {
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return key
}

// GenerateKeys returns n random public keys.
func GenerateKeys(t *testing.T, n int) []ed25519.PublicKey {
	keys := make([]ed25519.PublicKey, n)
	for i := range keys {
		keys[i] = Public(GenerateKeypair(t))
	}
	return keys
}

func Public(key ed25519.PrivateKey) ed25519.PublicKey {
	return key.Public().(ed25519.PublicKey)
}

// EncodedSeed returns the base58 seed of key, the form node identities and
// faucets are configured with.
func EncodedSeed(key ed25519.PrivateKey) string {
	return base58.Encode(key.Seed())
}
