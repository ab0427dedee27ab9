package escrow

import (
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/solana"
)

var (
	authorityPrefix = []byte("escrow")
)

// AuthoritySeeds returns the seeds the program signs with for the PDA that
// holds every custody account.
func AuthoritySeeds(bump uint8) [][]byte {
	return [][]byte{authorityPrefix, {bump}}
}

// GetAuthorityAddress returns the PDA shared by every trade of the program.
func GetAuthorityAddress(program ed25519.PublicKey) (ed25519.PublicKey, uint8, error) {
	return solana.FindProgramAddressAndBump(
		program,
		authorityPrefix,
	)
}
