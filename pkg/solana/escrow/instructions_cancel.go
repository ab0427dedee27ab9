package escrow

import (
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/solana"
)

type CancelInstructionAccounts struct {
	Initializer      ed25519.PublicKey
	TempTokenAccount ed25519.PublicKey
	EscrowAccount    ed25519.PublicKey
	Authority        ed25519.PublicKey
}

// NewCancelInstruction closes an open trade and returns the temp token
// account to the initializer.
func NewCancelInstruction(accounts *CancelInstructionAccounts) solana.Instruction {
	return solana.NewInstruction(
		PROGRAM_ID,
		[]byte{byte(InstructionTypeCancel)},
		solana.NewAccountMeta(accounts.Initializer, true),
		solana.NewAccountMeta(accounts.TempTokenAccount, false),
		solana.NewAccountMeta(accounts.EscrowAccount, false),
		solana.NewReadonlyAccountMeta(accounts.Authority, false),
		solana.NewReadonlyAccountMeta(SPL_TOKEN_PROGRAM_ID, false),
	)
}
