package escrow

import (
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/binary"
)

const (
	InitEscrowInstructionArgsSize = 8 // amount
)

type InitEscrowInstructionArgs struct {
	Amount uint64
}

type InitEscrowInstructionAccounts struct {
	Initializer               ed25519.PublicKey
	TempTokenAccount          ed25519.PublicKey
	InitializerTokenToReceive ed25519.PublicKey
	EscrowAccount             ed25519.PublicKey
}

// NewInitEscrowInstruction opens a trade. The temp token account's owner is
// handed to the program authority.
func NewInitEscrowInstruction(
	accounts *InitEscrowInstructionAccounts,
	args *InitEscrowInstructionArgs,
) solana.Instruction {
	e := binary.NewEncoder(1 + InitEscrowInstructionArgsSize)
	e.Uint8(uint8(InstructionTypeInitEscrow))
	e.Uint64(args.Amount)

	return solana.NewInstruction(
		PROGRAM_ID,
		e.Bytes(),
		solana.NewReadonlyAccountMeta(accounts.Initializer, true),
		solana.NewAccountMeta(accounts.TempTokenAccount, false),
		solana.NewReadonlyAccountMeta(accounts.InitializerTokenToReceive, false),
		solana.NewAccountMeta(accounts.EscrowAccount, false),
		solana.NewReadonlyAccountMeta(SYSVAR_RENT_PUBKEY, false),
		solana.NewReadonlyAccountMeta(SPL_TOKEN_PROGRAM_ID, false),
	)
}
