package escrow

import (
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/binary"
)

const (
	ExchangeInstructionArgsSize = 8 // amount
)

type ExchangeInstructionArgs struct {
	// Amount the taker expects to receive from the temp token account.
	Amount uint64
}

type ExchangeInstructionAccounts struct {
	Taker                     ed25519.PublicKey
	TakerSendingToken         ed25519.PublicKey
	TakerReceivingToken       ed25519.PublicKey
	TempTokenAccount          ed25519.PublicKey
	Initializer               ed25519.PublicKey
	InitializerTokenToReceive ed25519.PublicKey
	EscrowAccount             ed25519.PublicKey
	Authority                 ed25519.PublicKey
}

func NewExchangeInstruction(
	accounts *ExchangeInstructionAccounts,
	args *ExchangeInstructionArgs,
) solana.Instruction {
	e := binary.NewEncoder(1 + ExchangeInstructionArgsSize)
	e.Uint8(uint8(InstructionTypeExchange))
	e.Uint64(args.Amount)

	return solana.NewInstruction(
		PROGRAM_ID,
		e.Bytes(),
		solana.NewReadonlyAccountMeta(accounts.Taker, true),
		solana.NewAccountMeta(accounts.TakerSendingToken, false),
		solana.NewAccountMeta(accounts.TakerReceivingToken, false),
		solana.NewAccountMeta(accounts.TempTokenAccount, false),
		solana.NewAccountMeta(accounts.Initializer, false),
		solana.NewAccountMeta(accounts.InitializerTokenToReceive, false),
		solana.NewAccountMeta(accounts.EscrowAccount, false),
		solana.NewReadonlyAccountMeta(accounts.Authority, false),
		solana.NewReadonlyAccountMeta(SPL_TOKEN_PROGRAM_ID, false),
	)
}
