package token

import (
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/system"
)

// ProgramKey is the address of the token program,
// TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA.
var ProgramKey = ed25519.PublicKey{6, 221, 246, 225, 215, 101, 161, 147, 217, 203, 225, 70, 206, 235, 121, 172, 28, 180, 133, 237, 95, 91, 55, 145, 58, 140, 245, 133, 126, 255, 0, 169}

// Command is the leading tag byte of token instruction data. Only the
// commands the bank executes are given builders.
type Command byte

const (
	CommandInitializeMint Command = iota
	CommandInitializeAccount
	CommandInitializeMultisig
	CommandTransfer
	CommandApprove
	CommandRevoke
	CommandSetAuthority
	CommandMintTo
	CommandBurn
	CommandCloseAccount
)

type AuthorityType byte

const (
	AuthorityTypeMintTokens AuthorityType = iota
	AuthorityTypeFreezeAccount
	AuthorityTypeAccountHolder
	AuthorityTypeCloseAccount
)

func instruction(data []byte, accounts ...solana.AccountMeta) solana.Instruction {
	return solana.NewInstruction(ProgramKey, data, accounts...)
}

// InitializeMint initializes mint, which must already be allocated and owned
// by the token program. A nil freezeAuthority leaves the mint unfreezable.
//
// Accounts: [writable] mint, [] rent sysvar.
func InitializeMint(mint, mintAuthority, freezeAuthority ed25519.PublicKey, decimals byte) solana.Instruction {
	args := InitializeMintArgs{
		Decimals:        decimals,
		MintAuthority:   mintAuthority,
		FreezeAuthority: freezeAuthority,
	}
	return instruction(
		args.Encode(),
		solana.NewAccountMeta(mint, false),
		solana.NewReadonlyAccountMeta(system.RentSysVar, false),
	)
}

// InitializeAccount initializes a token account of mint held by owner.
//
// Accounts: [writable] account, [] mint, [] owner, [] rent sysvar.
func InitializeAccount(account, mint, owner ed25519.PublicKey) solana.Instruction {
	return instruction(
		[]byte{byte(CommandInitializeAccount)},
		solana.NewAccountMeta(account, false),
		solana.NewReadonlyAccountMeta(mint, false),
		solana.NewReadonlyAccountMeta(owner, false),
		solana.NewReadonlyAccountMeta(system.RentSysVar, false),
	)
}

// SetAuthority replaces one authority of a mint or token account. A nil
// newAuthority clears it.
//
// Accounts: [writable] mint or account, [signer] current authority.
func SetAuthority(account, currentAuthority, newAuthority ed25519.PublicKey, authorityType AuthorityType) solana.Instruction {
	args := SetAuthorityArgs{Type: authorityType, NewAuthority: newAuthority}
	return instruction(
		args.Encode(),
		solana.NewAccountMeta(account, false),
		solana.NewReadonlyAccountMeta(currentAuthority, true),
	)
}

// Transfer moves amount tokens between two accounts of the same mint.
//
// Accounts: [writable] source, [writable] destination, [signer] source owner.
func Transfer(source, dest, owner ed25519.PublicKey, amount uint64) solana.Instruction {
	return instruction(
		AmountArgs{Amount: amount}.Encode(CommandTransfer),
		solana.NewAccountMeta(source, false),
		solana.NewAccountMeta(dest, false),
		solana.NewReadonlyAccountMeta(owner, true),
	)
}

// MintTo creates amount new tokens in dest.
//
// Accounts: [writable] mint, [writable] destination, [signer] mint authority.
func MintTo(mint, dest, authority ed25519.PublicKey, amount uint64) solana.Instruction {
	return instruction(
		AmountArgs{Amount: amount}.Encode(CommandMintTo),
		solana.NewAccountMeta(mint, false),
		solana.NewAccountMeta(dest, false),
		solana.NewReadonlyAccountMeta(authority, true),
	)
}

// CloseAccount closes an empty token account, moving its lamports to dest.
//
// Accounts: [writable] account, [writable] destination, [signer] owner.
func CloseAccount(account, dest, owner ed25519.PublicKey) solana.Instruction {
	return instruction(
		[]byte{byte(CommandCloseAccount)},
		solana.NewAccountMeta(account, false),
		solana.NewAccountMeta(dest, false),
		solana.NewReadonlyAccountMeta(owner, true),
	)
}
