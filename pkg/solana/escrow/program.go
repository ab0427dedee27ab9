package escrow

import (
	"crypto/ed25519"
	"errors"

	"github.com/mr-tron/base58"

	"github.com/code-payments/escrow-server/pkg/solana"
)

var (
	ErrInvalidAccountData     = errors.New("unexpected account data")
	ErrInvalidInstructionData = errors.New("unexpected instruction data")
)

var (
	PROGRAM_ADDRESS = mustBase58Decode("ErWB8e7N7DxNNxgNjNjiCe78KKc1YWPyos6b3ScJKeuU")
	PROGRAM_ID      = ed25519.PublicKey(PROGRAM_ADDRESS)
)

var (
	SPL_TOKEN_PROGRAM_ID = ed25519.PublicKey(mustBase58Decode("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"))

	SYSVAR_RENT_PUBKEY = ed25519.PublicKey(mustBase58Decode("SysvarRent111111111111111111111111111111111"))
)

// Custom errors returned by the escrow program.
const (
	ErrorInvalidInstruction solana.CustomError = iota
	ErrorNotRentExempt
	ErrorExpectedAmountMismatch
	ErrorAmountOverflow
)

type InstructionType uint8

const (
	InstructionTypeInitEscrow InstructionType = iota
	InstructionTypeExchange
	InstructionTypeCancel
)

func (t InstructionType) String() string {
	switch t {
	case InstructionTypeInitEscrow:
		return "init_escrow"
	case InstructionTypeExchange:
		return "exchange"
	case InstructionTypeCancel:
		return "cancel"
	}
	return "unknown"
}

func mustBase58Decode(value string) []byte {
	decoded, err := base58.Decode(value)
	if err != nil {
		panic(err)
	}
	return decoded
}
