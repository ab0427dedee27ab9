package system

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/solana"
)

// ProgramKey is the system program address (all zeros).
var ProgramKey [32]byte

type Command uint32

const (
	CommandCreateAccount Command = iota
	CommandAssign
	CommandTransfer
)

const (
	createAccountDataSize = 4 + 8 + 8 + ed25519.PublicKeySize
	assignDataSize        = 4 + ed25519.PublicKeySize
	transferDataSize      = 4 + 8
)

var ErrInvalidInstructionData = errors.New("invalid system instruction data")

// CreateAccount allocates space bytes at address, funds it with lamports and
// assigns it to owner.
//
// Reference: https://github.com/solana-labs/solana/blob/f02a78d8fff2dd7297dc6ce6eb5a68a3002f5359/sdk/src/system_instruction.rs#L58-L72
func CreateAccount(funder, address, owner ed25519.PublicKey, lamports, size uint64) solana.Instruction {
	// Accounts:
	//   0. [WRITE, SIGNER] Funding account
	//   1. [WRITE, SIGNER] New account
	data := make([]byte, createAccountDataSize)
	binary.LittleEndian.PutUint32(data, uint32(CommandCreateAccount))
	binary.LittleEndian.PutUint64(data[4:], lamports)
	binary.LittleEndian.PutUint64(data[4+8:], size)
	copy(data[4+2*8:], owner)

	return solana.NewInstruction(
		ProgramKey[:],
		data,
		solana.NewAccountMeta(funder, true),
		solana.NewAccountMeta(address, true),
	)
}

// Assign changes the owner of a system account with no data.
func Assign(address, owner ed25519.PublicKey) solana.Instruction {
	// Accounts:
	//   0. [WRITE, SIGNER] Assigned account
	data := make([]byte, assignDataSize)
	binary.LittleEndian.PutUint32(data, uint32(CommandAssign))
	copy(data[4:], owner)

	return solana.NewInstruction(
		ProgramKey[:],
		data,
		solana.NewAccountMeta(address, true),
	)
}

// Transfer moves lamports between two system owned accounts.
func Transfer(from, to ed25519.PublicKey, lamports uint64) solana.Instruction {
	// Accounts:
	//   0. [WRITE, SIGNER] Funding account
	//   1. [WRITE] Recipient account
	data := make([]byte, transferDataSize)
	binary.LittleEndian.PutUint32(data, uint32(CommandTransfer))
	binary.LittleEndian.PutUint64(data[4:], lamports)

	return solana.NewInstruction(
		ProgramKey[:],
		data,
		solana.NewAccountMeta(from, true),
		solana.NewAccountMeta(to, false),
	)
}

type CreateAccountArgs struct {
	Lamports uint64
	Size     uint64
	Owner    ed25519.PublicKey
}

type AssignArgs struct {
	Owner ed25519.PublicKey
}

type TransferArgs struct {
	Lamports uint64
}

// GetCommand returns the command encoded in the instruction data.
func GetCommand(data []byte) (Command, error) {
	if len(data) < 4 {
		return 0, ErrInvalidInstructionData
	}
	return Command(binary.LittleEndian.Uint32(data)), nil
}

func DecodeCreateAccountArgs(data []byte) (*CreateAccountArgs, error) {
	if cmd, err := GetCommand(data); err != nil || cmd != CommandCreateAccount {
		return nil, ErrInvalidInstructionData
	}
	if len(data) != createAccountDataSize {
		return nil, ErrInvalidInstructionData
	}

	args := &CreateAccountArgs{
		Lamports: binary.LittleEndian.Uint64(data[4:]),
		Size:     binary.LittleEndian.Uint64(data[4+8:]),
		Owner:    make(ed25519.PublicKey, ed25519.PublicKeySize),
	}
	copy(args.Owner, data[4+2*8:])
	return args, nil
}

func DecodeAssignArgs(data []byte) (*AssignArgs, error) {
	if cmd, err := GetCommand(data); err != nil || cmd != CommandAssign {
		return nil, ErrInvalidInstructionData
	}
	if len(data) != assignDataSize {
		return nil, ErrInvalidInstructionData
	}

	args := &AssignArgs{Owner: make(ed25519.PublicKey, ed25519.PublicKeySize)}
	copy(args.Owner, data[4:])
	return args, nil
}

func DecodeTransferArgs(data []byte) (*TransferArgs, error) {
	if cmd, err := GetCommand(data); err != nil || cmd != CommandTransfer {
		return nil, ErrInvalidInstructionData
	}
	if len(data) != transferDataSize {
		return nil, ErrInvalidInstructionData
	}

	return &TransferArgs{Lamports: binary.LittleEndian.Uint64(data[4:])}, nil
}
