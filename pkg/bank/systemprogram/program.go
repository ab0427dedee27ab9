// Package systemprogram is the builtin system program: account creation,
// ownership assignment and lamport transfers.
package systemprogram

import (
	"bytes"
	"crypto/ed25519"
	"math/bits"

	"github.com/mr-tron/base58"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/system"
)

type program struct{}

// New returns the system program.
func New() bank.Program {
	return &program{}
}

// Register returns the bank option installing the system program at its
// well known address.
func Register() bank.Option {
	return bank.WithProgram(system.ProgramKey[:], New())
}

func (p *program) Process(ictx *bank.InvokeContext, programID ed25519.PublicKey, accounts []*bank.AccountInfo, data []byte) error {
	cmd, err := system.GetCommand(data)
	if err != nil {
		return solana.InstructionErrorInvalidInstructionData
	}

	switch cmd {
	case system.CommandCreateAccount:
		args, err := system.DecodeCreateAccountArgs(data)
		if err != nil {
			return solana.InstructionErrorInvalidInstructionData
		}
		return p.createAccount(ictx, accounts, args)
	case system.CommandAssign:
		args, err := system.DecodeAssignArgs(data)
		if err != nil {
			return solana.InstructionErrorInvalidInstructionData
		}
		return p.assign(ictx, accounts, args)
	case system.CommandTransfer:
		args, err := system.DecodeTransferArgs(data)
		if err != nil {
			return solana.InstructionErrorInvalidInstructionData
		}
		return p.transfer(ictx, accounts, args)
	default:
		return solana.InstructionErrorInvalidInstructionData
	}
}

func (p *program) createAccount(ictx *bank.InvokeContext, accounts []*bank.AccountInfo, args *system.CreateAccountArgs) error {
	if len(accounts) < 2 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	funder, created := accounts[0], accounts[1]

	if !created.IsSigner {
		ictx.Log("Create Account: account %s must sign", keyString(created.Key))
		return solana.InstructionErrorMissingRequiredSignature
	}

	if created.Lamports > 0 || len(created.Data) > 0 || !bytes.Equal(created.Owner, system.SystemAccount) {
		ictx.Log("Create Account: account %s already in use", keyString(created.Key))
		return system.ErrorAccountAlreadyInUse
	}

	if args.Size > system.MaxPermittedDataLength {
		return system.ErrorInvalidAccountDataLength
	}

	created.Data = make([]byte, args.Size)
	created.Owner = append(ed25519.PublicKey(nil), args.Owner...)

	return move(ictx, funder, created, args.Lamports)
}

func (p *program) assign(ictx *bank.InvokeContext, accounts []*bank.AccountInfo, args *system.AssignArgs) error {
	if len(accounts) < 1 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	account := accounts[0]

	if bytes.Equal(account.Owner, args.Owner) {
		return nil
	}

	if !account.IsSigner {
		ictx.Log("Assign: account %s must sign", keyString(account.Key))
		return solana.InstructionErrorMissingRequiredSignature
	}

	account.Owner = append(ed25519.PublicKey(nil), args.Owner...)
	return nil
}

func (p *program) transfer(ictx *bank.InvokeContext, accounts []*bank.AccountInfo, args *system.TransferArgs) error {
	if len(accounts) < 2 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	from, to := accounts[0], accounts[1]

	if len(from.Data) > 0 {
		ictx.Log("Transfer: `from` must not carry data")
		return solana.InstructionErrorInvalidArgument
	}

	return move(ictx, from, to, args.Lamports)
}

func move(ictx *bank.InvokeContext, from, to *bank.AccountInfo, lamports uint64) error {
	if !from.IsSigner {
		ictx.Log("Transfer: `from` account %s must sign", keyString(from.Key))
		return solana.InstructionErrorMissingRequiredSignature
	}

	if from.Lamports < lamports {
		ictx.Log("Transfer: insufficient lamports %d, need %d", from.Lamports, lamports)
		return system.ErrorResultWithNegativeLamports
	}

	from.Lamports -= lamports

	sum, carry := bits.Add64(to.Lamports, lamports, 0)
	if carry != 0 {
		return solana.InstructionErrorArithmeticOverflow
	}
	to.Lamports = sum

	return nil
}

func keyString(key ed25519.PublicKey) string {
	return base58.Encode(key)
}
