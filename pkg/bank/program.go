package bank

import (
	"crypto/ed25519"
)

// Program executes instructions addressed to its program id.
//
// Programs mutate the provided accounts in place. A returned error aborts the
// whole transaction. Errors should be a solana.InstructionErrorKey or a
// solana.CustomError so they survive into the transaction result.
type Program interface {
	Process(ictx *InvokeContext, programID ed25519.PublicKey, accounts []*AccountInfo, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ictx *InvokeContext, programID ed25519.PublicKey, accounts []*AccountInfo, data []byte) error

func (f ProgramFunc) Process(ictx *InvokeContext, programID ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
	return f(ictx, programID, accounts, data)
}
