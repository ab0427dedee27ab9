package bank

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"math/bits"

	"github.com/mr-tron/base58"

	"github.com/code-payments/escrow-server/pkg/events"
	"github.com/code-payments/escrow-server/pkg/solana"
)

// MaxInvokeDepth bounds the program stack, counting the top-level
// instruction.
const MaxInvokeDepth = 4

type transactionContext struct {
	signature solana.Signature
	slot      uint64
	accounts  map[string]*Account
	logs      []string
	events    []*events.Event
}

// frame is one entry of the program stack, holding the state of its accounts
// at the point the program last handed control over.
type frame struct {
	programID ed25519.PublicKey
	accounts  []*AccountInfo
	pre       map[string]*Account
	writable  map[string]bool
}

func newFrame(programID ed25519.PublicKey, accounts []*AccountInfo) *frame {
	f := &frame{
		programID: programID,
		accounts:  accounts,
		pre:       make(map[string]*Account, len(accounts)),
		writable:  make(map[string]bool, len(accounts)),
	}
	for _, info := range accounts {
		key := string(info.Key)
		f.pre[key] = info.Account.clone()
		f.writable[key] = f.writable[key] || info.IsWritable
	}
	return f
}

func (f *frame) find(key ed25519.PublicKey) *AccountInfo {
	for _, info := range f.accounts {
		if bytes.Equal(info.Key, key) {
			return info
		}
	}
	return nil
}

// verify checks every change made since the last snapshot was made by a
// program allowed to make it, then snapshots the current state.
func (f *frame) verify() error {
	var preHi, preLo, postHi, postLo uint64
	var carry uint64

	seen := make(map[string]struct{}, len(f.pre))
	for _, info := range f.accounts {
		key := string(info.Key)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		pre := f.pre[key]
		if err := verifyAccount(f.programID, f.writable[key], pre, info.Account); err != nil {
			return err
		}

		preLo, carry = bits.Add64(preLo, pre.Lamports, 0)
		preHi += carry
		postLo, carry = bits.Add64(postLo, info.Lamports, 0)
		postHi += carry
	}

	if preHi != postHi || preLo != postLo {
		return solana.InstructionErrorUnbalancedInstruction
	}

	f.refresh()
	return nil
}

func (f *frame) refresh() {
	for _, info := range f.accounts {
		f.pre[string(info.Key)] = info.Account.clone()
	}
}

func verifyAccount(programID ed25519.PublicKey, writable bool, pre, post *Account) error {
	isOwner := bytes.Equal(pre.Owner, programID)

	if !bytes.Equal(pre.Owner, post.Owner) {
		if !writable || !isOwner || pre.Executable || !isZeroed(post.Data) {
			return solana.InstructionErrorModifiedProgramID
		}
	}

	if pre.Lamports != post.Lamports {
		if !writable {
			return solana.InstructionErrorReadonlyLamportChange
		}
		if post.Lamports < pre.Lamports && !isOwner {
			return solana.InstructionErrorExternalAccountLamportSpend
		}
	}

	if len(pre.Data) != len(post.Data) && (!writable || !isOwner) {
		return solana.InstructionErrorAccountDataSizeChanged
	}

	if !bytes.Equal(pre.Data, post.Data) {
		if !writable {
			return solana.InstructionErrorReadonlyDataModified
		}
		if !isOwner {
			return solana.InstructionErrorExternalAccountDataModified
		}
	}

	if pre.Executable != post.Executable {
		return solana.InstructionErrorExecutableModified
	}

	return nil
}

func isZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// InvokeContext is the runtime handed to programs while a transaction
// executes.
type InvokeContext struct {
	ctx      context.Context
	programs map[string]Program
	tx       *transactionContext
	stack    []*frame
}

func (ictx *InvokeContext) Context() context.Context {
	return ictx.ctx
}

// Slot is the slot the transaction will commit at.
func (ictx *InvokeContext) Slot() uint64 {
	return ictx.tx.slot
}

func (ictx *InvokeContext) Signature() solana.Signature {
	return ictx.tx.signature
}

// ProgramID returns the program currently executing.
func (ictx *InvokeContext) ProgramID() ed25519.PublicKey {
	if len(ictx.stack) == 0 {
		return nil
	}
	return ictx.stack[len(ictx.stack)-1].programID
}

// Log appends a program log line to the transaction.
func (ictx *InvokeContext) Log(format string, args ...interface{}) {
	ictx.tx.logs = append(ictx.tx.logs, fmt.Sprintf("Program log: "+format, args...))
}

// Emit queues an event. Queued events are published only if the transaction
// commits.
func (ictx *InvokeContext) Emit(e *events.Event) {
	ictx.tx.events = append(ictx.tx.events, e)
}

// Invoke calls another program with the privileges of the current one.
func (ictx *InvokeContext) Invoke(ix solana.Instruction) error {
	return ictx.InvokeSigned(ix)
}

// InvokeSigned calls another program. Each entry of signerSeeds derives one
// program address of the calling program that is treated as a signer.
func (ictx *InvokeContext) InvokeSigned(ix solana.Instruction, signerSeeds ...[][]byte) error {
	if len(ictx.stack) == 0 {
		return solana.InstructionErrorGenericError
	}
	caller := ictx.stack[len(ictx.stack)-1]

	signers := make(map[string]struct{}, len(signerSeeds))
	for _, seeds := range signerSeeds {
		pda, err := solana.CreateProgramAddress(caller.programID, seeds...)
		if err != nil {
			return solana.InstructionErrorInvalidSeeds
		}
		signers[string(pda)] = struct{}{}
	}

	calleeAccounts := make([]*AccountInfo, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		callerInfo := caller.find(meta.PublicKey)
		if callerInfo == nil {
			return solana.InstructionErrorMissingAccount
		}

		if meta.IsWritable && !caller.writable[string(meta.PublicKey)] {
			return solana.InstructionErrorPrivilegeEscalation
		}

		if meta.IsSigner && !callerInfo.IsSigner {
			if _, ok := signers[string(meta.PublicKey)]; !ok {
				return solana.InstructionErrorPrivilegeEscalation
			}
		}

		calleeAccounts[i] = &AccountInfo{
			Key:        meta.PublicKey,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
			Account:    callerInfo.Account,
		}
	}

	programInfo := caller.find(ix.Program)
	if programInfo == nil {
		return solana.InstructionErrorMissingAccount
	}
	if !programInfo.Executable {
		return solana.InstructionErrorAccountNotExecutable
	}

	if err := caller.verify(); err != nil {
		return err
	}

	if err := ictx.process(ix.Program, calleeAccounts, ix.Data); err != nil {
		return err
	}

	caller.refresh()
	return nil
}

func (ictx *InvokeContext) process(programID ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
	if len(ictx.stack) >= MaxInvokeDepth {
		return solana.InstructionErrorCallDepth
	}

	// A program already on the stack may only be invoked again by itself.
	if len(ictx.stack) > 0 && !bytes.Equal(ictx.stack[len(ictx.stack)-1].programID, programID) {
		for _, f := range ictx.stack {
			if bytes.Equal(f.programID, programID) {
				return solana.InstructionErrorReentrancyNotAllowed
			}
		}
	}

	program, ok := ictx.programs[string(programID)]
	if !ok {
		return solana.InstructionErrorUnsupportedProgramID
	}

	f := newFrame(programID, accounts)
	ictx.stack = append(ictx.stack, f)
	defer func() {
		ictx.stack = ictx.stack[:len(ictx.stack)-1]
	}()

	encoded := base58.Encode(programID)
	ictx.tx.logs = append(ictx.tx.logs, fmt.Sprintf("Program %s invoke [%d]", encoded, len(ictx.stack)))

	if err := program.Process(ictx, programID, accounts, data); err != nil {
		ictx.tx.logs = append(ictx.tx.logs, fmt.Sprintf("Program %s failed: %v", encoded, err))
		return err
	}

	if err := f.verify(); err != nil {
		ictx.tx.logs = append(ictx.tx.logs, fmt.Sprintf("Program %s failed: %v", encoded, err))
		return err
	}

	ictx.tx.logs = append(ictx.tx.logs, fmt.Sprintf("Program %s success", encoded))
	return nil
}
