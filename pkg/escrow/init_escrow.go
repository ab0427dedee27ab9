package escrow

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/events"
	"github.com/code-payments/escrow-server/pkg/solana"
	escrowprogram "github.com/code-payments/escrow-server/pkg/solana/escrow"
	"github.com/code-payments/escrow-server/pkg/solana/token"
)

// initEscrow records a new trade and hands the custody account to the
// program authority.
//
// Accounts:
//  0. [signer] initializer
//  1. [writable] custody token account, owned by the initializer
//  2. [] initializer token account receiving the expected amount
//  3. [writable] escrow ledger entry
//  4. [] rent sysvar
//  5. [] token program
func (p *Processor) initEscrow(ictx *bank.InvokeContext, accounts []*bank.AccountInfo, amount uint64) error {
	if len(accounts) < 6 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}

	initializer := accounts[0]
	custody := accounts[1]
	receive := accounts[2]
	entryInfo := accounts[3]
	rentInfo := accounts[4]
	tokenProgram := accounts[5]

	if !initializer.IsSigner {
		return solana.InstructionErrorMissingRequiredSignature
	}

	if !bytes.Equal(receive.Owner, token.ProgramKey) {
		return solana.InstructionErrorIncorrectProgramID
	}

	rent, err := rentFromSysvar(rentInfo)
	if err != nil {
		return err
	}
	if !rent.IsExempt(entryInfo.Lamports, uint64(len(entryInfo.Data))) {
		return escrowprogram.ErrorNotRentExempt
	}

	if !bytes.Equal(entryInfo.Owner, p.programID) {
		return solana.InstructionErrorIncorrectProgramID
	}
	if len(entryInfo.Data) != escrowprogram.EscrowAccountSize {
		return solana.InstructionErrorInvalidAccountData
	}

	var entry escrowprogram.EscrowAccount
	if err := entry.Unmarshal(entryInfo.Data); err != nil {
		return solana.InstructionErrorInvalidAccountData
	}
	if entry.IsInitialized {
		return solana.InstructionErrorAccountAlreadyInitialized
	}

	if err := checkTokenProgram(tokenProgram); err != nil {
		return err
	}

	entry = escrowprogram.EscrowAccount{
		IsInitialized:             true,
		Initializer:               initializer.Key,
		TempTokenAccount:          custody.Key,
		InitializerTokenToReceive: receive.Key,
		ExpectedAmount:            amount,
	}
	copy(entryInfo.Data, entry.Marshal())

	tokens := p.newTokenInterface(ictx, tokenProgram)
	if err := tokens.SetAuthority(custody, p.authority, token.AuthorityTypeAccountHolder, initializer); err != nil {
		return err
	}

	ictx.Emit(&events.Event{
		Type:        events.TypeEscrowInitiated,
		Escrow:      keyString(entryInfo.Key),
		Initializer: keyString(initializer.Key),
		Custody:     keyString(custody.Key),
		Amount:      amount,
	})

	p.log.WithFields(logrus.Fields{
		"method":          "initEscrow",
		"escrow":          keyString(entryInfo.Key),
		"expected_amount": amount,
	}).Debug("escrow initiated")

	return nil
}
