package escrow

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/events"
	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/token"
)

// cancel closes an open trade and returns the custody account to the
// initializer.
//
// Accounts:
//  0. [signer, writable] initializer
//  1. [writable] custody token account
//  2. [writable] escrow ledger entry
//  3. [] program authority
//  4. [] token program
func (p *Processor) cancel(ictx *bank.InvokeContext, accounts []*bank.AccountInfo) error {
	if len(accounts) < 5 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}

	initializer := accounts[0]
	custodyInfo := accounts[1]
	entryInfo := accounts[2]
	authority := accounts[3]
	tokenProgram := accounts[4]

	if !initializer.IsSigner {
		return solana.InstructionErrorMissingRequiredSignature
	}

	entry, err := p.loadEntry(entryInfo)
	if err != nil {
		return err
	}

	if !bytes.Equal(entry.Initializer, initializer.Key) {
		return solana.InstructionErrorInvalidAccountData
	}
	if !bytes.Equal(entry.TempTokenAccount, custodyInfo.Key) {
		return solana.InstructionErrorInvalidAccountData
	}

	if err := p.checkAuthority(authority); err != nil {
		return err
	}
	if err := checkTokenProgram(tokenProgram); err != nil {
		return err
	}

	var custody token.Account
	if !custody.Unmarshal(custodyInfo.Data) {
		return solana.InstructionErrorInvalidAccountData
	}

	tokens := p.newTokenInterface(ictx, tokenProgram)
	if err := tokens.SetAuthority(custodyInfo, initializer.Key, token.AuthorityTypeAccountHolder, authority, p.signerSeeds()); err != nil {
		return err
	}

	if err := closeEntry(entryInfo, initializer); err != nil {
		return err
	}

	ictx.Emit(&events.Event{
		Type:        events.TypeEscrowCancelled,
		Escrow:      keyString(entryInfo.Key),
		Initializer: keyString(initializer.Key),
		Custody:     keyString(custodyInfo.Key),
		Amount:      custody.Amount,
	})

	p.log.WithFields(logrus.Fields{
		"method": "cancel",
		"escrow": keyString(entryInfo.Key),
	}).Debug("escrow cancelled")

	return nil
}
