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

// exchange settles a trade. The taker pays the expected amount to the
// initializer and receives the whole custody balance.
//
// Accounts:
//  0. [signer] taker
//  1. [writable] taker token account sending the expected amount
//  2. [writable] taker token account receiving the custody balance
//  3. [writable] custody token account
//  4. [writable] initializer main account, credited with reclaimed rent
//  5. [writable] initializer token account receiving the expected amount
//  6. [writable] escrow ledger entry
//  7. [] program authority
//  8. [] token program
func (p *Processor) exchange(ictx *bank.InvokeContext, accounts []*bank.AccountInfo, amount uint64) error {
	if len(accounts) < 9 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}

	taker := accounts[0]
	takerSending := accounts[1]
	takerReceiving := accounts[2]
	custodyInfo := accounts[3]
	initializer := accounts[4]
	initializerReceiving := accounts[5]
	entryInfo := accounts[6]
	authority := accounts[7]
	tokenProgram := accounts[8]

	if !taker.IsSigner {
		return solana.InstructionErrorMissingRequiredSignature
	}

	var custody token.Account
	if !custody.Unmarshal(custodyInfo.Data) {
		return solana.InstructionErrorInvalidAccountData
	}
	if amount != custody.Amount {
		return escrowprogram.ErrorExpectedAmountMismatch
	}

	entry, err := p.loadEntry(entryInfo)
	if err != nil {
		return err
	}

	if !bytes.Equal(entry.TempTokenAccount, custodyInfo.Key) {
		return solana.InstructionErrorInvalidAccountData
	}
	if !bytes.Equal(entry.Initializer, initializer.Key) {
		return solana.InstructionErrorInvalidAccountData
	}
	if !bytes.Equal(entry.InitializerTokenToReceive, initializerReceiving.Key) {
		return solana.InstructionErrorInvalidAccountData
	}

	if err := p.checkAuthority(authority); err != nil {
		return err
	}
	if err := checkTokenProgram(tokenProgram); err != nil {
		return err
	}

	tokens := p.newTokenInterface(ictx, tokenProgram)
	seeds := p.signerSeeds()

	if err := tokens.Transfer(entry.ExpectedAmount, takerSending, initializerReceiving, taker); err != nil {
		return err
	}
	if err := tokens.Transfer(custody.Amount, custodyInfo, takerReceiving, authority, seeds); err != nil {
		return err
	}
	if err := tokens.CloseAccount(custodyInfo, initializer, authority, seeds); err != nil {
		return err
	}

	if err := closeEntry(entryInfo, initializer); err != nil {
		return err
	}

	ictx.Emit(&events.Event{
		Type:        events.TypeEscrowSettled,
		Escrow:      keyString(entryInfo.Key),
		Initializer: keyString(initializer.Key),
		Taker:       keyString(taker.Key),
		Custody:     keyString(custodyInfo.Key),
		Amount:      custody.Amount,
	})

	p.log.WithFields(logrus.Fields{
		"method":          "exchange",
		"escrow":          keyString(entryInfo.Key),
		"expected_amount": entry.ExpectedAmount,
		"custody_amount":  custody.Amount,
	}).Debug("escrow settled")

	return nil
}
