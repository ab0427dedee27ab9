// Package escrow is the on-ledger escrow trade program.
package escrow

import (
	"bytes"
	"crypto/ed25519"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/solana"
	escrowprogram "github.com/code-payments/escrow-server/pkg/solana/escrow"
	"github.com/code-payments/escrow-server/pkg/solana/system"
	"github.com/code-payments/escrow-server/pkg/solana/token"
)

// TokenInterface is the token program as seen by the escrow program.
type TokenInterface interface {
	Transfer(amount uint64, from, to, authority *bank.AccountInfo, signerSeeds ...[][]byte) error
	SetAuthority(account *bank.AccountInfo, newAuthority ed25519.PublicKey, authorityType token.AuthorityType, currentAuthority *bank.AccountInfo, signerSeeds ...[][]byte) error
	CloseAccount(account, destination, authority *bank.AccountInfo, signerSeeds ...[][]byte) error
}

// RentOracle answers rent exemption queries. system.Rent implements it.
type RentOracle interface {
	MinimumBalance(dataLen uint64) uint64
	IsExempt(balance, dataLen uint64) bool
}

// TokenInterfaceFactory binds a TokenInterface to the invocation it runs in.
type TokenInterfaceFactory func(ictx *bank.InvokeContext, tokenProgram *bank.AccountInfo) TokenInterface

type Processor struct {
	log *logrus.Entry

	programID ed25519.PublicKey
	authority ed25519.PublicKey
	bump      uint8

	newTokenInterface TokenInterfaceFactory
}

type Option func(*Processor)

// WithTokenInterface replaces the CPI backed token interface.
func WithTokenInterface(factory TokenInterfaceFactory) Option {
	return func(p *Processor) {
		p.newTokenInterface = factory
	}
}

func New(programID ed25519.PublicKey, opts ...Option) (*Processor, error) {
	authority, bump, err := escrowprogram.GetAuthorityAddress(programID)
	if err != nil {
		return nil, errors.Wrap(err, "error deriving escrow authority")
	}

	p := &Processor{
		log:               logrus.StandardLogger().WithField("type", "escrow/processor"),
		programID:         programID,
		authority:         authority,
		bump:              bump,
		newTokenInterface: NewCPITokenInterface,
	}

	for _, o := range opts {
		o(p)
	}

	p.log.WithFields(logrus.Fields{
		"program":   base58.Encode(programID),
		"authority": base58.Encode(authority),
		"bump":      bump,
	}).Debug("escrow processor initialized")

	return p, nil
}

// Register returns the bank option installing the escrow program at the
// default program address.
func Register(opts ...Option) (bank.Option, error) {
	p, err := New(escrowprogram.PROGRAM_ID, opts...)
	if err != nil {
		return nil, err
	}
	return bank.WithProgram(escrowprogram.PROGRAM_ID, p), nil
}

// Authority returns the PDA holding every custody account, and its bump.
func (p *Processor) Authority() (ed25519.PublicKey, uint8) {
	return p.authority, p.bump
}

func (p *Processor) Process(ictx *bank.InvokeContext, programID ed25519.PublicKey, accounts []*bank.AccountInfo, data []byte) error {
	if !bytes.Equal(programID, p.programID) {
		return solana.InstructionErrorIncorrectProgramID
	}

	ix, err := escrowprogram.DecodeInstruction(data)
	if err != nil {
		return escrowprogram.ErrorInvalidInstruction
	}

	switch ix.Type {
	case escrowprogram.InstructionTypeInitEscrow:
		ictx.Log("Instruction: InitEscrow")
		return p.initEscrow(ictx, accounts, ix.Amount)
	case escrowprogram.InstructionTypeExchange:
		ictx.Log("Instruction: Exchange")
		return p.exchange(ictx, accounts, ix.Amount)
	case escrowprogram.InstructionTypeCancel:
		ictx.Log("Instruction: Cancel")
		return p.cancel(ictx, accounts)
	default:
		return escrowprogram.ErrorInvalidInstruction
	}
}

func (p *Processor) signerSeeds() [][]byte {
	return escrowprogram.AuthoritySeeds(p.bump)
}

// loadEntry checks the entry is an initialized ledger entry of this program.
func (p *Processor) loadEntry(info *bank.AccountInfo) (*escrowprogram.EscrowAccount, error) {
	if !bytes.Equal(info.Owner, p.programID) {
		return nil, solana.InstructionErrorIncorrectProgramID
	}

	var entry escrowprogram.EscrowAccount
	if err := entry.Unmarshal(info.Data); err != nil {
		return nil, solana.InstructionErrorInvalidAccountData
	}
	if !entry.IsInitialized {
		return nil, solana.InstructionErrorUninitializedAccount
	}
	return &entry, nil
}

func (p *Processor) checkAuthority(info *bank.AccountInfo) error {
	if !bytes.Equal(info.Key, p.authority) {
		return solana.InstructionErrorInvalidAccountData
	}
	return nil
}

func checkTokenProgram(info *bank.AccountInfo) error {
	if !bytes.Equal(info.Key, token.ProgramKey) {
		return solana.InstructionErrorIncorrectProgramID
	}
	return nil
}

// rentFromSysvar reads the rent parameters from the rent sysvar account.
func rentFromSysvar(info *bank.AccountInfo) (RentOracle, error) {
	if !bytes.Equal(info.Key, system.RentSysVar) {
		return nil, solana.InstructionErrorInvalidArgument
	}

	var rent system.Rent
	if err := rent.Unmarshal(info.Data); err != nil {
		return nil, solana.InstructionErrorInvalidArgument
	}
	return rent, nil
}

// closeEntry moves the entry's lamports to the initializer and zeroes its
// data, leaving it to be purged on commit.
func closeEntry(entryInfo, initializer *bank.AccountInfo) error {
	if entryInfo.Lamports > ^uint64(0)-initializer.Lamports {
		return escrowprogram.ErrorAmountOverflow
	}

	initializer.Lamports += entryInfo.Lamports
	entryInfo.Lamports = 0
	for i := range entryInfo.Data {
		entryInfo.Data[i] = 0
	}
	return nil
}

func keyString(key ed25519.PublicKey) string {
	return base58.Encode(key)
}
