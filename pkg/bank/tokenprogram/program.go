// Package tokenprogram is the builtin SPL token program, limited to the
// instructions a single mint escrow needs.
package tokenprogram

import (
	"bytes"
	"crypto/ed25519"
	"math/bits"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/system"
	"github.com/code-payments/escrow-server/pkg/solana/token"
)

type program struct{}

// New returns the token program.
func New() bank.Program {
	return &program{}
}

// Register returns the bank option installing the token program at its well
// known address.
func Register() bank.Option {
	return bank.WithProgram(token.ProgramKey, New())
}

func (p *program) Process(ictx *bank.InvokeContext, programID ed25519.PublicKey, accounts []*bank.AccountInfo, data []byte) error {
	cmd, err := token.GetCommand(data)
	if err != nil {
		return token.ErrorInvalidInstruction
	}

	switch cmd {
	case token.CommandInitializeMint:
		ictx.Log("Instruction: InitializeMint")
		args, err := token.DecodeInitializeMintArgs(data)
		if err != nil {
			return err
		}
		return p.initializeMint(accounts, args)
	case token.CommandInitializeAccount:
		ictx.Log("Instruction: InitializeAccount")
		return p.initializeAccount(accounts)
	case token.CommandTransfer:
		ictx.Log("Instruction: Transfer")
		args, err := token.DecodeAmountArgs(data)
		if err != nil {
			return err
		}
		return p.transfer(accounts, args.Amount)
	case token.CommandMintTo:
		ictx.Log("Instruction: MintTo")
		args, err := token.DecodeAmountArgs(data)
		if err != nil {
			return err
		}
		return p.mintTo(accounts, args.Amount)
	case token.CommandSetAuthority:
		ictx.Log("Instruction: SetAuthority")
		args, err := token.DecodeSetAuthorityArgs(data)
		if err != nil {
			return err
		}
		return p.setAuthority(accounts, args)
	case token.CommandCloseAccount:
		ictx.Log("Instruction: CloseAccount")
		return p.closeAccount(accounts)
	default:
		return token.ErrorInvalidInstruction
	}
}

func (p *program) initializeMint(accounts []*bank.AccountInfo, args *token.InitializeMintArgs) error {
	if len(accounts) < 2 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	mintInfo, rentInfo := accounts[0], accounts[1]

	if err := checkOwner(mintInfo); err != nil {
		return err
	}
	if len(mintInfo.Data) != token.MintSize {
		return solana.InstructionErrorInvalidAccountData
	}

	var mint token.Mint
	if !mint.Unmarshal(mintInfo.Data) {
		return solana.InstructionErrorInvalidAccountData
	}
	if mint.IsInitialized {
		return token.ErrorAlreadyInUse
	}

	if err := checkRentExempt(rentInfo, mintInfo); err != nil {
		return err
	}

	mint = token.Mint{
		MintAuthority:   args.MintAuthority,
		Decimals:        args.Decimals,
		IsInitialized:   true,
		FreezeAuthority: args.FreezeAuthority,
	}
	copy(mintInfo.Data, mint.Marshal())
	return nil
}

func (p *program) initializeAccount(accounts []*bank.AccountInfo) error {
	if len(accounts) < 4 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	accountInfo, mintInfo, ownerInfo, rentInfo := accounts[0], accounts[1], accounts[2], accounts[3]

	if err := checkOwner(accountInfo); err != nil {
		return err
	}

	var account token.Account
	if !account.Unmarshal(accountInfo.Data) {
		return solana.InstructionErrorInvalidAccountData
	}
	if account.State != token.AccountStateUninitialized {
		return token.ErrorAlreadyInUse
	}

	if err := checkRentExempt(rentInfo, accountInfo); err != nil {
		return err
	}

	if err := checkOwner(mintInfo); err != nil {
		return err
	}
	if _, err := loadMint(mintInfo); err != nil {
		return token.ErrorInvalidMint
	}

	account = token.Account{
		Mint:  clone(mintInfo.Key),
		Owner: clone(ownerInfo.Key),
		State: token.AccountStateInitialized,
	}
	copy(accountInfo.Data, account.Marshal())
	return nil
}

func (p *program) transfer(accounts []*bank.AccountInfo, amount uint64) error {
	if len(accounts) < 3 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	sourceInfo, destInfo, authorityInfo := accounts[0], accounts[1], accounts[2]

	source, err := loadAccount(sourceInfo)
	if err != nil {
		return err
	}
	dest, err := loadAccount(destInfo)
	if err != nil {
		return err
	}

	if source.State == token.AccountStateFrozen || dest.State == token.AccountStateFrozen {
		return token.ErrorAccountFrozen
	}
	if source.Amount < amount {
		return token.ErrorInsufficientFunds
	}
	if !bytes.Equal(source.Mint, dest.Mint) {
		return token.ErrorMintMismatch
	}

	usingDelegate := false
	if len(source.Delegate) > 0 && bytes.Equal(source.Delegate, authorityInfo.Key) {
		if err := validateAuthority(source.Delegate, authorityInfo); err != nil {
			return err
		}
		if source.DelegatedAmount < amount {
			return token.ErrorInsufficientFunds
		}
		usingDelegate = true
	} else if err := validateAuthority(source.Owner, authorityInfo); err != nil {
		return err
	}

	if bytes.Equal(sourceInfo.Key, destInfo.Key) {
		return nil
	}

	sum, carry := bits.Add64(dest.Amount, amount, 0)
	if carry != 0 {
		return token.ErrorOverflow
	}

	source.Amount -= amount
	dest.Amount = sum

	if usingDelegate {
		source.DelegatedAmount -= amount
		if source.DelegatedAmount == 0 {
			source.Delegate = nil
		}
	}

	copy(sourceInfo.Data, source.Marshal())
	copy(destInfo.Data, dest.Marshal())
	return nil
}

func (p *program) mintTo(accounts []*bank.AccountInfo, amount uint64) error {
	if len(accounts) < 3 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	mintInfo, destInfo, authorityInfo := accounts[0], accounts[1], accounts[2]

	dest, err := loadAccount(destInfo)
	if err != nil {
		return err
	}
	if dest.State == token.AccountStateFrozen {
		return token.ErrorAccountFrozen
	}
	if !bytes.Equal(dest.Mint, mintInfo.Key) {
		return token.ErrorMintMismatch
	}

	if err := checkOwner(mintInfo); err != nil {
		return err
	}
	mint, err := loadMint(mintInfo)
	if err != nil {
		return err
	}
	if len(mint.MintAuthority) == 0 {
		return token.ErrorFixedSupply
	}
	if err := validateAuthority(mint.MintAuthority, authorityInfo); err != nil {
		return err
	}

	supply, carry := bits.Add64(mint.Supply, amount, 0)
	if carry != 0 {
		return token.ErrorOverflow
	}
	balance, carry := bits.Add64(dest.Amount, amount, 0)
	if carry != 0 {
		return token.ErrorOverflow
	}

	mint.Supply = supply
	dest.Amount = balance

	copy(mintInfo.Data, mint.Marshal())
	copy(destInfo.Data, dest.Marshal())
	return nil
}

func (p *program) setAuthority(accounts []*bank.AccountInfo, args *token.SetAuthorityArgs) error {
	if len(accounts) < 2 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	targetInfo, authorityInfo := accounts[0], accounts[1]

	if err := checkOwner(targetInfo); err != nil {
		return err
	}

	switch len(targetInfo.Data) {
	case token.AccountSize:
		account, err := loadAccount(targetInfo)
		if err != nil {
			return err
		}
		if account.State == token.AccountStateFrozen {
			return token.ErrorAccountFrozen
		}

		switch args.Type {
		case token.AuthorityTypeAccountHolder:
			if err := validateAuthority(account.Owner, authorityInfo); err != nil {
				return err
			}
			if len(args.NewAuthority) == 0 {
				return token.ErrorInvalidInstruction
			}

			account.Owner = clone(args.NewAuthority)
			account.Delegate = nil
			account.DelegatedAmount = 0
		case token.AuthorityTypeCloseAccount:
			current := account.CloseAuthority
			if len(current) == 0 {
				current = account.Owner
			}
			if err := validateAuthority(current, authorityInfo); err != nil {
				return err
			}

			account.CloseAuthority = clone(args.NewAuthority)
		default:
			return token.ErrorAuthorityTypeNotSupported
		}

		copy(targetInfo.Data, account.Marshal())
		return nil
	case token.MintSize:
		mint, err := loadMint(targetInfo)
		if err != nil {
			return err
		}

		switch args.Type {
		case token.AuthorityTypeMintTokens:
			if len(mint.MintAuthority) == 0 {
				return token.ErrorFixedSupply
			}
			if err := validateAuthority(mint.MintAuthority, authorityInfo); err != nil {
				return err
			}
			mint.MintAuthority = clone(args.NewAuthority)
		case token.AuthorityTypeFreezeAccount:
			if len(mint.FreezeAuthority) == 0 {
				return token.ErrorMintCannotFreeze
			}
			if err := validateAuthority(mint.FreezeAuthority, authorityInfo); err != nil {
				return err
			}
			mint.FreezeAuthority = clone(args.NewAuthority)
		default:
			return token.ErrorAuthorityTypeNotSupported
		}

		copy(targetInfo.Data, mint.Marshal())
		return nil
	default:
		return solana.InstructionErrorInvalidArgument
	}
}

func (p *program) closeAccount(accounts []*bank.AccountInfo) error {
	if len(accounts) < 3 {
		return solana.InstructionErrorNotEnoughAccountKeys
	}
	sourceInfo, destInfo, authorityInfo := accounts[0], accounts[1], accounts[2]

	if bytes.Equal(sourceInfo.Key, destInfo.Key) {
		return solana.InstructionErrorInvalidAccountData
	}

	source, err := loadAccount(sourceInfo)
	if err != nil {
		return err
	}
	if source.Amount != 0 {
		return token.ErrorNonNativeHasBalance
	}

	authority := source.CloseAuthority
	if len(authority) == 0 {
		authority = source.Owner
	}
	if err := validateAuthority(authority, authorityInfo); err != nil {
		return err
	}

	lamports, carry := bits.Add64(destInfo.Lamports, sourceInfo.Lamports, 0)
	if carry != 0 {
		return token.ErrorOverflow
	}

	destInfo.Lamports = lamports
	sourceInfo.Lamports = 0
	for i := range sourceInfo.Data {
		sourceInfo.Data[i] = 0
	}

	return nil
}

func checkOwner(info *bank.AccountInfo) error {
	if !bytes.Equal(info.Owner, token.ProgramKey) {
		return solana.InstructionErrorIncorrectProgramID
	}
	return nil
}

func loadAccount(info *bank.AccountInfo) (*token.Account, error) {
	if err := checkOwner(info); err != nil {
		return nil, err
	}

	var account token.Account
	if !account.Unmarshal(info.Data) {
		return nil, solana.InstructionErrorInvalidAccountData
	}
	if account.State == token.AccountStateUninitialized {
		return nil, token.ErrorUninitializedState
	}
	return &account, nil
}

func loadMint(info *bank.AccountInfo) (*token.Mint, error) {
	var mint token.Mint
	if !mint.Unmarshal(info.Data) {
		return nil, solana.InstructionErrorInvalidAccountData
	}
	if !mint.IsInitialized {
		return nil, token.ErrorUninitializedState
	}
	return &mint, nil
}

func validateAuthority(expected ed25519.PublicKey, authorityInfo *bank.AccountInfo) error {
	if !bytes.Equal(expected, authorityInfo.Key) {
		return token.ErrorOwnerMismatch
	}
	if !authorityInfo.IsSigner {
		return solana.InstructionErrorMissingRequiredSignature
	}
	return nil
}

func checkRentExempt(rentInfo, target *bank.AccountInfo) error {
	if !bytes.Equal(rentInfo.Key, system.RentSysVar) {
		return solana.InstructionErrorInvalidArgument
	}

	var rent system.Rent
	if err := rent.Unmarshal(rentInfo.Data); err != nil {
		return solana.InstructionErrorInvalidArgument
	}

	if !rent.IsExempt(target.Lamports, uint64(len(target.Data))) {
		return token.ErrorNotRentExempt
	}
	return nil
}

func clone(key ed25519.PublicKey) ed25519.PublicKey {
	if len(key) == 0 {
		return nil
	}
	return append(ed25519.PublicKey(nil), key...)
}
