package token

import (
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/solana/binary"
)

type AccountState byte

const (
	AccountStateUninitialized AccountState = iota
	AccountStateInitialized
	AccountStateFrozen
)

const (
	// AccountSize is the packed size of a token account.
	AccountSize = 165
	// MintSize is the packed size of a mint.
	MintSize = 82
)

// COption tags are encoded as a u32.
const optionSize = 4

type Account struct {
	// The mint associated with this account
	Mint ed25519.PublicKey
	// The owner of this account.
	Owner ed25519.PublicKey
	// The amount of tokens this account holds.
	Amount uint64
	// If set, DelegatedAmount is the amount the delegate may move.
	Delegate ed25519.PublicKey
	State    AccountState
	// If set, this is a native token account and the value is its rent
	// exempt reserve.
	IsNative        *uint64
	DelegatedAmount uint64
	// Optional authority to close the account.
	CloseAuthority ed25519.PublicKey
}

func (a *Account) Marshal() []byte {
	e := binary.NewEncoder(AccountSize)
	e.Key(a.Mint)
	e.Key(a.Owner)
	e.Uint64(a.Amount)
	e.OptionalKey(a.Delegate, optionSize)
	e.Uint8(byte(a.State))
	e.OptionalUint64(a.IsNative, optionSize)
	e.Uint64(a.DelegatedAmount)
	e.OptionalKey(a.CloseAuthority, optionSize)
	return e.Bytes()
}

// Unmarshal decodes b into a, reporting whether b is a well formed account.
func (a *Account) Unmarshal(b []byte) bool {
	if len(b) != AccountSize {
		return false
	}

	d := binary.NewDecoder(b)
	a.Mint = d.Key()
	a.Owner = d.Key()
	a.Amount = d.Uint64()
	a.Delegate = d.OptionalKey(optionSize)
	a.State = AccountState(d.Uint8())
	a.IsNative = d.OptionalUint64(optionSize)
	a.DelegatedAmount = d.Uint64()
	a.CloseAuthority = d.OptionalKey(optionSize)

	return d.Err() == nil && a.State <= AccountStateFrozen
}

type Mint struct {
	// Optional authority used to mint new tokens. Without one the supply
	// is fixed.
	MintAuthority   ed25519.PublicKey
	Supply          uint64
	Decimals        byte
	IsInitialized   bool
	FreezeAuthority ed25519.PublicKey
}

func (m *Mint) Marshal() []byte {
	e := binary.NewEncoder(MintSize)
	e.OptionalKey(m.MintAuthority, optionSize)
	e.Uint64(m.Supply)
	e.Uint8(m.Decimals)
	e.Bool(m.IsInitialized)
	e.OptionalKey(m.FreezeAuthority, optionSize)
	return e.Bytes()
}

// Unmarshal decodes b into m, reporting whether b is a well formed mint.
func (m *Mint) Unmarshal(b []byte) bool {
	if len(b) != MintSize {
		return false
	}

	d := binary.NewDecoder(b)
	m.MintAuthority = d.OptionalKey(optionSize)
	m.Supply = d.Uint64()
	m.Decimals = d.Uint8()
	m.IsInitialized = d.Bool()
	m.FreezeAuthority = d.OptionalKey(optionSize)

	return d.Err() == nil
}
