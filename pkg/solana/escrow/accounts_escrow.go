package escrow

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/code-payments/escrow-server/pkg/solana/binary"
)

const (
	EscrowAccountSize = (1 + // is_initialized
		32 + // initializer
		32 + // temp_token_account
		32 + // initializer_token_to_receive
		8) // expected_amount
)

// EscrowAccount is the ledger entry describing one open trade.
type EscrowAccount struct {
	IsInitialized             bool
	Initializer               ed25519.PublicKey
	TempTokenAccount          ed25519.PublicKey
	InitializerTokenToReceive ed25519.PublicKey
	ExpectedAmount            uint64
}

func (obj *EscrowAccount) Marshal() []byte {
	e := binary.NewEncoder(EscrowAccountSize)
	e.Bool(obj.IsInitialized)
	e.Key(obj.Initializer)
	e.Key(obj.TempTokenAccount)
	e.Key(obj.InitializerTokenToReceive)
	e.Uint64(obj.ExpectedAmount)
	return e.Bytes()
}

func (obj *EscrowAccount) Unmarshal(data []byte) error {
	if len(data) != EscrowAccountSize {
		return ErrInvalidAccountData
	}

	d := binary.NewDecoder(data)
	obj.IsInitialized = d.Bool()
	obj.Initializer = d.Key()
	obj.TempTokenAccount = d.Key()
	obj.InitializerTokenToReceive = d.Key()
	obj.ExpectedAmount = d.Uint64()
	if d.Err() != nil {
		return ErrInvalidAccountData
	}
	return nil
}

func (obj *EscrowAccount) String() string {
	return fmt.Sprintf(
		"EscrowAccount{is_initialized=%t,initializer=%s,temp_token_account=%s,initializer_token_to_receive=%s,expected_amount=%d}",
		obj.IsInitialized,
		base58.Encode(obj.Initializer),
		base58.Encode(obj.TempTokenAccount),
		base58.Encode(obj.InitializerTokenToReceive),
		obj.ExpectedAmount,
	)
}
