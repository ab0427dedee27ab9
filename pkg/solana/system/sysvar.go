package system

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58/base58"
)

// SystemAccount is the system program address in key form.
//
// https://explorer.solana.com/address/11111111111111111111111111111111
var SystemAccount ed25519.PublicKey

// SysvarOwner owns every sysvar account.
var SysvarOwner ed25519.PublicKey

// NativeLoader owns builtin program accounts.
var NativeLoader ed25519.PublicKey

// RentSysVar points to the system variable "Rent"
//
// Source: https://github.com/solana-labs/solana/blob/f02a78d8fff2dd7297dc6ce6eb5a68a3002f5359/sdk/src/sysvar/rent.rs#L11
var RentSysVar ed25519.PublicKey

func init() {
	SystemAccount = mustDecode("11111111111111111111111111111111")
	SysvarOwner = mustDecode("Sysvar1111111111111111111111111111111111111")
	NativeLoader = mustDecode("NativeLoader1111111111111111111111111111111")
	RentSysVar = mustDecode("SysvarRent111111111111111111111111111111111")
}

func mustDecode(s string) ed25519.PublicKey {
	b, err := base58.Decode(s)
	if err != nil {
		panic(err)
	}
	if len(b) != ed25519.PublicKeySize {
		panic("invalid key length for " + s)
	}
	return b
}
