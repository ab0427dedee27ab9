package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Taken from: https://github.com/solana-labs/solana/blob/14339dec0a960e8161d1165b6a8e5cfb73e78f23/sdk/src/transaction.rs#L523
const rustGenerated = "AUc7Cbu+gZalFSGeSFdukHhP7oSGaSdmdNEd5ZokaSysdoMWfIOzjrAbdaBZZuDMAfyNAogAJdrhgVya+jthsgoBAAEDnON0wdcmjhYIDuXvd10F2qEjAyEAJGSe/CGhYbk+WWMBAQEEBQYHCAkJCQkJCQkJCQkJCQkJCQkIBwYFBAEBAQICAgQFBgcICQEBAQEBAQEBAQEBAQEBCQgHBgUEAgICAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABAgIAAQMBAgM="

// Same as rustGenerated, but signed by a keypair whose public half matches.
const rustGeneratedAdjusted = "ATMfBMZ8phHEheLph8K9TJhRKhnE4qNZvWiXdUdJRmlTCRsQjWmW2CkQJeRHBCcsqFm2gynjL40M9mTe0Dxp4QIBAAEDfEya6wnC7f3Cv53qnOEywwIJ928rIdqAlfXYI1adXroBAQEEBQYHCAkJCQkJCQkJCQkJCQkJCQkIBwYFBAEBAQICAgQFBgcICQEBAQEBAQEBAQEBAQEBCQgHBgUEAgICAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABAgIAAQMBAgM="

var (
	crossImplProgram = ed25519.PublicKey{2, 2, 2, 4, 5, 6, 7, 8, 9, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 9, 8, 7, 6, 5, 4, 2, 2, 2}
	crossImplTo      = ed25519.PublicKey{1, 1, 1, 4, 5, 6, 7, 8, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 8, 7, 6, 5, 4, 1, 1, 1}
)

func TestTransaction_CrossImpl(t *testing.T) {
	keypair := ed25519.PrivateKey{48, 83, 2, 1, 1, 48, 5, 6, 3, 43, 101, 112, 4, 34, 4, 32, 255, 101, 36, 24, 124, 23,
		167, 21, 132, 204, 155, 5, 185, 58, 121, 75, 156, 227, 116, 193, 215, 38, 142, 22, 8,
		14, 229, 239, 119, 93, 5, 218, 161, 35, 3, 33, 0, 36, 100, 158, 252, 33, 161, 97, 185,
		62, 89, 99}

	tx := NewTransaction(
		public(keypair),
		NewInstruction(
			crossImplProgram,
			[]byte{1, 2, 3},
			NewAccountMeta(public(keypair), true),
			NewAccountMeta(crossImplTo, false),
		),
	)
	require.NoError(t, tx.Sign(keypair))

	generated, err := base64.StdEncoding.DecodeString(rustGenerated)
	require.NoError(t, err)
	assert.Equal(t, generated, tx.Marshal())
}

func TestTransaction_GenerateValidCrossImpl(t *testing.T) {
	keypair := ed25519.NewKeyFromSeed([]byte{48, 83, 2, 1, 1, 48, 5, 6, 3, 43, 101, 112, 4, 34, 4, 32, 255, 101, 36, 24, 124, 23,
		167, 21, 132, 204, 155, 5, 185, 58, 121, 75})

	tx := NewTransaction(
		public(keypair),
		NewInstruction(
			crossImplProgram,
			[]byte{1, 2, 3},
			NewAccountMeta(public(keypair), true),
			NewAccountMeta(crossImplTo, false),
		),
	)
	require.NoError(t, tx.Sign(keypair))
	assert.Equal(t, rustGeneratedAdjusted, base64.StdEncoding.EncodeToString(tx.Marshal()))

	var decoded Transaction
	require.NoError(t, decoded.Unmarshal(tx.Marshal()))
	assert.Equal(t, tx, decoded)
	assert.NoError(t, decoded.Sanitize())
	assert.NoError(t, decoded.VerifySignatures())
}

func TestTransaction_MarshalRoundTrip(t *testing.T) {
	expected := "AaZAGNONKTsNypCfvwHGipcWmAX/J03VfLQEHgMDSuHz0ktydqlLb7I4tZnX0Yw8KMTbma28M+yiZPaRolOJGgwBAAgQCR2hNbdxjAiYwC9CSEo2Vso3yq8OXlgoCbepyseaRXoIFE8MTz2ZtOsdNl55fj/zi0S+ArjIP4zJ3Y+MC4tKyQu7s1JPy6Hur6YbU0nF+1XBJYwii/dKtLsNFU/pTo19J7jOgutpJBZbNIhC5ppqC/OYlbzW1KqamkV3p+cslAoyBJxvWrSMXX+X0Ih0+sEzarslIYSV0T/NuLFcjpX8S7ajCdht+3+POhvGcGFzDyc4kIgjN/SAdypJM1Grs+eEtzXhQGM4VMy0p0J2CiOH+k2kwfya5F7fSaYXWOi3CJUGp9UXGSxWjuCKhF9z0peIzwNcMUWyGrNE2AYuqUAAAAan1RcZLFxRIYzJTD1K8X9Y2u4Im6H9ROPb2YoAAAAABt324ddloZPZy+FGzut5rBy0he1fWzeROoz1hX7/AKlDDB9w5G7eh4xhLJIgxblM0E4dxW+ZTABRcCVBt2LcH8b6evO+2606PWXzaqvJdDGxu+TC0vbg5HymAgNFL11hDcYoaKd+VYB6HNWIyaKadms+4q7NwH3gjP6RB91LMWUAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAMGRm/lIRcy/+ytunLDm+e8jOW7xfcSayxDmzpAAAAAjJclj04kifG7PRApFI4NgwtaE5na/xCEBI572Nvp+FmMVCZzhQC2pwD9u6aAm8haUDNRSZG/a7c1U/ltYtc+KAUNAwIHAAQEAAAADgAJA+gDAAAAAAAADgAFAkjoAQAPBwADCgsNCQgBAQwLAAUBBAwMBgwMAwlcCAoCAAAAmhMJCgIAAAAAAUgAAABlmEW1THFmZqyjBehuSli5bMSJBNiQMkZcr19LINSM4KF/whE1IayV174tmVwC9MMlQSmG3j6aJVhIDGMUITUNXRMTAAAAAAA="
	decoded, err := base64.StdEncoding.DecodeString(expected)
	require.NoError(t, err)

	var txn Transaction
	require.NoError(t, txn.Unmarshal(decoded))
	assert.Equal(t, decoded, txn.Marshal())
}

func TestTransaction_UnmarshalInvalid(t *testing.T) {
	keys := generateKeys(t, 2)

	build := func() Transaction {
		return NewTransaction(
			public(keys[0]),
			NewInstruction(public(keys[1]), []byte{1}, NewAccountMeta(public(keys[0]), true)),
		)
	}

	var rtt Transaction

	tx := build()
	tx.Message.Instructions[0].ProgramIndex = 2
	assert.Error(t, rtt.Unmarshal(tx.Marshal()))

	tx = build()
	tx.Message.Instructions[0].Accounts = []byte{2}
	assert.Error(t, rtt.Unmarshal(tx.Marshal()))

	tx = build()
	encoded := tx.Marshal()
	assert.Error(t, rtt.Unmarshal(encoded[:len(encoded)-1]))
	assert.Error(t, rtt.Unmarshal(append(encoded, 0)))
	assert.Error(t, rtt.Unmarshal(nil))
	assert.Error(t, rtt.Unmarshal(make([]byte, MaxTransactionSize+1)))

	// Versioned messages carry a prefix with the high bit set.
	var m Message
	assert.Equal(t, ErrVersionedMessage, m.Unmarshal(append([]byte{0x80}, tx.Message.Marshal()...)))
}

func TestTransaction_DuplicateKeys(t *testing.T) {
	keys := generateKeys(t, 2)
	payer := keys[0]
	program := keys[1]

	keys = generateKeys(t, 4)
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(public(keys[i]), public(keys[j])) < 0
	})

	data := []byte{1, 2, 3}

	// Key[0]: ReadOnlySigner -> WritableSigner
	// Key[1]: ReadOnly       -> ReadOnlySigner
	// Key[2]: Writable       -> Writable       (ReadOnly,noop)
	// Key[3]: WritableSigner -> WritableSigner (ReadOnly,noop)
	tx := NewTransaction(
		public(payer),
		NewInstruction(
			public(program),
			data,
			NewReadonlyAccountMeta(public(keys[0]), true),
			NewReadonlyAccountMeta(public(keys[1]), false),
			NewAccountMeta(public(keys[2]), false),
			NewAccountMeta(public(keys[3]), true),
			NewAccountMeta(public(keys[0]), false),
			NewReadonlyAccountMeta(public(keys[1]), true),
			NewReadonlyAccountMeta(public(keys[2]), false),
			NewReadonlyAccountMeta(public(keys[3]), false),
		),
	)

	// Out of order on purpose.
	require.NoError(t, tx.Sign(keys[0], keys[1], keys[3], payer))

	require.Len(t, tx.Signatures, 4)
	require.Len(t, tx.Message.Accounts, 6)
	assert.EqualValues(t, 4, tx.Message.Header.NumSignatures)
	assert.EqualValues(t, 1, tx.Message.Header.NumReadonlySigned)
	assert.EqualValues(t, 1, tx.Message.Header.NumReadOnly)

	assert.Equal(t, public(payer), tx.Message.Accounts[0])
	assert.Equal(t, public(keys[0]), tx.Message.Accounts[1])
	assert.Equal(t, public(keys[3]), tx.Message.Accounts[2])
	assert.Equal(t, public(keys[1]), tx.Message.Accounts[3])
	assert.Equal(t, public(keys[2]), tx.Message.Accounts[4])
	assert.Equal(t, public(program), tx.Message.Accounts[5])

	assert.Equal(t, byte(5), tx.Message.Instructions[0].ProgramIndex)
	assert.Equal(t, data, tx.Message.Instructions[0].Data)
	assert.Equal(t, []byte{1, 3, 4, 2, 1, 3, 4, 2}, tx.Message.Instructions[0].Accounts)

	for i, expected := range []struct{ signer, writable bool }{
		{true, true},
		{true, true},
		{true, true},
		{true, false},
		{false, true},
		{false, false},
	} {
		assert.Equal(t, expected.signer, tx.Message.IsSigner(i), i)
		assert.Equal(t, expected.writable, tx.Message.IsWritable(i), i)
	}

	assert.NoError(t, tx.Sanitize())
	assert.NoError(t, tx.VerifySignatures())
}

func TestTransaction_MultiInstruction(t *testing.T) {
	keys := generateKeys(t, 4)
	payer, programA, programB, other := keys[0], keys[1], keys[2], keys[3]

	tx := NewTransaction(
		public(payer),
		NewInstruction(public(programA), []byte{1}, NewAccountMeta(public(other), false)),
		NewInstruction(public(programB), []byte{2}, NewReadonlyAccountMeta(public(programA), false)),
	)
	require.NoError(t, tx.Sign(payer))

	require.Len(t, tx.Message.Accounts, 4)
	require.Len(t, tx.Message.Instructions, 2)
	assert.Equal(t, public(payer), tx.Message.Accounts[0])
	assert.Equal(t, public(other), tx.Message.Accounts[1])
	assert.EqualValues(t, 2, tx.Message.Header.NumReadOnly)

	for i, ix := range tx.Message.Instructions {
		assert.True(t, ix.ProgramIndex >= 2, i)
	}
	assert.Equal(t, public(programA), tx.Message.Accounts[tx.Message.Instructions[1].Accounts[0]])

	assert.NoError(t, tx.Sanitize())
	assert.NoError(t, tx.VerifySignatures())
}

func TestTransaction_Sanitize(t *testing.T) {
	keys := generateKeys(t, 3)

	build := func() Transaction {
		tx := NewTransaction(
			public(keys[0]),
			NewInstruction(public(keys[1]), nil, NewAccountMeta(public(keys[2]), false)),
		)
		require.NoError(t, tx.Sign(keys[0]))
		return tx
	}

	tx := build()
	require.NoError(t, tx.Sanitize())

	tx = build()
	tx.Signatures = append(tx.Signatures, Signature{})
	assert.Equal(t, TransactionErrorSanitizeFailure, tx.Sanitize())

	tx = build()
	tx.Message.Header.NumReadonlySigned = 1
	assert.Equal(t, TransactionErrorSanitizeFailure, tx.Sanitize())

	tx = build()
	tx.Message.Header.NumReadOnly = 3
	assert.Equal(t, TransactionErrorSanitizeFailure, tx.Sanitize())

	tx = build()
	tx.Message.Instructions[0].ProgramIndex = 0
	assert.Equal(t, TransactionErrorSanitizeFailure, tx.Sanitize())

	tx = build()
	tx.Message.Instructions[0].Accounts = []byte{3}
	assert.Equal(t, TransactionErrorSanitizeFailure, tx.Sanitize())

	tx = build()
	tx.Message.Accounts[2] = tx.Message.Accounts[1]
	assert.Equal(t, TransactionErrorAccountLoadedTwice, tx.Sanitize())
}

func TestTransaction_VerifySignatures(t *testing.T) {
	keys := generateKeys(t, 3)

	tx := NewTransaction(
		public(keys[0]),
		NewInstruction(public(keys[1]), []byte{1}, NewAccountMeta(public(keys[2]), false)),
	)
	assert.Equal(t, TransactionErrorSignatureFailure, tx.VerifySignatures())

	require.NoError(t, tx.Sign(keys[0]))
	assert.NoError(t, tx.VerifySignatures())
	assert.Equal(t, tx.Signatures[0], tx.Signature())

	tx.Message.Instructions[0].Data = []byte{2}
	assert.Equal(t, TransactionErrorSignatureFailure, tx.VerifySignatures())

	assert.Error(t, tx.Sign(keys[2]))
}

func public(priv ed25519.PrivateKey) ed25519.PublicKey {
	return priv.Public().(ed25519.PublicKey)
}

func generateKeys(t *testing.T, amount int) []ed25519.PrivateKey {
	keys := make([]ed25519.PrivateKey, amount)

	for i := 0; i < amount; i++ {
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		keys[i] = priv
	}

	return keys
}
