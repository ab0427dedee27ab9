package solana

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

// MaxTransactionSize is the largest encoded transaction a node accepts, the
// packet size less IP and UDP headers.
const MaxTransactionSize = 1232

type Signature [ed25519.SignatureSize]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

type Blockhash [sha256.Size]byte

func (b Blockhash) String() string {
	return base58.Encode(b[:])
}

type Header struct {
	NumSignatures     byte
	NumReadonlySigned byte
	NumReadOnly       byte
}

// Message is a legacy transaction message.
type Message struct {
	Header          Header
	Accounts        []ed25519.PublicKey
	RecentBlockhash Blockhash
	Instructions    []CompiledInstruction
}

type Transaction struct {
	Signatures []Signature
	Message    Message
}

// NewTransaction compiles the instructions into an unsigned transaction paid
// for by payer.
func NewTransaction(payer ed25519.PublicKey, instructions ...Instruction) Transaction {
	metas := []AccountMeta{{PublicKey: payer, IsSigner: true, IsWritable: true, isPayer: true}}
	for _, ix := range instructions {
		metas = append(metas, AccountMeta{PublicKey: ix.Program, isProgram: true})
		metas = append(metas, ix.Accounts...)
	}
	metas = dedupe(metas)
	slices.SortFunc(metas, compareAccountMeta)

	var m Message
	m.Accounts = make([]ed25519.PublicKey, len(metas))
	for i, meta := range metas {
		m.Accounts[i] = meta.PublicKey

		switch {
		case meta.IsSigner && meta.IsWritable:
			m.Header.NumSignatures++
		case meta.IsSigner:
			m.Header.NumSignatures++
			m.Header.NumReadonlySigned++
		case !meta.IsWritable:
			m.Header.NumReadOnly++
		}
	}

	m.Instructions = make([]CompiledInstruction, len(instructions))
	for i, ix := range instructions {
		compiled := CompiledInstruction{
			ProgramIndex: byte(indexOf(m.Accounts, ix.Program)),
			Data:         ix.Data,
		}
		for _, account := range ix.Accounts {
			compiled.Accounts = append(compiled.Accounts, byte(indexOf(m.Accounts, account.PublicKey)))
		}
		m.Instructions[i] = compiled
	}

	// An empty key compiles to the zero address.
	for i := range m.Accounts {
		if len(m.Accounts[i]) == 0 {
			m.Accounts[i] = make(ed25519.PublicKey, ed25519.PublicKeySize)
		}
	}

	return Transaction{
		Signatures: make([]Signature, m.Header.NumSignatures),
		Message:    m,
	}
}

// Signature returns the first signature, which identifies the transaction.
func (t *Transaction) Signature() Signature {
	if len(t.Signatures) == 0 {
		return Signature{}
	}
	return t.Signatures[0]
}

func (t *Transaction) SetBlockhash(bh Blockhash) {
	t.Message.RecentBlockhash = bh
}

// Sign signs the message with each of the provided keys. Every key must
// belong to one of the message's signer slots.
func (t *Transaction) Sign(signers ...ed25519.PrivateKey) error {
	messageBytes := t.Message.Marshal()

	for _, s := range signers {
		pub := s.Public().(ed25519.PublicKey)
		index := indexOf(t.Message.Accounts, pub)
		if index < 0 {
			return errors.Errorf("signing account %s is not in the account list", base58.Encode(pub))
		}
		if index >= len(t.Signatures) {
			return errors.Errorf("signing account %s is not in the list of signers", base58.Encode(pub))
		}

		copy(t.Signatures[index][:], ed25519.Sign(s, messageBytes))
	}

	return nil
}

// Sanitize checks the structural consistency of the transaction before any
// signature or account is looked at.
func (t *Transaction) Sanitize() error {
	h := t.Message.Header
	numAccounts := len(t.Message.Accounts)

	if h.NumSignatures == 0 || int(h.NumSignatures) != len(t.Signatures) {
		return TransactionErrorSanitizeFailure
	}
	if int(h.NumSignatures) > numAccounts {
		return TransactionErrorSanitizeFailure
	}
	if h.NumReadonlySigned >= h.NumSignatures {
		return TransactionErrorSanitizeFailure
	}
	if int(h.NumReadOnly)+int(h.NumSignatures) > numAccounts {
		return TransactionErrorSanitizeFailure
	}

	for _, ix := range t.Message.Instructions {
		// The payer can never be invoked.
		if ix.ProgramIndex == 0 || int(ix.ProgramIndex) >= numAccounts {
			return TransactionErrorSanitizeFailure
		}
		for _, index := range ix.Accounts {
			if int(index) >= numAccounts {
				return TransactionErrorSanitizeFailure
			}
		}
	}

	seen := make(map[string]struct{}, numAccounts)
	for _, key := range t.Message.Accounts {
		if len(key) != ed25519.PublicKeySize {
			return TransactionErrorSanitizeFailure
		}
		if _, ok := seen[string(key)]; ok {
			return TransactionErrorAccountLoadedTwice
		}
		seen[string(key)] = struct{}{}
	}

	return nil
}

// VerifySignatures checks every signature against its signer key.
func (t *Transaction) VerifySignatures() error {
	messageBytes := t.Message.Marshal()

	for i, sig := range t.Signatures {
		if i >= len(t.Message.Accounts) {
			return TransactionErrorSignatureFailure
		}
		if !ed25519.Verify(t.Message.Accounts[i], messageBytes, sig[:]) {
			return TransactionErrorSignatureFailure
		}
	}

	return nil
}

// IsSigner reports whether the account at index signed the message.
func (m Message) IsSigner(index int) bool {
	return index < int(m.Header.NumSignatures)
}

// IsWritable reports whether the account at index was requested writable.
func (m Message) IsWritable(index int) bool {
	if index < int(m.Header.NumSignatures) {
		return index < int(m.Header.NumSignatures-m.Header.NumReadonlySigned)
	}
	return index < len(m.Accounts)-int(m.Header.NumReadOnly)
}

func (t *Transaction) String() string {
	var sb strings.Builder
	h := t.Message.Header

	sb.WriteString("Signatures:\n")
	for i, sig := range t.Signatures {
		fmt.Fprintf(&sb, "  %d: %s\n", i, sig)
	}
	fmt.Fprintf(&sb, "Message:\n  Header: signatures=%d readonly_signed=%d readonly=%d\n",
		h.NumSignatures, h.NumReadonlySigned, h.NumReadOnly)
	fmt.Fprintf(&sb, "  RecentBlockhash: %s\n", t.Message.RecentBlockhash)
	sb.WriteString("  Accounts:\n")
	for i, account := range t.Message.Accounts {
		fmt.Fprintf(&sb, "    %d: %s\n", i, base58.Encode(account))
	}
	sb.WriteString("  Instructions:\n")
	for i, ix := range t.Message.Instructions {
		fmt.Fprintf(&sb, "    %d: program=%d accounts=%v data=%x\n", i, ix.ProgramIndex, ix.Accounts, ix.Data)
	}
	return sb.String()
}

// dedupe merges metas sharing a key, keeping the first occurrence's position.
func dedupe(metas []AccountMeta) []AccountMeta {
	unique := make([]AccountMeta, 0, len(metas))
	positions := make(map[string]int, len(metas))
	for _, meta := range metas {
		if i, ok := positions[string(meta.PublicKey)]; ok {
			unique[i].merge(meta)
			continue
		}
		positions[string(meta.PublicKey)] = len(unique)
		unique = append(unique, meta)
	}
	return unique
}

func indexOf(keys []ed25519.PublicKey, key ed25519.PublicKey) int {
	return slices.IndexFunc(keys, func(k ed25519.PublicKey) bool {
		return bytes.Equal(k, key)
	})
}
