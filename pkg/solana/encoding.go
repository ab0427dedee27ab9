package solana

import (
	"bytes"
	"crypto/ed25519"
	"io"

	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/solana/shortvec"
)

var ErrVersionedMessage = errors.New("versioned messages not supported")

// Marshal returns the wire encoding of the transaction: the signatures
// followed by the message.
func (t Transaction) Marshal() []byte {
	var w writer
	w.len(len(t.Signatures))
	for _, sig := range t.Signatures {
		w.Write(sig[:])
	}
	w.Write(t.Message.Marshal())
	return w.Bytes()
}

// Unmarshal decodes a wire encoded transaction.
func (t *Transaction) Unmarshal(b []byte) error {
	if len(b) > MaxTransactionSize {
		return errors.Errorf("transaction too large: %d > %d", len(b), MaxTransactionSize)
	}

	r := newReader(b)
	t.Signatures = make([]Signature, r.len("signature count"))
	for i := range t.Signatures {
		r.read(t.Signatures[i][:], "signature")
	}
	if r.err != nil {
		return r.err
	}

	return t.Message.Unmarshal(r.remaining())
}

// Marshal returns the wire encoding of the message, which is also the payload
// signed by each signer.
func (m Message) Marshal() []byte {
	var w writer
	w.WriteByte(m.Header.NumSignatures)
	w.WriteByte(m.Header.NumReadonlySigned)
	w.WriteByte(m.Header.NumReadOnly)

	w.len(len(m.Accounts))
	for _, account := range m.Accounts {
		w.Write(account)
	}

	w.Write(m.RecentBlockhash[:])

	w.len(len(m.Instructions))
	for _, ix := range m.Instructions {
		w.WriteByte(ix.ProgramIndex)
		w.prefixed(ix.Accounts)
		w.prefixed(ix.Data)
	}
	return w.Bytes()
}

// Unmarshal decodes a legacy message. Indices referencing accounts outside
// the account table and trailing bytes are rejected.
func (m *Message) Unmarshal(b []byte) error {
	if len(b) == 0 {
		return errors.New("empty message")
	}
	if b[0]&0x80 != 0 {
		return ErrVersionedMessage
	}

	r := newReader(b)
	m.Header.NumSignatures = r.byte("num signatures")
	m.Header.NumReadonlySigned = r.byte("num readonly signed")
	m.Header.NumReadOnly = r.byte("num readonly")

	m.Accounts = make([]ed25519.PublicKey, r.len("account count"))
	for i := range m.Accounts {
		m.Accounts[i] = make(ed25519.PublicKey, ed25519.PublicKeySize)
		r.read(m.Accounts[i], "account")
	}

	r.read(m.RecentBlockhash[:], "recent blockhash")

	m.Instructions = make([]CompiledInstruction, r.len("instruction count"))
	for i := range m.Instructions {
		ix := &m.Instructions[i]
		ix.ProgramIndex = r.byte("program index")
		ix.Accounts = r.prefixed("instruction accounts")
		ix.Data = r.prefixed("instruction data")
		if r.err != nil {
			return errors.Wrapf(r.err, "instruction %d", i)
		}

		if int(ix.ProgramIndex) >= len(m.Accounts) {
			return errors.Errorf("instruction %d: program index %d out of range", i, ix.ProgramIndex)
		}
		for _, index := range ix.Accounts {
			if int(index) >= len(m.Accounts) {
				return errors.Errorf("instruction %d: account index %d out of range", i, index)
			}
		}
	}

	if r.err != nil {
		return r.err
	}
	if n := len(r.remaining()); n > 0 {
		return errors.Errorf("%d trailing bytes after message", n)
	}
	return nil
}

// writer appends to an in memory buffer, which never fails.
type writer struct {
	bytes.Buffer
}

func (w *writer) len(n int) {
	// Lengths are bounded by MaxTransactionSize, well below the shortvec limit.
	_, _ = shortvec.EncodeLen(w, n)
}

func (w *writer) prefixed(b []byte) {
	w.len(len(b))
	w.Write(b)
}

// reader decodes fields in order. The first failure is kept in err and every
// later read is a no-op.
type reader struct {
	buf *bytes.Reader
	err error
}

func newReader(b []byte) *reader {
	return &reader{buf: bytes.NewReader(b)}
}

func (r *reader) fail(err error, field string) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "failed to read %s", field)
	}
}

func (r *reader) byte(field string) byte {
	if r.err != nil {
		return 0
	}
	b, err := r.buf.ReadByte()
	if err != nil {
		r.fail(err, field)
	}
	return b
}

func (r *reader) len(field string) int {
	if r.err != nil {
		return 0
	}
	n, err := shortvec.DecodeLen(r.buf)
	if err != nil {
		r.fail(err, field)
		return 0
	}
	// Each element takes at least a byte, so a longer count is malformed.
	if n > r.buf.Len() {
		r.fail(io.ErrUnexpectedEOF, field)
		return 0
	}
	return n
}

func (r *reader) read(dst []byte, field string) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.buf, dst); err != nil {
		r.fail(err, field)
	}
}

func (r *reader) prefixed(field string) []byte {
	b := make([]byte, r.len(field))
	r.read(b, field)
	return b
}

func (r *reader) remaining() []byte {
	b := make([]byte, r.buf.Len())
	_, _ = r.buf.Read(b)
	return b
}
