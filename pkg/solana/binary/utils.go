// Package binary encodes the fixed width little endian layouts used by
// program instructions and account state.
package binary

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidBool   = errors.New("invalid bool encoding")
	ErrInvalidOption = errors.New("invalid option tag")
	ErrShortBuffer   = errors.New("buffer too short")
)

// Encoder writes fields in order into a buffer sized up front. Writing past
// the end panics, as the layout sizes are constants.
type Encoder struct {
	buf []byte
	off int
}

// NewEncoder returns an encoder over a zeroed buffer of size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, size)}
}

// Bytes returns the whole buffer, including any unwritten tail.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return e.off
}

func (e *Encoder) next(n int) []byte {
	b := e.buf[e.off : e.off+n]
	e.off += n
	return b
}

func (e *Encoder) Uint8(v uint8) {
	e.next(1)[0] = v
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *Encoder) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(e.next(4), v)
}

func (e *Encoder) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(e.next(8), v)
}

// Key writes a 32 byte key. A short key is zero padded.
func (e *Encoder) Key(k ed25519.PublicKey) {
	copy(e.next(ed25519.PublicKeySize), k)
}

// Raw writes b verbatim.
func (e *Encoder) Raw(b []byte) {
	copy(e.next(len(b)), b)
}

// OptionalKey writes a tag of tagSize bytes then a key slot, which stays
// zeroed when k is empty.
func (e *Encoder) OptionalKey(k ed25519.PublicKey, tagSize int) {
	tag := e.next(tagSize)
	if len(k) > 0 {
		tag[0] = 1
	}
	e.Key(k)
}

// OptionalUint64 writes a tag of tagSize bytes then a value slot.
func (e *Encoder) OptionalUint64(v *uint64, tagSize int) {
	tag := e.next(tagSize)
	if v == nil {
		e.Uint64(0)
		return
	}
	tag[0] = 1
	e.Uint64(*v)
}

// Decoder reads fields in order. The first failure is kept and reported by
// Err, and every later read returns a zero value.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Err returns the first failure, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns a copy of the unread bytes.
func (d *Decoder) Remaining() []byte {
	if d.err != nil {
		return nil
	}
	return append([]byte{}, d.buf[d.off:]...)
}

func (d *Decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) Uint8() uint8 {
	if b := d.next(1); b != nil {
		return b[0]
	}
	return 0
}

// Bool only accepts 0 and 1.
func (d *Decoder) Bool() bool {
	switch d.Uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(ErrInvalidBool)
		return false
	}
}

func (d *Decoder) Uint32() uint32 {
	if b := d.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) Uint64() uint64 {
	if b := d.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// Key returns a copy of the next 32 bytes.
func (d *Decoder) Key() ed25519.PublicKey {
	if b := d.next(ed25519.PublicKeySize); b != nil {
		return append(ed25519.PublicKey(nil), b...)
	}
	return nil
}

func (d *Decoder) tag(tagSize int) bool {
	tag := d.next(tagSize)
	if tag == nil {
		return false
	}
	switch tag[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(ErrInvalidOption)
		return false
	}
}

// OptionalKey reads a tag of tagSize bytes and a key slot, returning nil
// when the tag is unset.
func (d *Decoder) OptionalKey(tagSize int) ed25519.PublicKey {
	set := d.tag(tagSize)
	key := d.Key()
	if !set {
		return nil
	}
	return key
}

// OptionalUint64 reads a tag of tagSize bytes and a value slot, returning
// nil when the tag is unset.
func (d *Decoder) OptionalUint64(tagSize int) *uint64 {
	set := d.tag(tagSize)
	v := d.Uint64()
	if !set || d.err != nil {
		return nil
	}
	return &v
}
