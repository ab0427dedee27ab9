// Package shortvec implements the compact-u16 length prefix used by the
// Solana wire format.
package shortvec

import (
	"io"
	"math"

	"github.com/pkg/errors"
)

const maxEncodedLen = 3

var (
	ErrLenOverflow  = errors.Errorf("len exceeds %d", math.MaxUint16)
	ErrNonCanonical = errors.New("non-canonical shortvec encoding")
)

// EncodeLen writes len to w as a compact-u16 and returns the number of bytes
// written.
func EncodeLen(w io.Writer, len int) (int, error) {
	if len < 0 || len > math.MaxUint16 {
		return 0, ErrLenOverflow
	}

	var buf [maxEncodedLen]byte
	n := 0
	for {
		b := byte(len & 0x7f)
		len >>= 7
		if len == 0 {
			buf[n] = b
			n++
			break
		}
		buf[n] = b | 0x80
		n++
	}

	return w.Write(buf[:n])
}

// DecodeLen reads a compact-u16 from r.
//
// Encodings longer than three bytes, values above math.MaxUint16 and
// encodings with redundant trailing zero bytes are rejected.
func DecodeLen(r io.Reader) (int, error) {
	var val int
	var b [1]byte

	for i := 0; i < maxEncodedLen; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}

		if i > 0 && b[0] == 0 {
			return 0, ErrNonCanonical
		}

		val |= int(b[0]&0x7f) << (i * 7)
		if b[0]&0x80 == 0 {
			if val > math.MaxUint16 {
				return 0, ErrLenOverflow
			}
			return val, nil
		}
	}

	return 0, errors.Errorf("invalid size: more than %d bytes", maxEncodedLen)
}
