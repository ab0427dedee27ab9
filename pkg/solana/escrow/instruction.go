package escrow

import (
	"github.com/code-payments/escrow-server/pkg/solana/binary"
)

// DecodedInstruction is the parsed form of escrow instruction data.
type DecodedInstruction struct {
	Type InstructionType

	// Amount is set for InitEscrow and Exchange.
	Amount uint64
}

// DecodeInstruction parses instruction data. Unknown tags and truncated
// amounts fail with ErrorInvalidInstruction. Bytes past the encoded fields
// are ignored.
func DecodeInstruction(data []byte) (*DecodedInstruction, error) {
	if len(data) == 0 {
		return nil, ErrorInvalidInstruction
	}

	d := binary.NewDecoder(data)
	decoded := &DecodedInstruction{Type: InstructionType(d.Uint8())}

	switch decoded.Type {
	case InstructionTypeInitEscrow, InstructionTypeExchange:
		decoded.Amount = d.Uint64()
		if d.Err() != nil {
			return nil, ErrorInvalidInstruction
		}
	case InstructionTypeCancel:
	default:
		return nil, ErrorInvalidInstruction
	}

	return decoded, nil
}
