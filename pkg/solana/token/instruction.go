package token

import (
	"crypto/ed25519"
	"encoding/binary"
)

const initializeMintSize = 1 + 1 + ed25519.PublicKeySize + optionSize + ed25519.PublicKeySize

type InitializeMintArgs struct {
	Decimals        byte
	MintAuthority   ed25519.PublicKey
	FreezeAuthority ed25519.PublicKey
}

// Encode returns the instruction data for InitializeMint.
func (a InitializeMintArgs) Encode() []byte {
	data := make([]byte, initializeMintSize)
	data[0] = byte(CommandInitializeMint)
	data[1] = a.Decimals
	copy(data[2:], a.MintAuthority)

	if len(a.FreezeAuthority) > 0 {
		option := data[2+ed25519.PublicKeySize:]
		option[0] = 1
		copy(option[optionSize:], a.FreezeAuthority)
	}
	return data
}

type AmountArgs struct {
	Amount uint64
}

// Encode returns the instruction data for cmd, which is Transfer or MintTo.
func (a AmountArgs) Encode(cmd Command) []byte {
	data := make([]byte, 1+8)
	data[0] = byte(cmd)
	binary.LittleEndian.PutUint64(data[1:], a.Amount)
	return data
}

type SetAuthorityArgs struct {
	Type         AuthorityType
	NewAuthority ed25519.PublicKey
}

// Encode returns the instruction data for SetAuthority.
func (a SetAuthorityArgs) Encode() []byte {
	if len(a.NewAuthority) == 0 {
		return []byte{byte(CommandSetAuthority), byte(a.Type), 0}
	}
	return append([]byte{byte(CommandSetAuthority), byte(a.Type), 1}, a.NewAuthority...)
}

// GetCommand returns the command tag of the instruction data.
func GetCommand(data []byte) (Command, error) {
	if len(data) == 0 {
		return 0, ErrorInvalidInstruction
	}
	return Command(data[0]), nil
}

func DecodeInitializeMintArgs(data []byte) (*InitializeMintArgs, error) {
	if len(data) != initializeMintSize || Command(data[0]) != CommandInitializeMint {
		return nil, ErrorInvalidInstruction
	}

	freeze, ok := decodeOptionalKey(data[2+ed25519.PublicKeySize:], optionSize)
	if !ok {
		return nil, ErrorInvalidInstruction
	}

	return &InitializeMintArgs{
		Decimals:        data[1],
		MintAuthority:   clone(data[2 : 2+ed25519.PublicKeySize]),
		FreezeAuthority: freeze,
	}, nil
}

// DecodeAmountArgs decodes the data of Transfer and MintTo.
func DecodeAmountArgs(data []byte) (*AmountArgs, error) {
	if len(data) != 1+8 {
		return nil, ErrorInvalidInstruction
	}
	if cmd := Command(data[0]); cmd != CommandTransfer && cmd != CommandMintTo {
		return nil, ErrorInvalidInstruction
	}
	return &AmountArgs{Amount: binary.LittleEndian.Uint64(data[1:])}, nil
}

func DecodeSetAuthorityArgs(data []byte) (*SetAuthorityArgs, error) {
	if len(data) < 3 || Command(data[0]) != CommandSetAuthority {
		return nil, ErrorInvalidInstruction
	}

	// The instruction form of an option is a single tag byte.
	authority, ok := decodeOptionalKey(data[2:], 1)
	if !ok || (authority == nil && len(data) != 3) {
		return nil, ErrorInvalidInstruction
	}
	return &SetAuthorityArgs{Type: AuthorityType(data[1]), NewAuthority: authority}, nil
}

// decodeOptionalKey decodes a tag of tagSize bytes followed by a key when the
// tag is set. b must hold exactly the encoded option, except that an unset
// tag may be followed by a zeroed key slot.
func decodeOptionalKey(b []byte, tagSize int) (ed25519.PublicKey, bool) {
	if len(b) < tagSize {
		return nil, false
	}

	switch b[0] {
	case 0:
		return nil, len(b) == tagSize || len(b) == tagSize+ed25519.PublicKeySize
	case 1:
		if len(b) != tagSize+ed25519.PublicKeySize {
			return nil, false
		}
		return clone(b[tagSize:]), true
	default:
		return nil, false
	}
}

func clone(b []byte) ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), b...)
}
