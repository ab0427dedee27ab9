package solana

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ybbus/jsonrpc"
)

func decodeJSON(t *testing.T, s string) interface{} {
	d := json.NewDecoder(bytes.NewBufferString(s))
	d.UseNumber()

	var raw interface{}
	require.NoError(t, d.Decode(&raw))
	return raw
}

func TestParseTransactionError(t *testing.T) {
	e, err := ParseTransactionError(decodeJSON(t, `{"InstructionError":[2,{"Custom":3}]}`))
	require.NoError(t, err)
	assert.Equal(t, TransactionErrorInstructionError, e.ErrorKey())
	require.NotNil(t, e.InstructionError())
	assert.Equal(t, 2, e.InstructionError().Index)
	assert.Equal(t, InstructionErrorCustom, e.InstructionError().ErrorKey())
	require.NotNil(t, e.InstructionError().CustomError())
	assert.Equal(t, CustomError(3), *e.InstructionError().CustomError())

	e, err = ParseTransactionError(decodeJSON(t, `{"InstructionError":[0,"InvalidArgument"]}`))
	require.NoError(t, err)
	assert.Equal(t, TransactionErrorInstructionError, e.ErrorKey())
	require.NotNil(t, e.InstructionError())
	assert.Equal(t, 0, e.InstructionError().Index)
	assert.Equal(t, InstructionErrorInvalidArgument, e.InstructionError().ErrorKey())
	assert.True(t, errors.Is(e.InstructionError().Err, InstructionErrorInvalidArgument))

	e, err = ParseTransactionError(decodeJSON(t, `"DuplicateSignature"`))
	require.NoError(t, err)
	assert.Equal(t, TransactionErrorDuplicateSignature, e.ErrorKey())
	assert.Nil(t, e.InstructionError())

	e, err = ParseTransactionError(nil)
	assert.NoError(t, err)
	assert.Nil(t, e)

	_, err = ParseTransactionError(decodeJSON(t, `{"InstructionError":[0]}`))
	assert.Error(t, err)
	_, err = ParseTransactionError(decodeJSON(t, `{"a":1,"b":2}`))
	assert.Error(t, err)
	_, err = ParseTransactionError(decodeJSON(t, `12`))
	assert.Error(t, err)
}

func TestParseRPCError(t *testing.T) {
	e, err := ParseRPCError(&jsonrpc.RPCError{
		Code: -32002,
		Data: decodeJSON(t, `{"err":{"InstructionError":[1,{"Custom":2}]}}`),
	})
	require.NoError(t, err)
	require.NotNil(t, e.InstructionError())
	assert.Equal(t, 1, e.InstructionError().Index)
	assert.Equal(t, CustomError(2), *e.InstructionError().CustomError())

	e, err = ParseRPCError(&jsonrpc.RPCError{Data: map[string]interface{}{}})
	assert.NoError(t, err)
	assert.Nil(t, e)

	_, err = ParseRPCError(&jsonrpc.RPCError{Data: "nope"})
	assert.Error(t, err)
}

func TestNewTransactionError(t *testing.T) {
	e := NewTransactionError(TransactionErrorDuplicateSignature)
	assert.Equal(t, decodeJSON(t, `"DuplicateSignature"`), e.Raw())

	e = TransactionErrorFromInstructionError(&InstructionError{
		Index: 0,
		Err:   InstructionErrorInvalidArgument,
	})
	encoded, err := e.JSONString()
	require.NoError(t, err)
	assert.JSONEq(t, `{"InstructionError":[0,"InvalidArgument"]}`, encoded)

	e = TransactionErrorFromInstructionError(&InstructionError{
		Index: 2,
		Err:   CustomError(3),
	})
	encoded, err = e.JSONString()
	require.NoError(t, err)
	assert.JSONEq(t, `{"InstructionError":[2,{"Custom":3}]}`, encoded)

	// Raw values survive a round trip through the parser.
	parsed, err := ParseTransactionError(e.Raw())
	require.NoError(t, err)
	assert.Equal(t, CustomError(3), *parsed.InstructionError().CustomError())
	assert.Equal(t, 2, parsed.InstructionError().Index)
}

func TestNewInstructionError(t *testing.T) {
	e := NewInstructionError(1, errors.Wrap(InstructionErrorMissingRequiredSignature, "initializer"))
	assert.Equal(t, InstructionErrorMissingRequiredSignature, e.Err)

	e = NewInstructionError(0, errors.Wrap(CustomError(2), "amount"))
	assert.Equal(t, CustomError(2), e.Err)

	e = NewInstructionError(0, errors.New("boom"))
	assert.Equal(t, InstructionErrorGenericError, e.Err)
}

func TestAsTransactionError(t *testing.T) {
	assert.Nil(t, AsTransactionError(nil))

	assert.Equal(t, TransactionErrorBlockhashNotFound, AsTransactionError(TransactionErrorBlockhashNotFound).ErrorKey())
	assert.Equal(t, TransactionErrorInternal, AsTransactionError(errors.New("boom")).ErrorKey())

	e := AsTransactionError(errors.Wrap(NewInstructionError(3, CustomError(1)), "exec"))
	assert.Equal(t, TransactionErrorInstructionError, e.ErrorKey())
	assert.Equal(t, 3, e.InstructionError().Index)

	original := NewTransactionError(TransactionErrorAccountInUse)
	assert.Same(t, original, AsTransactionError(original))
}

func TestParseJSONNumber(t *testing.T) {
	for i, c := range []interface{}{
		"1",
		1.0,
		json.Number("1"),
	} {
		v, err := parseJSONNumber(c)
		assert.NoError(t, err)
		assert.Equal(t, 1, v, i)
	}

	_, err := parseJSONNumber(true)
	assert.Error(t, err)
}
