package solana

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/ybbus/jsonrpc"
)

// TransactionErrorKey is the string key of a transaction level failure.
//
// Source: https://github.com/solana-labs/solana/blob/fc2bf2d3b669d1c6655ae48b0a05f470938f3676/sdk/src/transaction/mod.rs#L37
type TransactionErrorKey string

const (
	TransactionErrorInternal TransactionErrorKey = "Internal"

	TransactionErrorAccountInUse               TransactionErrorKey = "AccountInUse"
	TransactionErrorAccountLoadedTwice         TransactionErrorKey = "AccountLoadedTwice"
	TransactionErrorAccountNotFound            TransactionErrorKey = "AccountNotFound"
	TransactionErrorProgramAccountNotFound     TransactionErrorKey = "ProgramAccountNotFound"
	TransactionErrorInsufficientFundsForFee    TransactionErrorKey = "InsufficientFundsForFee"
	TransactionErrorDuplicateSignature         TransactionErrorKey = "DuplicateSignature"
	TransactionErrorBlockhashNotFound          TransactionErrorKey = "BlockhashNotFound"
	TransactionErrorInstructionError           TransactionErrorKey = "InstructionError"
	TransactionErrorCallChainTooDeep           TransactionErrorKey = "CallChainTooDeep"
	TransactionErrorInvalidAccountIndex        TransactionErrorKey = "InvalidAccountIndex"
	TransactionErrorSignatureFailure           TransactionErrorKey = "SignatureFailure"
	TransactionErrorInvalidProgramForExecution TransactionErrorKey = "InvalidProgramForExecution"
	TransactionErrorSanitizeFailure            TransactionErrorKey = "SanitizeFailure"
	TransactionErrorUnsupportedVersion         TransactionErrorKey = "UnsupportedVersion"
	TransactionErrorInvalidWritableAccount     TransactionErrorKey = "InvalidWritableAccount"
)

func (k TransactionErrorKey) Error() string {
	return string(k)
}

// InstructionErrorKey is the string key of an instruction level failure.
//
// Source: https://github.com/solana-labs/solana/blob/4e2754341514cd181ae3f373cc2548bd22e918b8/sdk/program/src/instruction.rs#L23
type InstructionErrorKey string

const (
	InstructionErrorGenericError                InstructionErrorKey = "GenericError"
	InstructionErrorInvalidArgument             InstructionErrorKey = "InvalidArgument"
	InstructionErrorInvalidInstructionData      InstructionErrorKey = "InvalidInstructionData"
	InstructionErrorInvalidAccountData          InstructionErrorKey = "InvalidAccountData"
	InstructionErrorAccountDataTooSmall         InstructionErrorKey = "AccountDataTooSmall"
	InstructionErrorInsufficientFunds           InstructionErrorKey = "InsufficientFunds"
	InstructionErrorIncorrectProgramID          InstructionErrorKey = "IncorrectProgramId"
	InstructionErrorMissingRequiredSignature    InstructionErrorKey = "MissingRequiredSignature"
	InstructionErrorAccountAlreadyInitialized   InstructionErrorKey = "AccountAlreadyInitialized"
	InstructionErrorUninitializedAccount        InstructionErrorKey = "UninitializedAccount"
	InstructionErrorUnbalancedInstruction       InstructionErrorKey = "UnbalancedInstruction"
	InstructionErrorModifiedProgramID           InstructionErrorKey = "ModifiedProgramId"
	InstructionErrorExternalAccountLamportSpend InstructionErrorKey = "ExternalAccountLamportSpend"
	InstructionErrorExternalAccountDataModified InstructionErrorKey = "ExternalAccountDataModified"
	InstructionErrorReadonlyLamportChange       InstructionErrorKey = "ReadonlyLamportChange"
	InstructionErrorReadonlyDataModified        InstructionErrorKey = "ReadonlyDataModified"
	InstructionErrorExecutableModified          InstructionErrorKey = "ExecutableModified"
	InstructionErrorNotEnoughAccountKeys        InstructionErrorKey = "NotEnoughAccountKeys"
	InstructionErrorAccountDataSizeChanged      InstructionErrorKey = "AccountDataSizeChanged"
	InstructionErrorAccountNotExecutable        InstructionErrorKey = "AccountNotExecutable"
	InstructionErrorCustom                      InstructionErrorKey = "Custom"
	InstructionErrorUnsupportedProgramID        InstructionErrorKey = "UnsupportedProgramId"
	InstructionErrorCallDepth                   InstructionErrorKey = "CallDepth"
	InstructionErrorMissingAccount              InstructionErrorKey = "MissingAccount"
	InstructionErrorReentrancyNotAllowed        InstructionErrorKey = "ReentrancyNotAllowed"
	InstructionErrorMaxSeedLengthExceeded       InstructionErrorKey = "MaxSeedLengthExceeded"
	InstructionErrorInvalidSeeds                InstructionErrorKey = "InvalidSeeds"
	InstructionErrorPrivilegeEscalation         InstructionErrorKey = "PrivilegeEscalation"
	InstructionErrorArithmeticOverflow          InstructionErrorKey = "ArithmeticOverflow"
)

func (k InstructionErrorKey) Error() string {
	return string(k)
}

// CustomError is a program specific failure code.
type CustomError int

func (c CustomError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x", int(c))
}

// InstructionError is the failure of the top level instruction at Index.
// Err is either an InstructionErrorKey or a CustomError.
type InstructionError struct {
	Index int
	Err   error
}

// NewInstructionError normalizes err to an InstructionErrorKey or CustomError,
// using GenericError when it is neither.
func NewInstructionError(index int, err error) *InstructionError {
	e := &InstructionError{Index: index, Err: InstructionErrorGenericError}

	var key InstructionErrorKey
	var custom CustomError
	if errors.As(err, &key) {
		e.Err = key
	} else if errors.As(err, &custom) {
		e.Err = custom
	}
	return e
}

func (i InstructionError) Error() string {
	return fmt.Sprintf("Error processing Instruction %d: %v", i.Index, i.Err)
}

func (i InstructionError) ErrorKey() InstructionErrorKey {
	switch e := i.Err.(type) {
	case nil:
		return ""
	case CustomError:
		return InstructionErrorCustom
	case InstructionErrorKey:
		return e
	default:
		return InstructionErrorKey(e.Error())
	}
}

func (i InstructionError) CustomError() *CustomError {
	if ce, ok := i.Err.(CustomError); ok {
		return &ce
	}
	return nil
}

// raw is the [index, error] tuple found under the InstructionError key.
func (i InstructionError) raw() []interface{} {
	var detail interface{} = i.Err.Error()
	if ce, ok := i.Err.(CustomError); ok {
		detail = map[string]interface{}{string(InstructionErrorCustom): float64(ce)}
	}
	return []interface{}{float64(i.Index), detail}
}

// TransactionError is the reason a transaction failed, along with its JSON
// form as reported in signature statuses and RPC errors.
type TransactionError struct {
	key         TransactionErrorKey
	instruction *InstructionError
	raw         interface{}
}

func NewTransactionError(key TransactionErrorKey) *TransactionError {
	return &TransactionError{key: key, raw: string(key)}
}

func TransactionErrorFromInstructionError(err *InstructionError) *TransactionError {
	return &TransactionError{
		key:         TransactionErrorInstructionError,
		instruction: err,
		raw:         map[string]interface{}{string(TransactionErrorInstructionError): err.raw()},
	}
}

// AsTransactionError finds the TransactionError, InstructionError or
// TransactionErrorKey in err's chain. Anything else is Internal.
func AsTransactionError(err error) *TransactionError {
	if err == nil {
		return nil
	}

	var txErr *TransactionError
	var ixErr *InstructionError
	var key TransactionErrorKey
	switch {
	case errors.As(err, &txErr):
		return txErr
	case errors.As(err, &ixErr):
		return TransactionErrorFromInstructionError(ixErr)
	case errors.As(err, &key):
		return NewTransactionError(key)
	default:
		return NewTransactionError(TransactionErrorInternal)
	}
}

// ParseRPCError extracts the transaction failure carried in the data of an
// RPC error, if there is one.
func ParseRPCError(err *jsonrpc.RPCError) (*TransactionError, error) {
	if err == nil {
		return nil, nil
	}

	data, ok := err.Data.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected rpc error data: %T", err.Data)
	}
	return ParseTransactionError(data["err"])
}

// ParseTransactionError parses the JSON form of a transaction failure: either
// a bare key, or a single entry object keyed by the failure kind.
func ParseTransactionError(raw interface{}) (*TransactionError, error) {
	internal := &TransactionError{key: TransactionErrorInternal, raw: raw}

	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return &TransactionError{key: TransactionErrorKey(v), raw: raw}, nil
	case map[string]interface{}:
		kind, detail, err := singleEntry(v)
		if err != nil {
			return internal, errors.Wrap(err, "invalid transaction error")
		}
		if kind != string(TransactionErrorInstructionError) {
			return &TransactionError{key: TransactionErrorKey(kind), raw: raw}, nil
		}

		ixErr, err := parseInstructionError(detail)
		if err != nil {
			return internal, errors.Wrap(err, "invalid instruction error")
		}
		return &TransactionError{key: TransactionErrorInstructionError, instruction: ixErr, raw: raw}, nil
	default:
		return nil, errors.Errorf("unexpected transaction error type: %T", raw)
	}
}

func parseInstructionError(raw interface{}) (*InstructionError, error) {
	tuple, ok := raw.([]interface{})
	if !ok || len(tuple) != 2 {
		return nil, errors.Errorf("expected [index, error] tuple, got %v", raw)
	}

	index, err := parseJSONNumber(tuple[0])
	if err != nil {
		return nil, err
	}
	e := &InstructionError{Index: index}

	switch detail := tuple[1].(type) {
	case string:
		e.Err = InstructionErrorKey(detail)
	case map[string]interface{}:
		kind, value, err := singleEntry(detail)
		if err != nil {
			return nil, err
		}
		if kind != string(InstructionErrorCustom) {
			e.Err = InstructionErrorKey(kind)
			break
		}
		code, err := parseJSONNumber(value)
		if err != nil {
			return nil, errors.Wrap(err, "custom error code")
		}
		e.Err = CustomError(code)
	default:
		return nil, errors.Errorf("unexpected instruction error type: %T", detail)
	}
	return e, nil
}

func singleEntry(m map[string]interface{}) (string, interface{}, error) {
	if len(m) != 1 {
		return "", nil, errors.Errorf("expected a single entry, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	panic("unreachable")
}

func (t TransactionError) Error() string {
	if t.instruction != nil {
		return t.instruction.Error()
	}
	return string(t.key)
}

func (t TransactionError) ErrorKey() TransactionErrorKey {
	return t.key
}

func (t TransactionError) InstructionError() *InstructionError {
	return t.instruction
}

// Raw returns the JSON compatible form of the error.
func (t TransactionError) Raw() interface{} {
	return t.raw
}

func (t TransactionError) JSONString() (string, error) {
	b, err := json.Marshal(t.raw)
	return string(b), err
}

// parseJSONNumber accepts the shapes a number takes depending on how the
// JSON was decoded.
func parseJSONNumber(v interface{}) (int, error) {
	var s string
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case json.Number:
		s = n.String()
	case string:
		s = n
	default:
		return 0, errors.Errorf("expected a number, got %T", v)
	}

	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid number %q", s)
	}
	return int(i), nil
}
