package rpc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/solana"
)

const (
	parseErrorCode     = -32700
	invalidRequestCode = -32600
	methodNotFoundCode = -32601
	invalidParamsCode  = solana.InvalidParamCode
	internalErrorCode  = -32603

	transactionFailureCode = solana.SendTransactionPreflightFailureCode

	rateLimitedCode = 429
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func newError(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...interface{}) *Error {
	return newError(invalidParamsCode, fmt.Sprintf(format, args...), nil)
}

// transactionFailure carries a transaction error under data.err, where
// solana.ParseRPCError expects it.
func transactionFailure(txErr *solana.TransactionError) *Error {
	return newError(
		transactionFailureCode,
		fmt.Sprintf("Transaction failed: %s", txErr.Error()),
		map[string]interface{}{
			"err":  txErr.Raw(),
			"logs": []string{},
		},
	)
}

func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return newError(internalErrorCode, "Internal error", nil)
}
