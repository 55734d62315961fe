package gateway

import (
	"errors"
	"fmt"

	"autopay/internal/blockchain/evm"
	"autopay/internal/units"
	"autopay/internal/wallet"
)

// Failure taxonomy of gateway operations.
var (
	ErrNotInitialized      = errors.New("contract not initialized")
	ErrNetwork             = errors.New("network error")
	ErrTransactionRejected = errors.New("transaction rejected")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrInvalidSchedule     = errors.New("invalid schedule")
)

// Stable error codes used in OperationError
const (
	codeNotInitialized = "not_initialized"
	codeInvalidInput   = "invalid_input"
	codeRejected       = "rejected"
	codeReverted       = "reverted"
	codeNetwork        = "network"
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// classify maps a failure from the wallet or chain onto the taxonomy
func classify(operation string, subject string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotInitialized):
		return WrapError(operation, subject, codeNotInitialized, err)
	case errors.Is(err, units.ErrInvalidAmount):
		return WrapError(operation, subject, codeInvalidInput, fmt.Errorf("%w: %v", ErrInvalidAmount, err))
	case wallet.IsRejection(err):
		return WrapError(operation, subject, codeRejected, fmt.Errorf("%w: %v", ErrTransactionRejected, err))
	case errors.Is(err, evm.ErrTransactionReverted):
		return WrapError(operation, subject, codeReverted, fmt.Errorf("%w: %v", ErrTransactionReverted, err))
	default:
		return WrapError(operation, subject, codeNetwork, fmt.Errorf("%w: %v", ErrNetwork, err))
	}
}

// Message converts a gateway failure into the text shown to the user
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInitialized):
		return "Contract not initialized. Please connect your wallet."
	case errors.Is(err, ErrInvalidAmount):
		return "Invalid amount. Use a positive decimal with at most 18 fractional digits."
	case errors.Is(err, ErrInvalidRecipient):
		return "Invalid recipient address."
	case errors.Is(err, ErrInvalidSchedule):
		return "Invalid payment schedule parameters."
	case errors.Is(err, ErrTransactionRejected):
		return "Transaction was rejected in the wallet."
	case errors.Is(err, ErrTransactionReverted):
		return "Transaction was reverted by the contract."
	case errors.Is(err, ErrNetwork):
		return "Network error. Please try again."
	default:
		return err.Error()
	}
}
