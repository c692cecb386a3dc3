package unlock

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the unlock service and its stores.
var (
	ErrNoCandidates            = errors.New("no stories match the selection")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInternal                = errors.New("internal error")
	ErrAlreadyOwned            = errors.New("story already owned")
	ErrUnknownStory            = errors.New("unknown story")
	ErrNotOwned                = errors.New("story not owned")
	ErrPricingNotInitialized   = errors.New("pricing not initialized")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUnlockContention        = errors.New("unlock contention")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidStoryID          = errors.New("invalid story id")
	ErrInvalidCategoryID       = errors.New("invalid category id")
	ErrInvalidCharacterID      = errors.New("invalid character id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidCoins            = errors.New("invalid coins")
	ErrInvalidAuthorRole       = errors.New("invalid author role")
	ErrInvalidMovementKind     = errors.New("invalid movement kind")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
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

// internalError marks err as an Internal failure while keeping it inspectable.
func internalError(err error) error {
	if err == nil || errors.Is(err, ErrInternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
