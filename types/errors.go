package types

import (
	"errors"
	"fmt"
)

// X402Error is the error type returned by every package in this module.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Err     error       `json:"-"`
}

func (e X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e X402Error) Unwrap() error {
	return e.Err
}

// Class reports the error family used for HTTP mapping and retry decisions.
func (e X402Error) Class() ErrorClass {
	return ClassOf(e.Code)
}

// Retryable is true for transient failures only.
func (e X402Error) Retryable() bool {
	return e.Class() == ClassTransient
}

// Common error codes
const (
	// malformed input
	ErrInvalidEncoding     = "INVALID_ENCODING"
	ErrInvalidPayload      = "INVALID_PAYLOAD"
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrVersionMismatch     = "VERSION_MISMATCH"
	ErrUnsupportedScheme   = "UNSUPPORTED_SCHEME"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrNetworkMismatch     = "NETWORK_MISMATCH"
	ErrInvalidAmount       = "INVALID_AMOUNT"
	ErrInvalidRecipient    = "INVALID_RECIPIENT"
	ErrEmptyResource       = "EMPTY_RESOURCE"
	ErrConfigError         = "CONFIG_ERROR"

	// authorization
	ErrInvalidSignature   = "INVALID_SIGNATURE"
	ErrRecipientMismatch  = "RECIPIENT_MISMATCH"
	ErrInsufficientAmount = "INSUFFICIENT_AMOUNT"
	ErrUnsupportedToken   = "UNSUPPORTED_TOKEN"
	ErrNotYetValid        = "NOT_YET_VALID"
	ErrExpired            = "EXPIRED"
	ErrNonceAlreadyUsed   = "NONCE_ALREADY_USED"

	// transfer proof
	ErrMissingTransferProof  = "MISSING_TRANSFER_PROOF"
	ErrTransferMismatch      = "TRANSFER_MISMATCH"
	ErrTransferFailed        = "TRANSFER_FAILED_ON_SOURCE"
	ErrTransferNotFound      = "TRANSFER_NOT_FOUND"
	ErrSettlementFailed      = "SETTLEMENT_FAILED"
	ErrRequirementNotActive  = "REQUIREMENT_NOT_ACTIVE"
	ErrVerificationFailed    = "VERIFICATION_FAILED"
	ErrTransferUnconfirmed   = "TRANSFER_UNCONFIRMED"
	ErrOriginResolutionError = "ORIGIN_RESOLUTION_FAILED"

	// registry
	ErrRequirementNotFound = "REQUIREMENT_NOT_FOUND"
	ErrPaymentNotFound     = "PAYMENT_NOT_FOUND"
	ErrAlreadyRecorded     = "ALREADY_RECORDED"
	ErrAlreadySettled      = "ALREADY_SETTLED"
	ErrUnauthorized        = "UNAUTHORIZED"

	ErrNetworkError = "NETWORK_ERROR"
	ErrInternal     = "INTERNAL"
)

// ErrorClass groups error codes by how a caller should react to them.
type ErrorClass string

const (
	ClassMalformed     ErrorClass = "malformed"
	ClassAuthorization ErrorClass = "authorization"
	ClassTransfer      ErrorClass = "transfer"
	ClassConflict      ErrorClass = "conflict"
	ClassTransient     ErrorClass = "transient"
	ClassInternal      ErrorClass = "internal"
)

var errorClasses = map[string]ErrorClass{
	ErrInvalidEncoding:     ClassMalformed,
	ErrInvalidPayload:      ClassMalformed,
	ErrInvalidRequirements: ClassMalformed,
	ErrVersionMismatch:     ClassMalformed,
	ErrUnsupportedScheme:   ClassMalformed,
	ErrUnsupportedNetwork:  ClassMalformed,
	ErrNetworkMismatch:     ClassMalformed,
	ErrInvalidAmount:       ClassMalformed,
	ErrInvalidRecipient:    ClassMalformed,
	ErrEmptyResource:       ClassMalformed,

	ErrInvalidSignature:     ClassAuthorization,
	ErrRecipientMismatch:    ClassAuthorization,
	ErrInsufficientAmount:   ClassAuthorization,
	ErrUnsupportedToken:     ClassAuthorization,
	ErrNotYetValid:          ClassAuthorization,
	ErrExpired:              ClassAuthorization,
	ErrNonceAlreadyUsed:     ClassAuthorization,
	ErrVerificationFailed:   ClassAuthorization,
	ErrSettlementFailed:     ClassAuthorization,
	ErrRequirementNotActive: ClassAuthorization,
	ErrUnauthorized:         ClassAuthorization,

	ErrMissingTransferProof: ClassTransfer,
	ErrTransferMismatch:     ClassTransfer,
	ErrTransferFailed:       ClassTransfer,
	ErrTransferNotFound:     ClassTransfer,

	ErrRequirementNotFound: ClassConflict,
	ErrPaymentNotFound:     ClassConflict,
	ErrAlreadyRecorded:     ClassConflict,
	ErrAlreadySettled:      ClassConflict,

	ErrTransferUnconfirmed:   ClassTransient,
	ErrOriginResolutionError: ClassTransient,
	ErrNetworkError:          ClassTransient,
}

// ClassOf returns the class for an error code. Unknown codes are internal.
func ClassOf(code string) ErrorClass {
	if c, ok := errorClasses[code]; ok {
		return c
	}
	return ClassInternal
}

// NewError builds an *X402Error.
func NewError(code, format string, args ...any) *X402Error {
	return &X402Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *X402Error carrying the underlying cause.
func WrapError(code, message string, err error) *X402Error {
	return &X402Error{Code: code, Message: message, Err: err}
}

// AsError extracts an *X402Error from err, if any.
func AsError(err error) (*X402Error, bool) {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}

// IsCode reports whether err is an *X402Error with the given code.
func IsCode(err error, code string) bool {
	xe, ok := AsError(err)
	return ok && xe.Code == code
}

// CodeOf returns the code of err, or ErrInternal for foreign errors.
func CodeOf(err error) string {
	if xe, ok := AsError(err); ok {
		return xe.Code
	}
	return ErrInternal
}
