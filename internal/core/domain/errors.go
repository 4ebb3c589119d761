package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies expected business failures. Codes cross component
// boundaries unchanged; only infrastructure faults are wrapped as causes.
type ErrorCode string

const (
	CodeStallNotFound           ErrorCode = "stall_not_found"
	CodeAlreadyOwned            ErrorCode = "already_owned"
	CodeNotOwned                ErrorCode = "not_owned"
	CodeNotOwner                ErrorCode = "not_owner"
	CodeStallInactive           ErrorCode = "stall_inactive"
	CodeUnauthorized            ErrorCode = "unauthorized"
	CodeProductNotFound         ErrorCode = "product_not_found"
	CodeDescriptorMismatch      ErrorCode = "descriptor_mismatch"
	CodePriceOutOfRange         ErrorCode = "price_out_of_range"
	CodeInvalidQuantity         ErrorCode = "invalid_quantity"
	CodeInvalidWithdrawalAmount ErrorCode = "invalid_withdrawal_amount"
	CodeInsufficientEscrow      ErrorCode = "insufficient_escrow"
	CodeInsufficientFunds       ErrorCode = "insufficient_funds"
	CodePlaceableMismatch       ErrorCode = "placeable_mismatch"
	CodePersonaNotGuidBacked    ErrorCode = "persona_not_guid_backed"
	CodePersistenceFailure      ErrorCode = "persistence_failure"
	CodeCoinhouseUnavailable    ErrorCode = "coinhouse_unavailable"
	CodeOwnershipLimit          ErrorCode = "ownership_limit"
	CodeLockupOutstanding       ErrorCode = "lockup_outstanding"
	CodeSessionMissing          ErrorCode = "session_missing"
	CodeSessionExpired          ErrorCode = "session_expired"
	CodeDeliveryFailed          ErrorCode = "delivery_failed"
	CodeMemberNotFound          ErrorCode = "member_not_found"
	CodeValidation              ErrorCode = "validation"
)

// Error is the typed failure returned by the aggregate and services.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed failure.
func NewError(code ErrorCode, op, message string) error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap attaches a code to an infrastructure error. A nil err stays nil.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: err.Error(), Cause: err}
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf extracts the code of err, or "" when err is not typed.
func CodeOf(err error) ErrorCode {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// MessageOf returns the user-facing message of a typed error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
