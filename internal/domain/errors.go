package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures by how a caller should react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindUserInput errors are surfaced to the customer as-is and never retried.
	KindUserInput
	// KindValidation errors are limit or balance rejections; nothing was committed.
	KindValidation
	// KindConsistency errors are storage faults; retrying with the same request id is safe.
	KindConsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindUserInput:
		return "user_input"
	case KindValidation:
		return "validation"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

var (
	ErrAccountNotFound            = errors.New("account not found")
	ErrAccountNotOwned            = errors.New("account does not belong to caller")
	ErrSenderAccountRequired      = errors.New("caller holds several accounts; sender account must be specified")
	ErrRecipientNotFound          = errors.New("recipient not found")
	ErrAmbiguousRecipient         = errors.New("recipient reference matches more than one beneficiary")
	ErrBeneficiaryNotFound        = errors.New("beneficiary not found")
	ErrAlreadyRegistered          = errors.New("beneficiary already registered")
	ErrNoMatchingPreparedTransfer = errors.New("no matching prepared transfer")
	ErrRequestNotFound            = errors.New("transfer request not found")
	ErrRequestIDInUse             = errors.New("request id already used by another caller")
	ErrInvalidAmount              = errors.New("amount must be greater than zero")
	ErrInvalidRequestID           = errors.New("request id is required")
	ErrSameAccount                = errors.New("sender and recipient are the same account")
	ErrCurrencyMismatch           = errors.New("sender and recipient currencies differ")
	ErrRateLimited                = errors.New("too many transfer attempts")

	ErrValidationFailed = errors.New("transfer validation failed")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrJournalCorrupt     = errors.New("journal corrupt")
)

var userInputErrors = []error{
	ErrAccountNotFound,
	ErrAccountNotOwned,
	ErrSenderAccountRequired,
	ErrRecipientNotFound,
	ErrAmbiguousRecipient,
	ErrBeneficiaryNotFound,
	ErrAlreadyRegistered,
	ErrNoMatchingPreparedTransfer,
	ErrRequestNotFound,
	ErrRequestIDInUse,
	ErrInvalidAmount,
	ErrInvalidRequestID,
	ErrSameAccount,
	ErrCurrencyMismatch,
	ErrRateLimited,
}

// KindOf classifies err. Unclassified errors are treated as consistency faults by callers.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrValidationFailed) {
		return KindValidation
	}
	for _, target := range userInputErrors {
		if errors.Is(err, target) {
			return KindUserInput
		}
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrJournalCorrupt) {
		return KindConsistency
	}
	return KindUnknown
}

// ValidationError carries every violated limit rule together with the headroom that
// explains the rejection.
type ValidationError struct {
	Check LimitCheck
}

// NewValidationError builds a ValidationError from a failed check.
func NewValidationError(check LimitCheck) *ValidationError {
	return &ValidationError{Check: check}
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Check.Violations))
	for _, v := range e.Check.Violations {
		names = append(names, string(v))
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed.Error(), strings.Join(names, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// HasViolation reports whether the given rule was violated.
func (e *ValidationError) HasViolation(v Violation) bool {
	return e.Check.HasViolation(v)
}

// StorageFault wraps err so that it matches ErrStorageUnavailable while keeping the cause.
func StorageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrJournalCorrupt) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
