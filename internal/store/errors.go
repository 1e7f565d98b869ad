package store

import "errors"

var (
	// ErrTransferRequestExists is returned when a request id is stored twice.
	ErrTransferRequestExists = errors.New("transfer request already exists")
	// ErrTransferNotPrepared is returned by commit/fail when the request left the prepared state.
	ErrTransferNotPrepared = errors.New("transfer request is not prepared")
	// ErrTransferRequestNotFound is returned when a request id is unknown.
	ErrTransferRequestNotFound = errors.New("transfer request not found")
	// ErrInsufficientFunds is the commit-time guard against a negative balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDailyCapExceeded is the commit-time guard against debits beyond the daily cap.
	ErrDailyCapExceeded = errors.New("daily cap exceeded")
)
