package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the state of a two-phase transfer request.
// The only transitions are prepared -> executed and prepared -> failed.
type TransferStatus string

const (
	TransferStatusPrepared TransferStatus = "prepared"
	TransferStatusExecuted TransferStatus = "executed"
	TransferStatusFailed   TransferStatus = "failed"
)

// IsFinal reports whether no further transition is possible.
func (s TransferStatus) IsFinal() bool {
	return s == TransferStatusExecuted || s == TransferStatusFailed
}

// SenderIdentity names the caller and, optionally, which of their accounts pays.
type SenderIdentity struct {
	OwnerID   string `json:"owner_id"`
	AccountID string `json:"account_id,omitempty"`
}

// PrepareInput carries everything the prepare phase needs.
type PrepareInput struct {
	RequestID          string
	Sender             SenderIdentity
	RecipientReference string
	Amount             int64
	SaveBeneficiary    bool
	BeneficiaryAlias   string
}

// TransferPreview is returned by prepare. Nothing has been mutated when a caller sees it.
type TransferPreview struct {
	RequestID              string         `json:"request_id"`
	Status                 TransferStatus `json:"status"`
	SenderAccountID        string         `json:"sender_account_id"`
	SenderAccountNumber    string         `json:"sender_account_number"`
	SenderName             string         `json:"sender_name"`
	RecipientAccountNumber string         `json:"recipient_account_number"`
	RecipientName          string         `json:"recipient_name"`
	RecipientIsBeneficiary bool           `json:"recipient_is_beneficiary"`
	Currency               string         `json:"currency"`
	Amount                 int64          `json:"amount"`
	CurrentBalance         int64          `json:"current_balance"`
	NewBalancePreview      int64          `json:"new_balance_preview"`
	DailyRemainingPreview  int64          `json:"daily_remaining_preview"`
}

// TransferResult is the cached outcome of a committed transfer.
type TransferResult struct {
	RequestID              string    `json:"request_id"`
	TransferID             uuid.UUID `json:"transfer_id"`
	TransactionID          uuid.UUID `json:"transaction_id"`
	SenderAccountID        string    `json:"sender_account_id"`
	RecipientAccountNumber string    `json:"recipient_account_number"`
	Amount                 int64     `json:"amount"`
	Currency               string    `json:"currency"`
	NewBalance             int64     `json:"new_balance"`
	NewAvailableBalance    int64     `json:"new_available_balance"`
	DailyRemaining         int64     `json:"daily_remaining"`
	ExecutedAt             time.Time `json:"executed_at"`
}

// TransferRequest is the durable idempotency record for one request id.
type TransferRequest struct {
	RequestID              string           `json:"request_id"`
	SenderOwnerID          string           `json:"sender_owner_id"`
	SenderAccountID        string           `json:"sender_account_id"`
	RecipientAccountID     string           `json:"recipient_account_id"`
	RecipientAccountNumber string           `json:"recipient_account_number"`
	RecipientName          string           `json:"recipient_name"`
	Amount                 int64            `json:"amount"`
	Currency               string           `json:"currency"`
	Status                 TransferStatus   `json:"status"`
	Preview                *TransferPreview `json:"preview,omitempty"`
	Result                 *TransferResult  `json:"result,omitempty"`
	FailureReason          string           `json:"failure_reason,omitempty"`
	FailureCheck           *LimitCheck      `json:"failure_check,omitempty"`
	SaveBeneficiary        bool             `json:"save_beneficiary"`
	BeneficiaryAlias       string           `json:"beneficiary_alias,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// Clone returns a copy that shares no memory with r.
func (r *TransferRequest) Clone() *TransferRequest {
	copied := *r
	if r.Preview != nil {
		preview := *r.Preview
		copied.Preview = &preview
	}
	if r.Result != nil {
		result := *r.Result
		copied.Result = &result
	}
	copied.FailureCheck = r.FailureCheck.Clone()
	return &copied
}

// TransferCommit is everything the store must make durable in one atomic write.
type TransferCommit struct {
	RequestID   string
	Debit       TransactionRecord
	Credit      TransactionRecord
	Result      TransferResult
	Beneficiary *Beneficiary // registered in the same write when the sender opted in

	// The store re-checks the sender's debits in [DayStart, DayEnd) against DailyCap inside the
	// commit. A zero DailyCap skips the check.
	DayStart time.Time
	DayEnd   time.Time
	DailyCap int64
}

// ExceedsDailyCap reports whether the debit would push usedToday past DailyCap.
func (c TransferCommit) ExceedsDailyCap(usedToday int64) bool {
	return c.DailyCap > 0 && usedToday+c.Debit.Amount > c.DailyCap
}

// Violation names one failed limit rule.
type Violation string

const (
	ViolationInsufficientBalance       Violation = "InsufficientBalance"
	ViolationPerTransactionCapExceeded Violation = "PerTransactionCapExceeded"
	ViolationDailyCapExceeded          Violation = "DailyCapExceeded"
)

// LimitCheck is the full outcome of evaluating every limit rule for one prospective debit.
type LimitCheck struct {
	AccountID               string      `json:"account_id"`
	Amount                  int64       `json:"amount"`
	AvailableBalance        int64       `json:"available_balance"`
	UsedToday               int64       `json:"used_today"`
	PerTransactionCap       int64       `json:"per_transaction_cap"`
	DailyCap                int64       `json:"daily_cap"`
	SufficientBalance       bool        `json:"sufficient_balance"`
	WithinPerTransactionCap bool        `json:"within_per_transaction_cap"`
	WithinDailyCap          bool        `json:"within_daily_cap"`
	RemainingAfter          int64       `json:"remaining_after"`
	DailyRemainingAfter     int64       `json:"daily_remaining_after"`
	Violations              []Violation `json:"violations,omitempty"`
	FailureReason           string      `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy of c. A nil check stays nil.
func (c *LimitCheck) Clone() *LimitCheck {
	if c == nil {
		return nil
	}
	copied := *c
	if c.Violations != nil {
		copied.Violations = append([]Violation(nil), c.Violations...)
	}
	return &copied
}

// HasViolation reports whether the given rule was violated.
func (c LimitCheck) HasViolation(v Violation) bool {
	for _, got := range c.Violations {
		if got == v {
			return true
		}
	}
	return false
}

// Passed reports whether every rule holds.
func (c LimitCheck) Passed() bool {
	return c.SufficientBalance && c.WithinPerTransactionCap && c.WithinDailyCap
}
