/**
 * @description
 * This file defines the core ledger models for the transfer-service: customer accounts and
 * the immutable transaction records that move money between them.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit, which avoids
 *   floating-point inaccuracies with financial data.
 * - A ledger balance always equals the opening (snapshot) balance plus the signed sum
 *   of the account's transaction records. The denormalised balance fields are only ever
 *   changed in the same atomic write that appends those records.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a customer account as seen by the transfer subsystem.
type Account struct {
	ID               string `json:"account_id" yaml:"account_id"`
	OwnerID          string `json:"owner_id" yaml:"owner_id"`
	AccountNumber    string `json:"account_number" yaml:"account_number"` // externally visible, distinct from ID
	AccountType      string `json:"account_type" yaml:"account_type"`     // e.g., 'checking', 'savings'
	HolderName       string `json:"holder_name" yaml:"holder_name"`
	Currency         string `json:"currency" yaml:"currency"`
	LedgerBalance    int64  `json:"ledger_balance" yaml:"ledger_balance"`
	AvailableBalance int64  `json:"available_balance" yaml:"available_balance"`
}

// Direction tells whether a record takes money out of or puts money into its account.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// TransactionRecord is one leg of a committed transfer. Records are append-only.
type TransactionRecord struct {
	ID                        uuid.UUID `json:"txn_id"`
	Seq                       int64     `json:"seq"`
	AccountID                 string    `json:"account_id"`
	Direction                 Direction `json:"direction"`
	Amount                    int64     `json:"amount"`
	Currency                  string    `json:"currency"`
	CounterpartyAccountNumber string    `json:"counterparty_account_number"`
	CounterpartyName          string    `json:"counterparty_name"`
	Timestamp                 time.Time `json:"timestamp"`
	TransferID                uuid.UUID `json:"transfer_id"`
}

// SignedAmount returns the record's effect on its account balance.
func (r TransactionRecord) SignedAmount() int64 {
	if r.Direction == DirectionDebit {
		return -r.Amount
	}
	return r.Amount
}

// AccountVerification is the answer to "does this account number exist, and whose is it".
type AccountVerification struct {
	AccountNumber string `json:"account_number"`
	Found         bool   `json:"found"`
	HolderName    string `json:"holder_name,omitempty"`
}
