package app

import (
	"context"
	"errors"
	"strings"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// AccountDirectory is the read-only view of customer accounts.
type AccountDirectory struct {
	repo store.Repository
}

// NewAccountDirectory creates an AccountDirectory over the given repository.
func NewAccountDirectory(repo store.Repository) *AccountDirectory {
	return &AccountDirectory{repo: repo}
}

// AccountsForUser returns every account held by the owner. An owner with no accounts
// gets an empty slice, not an error.
func (d *AccountDirectory) AccountsForUser(ctx context.Context, ownerID string) ([]domain.Account, error) {
	accounts, err := d.repo.FindAccountsByOwner(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	return accounts, nil
}

// AccountByID looks up an account by internal id.
func (d *AccountDirectory) AccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	return d.repo.FindAccountByID(ctx, strings.TrimSpace(accountID))
}

// AccountByNumber looks up an account by its external account number.
func (d *AccountDirectory) AccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	return d.repo.FindAccountByNumber(ctx, strings.TrimSpace(accountNumber))
}

// VerifyAccountNumber reports whether an account number exists and whose it is.
// An unknown number is a normal answer (Found=false), not an error.
func (d *AccountDirectory) VerifyAccountNumber(ctx context.Context, accountNumber string) (domain.AccountVerification, error) {
	number := strings.TrimSpace(accountNumber)
	verification := domain.AccountVerification{AccountNumber: number}
	if number == "" {
		return verification, nil
	}
	account, err := d.repo.FindAccountByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return verification, nil
		}
		return verification, err
	}
	verification.Found = true
	verification.HolderName = account.HolderName
	return verification, nil
}

// OwnedAccount finds an account by internal id or, failing that, by account number, and
// returns ErrAccountNotOwned when it belongs to someone else.
func (d *AccountDirectory) OwnedAccount(ctx context.Context, ownerID, reference string) (*domain.Account, error) {
	ref := strings.TrimSpace(reference)
	account, err := d.AccountByID(ctx, ref)
	if errors.Is(err, domain.ErrAccountNotFound) {
		account, err = d.AccountByNumber(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if account.OwnerID != strings.TrimSpace(ownerID) {
		return nil, domain.ErrAccountNotOwned
	}
	return account, nil
}

// History returns the most recent ledger records of one of the owner's accounts, newest
// first. limit <= 0 means defaultHistoryLimit.
func (d *AccountDirectory) History(ctx context.Context, ownerID, accountReference string, limit int) ([]domain.TransactionRecord, error) {
	account, err := d.OwnedAccount(ctx, ownerID, accountReference)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	records, err := d.repo.FindTransactionsByAccount(ctx, account.ID, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	return records, nil
}
