/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the transfer-service. Two implementations exist:
 * a PostgreSQL one for deployed environments and a journal one (YAML base snapshot plus
 * an append-only JSON-lines log) for single-node deployments, tooling and tests.
 *
 * @notes
 * - Account balances and beneficiaries are read through a merged view of an immutable
 *   base layer and an append-only runtime layer.
 * - Every mutating method is durable when it returns nil.
 * - Storage failures are returned wrapped in domain.ErrStorageUnavailable.
 */

package store

import (
	"context"
	"time"

	"github.com/transfa/transfer-service/internal/domain"
)

// Repository defines the set of methods for interacting with persisted transfer state.
type Repository interface {
	// Account methods
	FindAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error)
	FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error)
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)

	// Transaction log methods
	SumDebitsBetween(ctx context.Context, accountID string, from, to time.Time) (int64, error)
	FindTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]domain.TransactionRecord, error)

	// Beneficiary methods
	FindBeneficiariesByOwner(ctx context.Context, ownerID string) ([]domain.Beneficiary, error)
	CreateBeneficiary(ctx context.Context, beneficiary domain.Beneficiary) error
	DeleteBeneficiary(ctx context.Context, ownerID, accountNumber string, at time.Time) error

	// Transfer request methods
	FindTransferRequest(ctx context.Context, requestID string) (*domain.TransferRequest, error)
	CreateTransferRequest(ctx context.Context, req *domain.TransferRequest) error
	MarkTransferRequestFailed(ctx context.Context, requestID string, reason string, check *domain.LimitCheck, at time.Time) error
	// CommitTransfer appends both ledger legs, applies both balance deltas, marks the request
	// executed with its cached result and, if present, registers the beneficiary. All of it
	// becomes visible together or not at all.
	CommitTransfer(ctx context.Context, commit domain.TransferCommit) error

	Close() error
}
