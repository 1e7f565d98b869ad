/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to read accounts, derive daily usage from the
 * append-only `account_transactions` table, manage beneficiaries and persist the
 * transfer idempotency records.
 *
 * @notes
 * - CommitTransfer runs in one database transaction. It locks the request row, then both
 *   account rows in account-id order (FOR UPDATE), so an opposite-direction transfer on
 *   the same pair can never deadlock against it.
 * - The debit UPDATE is guarded by `available_balance >= amount`; together with the
 *   CHECK constraints this keeps balances non-negative even without the service lock.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/transfer-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the service tables if they do not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return domain.StorageFault("ensure schema", err)
	}
	return nil
}

// insertBaseBeneficiarySQL skips a base payee that is already active for the owner, including
// one the owner registered at runtime. A unique violation would abort the whole load transaction.
const insertBaseBeneficiarySQL = `
	INSERT INTO beneficiaries (owner_id, account_number, display_name, alias, origin, registered_on)
	SELECT $1, $2, $3, $4, 'base', $5
	WHERE NOT EXISTS (
		SELECT 1 FROM beneficiaries WHERE owner_id = $1 AND account_number = $2 AND origin = 'base'
	)
	ON CONFLICT (owner_id, account_number) WHERE removed_at IS NULL DO NOTHING
`

// LoadSnapshot inserts the base layer. Rows that already exist are left untouched, so
// loading the same snapshot on every start-up is harmless.
func (r *PostgresRepository) LoadSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.StorageFault("begin snapshot load", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range snapshot.Accounts {
		_, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, owner_id, account_number, account_type, holder_name, currency,
			                      opening_balance, ledger_balance, available_balance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, a.ID, a.OwnerID, a.AccountNumber, a.AccountType, a.HolderName, a.Currency, a.LedgerBalance, a.AvailableBalance)
		if err != nil {
			return domain.StorageFault("load snapshot account "+a.ID, err)
		}
	}
	for _, b := range snapshot.Beneficiaries {
		registeredOn := b.RegisteredOn
		if registeredOn.IsZero() {
			registeredOn = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, insertBaseBeneficiarySQL, b.OwnerID, b.AccountNumber, b.DisplayName, b.Alias, registeredOn)
		if err != nil {
			return domain.StorageFault("load snapshot beneficiary "+b.AccountNumber, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.StorageFault("commit snapshot load", err)
	}
	return nil
}

const accountColumns = `id, owner_id, account_number, account_type, holder_name, currency, ledger_balance, available_balance`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.AccountNumber, &a.AccountType, &a.HolderName, &a.Currency, &a.LedgerBalance, &a.AvailableBalance)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindAccountsByOwner retrieves every account held by an owner.
func (r *PostgresRepository) FindAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, domain.StorageFault("query accounts", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, domain.StorageFault("scan account", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageFault("iterate accounts", err)
	}
	return accounts, nil
}

// FindAccountByID retrieves one account by its internal id.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, domain.StorageFault("find account", err)
	}
	return account, nil
}

// FindAccountByNumber retrieves one account by its external account number.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, accountNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, domain.StorageFault("find account by number", err)
	}
	return account, nil
}

// SumDebitsBetween sums the account's debit records with from <= occurred_at < to.
func (r *PostgresRepository) SumDebitsBetween(ctx context.Context, accountID string, from, to time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::BIGINT
		FROM account_transactions
		WHERE account_id = $1 AND direction = 'debit' AND occurred_at >= $2 AND occurred_at < $3
	`, accountID, from, to).Scan(&total)
	if err != nil {
		return 0, domain.StorageFault("sum daily debits", err)
	}
	return total, nil
}

// FindTransactionsByAccount returns the newest records first.
func (r *PostgresRepository) FindTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT seq, id, account_id, direction, amount, currency, counterparty_account_number,
		       counterparty_name, occurred_at, transfer_id
		FROM account_transactions
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, domain.StorageFault("query transactions", err)
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var rec domain.TransactionRecord
		var direction string
		err := rows.Scan(&rec.Seq, &rec.ID, &rec.AccountID, &direction, &rec.Amount, &rec.Currency,
			&rec.CounterpartyAccountNumber, &rec.CounterpartyName, &rec.Timestamp, &rec.TransferID)
		if err != nil {
			return nil, domain.StorageFault("scan transaction", err)
		}
		rec.Direction = domain.Direction(direction)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageFault("iterate transactions", err)
	}
	return records, nil
}

// FindBeneficiariesByOwner returns the owner's active beneficiaries, base layer first.
func (r *PostgresRepository) FindBeneficiariesByOwner(ctx context.Context, ownerID string) ([]domain.Beneficiary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT owner_id, account_number, display_name, alias, origin, registered_on
		FROM beneficiaries
		WHERE owner_id = $1 AND removed_at IS NULL
		ORDER BY id
	`, ownerID)
	if err != nil {
		return nil, domain.StorageFault("query beneficiaries", err)
	}
	defer rows.Close()

	var beneficiaries []domain.Beneficiary
	for rows.Next() {
		var b domain.Beneficiary
		var origin string
		if err := rows.Scan(&b.OwnerID, &b.AccountNumber, &b.DisplayName, &b.Alias, &origin, &b.RegisteredOn); err != nil {
			return nil, domain.StorageFault("scan beneficiary", err)
		}
		b.Origin = domain.BeneficiaryOrigin(origin)
		beneficiaries = append(beneficiaries, b)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageFault("iterate beneficiaries", err)
	}
	return beneficiaries, nil
}

// CreateBeneficiary inserts a runtime beneficiary; the partial unique index rejects duplicates.
func (r *PostgresRepository) CreateBeneficiary(ctx context.Context, b domain.Beneficiary) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO beneficiaries (owner_id, account_number, display_name, alias, origin, registered_on)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.OwnerID, b.AccountNumber, b.DisplayName, b.Alias, string(b.Origin), b.RegisteredOn)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyRegistered
		}
		return domain.StorageFault("create beneficiary", err)
	}
	return nil
}

// DeleteBeneficiary tombstones the active beneficiary row; rows are never physically deleted.
func (r *PostgresRepository) DeleteBeneficiary(ctx context.Context, ownerID, accountNumber string, at time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE beneficiaries SET removed_at = $3
		WHERE owner_id = $1 AND account_number = $2 AND removed_at IS NULL
	`, ownerID, accountNumber, at)
	if err != nil {
		return domain.StorageFault("delete beneficiary", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrBeneficiaryNotFound
	}
	return nil
}

const requestColumns = `request_id, sender_owner_id, sender_account_id, recipient_account_id, recipient_account_number,
	recipient_name, amount, currency, status, preview, result, failure_reason, failure_check,
	save_beneficiary, beneficiary_alias, created_at, updated_at`

// FindTransferRequest retrieves the idempotency record for a request id.
func (r *PostgresRepository) FindTransferRequest(ctx context.Context, requestID string) (*domain.TransferRequest, error) {
	var req domain.TransferRequest
	var status string
	var preview, result, failureCheck []byte
	err := r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM transfer_requests WHERE request_id = $1`, requestID).Scan(
		&req.RequestID, &req.SenderOwnerID, &req.SenderAccountID, &req.RecipientAccountID, &req.RecipientAccountNumber,
		&req.RecipientName, &req.Amount, &req.Currency, &status, &preview, &result, &req.FailureReason, &failureCheck,
		&req.SaveBeneficiary, &req.BeneficiaryAlias, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferRequestNotFound
		}
		return nil, domain.StorageFault("find transfer request", err)
	}
	req.Status = domain.TransferStatus(status)
	if len(preview) > 0 {
		req.Preview = &domain.TransferPreview{}
		if err := json.Unmarshal(preview, req.Preview); err != nil {
			return nil, domain.StorageFault("decode transfer preview", err)
		}
	}
	if len(result) > 0 {
		req.Result = &domain.TransferResult{}
		if err := json.Unmarshal(result, req.Result); err != nil {
			return nil, domain.StorageFault("decode transfer result", err)
		}
	}
	if len(failureCheck) > 0 {
		req.FailureCheck = &domain.LimitCheck{}
		if err := json.Unmarshal(failureCheck, req.FailureCheck); err != nil {
			return nil, domain.StorageFault("decode failure check", err)
		}
	}
	return &req, nil
}

// CreateTransferRequest stores a new idempotency record. A request rejected at prepare
// time is stored directly as failed.
func (r *PostgresRepository) CreateTransferRequest(ctx context.Context, req *domain.TransferRequest) error {
	preview, err := jsonParam(req.Preview)
	if err != nil {
		return err
	}
	failureCheck, err := jsonParam(req.FailureCheck)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO transfer_requests (request_id, sender_owner_id, sender_account_id, recipient_account_id,
		                               recipient_account_number, recipient_name, amount, currency, status, preview,
		                               failure_reason, failure_check, save_beneficiary, beneficiary_alias,
		                               created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, req.RequestID, req.SenderOwnerID, req.SenderAccountID, req.RecipientAccountID, req.RecipientAccountNumber,
		req.RecipientName, req.Amount, req.Currency, string(req.Status), preview, req.FailureReason, failureCheck,
		req.SaveBeneficiary, req.BeneficiaryAlias, req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTransferRequestExists
		}
		return domain.StorageFault("create transfer request", err)
	}
	return nil
}

// MarkTransferRequestFailed moves a prepared request to failed.
func (r *PostgresRepository) MarkTransferRequestFailed(ctx context.Context, requestID string, reason string, check *domain.LimitCheck, at time.Time) error {
	failureCheck, err := jsonParam(check)
	if err != nil {
		return err
	}
	result, err := r.db.Exec(ctx, `
		UPDATE transfer_requests
		SET status = 'failed', failure_reason = $2, failure_check = $3, updated_at = $4
		WHERE request_id = $1 AND status = 'prepared'
	`, requestID, reason, failureCheck, at)
	if err != nil {
		return domain.StorageFault("mark transfer request failed", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotPrepared
	}
	return nil
}

// CommitTransfer applies a transfer atomically.
func (r *PostgresRepository) CommitTransfer(ctx context.Context, commit domain.TransferCommit) error {
	resultJSON, err := jsonParam(&commit.Result)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.StorageFault("begin commit", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM transfer_requests WHERE request_id = $1 FOR UPDATE`, commit.RequestID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransferRequestNotFound
		}
		return domain.StorageFault("lock transfer request", err)
	}
	if domain.TransferStatus(status) != domain.TransferStatusPrepared {
		return ErrTransferNotPrepared
	}

	// Lock both account rows in a fixed order.
	ids := []string{commit.Debit.AccountID, commit.Credit.AccountID}
	sort.Strings(ids)
	rows, err := tx.Query(ctx, `SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return domain.StorageFault("lock accounts", err)
	}
	locked := 0
	for rows.Next() {
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.StorageFault("lock accounts", err)
	}
	if locked != 2 {
		return domain.ErrAccountNotFound
	}

	// The account rows are locked, so no other commit can add a debit for the sender until
	// this transaction ends.
	if commit.DailyCap > 0 {
		var usedToday int64
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0)::BIGINT
			FROM account_transactions
			WHERE account_id = $1 AND direction = 'debit' AND occurred_at >= $2 AND occurred_at < $3
		`, commit.Debit.AccountID, commit.DayStart, commit.DayEnd).Scan(&usedToday)
		if err != nil {
			return domain.StorageFault("sum daily debits", err)
		}
		if commit.ExceedsDailyCap(usedToday) {
			return ErrDailyCapExceeded
		}
	}

	debited, err := tx.Exec(ctx, `
		UPDATE accounts
		SET ledger_balance = ledger_balance - $2, available_balance = available_balance - $2, updated_at = NOW()
		WHERE id = $1 AND available_balance >= $2 AND ledger_balance >= $2
	`, commit.Debit.AccountID, commit.Debit.Amount)
	if err != nil {
		return domain.StorageFault("debit sender", err)
	}
	if debited.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET ledger_balance = ledger_balance + $2, available_balance = available_balance + $2, updated_at = NOW()
		WHERE id = $1
	`, commit.Credit.AccountID, commit.Credit.Amount); err != nil {
		return domain.StorageFault("credit recipient", err)
	}

	for _, rec := range []domain.TransactionRecord{commit.Debit, commit.Credit} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO account_transactions (id, account_id, direction, amount, currency, counterparty_account_number,
			                                  counterparty_name, occurred_at, transfer_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, rec.AccountID, string(rec.Direction), rec.Amount, rec.Currency, rec.CounterpartyAccountNumber,
			rec.CounterpartyName, rec.Timestamp, rec.TransferID); err != nil {
			return domain.StorageFault("append transaction record", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE transfer_requests SET status = 'executed', result = $2, updated_at = $3 WHERE request_id = $1
	`, commit.RequestID, resultJSON, commit.Result.ExecutedAt); err != nil {
		return domain.StorageFault("mark transfer executed", err)
	}

	if b := commit.Beneficiary; b != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO beneficiaries (owner_id, account_number, display_name, alias, origin, registered_on)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (owner_id, account_number) WHERE removed_at IS NULL DO NOTHING
		`, b.OwnerID, b.AccountNumber, b.DisplayName, b.Alias, string(b.Origin), b.RegisteredOn); err != nil {
			return domain.StorageFault("register beneficiary with transfer", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.StorageFault("commit transfer", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}

// jsonParam encodes v for a JSONB column; nil pointers become SQL NULL.
func jsonParam[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	encoded := string(payload)
	return &encoded, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
