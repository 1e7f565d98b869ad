/**
 * @description
 * This file provides the journal implementation of the `Repository` interface: an immutable
 * YAML base snapshot merged with an append-only JSON-lines journal.
 *
 * Key features:
 * - Every mutation is a single journal line, written and fsynced before the call returns.
 * - A transfer commit (both ledger legs, the request status and an optional beneficiary)
 *   is one line, so a crash can never expose half of it.
 * - On open the journal is replayed on top of the snapshot. A torn final line (a crash in
 *   the middle of a write) is truncated; an undecodable line anywhere else is corruption.
 *
 * @dependencies
 * - encoding/json, bufio, os: journal encoding and durable file IO.
 * - go.uber.org/zap: structured logging.
 */

package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/transfa/transfer-service/internal/domain"
	"go.uber.org/zap"
)

type journalKind string

const (
	kindRequestPrepared       journalKind = "request_prepared"
	kindRequestFailed         journalKind = "request_failed"
	kindTransferCommitted     journalKind = "transfer_committed"
	kindBeneficiaryRegistered journalKind = "beneficiary_registered"
	kindBeneficiaryRemoved    journalKind = "beneficiary_removed"
)

type journalEntry struct {
	Seq           int64                      `json:"seq"`
	Kind          journalKind                `json:"kind"`
	At            time.Time                  `json:"at"`
	Request       *domain.TransferRequest    `json:"request,omitempty"`
	RequestID     string                     `json:"request_id,omitempty"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	FailureCheck  *domain.LimitCheck         `json:"failure_check,omitempty"`
	Records       []domain.TransactionRecord `json:"records,omitempty"`
	Result        *domain.TransferResult     `json:"result,omitempty"`
	Beneficiary   *domain.Beneficiary        `json:"beneficiary,omitempty"`
	OwnerID       string                     `json:"owner_id,omitempty"`
	AccountNumber string                     `json:"account_number,omitempty"`
}

// beneficiaryChange is one entry of the runtime beneficiary layer.
type beneficiaryChange struct {
	removed       bool
	ownerID       string
	accountNumber string
	beneficiary   domain.Beneficiary
}

// JournalRepository is a file-backed Repository.
type JournalRepository struct {
	mu     sync.RWMutex
	logger *zap.Logger

	file   *os.File
	path   string
	size   int64
	seq    int64
	txnSeq int64
	broken error

	base          Snapshot
	accounts      map[string]*domain.Account
	accountOrder  []string
	byNumber      map[string]string
	records       map[string][]domain.TransactionRecord
	runtimePayees []beneficiaryChange
	requests      map[string]*domain.TransferRequest
}

// OpenJournalRepository loads the seed snapshot at seedPath and replays the journal at
// journalPath, creating the journal if it does not exist.
func OpenJournalRepository(seedPath, journalPath string, logger *zap.Logger) (*JournalRepository, error) {
	snapshot, err := LoadSnapshot(seedPath)
	if err != nil {
		return nil, err
	}
	return NewJournalRepository(snapshot, journalPath, logger)
}

// NewJournalRepository builds a repository over an in-memory snapshot.
func NewJournalRepository(snapshot Snapshot, journalPath string, logger *zap.Logger) (*JournalRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	r := &JournalRepository{
		logger:   logger.With(zap.String("component", "journal_store")),
		path:     journalPath,
		base:     snapshot,
		accounts: make(map[string]*domain.Account, len(snapshot.Accounts)),
		byNumber: make(map[string]string, len(snapshot.Accounts)),
		records:  make(map[string][]domain.TransactionRecord),
		requests: make(map[string]*domain.TransferRequest),
	}
	for _, account := range snapshot.Accounts {
		copied := account
		r.accounts[account.ID] = &copied
		r.accountOrder = append(r.accountOrder, account.ID)
		r.byNumber[account.AccountNumber] = account.ID
	}

	file, err := os.OpenFile(journalPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, domain.StorageFault("open journal", err)
	}
	r.file = file

	if err := r.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *JournalRepository) replay() error {
	reader := bufio.NewReader(r.file)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			// Torn tail from a crash mid-write: the call that wrote it never reported success.
			r.logger.Warn("truncating torn journal tail",
				zap.String("path", r.path),
				zap.Int64("offset", offset),
				zap.Int("bytes", len(line)))
			if truncErr := r.file.Truncate(offset); truncErr != nil {
				return domain.StorageFault("truncate torn journal tail", truncErr)
			}
			break
		}
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var entry journalEntry
				if decodeErr := json.Unmarshal(trimmed, &entry); decodeErr != nil {
					return fmt.Errorf("%w: line at offset %d: %v", domain.ErrJournalCorrupt, offset, decodeErr)
				}
				if applyErr := r.apply(entry); applyErr != nil {
					return fmt.Errorf("%w: entry seq %d: %v", domain.ErrJournalCorrupt, entry.Seq, applyErr)
				}
				r.seq = entry.Seq
			}
			offset += int64(len(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return domain.StorageFault("read journal", err)
		}
	}
	r.size = offset
	return nil
}

// append writes one entry durably. The caller holds r.mu and applies the entry only on success.
func (r *JournalRepository) append(entry *journalEntry) error {
	if r.broken != nil {
		return domain.StorageFault("append journal", r.broken)
	}
	entry.Seq = r.seq + 1
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	payload = append(payload, '\n')

	n, writeErr := r.file.Write(payload)
	if writeErr == nil {
		writeErr = r.file.Sync()
	}
	if writeErr != nil {
		if n > 0 {
			if truncErr := r.file.Truncate(r.size); truncErr != nil {
				r.broken = fmt.Errorf("partial journal write could not be rolled back: %w", truncErr)
				r.logger.Error("journal left with partial write", zap.Error(truncErr))
			}
		}
		return domain.StorageFault("append journal", writeErr)
	}
	r.size += int64(n)
	r.seq = entry.Seq
	return nil
}

func (r *JournalRepository) apply(entry journalEntry) error {
	switch entry.Kind {
	case kindRequestPrepared:
		if entry.Request == nil {
			return errors.New("request_prepared without request")
		}
		if _, exists := r.requests[entry.Request.RequestID]; exists {
			return ErrTransferRequestExists
		}
		r.requests[entry.Request.RequestID] = entry.Request.Clone()
	case kindRequestFailed:
		req, ok := r.requests[entry.RequestID]
		if !ok {
			return ErrTransferRequestNotFound
		}
		req.Status = domain.TransferStatusFailed
		req.FailureReason = entry.FailureReason
		req.FailureCheck = entry.FailureCheck.Clone()
		req.UpdatedAt = entry.At
	case kindTransferCommitted:
		req, ok := r.requests[entry.RequestID]
		if !ok {
			return ErrTransferRequestNotFound
		}
		if entry.Result == nil || len(entry.Records) != 2 {
			return errors.New("transfer_committed needs a result and two records")
		}
		for _, record := range entry.Records {
			account, ok := r.accounts[record.AccountID]
			if !ok {
				return fmt.Errorf("record for unknown account %s", record.AccountID)
			}
			account.LedgerBalance += record.SignedAmount()
			account.AvailableBalance += record.SignedAmount()
			r.records[record.AccountID] = append(r.records[record.AccountID], record)
			if record.Seq > r.txnSeq {
				r.txnSeq = record.Seq
			}
		}
		result := *entry.Result
		req.Status = domain.TransferStatusExecuted
		req.Result = &result
		req.UpdatedAt = entry.At
		if entry.Beneficiary != nil {
			r.runtimePayees = append(r.runtimePayees, beneficiaryChange{beneficiary: *entry.Beneficiary})
		}
	case kindBeneficiaryRegistered:
		if entry.Beneficiary == nil {
			return errors.New("beneficiary_registered without beneficiary")
		}
		r.runtimePayees = append(r.runtimePayees, beneficiaryChange{beneficiary: *entry.Beneficiary})
	case kindBeneficiaryRemoved:
		r.runtimePayees = append(r.runtimePayees, beneficiaryChange{
			removed:       true,
			ownerID:       entry.OwnerID,
			accountNumber: entry.AccountNumber,
		})
	default:
		return fmt.Errorf("unknown journal entry kind %q", entry.Kind)
	}
	return nil
}

// FindAccountsByOwner returns the owner's accounts in snapshot order.
func (r *JournalRepository) FindAccountsByOwner(ctx context.Context, ownerID string) ([]domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var accounts []domain.Account
	for _, id := range r.accountOrder {
		if account := r.accounts[id]; account.OwnerID == ownerID {
			accounts = append(accounts, *account)
		}
	}
	return accounts, nil
}

// FindAccountByID retrieves one account by its internal id.
func (r *JournalRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// FindAccountByNumber retrieves one account by its external account number.
func (r *JournalRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byNumber[accountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	copied := *r.accounts[id]
	return &copied, nil
}

// SumDebitsBetween sums the account's debit records with from <= timestamp < to.
func (r *JournalRepository) SumDebitsBetween(ctx context.Context, accountID string, from, to time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.debitsBetween(accountID, from, to), nil
}

// debitsBetween expects r.mu to be held.
func (r *JournalRepository) debitsBetween(accountID string, from, to time.Time) int64 {
	var total int64
	for _, record := range r.records[accountID] {
		if record.Direction != domain.DirectionDebit {
			continue
		}
		if !record.Timestamp.Before(from) && record.Timestamp.Before(to) {
			total += record.Amount
		}
	}
	return total
}

// FindTransactionsByAccount returns the newest records first. A non-positive limit returns all.
func (r *JournalRepository) FindTransactionsByAccount(ctx context.Context, accountID string, limit int) ([]domain.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.records[accountID]
	out := make([]domain.TransactionRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FindBeneficiariesByOwner merges the base layer with the runtime layer for one owner.
func (r *JournalRepository) FindBeneficiariesByOwner(ctx context.Context, ownerID string) ([]domain.Beneficiary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mergedBeneficiaries(ownerID), nil
}

func (r *JournalRepository) mergedBeneficiaries(ownerID string) []domain.Beneficiary {
	var merged []domain.Beneficiary
	for _, b := range r.base.Beneficiaries {
		if b.OwnerID == ownerID {
			merged = append(merged, b)
		}
	}
	for _, change := range r.runtimePayees {
		if change.removed {
			if change.ownerID != ownerID {
				continue
			}
			for i := range merged {
				if merged[i].AccountNumber == change.accountNumber {
					merged = append(merged[:i], merged[i+1:]...)
					break
				}
			}
			continue
		}
		if change.beneficiary.OwnerID == ownerID {
			merged = append(merged, change.beneficiary)
		}
	}
	return merged
}

func (r *JournalRepository) hasBeneficiary(ownerID, accountNumber string) bool {
	for _, b := range r.mergedBeneficiaries(ownerID) {
		if b.AccountNumber == accountNumber {
			return true
		}
	}
	return false
}

// CreateBeneficiary appends a registration to the runtime layer.
func (r *JournalRepository) CreateBeneficiary(ctx context.Context, beneficiary domain.Beneficiary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasBeneficiary(beneficiary.OwnerID, beneficiary.AccountNumber) {
		return domain.ErrAlreadyRegistered
	}
	entry := journalEntry{Kind: kindBeneficiaryRegistered, At: beneficiary.RegisteredOn, Beneficiary: &beneficiary}
	if err := r.append(&entry); err != nil {
		return err
	}
	return r.apply(entry)
}

// DeleteBeneficiary appends a removal tombstone to the runtime layer.
func (r *JournalRepository) DeleteBeneficiary(ctx context.Context, ownerID, accountNumber string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasBeneficiary(ownerID, accountNumber) {
		return domain.ErrBeneficiaryNotFound
	}
	entry := journalEntry{Kind: kindBeneficiaryRemoved, At: at, OwnerID: ownerID, AccountNumber: accountNumber}
	if err := r.append(&entry); err != nil {
		return err
	}
	return r.apply(entry)
}

// FindTransferRequest retrieves the idempotency record for a request id.
func (r *JournalRepository) FindTransferRequest(ctx context.Context, requestID string) (*domain.TransferRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrTransferRequestNotFound
	}
	return req.Clone(), nil
}

// CreateTransferRequest stores a new idempotency record.
func (r *JournalRepository) CreateTransferRequest(ctx context.Context, req *domain.TransferRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[req.RequestID]; exists {
		return ErrTransferRequestExists
	}
	entry := journalEntry{Kind: kindRequestPrepared, At: req.CreatedAt, Request: req}
	if err := r.append(&entry); err != nil {
		return err
	}
	return r.apply(entry)
}

// MarkTransferRequestFailed moves a prepared request to failed.
func (r *JournalRepository) MarkTransferRequestFailed(ctx context.Context, requestID string, reason string, check *domain.LimitCheck, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return ErrTransferRequestNotFound
	}
	if req.Status != domain.TransferStatusPrepared {
		return ErrTransferNotPrepared
	}
	entry := journalEntry{Kind: kindRequestFailed, At: at, RequestID: requestID, FailureReason: reason, FailureCheck: check}
	if err := r.append(&entry); err != nil {
		return err
	}
	return r.apply(entry)
}

// CommitTransfer makes both ledger legs, the balance deltas and the executed request durable
// as a single journal line.
func (r *JournalRepository) CommitTransfer(ctx context.Context, commit domain.TransferCommit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[commit.RequestID]
	if !ok {
		return ErrTransferRequestNotFound
	}
	if req.Status != domain.TransferStatusPrepared {
		return ErrTransferNotPrepared
	}
	sender, ok := r.accounts[commit.Debit.AccountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if _, ok := r.accounts[commit.Credit.AccountID]; !ok {
		return domain.ErrAccountNotFound
	}
	if sender.AvailableBalance < commit.Debit.Amount || sender.LedgerBalance < commit.Debit.Amount {
		return ErrInsufficientFunds
	}
	if commit.DailyCap > 0 && commit.ExceedsDailyCap(r.debitsBetween(sender.ID, commit.DayStart, commit.DayEnd)) {
		return ErrDailyCapExceeded
	}

	debit := commit.Debit
	credit := commit.Credit
	debit.Seq = r.txnSeq + 1
	credit.Seq = r.txnSeq + 2
	result := commit.Result

	entry := journalEntry{
		Kind:      kindTransferCommitted,
		At:        result.ExecutedAt,
		RequestID: commit.RequestID,
		Records:   []domain.TransactionRecord{debit, credit},
		Result:    &result,
	}
	if commit.Beneficiary != nil && !r.hasBeneficiary(commit.Beneficiary.OwnerID, commit.Beneficiary.AccountNumber) {
		payee := *commit.Beneficiary
		entry.Beneficiary = &payee
	}
	if err := r.append(&entry); err != nil {
		return err
	}
	return r.apply(entry)
}

// Close releases the journal file.
func (r *JournalRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// AuditReport summarises the invariants checked by Audit.
type AuditReport struct {
	Accounts          []domain.Account
	OpeningTotal      int64
	CurrentTotal      int64
	DailyDebitUsage   map[string]map[string]int64 // account id -> YYYY-MM-DD -> debits
	MaxSingleDebit    int64
	Problems          []string
	ExecutedTransfers int
}

// Violations returns Problems plus every breach of the given caps. A non-positive cap is
// not checked.
func (a AuditReport) Violations(perTransactionCap, dailyCap int64) []string {
	problems := append([]string(nil), a.Problems...)
	if perTransactionCap > 0 && a.MaxSingleDebit > perTransactionCap {
		problems = append(problems, fmt.Sprintf("largest debit %s exceeds per-transaction cap %s",
			domain.FormatAmount(a.MaxSingleDebit), domain.FormatAmount(perTransactionCap)))
	}
	if dailyCap <= 0 {
		return problems
	}
	accountIDs := make([]string, 0, len(a.DailyDebitUsage))
	for id := range a.DailyDebitUsage {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)
	for _, id := range accountIDs {
		days := make([]string, 0, len(a.DailyDebitUsage[id]))
		for day := range a.DailyDebitUsage[id] {
			days = append(days, day)
		}
		sort.Strings(days)
		for _, day := range days {
			if used := a.DailyDebitUsage[id][day]; used > dailyCap {
				problems = append(problems, fmt.Sprintf("account %s used %s on %s, over daily cap %s",
					id, domain.FormatAmount(used), day, domain.FormatAmount(dailyCap)))
			}
		}
	}
	return problems
}

// Audit recomputes every balance from the snapshot and the log and reports invariant breaches.
func (r *JournalRepository) Audit(loc *time.Location) AuditReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if loc == nil {
		loc = time.UTC
	}
	report := AuditReport{DailyDebitUsage: make(map[string]map[string]int64)}
	for _, base := range r.base.Accounts {
		current := *r.accounts[base.ID]
		report.Accounts = append(report.Accounts, current)
		report.OpeningTotal += base.LedgerBalance
		report.CurrentTotal += current.LedgerBalance

		recomputed := base.LedgerBalance
		for _, record := range r.records[base.ID] {
			recomputed += record.SignedAmount()
			if record.Direction != domain.DirectionDebit {
				continue
			}
			day := record.Timestamp.In(loc).Format("2006-01-02")
			if report.DailyDebitUsage[base.ID] == nil {
				report.DailyDebitUsage[base.ID] = make(map[string]int64)
			}
			report.DailyDebitUsage[base.ID][day] += record.Amount
			if record.Amount > report.MaxSingleDebit {
				report.MaxSingleDebit = record.Amount
			}
		}
		if recomputed != current.LedgerBalance {
			report.Problems = append(report.Problems, fmt.Sprintf("account %s: ledger %d != snapshot+log %d", base.ID, current.LedgerBalance, recomputed))
		}
		if current.LedgerBalance < 0 || current.AvailableBalance < 0 {
			report.Problems = append(report.Problems, fmt.Sprintf("account %s: negative balance", base.ID))
		}
		if current.AvailableBalance > current.LedgerBalance {
			report.Problems = append(report.Problems, fmt.Sprintf("account %s: available exceeds ledger", base.ID))
		}
	}
	if report.OpeningTotal != report.CurrentTotal {
		report.Problems = append(report.Problems, fmt.Sprintf("total balance changed from %d to %d", report.OpeningTotal, report.CurrentTotal))
	}
	for _, req := range r.requests {
		if req.Status == domain.TransferStatusExecuted {
			report.ExecutedTransfers++
		}
	}
	sort.Slice(report.Accounts, func(i, j int) bool { return report.Accounts[i].ID < report.Accounts[j].ID })
	return report
}
