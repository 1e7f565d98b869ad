/**
 * @description
 * This file contains the core business logic of the transfer-service. The `TransferEngine`
 * runs the two-phase transfer protocol: a read-only prepare that resolves both parties and
 * validates limits, and an execute that re-validates under the account locks and commits
 * both ledger legs atomically.
 *
 * Key features:
 * - Every request id is recorded durably, so a retried prepare or execute returns the cached
 *   outcome and a transfer is committed at most once.
 * - Execute never trusts the preview: balances and daily usage are re-checked against the
 *   current state inside the critical section.
 * - Executed transfers are announced on RabbitMQ; publishing never fails the transfer.
 *
 * @dependencies
 * - go.opentelemetry.io/otel: tracing spans around both phases.
 * - go.uber.org/zap: structured logging.
 * - internal/store, pkg/rabbitmq: persistence and event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/logging"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/transfa/transfer-service/internal/app"

// EngineDeps are the collaborators of a TransferEngine. Locker defaults to an in-process
// locker, Publisher to the no-op fallback; RateLimiter is optional.
type EngineDeps struct {
	Repo        store.Repository
	Directory   *AccountDirectory
	Registry    *BeneficiaryRegistry
	Limits      *LimitsEnforcer
	Locker      AccountLocker
	RateLimiter RateLimiter
	Publisher   rabbitmq.Publisher
	Logger      *zap.Logger
}

// EngineConfig holds tunables of the engine.
type EngineConfig struct {
	PrepareRateLimitPerMinute int
	Now                       func() time.Time
}

// TransferEngine orchestrates prepare and execute.
type TransferEngine struct {
	repo      store.Repository
	directory *AccountDirectory
	registry  *BeneficiaryRegistry
	limits    *LimitsEnforcer
	locker    AccountLocker
	limiter   RateLimiter
	publisher rabbitmq.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	prepareRateLimit int
	now              func() time.Time
}

// NewTransferEngine wires an engine from its collaborators.
func NewTransferEngine(deps EngineDeps, cfg EngineConfig) *TransferEngine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalAccountLocker()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TransferEngine{
		repo:             deps.Repo,
		directory:        deps.Directory,
		registry:         deps.Registry,
		limits:           deps.Limits,
		locker:           locker,
		limiter:          deps.RateLimiter,
		publisher:        publisher,
		logger:           logger.With(zap.String("component", "transfer_engine")),
		tracer:           otel.Tracer(tracerName),
		prepareRateLimit: cfg.PrepareRateLimitPerMinute,
		now:              now,
	}
}

// Prepare resolves and validates a transfer without moving money. A request id that was
// seen before returns its recorded outcome.
func (e *TransferEngine) Prepare(ctx context.Context, in domain.PrepareInput) (preview *domain.TransferPreview, err error) {
	ctx, span := e.tracer.Start(ctx, "transfer.prepare")
	defer func() { endSpan(span, err) }()

	in.RequestID = strings.TrimSpace(in.RequestID)
	in.Sender.OwnerID = strings.TrimSpace(in.Sender.OwnerID)
	span.SetAttributes(attribute.String("transfer.request_id", in.RequestID))
	if in.RequestID == "" {
		return nil, domain.ErrInvalidRequestID
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	existing, err := e.repo.FindTransferRequest(ctx, in.RequestID)
	switch {
	case err == nil:
		return e.cachedPrepare(existing, in.Sender.OwnerID)
	case !errors.Is(err, store.ErrTransferRequestNotFound):
		return nil, err
	}

	if err := e.consumePrepareBudget(ctx, in.Sender.OwnerID); err != nil {
		return nil, err
	}

	sender, err := e.resolveSender(ctx, in.Sender)
	if err != nil {
		return nil, err
	}
	recipient, beneficiary, err := e.resolveRecipient(ctx, in.Sender.OwnerID, in.RecipientReference)
	if err != nil {
		return nil, err
	}
	if sender.ID == recipient.ID {
		return nil, domain.ErrSameAccount
	}
	if sender.Currency != recipient.Currency {
		return nil, domain.ErrCurrencyMismatch
	}

	check, err := e.limits.Check(ctx, sender.ID, in.Amount)
	if err != nil {
		return nil, err
	}

	recipientName := recipient.HolderName
	if beneficiary != nil && beneficiary.DisplayName != "" {
		recipientName = beneficiary.DisplayName
	}
	at := e.now().UTC()
	req := &domain.TransferRequest{
		RequestID:              in.RequestID,
		SenderOwnerID:          in.Sender.OwnerID,
		SenderAccountID:        sender.ID,
		RecipientAccountID:     recipient.ID,
		RecipientAccountNumber: recipient.AccountNumber,
		RecipientName:          recipientName,
		Amount:                 in.Amount,
		Currency:               sender.Currency,
		SaveBeneficiary:        in.SaveBeneficiary,
		BeneficiaryAlias:       strings.TrimSpace(in.BeneficiaryAlias),
		CreatedAt:              at,
		UpdatedAt:              at,
	}

	if !check.Passed() {
		req.Status = domain.TransferStatusFailed
		req.FailureReason = check.FailureReason
		req.FailureCheck = &check
		if err := e.repo.CreateTransferRequest(ctx, req); err != nil {
			return e.afterCreateConflict(ctx, err, in)
		}
		logging.WithTrace(ctx, e.logger).Info("transfer rejected at prepare",
			zap.String("request_id", in.RequestID),
			zap.String("account_id", sender.ID),
			zap.String("reason", check.FailureReason),
			zap.String("outcome", "rejected"))
		return nil, domain.NewValidationError(check)
	}

	preview = &domain.TransferPreview{
		RequestID:              in.RequestID,
		Status:                 domain.TransferStatusPrepared,
		SenderAccountID:        sender.ID,
		SenderAccountNumber:    sender.AccountNumber,
		SenderName:             sender.HolderName,
		RecipientAccountNumber: recipient.AccountNumber,
		RecipientName:          recipientName,
		RecipientIsBeneficiary: beneficiary != nil,
		Currency:               sender.Currency,
		Amount:                 in.Amount,
		CurrentBalance:         sender.AvailableBalance,
		NewBalancePreview:      check.RemainingAfter,
		DailyRemainingPreview:  check.DailyRemainingAfter,
	}
	req.Status = domain.TransferStatusPrepared
	req.Preview = preview
	if err := e.repo.CreateTransferRequest(ctx, req); err != nil {
		return e.afterCreateConflict(ctx, err, in)
	}

	logging.WithTrace(ctx, e.logger).Info("transfer prepared",
		zap.String("request_id", in.RequestID),
		zap.String("account_id", sender.ID),
		zap.String("recipient_account_number", recipient.AccountNumber),
		zap.Int64("amount", in.Amount),
		zap.String("outcome", "prepared"))
	return preview, nil
}

// afterCreateConflict handles a concurrent prepare that stored the same request id first.
func (e *TransferEngine) afterCreateConflict(ctx context.Context, err error, in domain.PrepareInput) (*domain.TransferPreview, error) {
	if !errors.Is(err, store.ErrTransferRequestExists) {
		return nil, err
	}
	existing, findErr := e.repo.FindTransferRequest(ctx, in.RequestID)
	if findErr != nil {
		return nil, findErr
	}
	return e.cachedPrepare(existing, in.Sender.OwnerID)
}

func (e *TransferEngine) cachedPrepare(req *domain.TransferRequest, ownerID string) (*domain.TransferPreview, error) {
	if req.SenderOwnerID != ownerID {
		return nil, domain.ErrRequestIDInUse
	}
	switch req.Status {
	case domain.TransferStatusFailed:
		if req.FailureCheck != nil {
			return nil, domain.NewValidationError(*req.FailureCheck)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrValidationFailed, req.FailureReason)
	default:
		if req.Preview == nil {
			return nil, domain.StorageFault("load cached preview", errors.New("prepared request has no preview"))
		}
		preview := *req.Preview
		preview.Status = req.Status
		return &preview, nil
	}
}

func (e *TransferEngine) consumePrepareBudget(ctx context.Context, ownerID string) error {
	if e.limiter == nil || e.prepareRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := e.limiter.ConsumeRateLimit(ctx, "prepare", ownerID, e.prepareRateLimit, time.Minute)
	if err != nil {
		// The limiter is an abuse guard, not a consistency mechanism.
		e.logger.Warn("prepare rate limiter unavailable", zap.String("owner_id", ownerID), zap.Error(err))
		return nil
	}
	if count > e.prepareRateLimit {
		logging.WithTrace(ctx, e.logger).Info("prepare rate limited",
			zap.String("owner_id", ownerID),
			zap.Int("count", count),
			zap.String("outcome", "rate_limited"))
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// resolveSender picks the debited account. An explicit account (by id or account number)
// must belong to the caller. Without one, the caller must hold exactly one account.
func (e *TransferEngine) resolveSender(ctx context.Context, identity domain.SenderIdentity) (*domain.Account, error) {
	if identity.OwnerID == "" {
		return nil, domain.ErrAccountNotFound
	}
	if ref := strings.TrimSpace(identity.AccountID); ref != "" {
		return e.directory.OwnedAccount(ctx, identity.OwnerID, ref)
	}

	accounts, err := e.directory.AccountsForUser(ctx, identity.OwnerID)
	if err != nil {
		return nil, err
	}
	switch len(accounts) {
	case 0:
		return nil, domain.ErrAccountNotFound
	case 1:
		return &accounts[0], nil
	default:
		return nil, domain.ErrSenderAccountRequired
	}
}

// resolveRecipient tries the caller's beneficiaries first, then treats the reference as a
// raw account number.
func (e *TransferEngine) resolveRecipient(ctx context.Context, ownerID, reference string) (*domain.Account, *domain.Beneficiary, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return nil, nil, domain.ErrRecipientNotFound
	}

	beneficiary, err := e.registry.Resolve(ctx, ownerID, ref)
	switch {
	case err == nil:
		account, accErr := e.directory.AccountByNumber(ctx, beneficiary.AccountNumber)
		if errors.Is(accErr, domain.ErrAccountNotFound) {
			return nil, nil, domain.ErrRecipientNotFound
		}
		if accErr != nil {
			return nil, nil, accErr
		}
		return account, beneficiary, nil
	case !errors.Is(err, domain.ErrBeneficiaryNotFound):
		return nil, nil, err
	}

	account, err := e.directory.AccountByNumber(ctx, ref)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, nil, domain.ErrRecipientNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return account, nil, nil
}

// Execute commits a prepared transfer. It is safe to call any number of times with the same
// request id: once executed, the cached result is returned and nothing is debited again.
func (e *TransferEngine) Execute(ctx context.Context, requestID string) (result *domain.TransferResult, err error) {
	ctx, span := e.tracer.Start(ctx, "transfer.execute")
	defer func() { endSpan(span, err) }()

	requestID = strings.TrimSpace(requestID)
	span.SetAttributes(attribute.String("transfer.request_id", requestID))
	if requestID == "" {
		return nil, domain.ErrInvalidRequestID
	}

	req, done, err := e.loadExecutable(ctx, requestID)
	if err != nil || done != nil {
		return done, err
	}

	unlock, err := e.locker.LockAccounts(ctx, req.SenderAccountID, req.RecipientAccountID)
	if err != nil {
		return nil, domain.StorageFault("lock accounts", err)
	}
	defer unlock()

	// Another execute may have finished while this one waited for the locks.
	req, done, err = e.loadExecutable(ctx, requestID)
	if err != nil || done != nil {
		return done, err
	}

	check, err := e.limits.Check(ctx, req.SenderAccountID, req.Amount)
	if err != nil {
		return nil, err
	}
	if !check.Passed() {
		return nil, e.failRequest(ctx, req, check)
	}

	sender, err := e.directory.AccountByID(ctx, req.SenderAccountID)
	if err != nil {
		return nil, err
	}
	recipient, err := e.directory.AccountByID(ctx, req.RecipientAccountID)
	if err != nil {
		return nil, err
	}

	commit, err := e.buildCommit(ctx, req, sender, recipient, check)
	if err != nil {
		return nil, err
	}

	commitCtx, commitSpan := e.tracer.Start(ctx, "transfer.commit")
	err = e.repo.CommitTransfer(commitCtx, commit)
	endSpan(commitSpan, err)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			check.SufficientBalance = false
			check.Violations = append(check.Violations, domain.ViolationInsufficientBalance)
			if check.FailureReason == "" {
				check.FailureReason = "insufficient balance at commit"
			}
			return nil, e.failRequest(ctx, req, check)
		case errors.Is(err, store.ErrDailyCapExceeded):
			// Another instance committed a debit for this account after the locked check.
			check.WithinDailyCap = false
			if !check.HasViolation(domain.ViolationDailyCapExceeded) {
				check.Violations = append(check.Violations, domain.ViolationDailyCapExceeded)
			}
			if check.FailureReason == "" {
				check.FailureReason = "daily cap exceeded at commit"
			}
			return nil, e.failRequest(ctx, req, check)
		case errors.Is(err, store.ErrTransferNotPrepared):
			_, done, reloadErr := e.loadExecutable(ctx, requestID)
			if reloadErr != nil || done != nil {
				return done, reloadErr
			}
			return nil, domain.ErrNoMatchingPreparedTransfer
		}
		logging.WithTrace(ctx, e.logger).Error("transfer commit failed",
			zap.String("request_id", requestID),
			zap.String("outcome", "error"),
			zap.Error(err))
		return nil, err
	}

	logging.WithTrace(ctx, e.logger).Info("transfer executed",
		zap.String("request_id", requestID),
		zap.String("transfer_id", commit.Result.TransferID.String()),
		zap.String("account_id", sender.ID),
		zap.Int64("amount", req.Amount),
		zap.String("outcome", "executed"))
	e.announce(ctx, commit)

	executed := commit.Result
	return &executed, nil
}

// loadExecutable returns the prepared request, or the cached result when it already executed.
func (e *TransferEngine) loadExecutable(ctx context.Context, requestID string) (*domain.TransferRequest, *domain.TransferResult, error) {
	req, err := e.repo.FindTransferRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrTransferRequestNotFound) {
			return nil, nil, domain.ErrNoMatchingPreparedTransfer
		}
		return nil, nil, err
	}
	switch req.Status {
	case domain.TransferStatusExecuted:
		if req.Result == nil {
			return nil, nil, domain.StorageFault("load cached result", errors.New("executed request has no result"))
		}
		cached := *req.Result
		return nil, &cached, nil
	case domain.TransferStatusPrepared:
		return req, nil, nil
	default:
		return nil, nil, domain.ErrNoMatchingPreparedTransfer
	}
}

func (e *TransferEngine) failRequest(ctx context.Context, req *domain.TransferRequest, check domain.LimitCheck) error {
	if err := e.repo.MarkTransferRequestFailed(ctx, req.RequestID, check.FailureReason, &check, e.now().UTC()); err != nil {
		if errors.Is(err, store.ErrTransferNotPrepared) {
			return domain.ErrNoMatchingPreparedTransfer
		}
		return err
	}
	logging.WithTrace(ctx, e.logger).Info("transfer rejected at execute",
		zap.String("request_id", req.RequestID),
		zap.String("account_id", req.SenderAccountID),
		zap.String("reason", check.FailureReason),
		zap.String("outcome", "rejected"))
	return domain.NewValidationError(check)
}

func (e *TransferEngine) buildCommit(ctx context.Context, req *domain.TransferRequest, sender, recipient *domain.Account, check domain.LimitCheck) (domain.TransferCommit, error) {
	at := e.now().UTC()
	transferID := uuid.New()
	debitID, err := uuid.NewV7()
	if err != nil {
		return domain.TransferCommit{}, fmt.Errorf("generate transaction id: %w", err)
	}
	creditID, err := uuid.NewV7()
	if err != nil {
		return domain.TransferCommit{}, fmt.Errorf("generate transaction id: %w", err)
	}

	commit := domain.TransferCommit{
		RequestID: req.RequestID,
		Debit: domain.TransactionRecord{
			ID:                        debitID,
			AccountID:                 sender.ID,
			Direction:                 domain.DirectionDebit,
			Amount:                    req.Amount,
			Currency:                  req.Currency,
			CounterpartyAccountNumber: recipient.AccountNumber,
			CounterpartyName:          req.RecipientName,
			Timestamp:                 at,
			TransferID:                transferID,
		},
		Credit: domain.TransactionRecord{
			ID:                        creditID,
			AccountID:                 recipient.ID,
			Direction:                 domain.DirectionCredit,
			Amount:                    req.Amount,
			Currency:                  req.Currency,
			CounterpartyAccountNumber: sender.AccountNumber,
			CounterpartyName:          sender.HolderName,
			Timestamp:                 at,
			TransferID:                transferID,
		},
		Result: domain.TransferResult{
			RequestID:              req.RequestID,
			TransferID:             transferID,
			TransactionID:          debitID,
			SenderAccountID:        sender.ID,
			RecipientAccountNumber: recipient.AccountNumber,
			Amount:                 req.Amount,
			Currency:               req.Currency,
			NewBalance:             sender.LedgerBalance - req.Amount,
			NewAvailableBalance:    sender.AvailableBalance - req.Amount,
			DailyRemaining:         check.DailyRemainingAfter,
			ExecutedAt:             at,
		},
		DailyCap: e.limits.DailyCap(),
	}
	commit.DayStart, commit.DayEnd = e.limits.DayBounds(at)

	if req.SaveBeneficiary {
		known, err := e.registry.List(ctx, req.SenderOwnerID)
		if err != nil {
			return domain.TransferCommit{}, err
		}
		saved := false
		for _, b := range known {
			if b.AccountNumber == recipient.AccountNumber {
				saved = true
				break
			}
		}
		if !saved {
			commit.Beneficiary = &domain.Beneficiary{
				OwnerID:       req.SenderOwnerID,
				AccountNumber: recipient.AccountNumber,
				DisplayName:   req.RecipientName,
				Alias:         req.BeneficiaryAlias,
				Origin:        domain.BeneficiaryOriginTransfer,
				RegisteredOn:  at,
			}
		}
	}
	return commit, nil
}

func (e *TransferEngine) announce(ctx context.Context, commit domain.TransferCommit) {
	result := commit.Result
	if err := e.publisher.PublishTransferExecuted(ctx, rabbitmq.TransferExecutedEvent{
		RequestID:              result.RequestID,
		TransferID:             result.TransferID,
		TransactionID:          result.TransactionID,
		SenderAccountID:        result.SenderAccountID,
		RecipientAccountNumber: result.RecipientAccountNumber,
		Amount:                 result.Amount,
		Currency:               result.Currency,
		ExecutedAt:             result.ExecutedAt,
	}); err != nil {
		e.logger.Warn("transfer event publish failed", zap.String("request_id", result.RequestID), zap.Error(err))
	}
	if commit.Beneficiary != nil {
		e.registry.announce(ctx, *commit.Beneficiary)
	}
}

// Lookup returns the caller's transfer request.
func (e *TransferEngine) Lookup(ctx context.Context, ownerID, requestID string) (*domain.TransferRequest, error) {
	req, err := e.repo.FindTransferRequest(ctx, strings.TrimSpace(requestID))
	if err != nil {
		if errors.Is(err, store.ErrTransferRequestNotFound) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, err
	}
	if req.SenderOwnerID != strings.TrimSpace(ownerID) {
		return nil, domain.ErrRequestNotFound
	}
	return req, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("transfer.error_kind", domain.KindOf(err).String()))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
