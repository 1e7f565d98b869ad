package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

var ictZone = time.FixedZone("ICT", 7*60*60)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu         sync.Mutex
	executed   []rabbitmq.TransferExecutedEvent
	registered []rabbitmq.BeneficiaryRegisteredEvent
	publishErr error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.publishErr
}

func (p *recordingPublisher) PublishTransferExecuted(ctx context.Context, event rabbitmq.TransferExecutedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, event)
	return p.publishErr
}

func (p *recordingPublisher) PublishBeneficiaryRegistered(ctx context.Context, event rabbitmq.BeneficiaryRegisteredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, event)
	return p.publishErr
}

func (p *recordingPublisher) Close() {}

type testHarness struct {
	repo      *store.JournalRepository
	directory *AccountDirectory
	registry  *BeneficiaryRegistry
	limits    *LimitsEnforcer
	engine    *TransferEngine
	publisher *recordingPublisher
	clock     *testClock
}

type harnessOptions struct {
	perTxnCap int64
	dailyCap  int64
	repo      store.Repository
	limiter   RateLimiter
	rateLimit int
}

func scenarioSnapshot() store.Snapshot {
	return store.Snapshot{
		Accounts: []domain.Account{
			{ID: "acc-somchai-chk", OwnerID: "user-somchai", AccountNumber: "CHK-001", AccountType: "checking", HolderName: "Somchai Jaidee", Currency: "THB", LedgerBalance: 99650, AvailableBalance: 99650},
			{ID: "acc-nattaporn", OwnerID: "user-nattaporn", AccountNumber: "123-456-002", AccountType: "savings", HolderName: "Nattaporn Srisuk", Currency: "THB", LedgerBalance: 5000, AvailableBalance: 5000},
			{ID: "acc-somsak", OwnerID: "user-somsak", AccountNumber: "123-456-003", AccountType: "savings", HolderName: "Somsak Rakthai", Currency: "THB", LedgerBalance: 0, AvailableBalance: 0},
			{ID: "acc-malee-chk", OwnerID: "user-malee", AccountNumber: "CHK-101", AccountType: "checking", HolderName: "Malee Wong", Currency: "THB", LedgerBalance: 1000, AvailableBalance: 1000},
			{ID: "acc-malee-sav", OwnerID: "user-malee", AccountNumber: "SAV-101", AccountType: "savings", HolderName: "Malee Wong", Currency: "THB", LedgerBalance: 1000, AvailableBalance: 1000},
			{ID: "acc-usd", OwnerID: "user-john", AccountNumber: "USD-001", AccountType: "checking", HolderName: "John Smith", Currency: "USD", LedgerBalance: 1000, AvailableBalance: 1000},
		},
		Beneficiaries: []domain.Beneficiary{
			{OwnerID: "user-somchai", AccountNumber: "123-456-002", DisplayName: "Nattaporn Srisuk", Alias: "Nattaporn"},
		},
	}
}

func newHarness(t *testing.T, snapshot store.Snapshot, opts harnessOptions) *testHarness {
	t.Helper()
	if opts.perTxnCap == 0 {
		opts.perTxnCap = 50000
	}
	if opts.dailyCap == 0 {
		opts.dailyCap = 200000
	}

	journal, err := store.NewJournalRepository(snapshot, filepath.Join(t.TempDir(), "journal.jsonl"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	var repo store.Repository = journal
	if opts.repo != nil {
		repo = opts.repo
	}

	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, ictZone)}
	publisher := &recordingPublisher{}
	directory := NewAccountDirectory(repo)
	registry := NewBeneficiaryRegistry(repo, directory, publisher, nil)
	registry.now = clock.Now
	limits, err := NewLimitsEnforcer(repo, directory, LimitsConfig{
		PerTransactionCap: opts.perTxnCap,
		DailyCap:          opts.dailyCap,
		Location:          ictZone,
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	engine := NewTransferEngine(EngineDeps{
		Repo:        repo,
		Directory:   directory,
		Registry:    registry,
		Limits:      limits,
		Locker:      NewLocalAccountLocker(),
		RateLimiter: opts.limiter,
		Publisher:   publisher,
	}, EngineConfig{PrepareRateLimitPerMinute: opts.rateLimit, Now: clock.Now})

	return &testHarness{
		repo:      journal,
		directory: directory,
		registry:  registry,
		limits:    limits,
		engine:    engine,
		publisher: publisher,
		clock:     clock,
	}
}

func (h *testHarness) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	account, err := h.repo.FindAccountByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("find account %s: %v", accountID, err)
	}
	return account.AvailableBalance
}

func (h *testHarness) requireConserved(t *testing.T) {
	t.Helper()
	report := h.repo.Audit(ictZone)
	if len(report.Problems) != 0 {
		t.Fatalf("audit problems: %v", report.Problems)
	}
}

func TestTransferEngine_PrepareExecuteBeneficiaryByAlias(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})

	preview, err := h.engine.Prepare(ctx, domain.PrepareInput{
		RequestID:          "1",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai", AccountID: "CHK-001"},
		RecipientReference: "Nattaporn",
		Amount:             1000,
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if preview.RecipientAccountNumber != "123-456-002" {
		t.Fatalf("expected recipient 123-456-002, got %s", preview.RecipientAccountNumber)
	}
	if preview.NewBalancePreview != 98650 {
		t.Fatalf("expected new balance preview 98650, got %d", preview.NewBalancePreview)
	}
	if !preview.RecipientIsBeneficiary || preview.Status != domain.TransferStatusPrepared {
		t.Fatalf("unexpected preview: %+v", preview)
	}
	if got := h.balance(t, "acc-somchai-chk"); got != 99650 {
		t.Fatalf("prepare must not move money, balance=%d", got)
	}

	first, err := h.engine.Execute(ctx, "1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first.NewBalance != 98650 || first.NewAvailableBalance != 98650 {
		t.Fatalf("expected new balance 98650, got %+v", first)
	}
	if first.TransactionID == uuid.Nil {
		t.Fatalf("expected a transaction id")
	}

	h.clock.Advance(time.Minute)
	second, err := h.engine.Execute(ctx, "1")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if *second != *first {
		t.Fatalf("expected identical cached result, got %+v vs %+v", second, first)
	}
	if got := h.balance(t, "acc-somchai-chk"); got != 98650 {
		t.Fatalf("second execute must not debit again, balance=%d", got)
	}
	if got := h.balance(t, "acc-nattaporn"); got != 6000 {
		t.Fatalf("expected recipient credited once, balance=%d", got)
	}
	if len(h.publisher.executed) != 1 {
		t.Fatalf("expected one transfer.executed event, got %d", len(h.publisher.executed))
	}
	h.requireConserved(t)
}

func TestTransferEngine_UnknownRecipientNeverExecutes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})

	_, err := h.engine.Prepare(ctx, domain.PrepareInput{
		RequestID:          "2",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai", AccountID: "CHK-001"},
		RecipientReference: "999-999-999",
		Amount:             500,
	})
	if !errors.Is(err, domain.ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
	if domain.KindOf(err) != domain.KindUserInput {
		t.Fatalf("expected user input kind, got %s", domain.KindOf(err))
	}
	if _, err := h.engine.Execute(ctx, "2"); !errors.Is(err, domain.ErrNoMatchingPreparedTransfer) {
		t.Fatalf("expected ErrNoMatchingPreparedTransfer, got %v", err)
	}
	if _, err := h.repo.FindTransferRequest(ctx, "2"); !errors.Is(err, store.ErrTransferRequestNotFound) {
		t.Fatalf("expected no stored request, got %v", err)
	}
	if got := h.balance(t, "acc-somchai-chk"); got != 99650 {
		t.Fatalf("balance changed: %d", got)
	}
}

func TestTransferEngine_ConcurrentExecutesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	snapshot := store.Snapshot{
		Accounts: []domain.Account{
			{ID: "acc-source", OwnerID: "user-source", AccountNumber: "SRC-001", HolderName: "Source", Currency: "THB", LedgerBalance: 50000, AvailableBalance: 50000},
			{ID: "acc-sink", OwnerID: "user-sink", AccountNumber: "SNK-001", HolderName: "Sink", Currency: "THB"},
		},
	}
	h := newHarness(t, snapshot, harnessOptions{perTxnCap: 5000, dailyCap: 60000})

	const attempts = 100
	ids := make([]string, attempts)
	for i := range ids {
		ids[i] = uuid.NewString()
		if _, err := h.engine.Prepare(ctx, domain.PrepareInput{
			RequestID:          ids[i],
			Sender:             domain.SenderIdentity{OwnerID: "user-source"},
			RecipientReference: "SNK-001",
			Amount:             1000,
		}); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		rejected  int
		other     []error
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(requestID string) {
			defer wg.Done()
			<-start
			_, err := h.engine.Execute(ctx, requestID)
			mu.Lock()
			defer mu.Unlock()
			var validation *domain.ValidationError
			switch {
			case err == nil:
				committed++
			case errors.As(err, &validation) && validation.HasViolation(domain.ViolationInsufficientBalance):
				rejected++
			default:
				other = append(other, err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if len(other) != 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if committed != 50 || rejected != 50 {
		t.Fatalf("expected 50 commits and 50 rejections, got %d and %d", committed, rejected)
	}
	if got := h.balance(t, "acc-source"); got != 0 {
		t.Fatalf("expected drained source, got %d", got)
	}
	if got := h.balance(t, "acc-sink"); got != 50000 {
		t.Fatalf("expected sink to hold 50000, got %d", got)
	}
	report := h.repo.Audit(ictZone)
	if len(report.Problems) != 0 {
		t.Fatalf("audit problems: %v", report.Problems)
	}
	if report.ExecutedTransfers != 50 {
		t.Fatalf("expected 50 executed transfers, got %d", report.ExecutedTransfers)
	}
}

func TestTransferEngine_ExecuteRevalidatesAgainstCurrentState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})

	for _, id := range []string{"a", "b"} {
		if _, err := h.engine.Prepare(ctx, domain.PrepareInput{
			RequestID:          id,
			Sender:             domain.SenderIdentity{OwnerID: "user-malee", AccountID: "acc-malee-chk"},
			RecipientReference: "123-456-003",
			Amount:             800,
		}); err != nil {
			t.Fatalf("prepare %s: %v", id, err)
		}
	}
	if _, err := h.engine.Execute(ctx, "a"); err != nil {
		t.Fatalf("execute a: %v", err)
	}

	before := h.balance(t, "acc-malee-chk")
	_, err := h.engine.Execute(ctx, "b")
	var validation *domain.ValidationError
	if !errors.As(err, &validation) || !validation.HasViolation(domain.ViolationInsufficientBalance) {
		t.Fatalf("expected insufficient balance at execute, got %v", err)
	}
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation kind, got %s", domain.KindOf(err))
	}
	if got := h.balance(t, "acc-malee-chk"); got != before {
		t.Fatalf("failed execute changed balance: %d -> %d", before, got)
	}
	stored, _ := h.repo.FindTransferRequest(ctx, "b")
	if stored.Status != domain.TransferStatusFailed {
		t.Fatalf("expected request b to be failed, got %s", stored.Status)
	}
	if _, err := h.engine.Execute(ctx, "b"); !errors.Is(err, domain.ErrNoMatchingPreparedTransfer) {
		t.Fatalf("expected failed request to stay failed, got %v", err)
	}
	h.requireConserved(t)
}

func TestTransferEngine_DailyCapAcrossTransfers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{perTxnCap: 3000, dailyCap: 5000})
	sender := domain.SenderIdentity{OwnerID: "user-somchai"}

	for i, id := range []string{"d1", "d2"} {
		if _, err := h.engine.Prepare(ctx, domain.PrepareInput{RequestID: id, Sender: sender, RecipientReference: "Nattaporn", Amount: 2500}); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
		if _, err := h.engine.Execute(ctx, id); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	_, err := h.engine.Prepare(ctx, domain.PrepareInput{RequestID: "d3", Sender: sender, RecipientReference: "Nattaporn", Amount: 3500})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !validation.HasViolation(domain.ViolationDailyCapExceeded) || !validation.HasViolation(domain.ViolationPerTransactionCapExceeded) {
		t.Fatalf("expected both cap violations, got %v", validation.Check.Violations)
	}
	if validation.Check.UsedToday != 5000 {
		t.Fatalf("expected 5000 used today, got %d", validation.Check.UsedToday)
	}

	// A retried prepare returns the recorded rejection without re-evaluating.
	_, again := h.engine.Prepare(ctx, domain.PrepareInput{RequestID: "d3", Sender: sender, RecipientReference: "Nattaporn", Amount: 3500})
	if !errors.As(again, &validation) {
		t.Fatalf("expected cached validation error, got %v", again)
	}

	// The next calendar day in the limits timezone starts from zero.
	h.clock.Advance(14 * time.Hour)
	if _, err := h.engine.Prepare(ctx, domain.PrepareInput{RequestID: "d4", Sender: sender, RecipientReference: "Nattaporn", Amount: 2500}); err != nil {
		t.Fatalf("prepare on next day: %v", err)
	}
}

func TestTransferEngine_PrepareIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})
	in := domain.PrepareInput{
		RequestID:          "idem",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai"},
		RecipientReference: "123-456-003",
		Amount:             700,
	}

	first, err := h.engine.Prepare(ctx, in)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	second, err := h.engine.Prepare(ctx, in)
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if *first != *second {
		t.Fatalf("expected the cached preview, got %+v vs %+v", first, second)
	}

	in.Sender.OwnerID = "user-malee"
	if _, err := h.engine.Prepare(ctx, in); !errors.Is(err, domain.ErrRequestIDInUse) {
		t.Fatalf("expected ErrRequestIDInUse for another caller, got %v", err)
	}

	if _, err := h.engine.Execute(ctx, "idem"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	in.Sender.OwnerID = "user-somchai"
	after, err := h.engine.Prepare(ctx, in)
	if err != nil {
		t.Fatalf("prepare after execute: %v", err)
	}
	if after.Status != domain.TransferStatusExecuted {
		t.Fatalf("expected executed status on replayed prepare, got %s", after.Status)
	}
}

func TestTransferEngine_CachedPreviewIsIsolatedFromCallers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})
	in := domain.PrepareInput{
		RequestID:          "p1",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai"},
		RecipientReference: "Nattaporn",
		Amount:             1000,
	}

	first, err := h.engine.Prepare(ctx, in)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	first.RecipientAccountNumber = "MUTATED"
	first.NewBalancePreview = 1

	second, err := h.engine.Prepare(ctx, in)
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if second.RecipientAccountNumber != "123-456-002" || second.NewBalancePreview != 98650 {
		t.Fatalf("cached preview changed through a returned copy: %+v", second)
	}
	second.DailyRemainingPreview = -1

	stored, err := h.repo.FindTransferRequest(ctx, "p1")
	if err != nil {
		t.Fatalf("find request: %v", err)
	}
	if stored.Preview.RecipientAccountNumber != "123-456-002" || stored.Preview.DailyRemainingPreview == -1 {
		t.Fatalf("stored preview changed through a returned copy: %+v", stored.Preview)
	}
}

func TestTransferEngine_SenderSelection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})

	tests := []struct {
		name    string
		sender  domain.SenderIdentity
		wantErr error
	}{
		{name: "several accounts need a choice", sender: domain.SenderIdentity{OwnerID: "user-malee"}, wantErr: domain.ErrSenderAccountRequired},
		{name: "explicit account id", sender: domain.SenderIdentity{OwnerID: "user-malee", AccountID: "acc-malee-sav"}},
		{name: "explicit account number", sender: domain.SenderIdentity{OwnerID: "user-malee", AccountID: "CHK-101"}},
		{name: "foreign account", sender: domain.SenderIdentity{OwnerID: "user-malee", AccountID: "CHK-001"}, wantErr: domain.ErrAccountNotOwned},
		{name: "unknown account", sender: domain.SenderIdentity{OwnerID: "user-malee", AccountID: "nope"}, wantErr: domain.ErrAccountNotFound},
		{name: "caller without accounts", sender: domain.SenderIdentity{OwnerID: "user-ghost"}, wantErr: domain.ErrAccountNotFound},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Prepare(ctx, domain.PrepareInput{
				RequestID:          "sel-" + string(rune('a'+i)),
				Sender:             tt.sender,
				RecipientReference: "123-456-003",
				Amount:             100,
			})
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTransferEngine_PrepareRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})
	sender := domain.SenderIdentity{OwnerID: "user-somchai"}

	tests := []struct {
		name    string
		in      domain.PrepareInput
		wantErr error
	}{
		{name: "missing request id", in: domain.PrepareInput{Sender: sender, RecipientReference: "Nattaporn", Amount: 1}, wantErr: domain.ErrInvalidRequestID},
		{name: "zero amount", in: domain.PrepareInput{RequestID: "x1", Sender: sender, RecipientReference: "Nattaporn"}, wantErr: domain.ErrInvalidAmount},
		{name: "self transfer", in: domain.PrepareInput{RequestID: "x2", Sender: sender, RecipientReference: "CHK-001", Amount: 1}, wantErr: domain.ErrSameAccount},
		{name: "currency mismatch", in: domain.PrepareInput{RequestID: "x3", Sender: sender, RecipientReference: "USD-001", Amount: 1}, wantErr: domain.ErrCurrencyMismatch},
		{name: "empty recipient", in: domain.PrepareInput{RequestID: "x4", Sender: sender, RecipientReference: "  ", Amount: 1}, wantErr: domain.ErrRecipientNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.Prepare(ctx, tt.in); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTransferEngine_SaveBeneficiaryAfterTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})

	if _, err := h.engine.Prepare(ctx, domain.PrepareInput{
		RequestID:          "save",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai"},
		RecipientReference: "123-456-003",
		Amount:             300,
		SaveBeneficiary:    true,
		BeneficiaryAlias:   "Somsak",
	}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := h.engine.Execute(ctx, "save"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	b, err := h.registry.Resolve(ctx, "user-somchai", "somsak")
	if err != nil {
		t.Fatalf("resolve saved payee: %v", err)
	}
	if b.AccountNumber != "123-456-003" || b.Origin != domain.BeneficiaryOriginTransfer {
		t.Fatalf("unexpected saved payee: %+v", b)
	}
	if len(h.publisher.registered) != 1 {
		t.Fatalf("expected one beneficiary.registered event, got %d", len(h.publisher.registered))
	}
}

type failingCommitRepo struct {
	*store.JournalRepository
	mu        sync.Mutex
	commitErr error
}

func (r *failingCommitRepo) CommitTransfer(ctx context.Context, commit domain.TransferCommit) error {
	r.mu.Lock()
	err := r.commitErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.JournalRepository.CommitTransfer(ctx, commit)
}

func TestTransferEngine_StorageFaultIsRetrySafe(t *testing.T) {
	ctx := context.Background()
	journal, err := store.NewJournalRepository(scenarioSnapshot(), filepath.Join(t.TempDir(), "journal.jsonl"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	faulty := &failingCommitRepo{
		JournalRepository: journal,
		commitErr:         domain.StorageFault("append journal", errors.New("disk full")),
	}
	h := newHarness(t, scenarioSnapshot(), harnessOptions{repo: faulty})

	if _, err := h.engine.Prepare(ctx, domain.PrepareInput{
		RequestID:          "retry",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai"},
		RecipientReference: "Nattaporn",
		Amount:             1000,
	}); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = h.engine.Execute(ctx, "retry")
	if domain.KindOf(err) != domain.KindConsistency {
		t.Fatalf("expected consistency fault, got %v", err)
	}
	stored, _ := journal.FindTransferRequest(ctx, "retry")
	if stored.Status != domain.TransferStatusPrepared {
		t.Fatalf("request must stay prepared after a storage fault, got %s", stored.Status)
	}

	faulty.mu.Lock()
	faulty.commitErr = nil
	faulty.mu.Unlock()

	result, err := h.engine.Execute(ctx, "retry")
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if result.NewBalance != 98650 {
		t.Fatalf("expected 98650 after retry, got %d", result.NewBalance)
	}
}

type fixedLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *fixedLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func TestTransferEngine_PrepareRateLimit(t *testing.T) {
	ctx := context.Background()
	in := domain.PrepareInput{
		RequestID:          "rl",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai"},
		RecipientReference: "Nattaporn",
		Amount:             100,
	}

	limited := newHarness(t, scenarioSnapshot(), harnessOptions{limiter: &fixedLimiter{count: 6, retryAfter: 42}, rateLimit: 5})
	_, err := limited.engine.Prepare(ctx, in)
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) || rateErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected RateLimitError with retry 42, got %v", err)
	}
	if !errors.Is(err, domain.ErrRateLimited) || domain.KindOf(err) != domain.KindUserInput {
		t.Fatalf("expected rate limit to be a user input error, got %v", err)
	}

	failOpen := newHarness(t, scenarioSnapshot(), harnessOptions{limiter: &fixedLimiter{err: errors.New("redis down")}, rateLimit: 5})
	if _, err := failOpen.engine.Prepare(ctx, in); err != nil {
		t.Fatalf("expected limiter outage to be ignored, got %v", err)
	}
}

func TestTransferEngine_Lookup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scenarioSnapshot(), harnessOptions{})
	if _, err := h.engine.Prepare(ctx, domain.PrepareInput{
		RequestID:          "look",
		Sender:             domain.SenderIdentity{OwnerID: "user-somchai"},
		RecipientReference: "Nattaporn",
		Amount:             100,
	}); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	req, err := h.engine.Lookup(ctx, "user-somchai", "look")
	if err != nil || req.Status != domain.TransferStatusPrepared {
		t.Fatalf("expected prepared request, got %+v err=%v", req, err)
	}
	if _, err := h.engine.Lookup(ctx, "user-malee", "look"); !errors.Is(err, domain.ErrRequestNotFound) {
		t.Fatalf("expected other callers not to see the request, got %v", err)
	}
	if _, err := h.engine.Lookup(ctx, "user-somchai", "missing"); !errors.Is(err, domain.ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

// staleUsageRepo hides every recorded debit from the limits check, the way a second instance
// holding its own local lock would miss a debit committed concurrently elsewhere.
type staleUsageRepo struct {
	*store.JournalRepository
}

func (staleUsageRepo) SumDebitsBetween(ctx context.Context, accountID string, from, to time.Time) (int64, error) {
	return 0, nil
}

func TestTransferEngine_CommitRechecksDailyCap(t *testing.T) {
	ctx := context.Background()
	journal, err := store.NewJournalRepository(scenarioSnapshot(), filepath.Join(t.TempDir(), "journal.jsonl"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	h := newHarness(t, scenarioSnapshot(), harnessOptions{perTxnCap: 3000, dailyCap: 5000, repo: staleUsageRepo{journal}})
	sender := domain.SenderIdentity{OwnerID: "user-somchai"}

	for _, id := range []string{"c1", "c2", "c3"} {
		amount := int64(2500)
		if id == "c3" {
			amount = 1000
		}
		if _, err := h.engine.Prepare(ctx, domain.PrepareInput{RequestID: id, Sender: sender, RecipientReference: "Nattaporn", Amount: amount}); err != nil {
			t.Fatalf("prepare %s: %v", id, err)
		}
	}
	for _, id := range []string{"c1", "c2"} {
		if _, err := h.engine.Execute(ctx, id); err != nil {
			t.Fatalf("execute %s: %v", id, err)
		}
	}

	_, err = h.engine.Execute(ctx, "c3")
	var validation *domain.ValidationError
	if !errors.As(err, &validation) || !validation.HasViolation(domain.ViolationDailyCapExceeded) {
		t.Fatalf("expected daily cap rejection at commit, got %v", err)
	}
	stored, _ := journal.FindTransferRequest(ctx, "c3")
	if stored.Status != domain.TransferStatusFailed {
		t.Fatalf("expected c3 to be failed, got %s", stored.Status)
	}
	account, _ := journal.FindAccountByID(ctx, "acc-somchai-chk")
	if account.AvailableBalance != 94650 {
		t.Fatalf("expected only two debits, balance=%d", account.AvailableBalance)
	}
	report := journal.Audit(ictZone)
	if problems := report.Violations(3000, 5000); len(problems) != 0 {
		t.Fatalf("audit violations: %v", problems)
	}
}

func TestTransferEngine_ConcurrentExecutesStopAtDailyCap(t *testing.T) {
	ctx := context.Background()
	snapshot := store.Snapshot{
		Accounts: []domain.Account{
			{ID: "acc-source", OwnerID: "user-source", AccountNumber: "SRC-001", HolderName: "Source", Currency: "THB", LedgerBalance: 100000, AvailableBalance: 100000},
			{ID: "acc-sink", OwnerID: "user-sink", AccountNumber: "SNK-001", HolderName: "Sink", Currency: "THB"},
		},
	}
	h := newHarness(t, snapshot, harnessOptions{perTxnCap: 5000, dailyCap: 30000})

	const attempts = 100
	ids := make([]string, attempts)
	for i := range ids {
		ids[i] = uuid.NewString()
		if _, err := h.engine.Prepare(ctx, domain.PrepareInput{
			RequestID:          ids[i],
			Sender:             domain.SenderIdentity{OwnerID: "user-source"},
			RecipientReference: "SNK-001",
			Amount:             1000,
		}); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		rejected  int
		other     []error
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(requestID string) {
			defer wg.Done()
			<-start
			_, err := h.engine.Execute(ctx, requestID)
			mu.Lock()
			defer mu.Unlock()
			var validation *domain.ValidationError
			switch {
			case err == nil:
				committed++
			case errors.As(err, &validation) && validation.HasViolation(domain.ViolationDailyCapExceeded) &&
				!validation.HasViolation(domain.ViolationInsufficientBalance):
				rejected++
			default:
				other = append(other, err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if len(other) != 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if committed != 30 || rejected != 70 {
		t.Fatalf("expected 30 commits and 70 rejections, got %d and %d", committed, rejected)
	}
	if got := h.balance(t, "acc-source"); got != 70000 {
		t.Fatalf("expected 70000 left on source, got %d", got)
	}
	report := h.repo.Audit(ictZone)
	if problems := report.Violations(5000, 30000); len(problems) != 0 {
		t.Fatalf("audit violations: %v", problems)
	}
	var used int64
	for _, debits := range report.DailyDebitUsage["acc-source"] {
		used += debits
	}
	if used != 30000 {
		t.Fatalf("expected 30000 debited today, got %d", used)
	}
}
