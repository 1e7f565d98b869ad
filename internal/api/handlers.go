/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers parse incoming requests, call the application components and write the HTTP
 * response. Amounts cross the wire as decimal strings in major units ("1000.00"); the
 * application works in minor units.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters and request ids.
 * - go.uber.org/zap: structured request logging.
 * - internal/app, internal/domain: service logic, models and the error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/domain"
	"go.uber.org/zap"
)

// Handlers holds the application components the handlers use.
type Handlers struct {
	engine    *app.TransferEngine
	directory *app.AccountDirectory
	registry  *app.BeneficiaryRegistry
	limits    *app.LimitsEnforcer
	logger    *zap.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(engine *app.TransferEngine, directory *app.AccountDirectory, registry *app.BeneficiaryRegistry, limits *app.LimitsEnforcer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		engine:    engine,
		directory: directory,
		registry:  registry,
		limits:    limits,
		logger:    logger.With(zap.String("component", "api")),
	}
}

type accountResponse struct {
	AccountID        string `json:"account_id"`
	AccountNumber    string `json:"account_number"`
	AccountType      string `json:"account_type"`
	HolderName       string `json:"holder_name"`
	Currency         string `json:"currency"`
	LedgerBalance    string `json:"ledger_balance"`
	AvailableBalance string `json:"available_balance"`
}

type beneficiaryResponse struct {
	AccountNumber string    `json:"account_number"`
	DisplayName   string    `json:"display_name"`
	Alias         string    `json:"alias,omitempty"`
	Origin        string    `json:"origin"`
	RegisteredOn  time.Time `json:"registered_on,omitempty"`
}

type transactionResponse struct {
	TransactionID             string    `json:"transaction_id"`
	TransferID                string    `json:"transfer_id"`
	Direction                 string    `json:"direction"`
	Amount                    string    `json:"amount"`
	Currency                  string    `json:"currency"`
	CounterpartyAccountNumber string    `json:"counterparty_account_number"`
	CounterpartyName          string    `json:"counterparty_name"`
	Timestamp                 time.Time `json:"timestamp"`
}

type limitCheckResponse struct {
	AccountID               string   `json:"account_id"`
	Amount                  string   `json:"amount"`
	AvailableBalance        string   `json:"available_balance"`
	UsedToday               string   `json:"used_today"`
	PerTransactionCap       string   `json:"per_transaction_cap"`
	DailyCap                string   `json:"daily_cap"`
	SufficientBalance       bool     `json:"sufficient_balance"`
	WithinPerTransactionCap bool     `json:"within_per_transaction_cap"`
	WithinDailyCap          bool     `json:"within_daily_cap"`
	RemainingAfter          string   `json:"remaining_after"`
	DailyRemainingAfter     string   `json:"daily_remaining_after"`
	Passed                  bool     `json:"passed"`
	Violations              []string `json:"violations"`
	FailureReason           string   `json:"failure_reason,omitempty"`
}

type previewResponse struct {
	RequestID              string `json:"request_id"`
	Status                 string `json:"status"`
	SenderAccountID        string `json:"sender_account_id"`
	SenderAccountNumber    string `json:"sender_account_number"`
	SenderName             string `json:"sender_name"`
	RecipientAccountNumber string `json:"recipient_account_number"`
	RecipientName          string `json:"recipient_name"`
	RecipientIsBeneficiary bool   `json:"recipient_is_beneficiary"`
	Currency               string `json:"currency"`
	Amount                 string `json:"amount"`
	CurrentBalance         string `json:"current_balance"`
	NewBalancePreview      string `json:"new_balance_preview"`
	DailyRemainingPreview  string `json:"daily_remaining_preview"`
}

type resultResponse struct {
	RequestID              string    `json:"request_id"`
	Status                 string    `json:"status"`
	TransferID             string    `json:"transfer_id"`
	TransactionID          string    `json:"transaction_id"`
	SenderAccountID        string    `json:"sender_account_id"`
	RecipientAccountNumber string    `json:"recipient_account_number"`
	Amount                 string    `json:"amount"`
	Currency               string    `json:"currency"`
	NewBalance             string    `json:"new_balance"`
	NewAvailableBalance    string    `json:"new_available_balance"`
	DailyRemaining         string    `json:"daily_remaining"`
	ExecutedAt             time.Time `json:"executed_at"`
}

type requestStatusResponse struct {
	RequestID              string              `json:"request_id"`
	Status                 string              `json:"status"`
	SenderAccountID        string              `json:"sender_account_id"`
	RecipientAccountNumber string              `json:"recipient_account_number"`
	RecipientName          string              `json:"recipient_name"`
	Amount                 string              `json:"amount"`
	Currency               string              `json:"currency"`
	FailureReason          string              `json:"failure_reason,omitempty"`
	Result                 *resultResponse     `json:"result,omitempty"`
	FailureCheck           *limitCheckResponse `json:"failure_check,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

type prepareRequest struct {
	RequestID        string `json:"request_id"`
	AccountID        string `json:"account_id"`
	Recipient        string `json:"recipient"`
	Amount           string `json:"amount"`
	SaveBeneficiary  bool   `json:"save_beneficiary"`
	BeneficiaryAlias string `json:"beneficiary_alias"`
}

type executeRequest struct {
	RequestID string `json:"request_id"`
}

type limitsCheckRequest struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
}

type registerBeneficiaryRequest struct {
	AccountNumber string `json:"account_number"`
	DisplayName   string `json:"display_name"`
	Alias         string `json:"alias"`
}

func toAccountResponse(a domain.Account) accountResponse {
	return accountResponse{
		AccountID:        a.ID,
		AccountNumber:    a.AccountNumber,
		AccountType:      a.AccountType,
		HolderName:       a.HolderName,
		Currency:         a.Currency,
		LedgerBalance:    domain.FormatAmount(a.LedgerBalance),
		AvailableBalance: domain.FormatAmount(a.AvailableBalance),
	}
}

func toBeneficiaryResponse(b domain.Beneficiary) beneficiaryResponse {
	return beneficiaryResponse{
		AccountNumber: b.AccountNumber,
		DisplayName:   b.DisplayName,
		Alias:         b.Alias,
		Origin:        string(b.Origin),
		RegisteredOn:  b.RegisteredOn,
	}
}

func toLimitCheckResponse(c domain.LimitCheck) limitCheckResponse {
	violations := make([]string, 0, len(c.Violations))
	for _, v := range c.Violations {
		violations = append(violations, string(v))
	}
	return limitCheckResponse{
		AccountID:               c.AccountID,
		Amount:                  domain.FormatAmount(c.Amount),
		AvailableBalance:        domain.FormatAmount(c.AvailableBalance),
		UsedToday:               domain.FormatAmount(c.UsedToday),
		PerTransactionCap:       domain.FormatAmount(c.PerTransactionCap),
		DailyCap:                domain.FormatAmount(c.DailyCap),
		SufficientBalance:       c.SufficientBalance,
		WithinPerTransactionCap: c.WithinPerTransactionCap,
		WithinDailyCap:          c.WithinDailyCap,
		RemainingAfter:          domain.FormatAmount(c.RemainingAfter),
		DailyRemainingAfter:     domain.FormatAmount(c.DailyRemainingAfter),
		Passed:                  c.Passed(),
		Violations:              violations,
		FailureReason:           c.FailureReason,
	}
}

func toPreviewResponse(p *domain.TransferPreview) previewResponse {
	return previewResponse{
		RequestID:              p.RequestID,
		Status:                 string(p.Status),
		SenderAccountID:        p.SenderAccountID,
		SenderAccountNumber:    p.SenderAccountNumber,
		SenderName:             p.SenderName,
		RecipientAccountNumber: p.RecipientAccountNumber,
		RecipientName:          p.RecipientName,
		RecipientIsBeneficiary: p.RecipientIsBeneficiary,
		Currency:               p.Currency,
		Amount:                 domain.FormatAmount(p.Amount),
		CurrentBalance:         domain.FormatAmount(p.CurrentBalance),
		NewBalancePreview:      domain.FormatAmount(p.NewBalancePreview),
		DailyRemainingPreview:  domain.FormatAmount(p.DailyRemainingPreview),
	}
}

func toResultResponse(r *domain.TransferResult) *resultResponse {
	return &resultResponse{
		RequestID:              r.RequestID,
		Status:                 string(domain.TransferStatusExecuted),
		TransferID:             r.TransferID.String(),
		TransactionID:          r.TransactionID.String(),
		SenderAccountID:        r.SenderAccountID,
		RecipientAccountNumber: r.RecipientAccountNumber,
		Amount:                 domain.FormatAmount(r.Amount),
		Currency:               r.Currency,
		NewBalance:             domain.FormatAmount(r.NewBalance),
		NewAvailableBalance:    domain.FormatAmount(r.NewAvailableBalance),
		DailyRemaining:         domain.FormatAmount(r.DailyRemaining),
		ExecutedAt:             r.ExecutedAt,
	}
}

func toRequestStatusResponse(req *domain.TransferRequest) requestStatusResponse {
	resp := requestStatusResponse{
		RequestID:              req.RequestID,
		Status:                 string(req.Status),
		SenderAccountID:        req.SenderAccountID,
		RecipientAccountNumber: req.RecipientAccountNumber,
		RecipientName:          req.RecipientName,
		Amount:                 domain.FormatAmount(req.Amount),
		Currency:               req.Currency,
		FailureReason:          req.FailureReason,
		CreatedAt:              req.CreatedAt,
		UpdatedAt:              req.UpdatedAt,
	}
	if req.Result != nil {
		resp.Result = toResultResponse(req.Result)
	}
	if req.FailureCheck != nil {
		check := toLimitCheckResponse(*req.FailureCheck)
		resp.FailureCheck = &check
	}
	return resp
}

// ListAccountsHandler returns the caller's accounts.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	accounts, err := h.directory.AccountsForUser(r.Context(), ownerID)
	if err != nil {
		h.writeDomainError(w, r, "list_accounts", err)
		return
	}
	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toAccountResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// VerifyAccountHandler reports whether an account number exists and who holds it.
func (h *Handlers) VerifyAccountHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireOwner(w, r); !ok {
		return
	}
	verification, err := h.directory.VerifyAccountNumber(r.Context(), chi.URLParam(r, "accountNumber"))
	if err != nil {
		h.writeDomainError(w, r, "verify_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, verification)
}

// AccountHistoryHandler returns recent ledger records of one of the caller's accounts.
func (h *Handlers) AccountHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := h.directory.History(r.Context(), ownerID, chi.URLParam(r, "accountID"), limit)
	if err != nil {
		h.writeDomainError(w, r, "account_history", err)
		return
	}
	resp := make([]transactionResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, transactionResponse{
			TransactionID:             rec.ID.String(),
			TransferID:                rec.TransferID.String(),
			Direction:                 string(rec.Direction),
			Amount:                    domain.FormatAmount(rec.Amount),
			Currency:                  rec.Currency,
			CounterpartyAccountNumber: rec.CounterpartyAccountNumber,
			CounterpartyName:          rec.CounterpartyName,
			Timestamp:                 rec.Timestamp,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CheckLimitsHandler evaluates every limit rule for a prospective debit without recording
// anything.
func (h *Handlers) CheckLimitsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var req limitsCheckRequest
	if !h.decode(w, r, "check_limits", &req) {
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		h.writeDomainError(w, r, "check_limits", err)
		return
	}
	account, err := h.directory.OwnedAccount(r.Context(), ownerID, req.AccountID)
	if err != nil {
		h.writeDomainError(w, r, "check_limits", err)
		return
	}
	check, err := h.limits.Check(r.Context(), account.ID, amount)
	if err != nil {
		h.writeDomainError(w, r, "check_limits", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toLimitCheckResponse(check))
}

// PrepareHandler runs the read-only first phase of a transfer.
func (h *Handlers) PrepareHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var req prepareRequest
	if !h.decode(w, r, "prepare", &req) {
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		h.writeDomainError(w, r, "prepare", err)
		return
	}

	preview, err := h.engine.Prepare(r.Context(), domain.PrepareInput{
		RequestID:          req.RequestID,
		Sender:             domain.SenderIdentity{OwnerID: ownerID, AccountID: req.AccountID},
		RecipientReference: req.Recipient,
		Amount:             amount,
		SaveBeneficiary:    req.SaveBeneficiary,
		BeneficiaryAlias:   req.BeneficiaryAlias,
	})
	if err != nil {
		h.writeDomainError(w, r, "prepare", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPreviewResponse(preview))
}

// ExecuteHandler commits a prepared transfer owned by the caller.
func (h *Handlers) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if !h.decode(w, r, "execute", &req) {
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		h.writeDomainError(w, r, "execute", domain.ErrInvalidRequestID)
		return
	}

	// Another caller's request id is indistinguishable from an unknown one.
	if _, err := h.engine.Lookup(r.Context(), ownerID, req.RequestID); err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			err = domain.ErrNoMatchingPreparedTransfer
		}
		h.writeDomainError(w, r, "execute", err)
		return
	}

	result, err := h.engine.Execute(r.Context(), req.RequestID)
	if err != nil {
		h.writeDomainError(w, r, "execute", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResultResponse(result))
}

// RequestStatusHandler returns the recorded state of one of the caller's transfer requests.
func (h *Handlers) RequestStatusHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	req, err := h.engine.Lookup(r.Context(), ownerID, chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeDomainError(w, r, "request_status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRequestStatusResponse(req))
}

// ListBeneficiariesHandler returns the caller's trusted payees.
func (h *Handlers) ListBeneficiariesHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	beneficiaries, err := h.registry.List(r.Context(), ownerID)
	if err != nil {
		h.writeDomainError(w, r, "list_beneficiaries", err)
		return
	}
	resp := make([]beneficiaryResponse, 0, len(beneficiaries))
	for _, b := range beneficiaries {
		resp = append(resp, toBeneficiaryResponse(b))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RegisterBeneficiaryHandler adds a trusted payee for the caller.
func (h *Handlers) RegisterBeneficiaryHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	var req registerBeneficiaryRequest
	if !h.decode(w, r, "register_beneficiary", &req) {
		return
	}
	beneficiary, err := h.registry.Register(r.Context(), ownerID, req.AccountNumber, req.DisplayName, req.Alias)
	if err != nil {
		h.writeDomainError(w, r, "register_beneficiary", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toBeneficiaryResponse(*beneficiary))
}

// RemoveBeneficiaryHandler removes a trusted payee from the caller's list.
func (h *Handlers) RemoveBeneficiaryHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	if err := h.registry.Remove(r.Context(), ownerID, chi.URLParam(r, "accountNumber")); err != nil {
		h.writeDomainError(w, r, "remove_beneficiary", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := GetOwnerID(r.Context())
	if !ok || ownerID == "" {
		h.writeError(w, http.StatusUnauthorized, "Could not get owner ID from context")
		return "", false
	}
	return ownerID, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.logger.Warn("request rejected",
			zap.String("endpoint", endpoint),
			zap.String("outcome", "reject"),
			zap.String("reason", "invalid_json"),
			zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps an error to its HTTP status using the domain error taxonomy.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindConsistency:
		return http.StatusServiceUnavailable
	case domain.KindUserInput:
	default:
		return http.StatusInternalServerError
	}

	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidRequestID):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyRegistered),
		errors.Is(err, domain.ErrAmbiguousRecipient),
		errors.Is(err, domain.ErrRequestIDInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSenderAccountRequired),
		errors.Is(err, domain.ErrSameAccount),
		errors.Is(err, domain.ErrCurrencyMismatch):
		return http.StatusUnprocessableEntity
	default:
		// Not-found family, including accounts owned by someone else.
		return http.StatusNotFound
	}
}

func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	status := statusFor(err)
	kind := domain.KindOf(err)
	fields := []zap.Field{
		zap.String("endpoint", endpoint),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("outcome", "failed"),
		zap.String("reason", kind.String()),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Warn("request rejected", fields...)
	}

	body := map[string]interface{}{
		"error": err.Error(),
		"kind":  kind.String(),
	}
	switch {
	case status == http.StatusInternalServerError:
		body["error"] = "Internal server error"
	case status == http.StatusServiceUnavailable:
		body["error"] = "Storage temporarily unavailable; retry with the same request id"
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		body["check"] = toLimitCheckResponse(validationErr.Check)
	}
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}
	h.writeJSON(w, status, body)
}

func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("request served",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
