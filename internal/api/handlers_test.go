package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

const (
	testInternalKey = "internal-key"
	testJWTSecret   = "session-secret"
)

type fixedLimiter struct {
	count      int
	retryAfter int
}

func (f fixedLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return f.count, f.retryAfter, nil
}

type testServer struct {
	handler http.Handler
	repo    *store.JournalRepository
}

func newTestServer(t *testing.T, limiter app.RateLimiter) *testServer {
	t.Helper()
	snapshot := store.Snapshot{
		Accounts: []domain.Account{
			{ID: "acc-somchai-chk", OwnerID: "user-somchai", AccountNumber: "CHK-001", AccountType: "checking", HolderName: "Somchai Jaidee", Currency: "THB", LedgerBalance: 9965000, AvailableBalance: 9965000},
			{ID: "acc-nattaporn", OwnerID: "user-nattaporn", AccountNumber: "123-456-002", AccountType: "savings", HolderName: "Nattaporn Srisuk", Currency: "THB", LedgerBalance: 500000, AvailableBalance: 500000},
			{ID: "acc-somsak", OwnerID: "user-somsak", AccountNumber: "123-456-003", AccountType: "savings", HolderName: "Somsak Rakthai", Currency: "THB"},
		},
		Beneficiaries: []domain.Beneficiary{
			{OwnerID: "user-somchai", AccountNumber: "123-456-002", DisplayName: "Nattaporn Srisuk", Alias: "Nattaporn", Origin: domain.BeneficiaryOriginBase},
		},
	}
	repo, err := store.NewJournalRepository(snapshot, filepath.Join(t.TempDir(), "journal.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	directory := app.NewAccountDirectory(repo)
	registry := app.NewBeneficiaryRegistry(repo, directory, nil, nil)
	limits, err := app.NewLimitsEnforcer(repo, directory, app.LimitsConfig{
		PerTransactionCap: 5000000,
		DailyCap:          20000000,
		Location:          time.UTC,
	})
	require.NoError(t, err)
	engine := app.NewTransferEngine(app.EngineDeps{
		Repo:        repo,
		Directory:   directory,
		Registry:    registry,
		Limits:      limits,
		RateLimiter: limiter,
	}, app.EngineConfig{PrepareRateLimitPerMinute: 5})

	h := NewHandlers(engine, directory, registry, limits, nil)
	return &testServer{
		handler: NewRouter(h, RouterConfig{InternalAPIKey: testInternalKey, SessionJWTSecret: testJWTSecret}),
		repo:    repo,
	}
}

func sessionToken(t *testing.T, ownerID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": ownerID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, ownerID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	if ownerID != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken(t, ownerID))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRouter_PrepareAndExecuteByAlias(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, "user-somchai", http.MethodPost, "/transfers/prepare", map[string]interface{}{
		"request_id": "1",
		"account_id": "CHK-001",
		"recipient":  "Nattaporn",
		"amount":     "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decodeBody(t, rec)
	assert.Equal(t, "123-456-002", preview["recipient_account_number"])
	assert.Equal(t, "98650.00", preview["new_balance_preview"])
	assert.Equal(t, "prepared", preview["status"])

	rec = s.do(t, "user-somchai", http.MethodPost, "/transfers/execute", map[string]string{"request_id": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody(t, rec)
	assert.Equal(t, "98650.00", first["new_balance"])
	assert.Equal(t, "executed", first["status"])

	rec = s.do(t, "user-somchai", http.MethodPost, "/transfers/execute", map[string]string{"request_id": "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, decodeBody(t, rec))

	rec = s.do(t, "user-somchai", http.MethodGet, "/transfers/requests/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "executed", status["status"])
	assert.NotNil(t, status["result"])

	rec = s.do(t, "user-somchai", http.MethodGet, "/transfers/accounts/CHK-001/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "debit", history[0]["direction"])
	assert.Equal(t, "1000.00", history[0]["amount"])
}

func TestRouter_ExecuteHidesOtherCallersRequests(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, "user-somchai", http.MethodPost, "/transfers/prepare", map[string]interface{}{
		"request_id": "mine",
		"recipient":  "123-456-003",
		"amount":     "1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "user-nattaporn", http.MethodPost, "/transfers/execute", map[string]string{"request_id": "mine"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	account, err := s.repo.FindAccountByID(context.Background(), "acc-somchai-chk")
	require.NoError(t, err)
	assert.Equal(t, int64(9965000), account.AvailableBalance)
}

func TestRouter_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		owner      string
		body       map[string]interface{}
		wantStatus int
		wantKind   string
	}{
		{
			name:       "unknown recipient",
			owner:      "user-somchai",
			body:       map[string]interface{}{"request_id": "e-1", "recipient": "999-999-999", "amount": "10"},
			wantStatus: http.StatusNotFound,
			wantKind:   "user_input",
		},
		{
			name:       "amount with too many decimals",
			owner:      "user-somchai",
			body:       map[string]interface{}{"request_id": "e-2", "recipient": "123-456-003", "amount": "1.005"},
			wantStatus: http.StatusBadRequest,
			wantKind:   "user_input",
		},
		{
			name:       "over balance",
			owner:      "user-nattaporn",
			body:       map[string]interface{}{"request_id": "e-3", "recipient": "123-456-003", "amount": "6000"},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "validation",
		},
		{
			name:       "same account",
			owner:      "user-somchai",
			body:       map[string]interface{}{"request_id": "e-4", "recipient": "CHK-001", "amount": "1"},
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "user_input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.owner, http.MethodPost, "/transfers/prepare", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeBody(t, rec)["kind"])
		})
	}

	rec := s.do(t, "user-nattaporn", http.MethodPost, "/transfers/prepare", map[string]interface{}{
		"request_id": "e-3", "recipient": "123-456-003", "amount": "6000",
	})
	body := decodeBody(t, rec)
	check, ok := body["check"].(map[string]interface{})
	require.True(t, ok, "validation errors carry the limit check")
	assert.Equal(t, []interface{}{"InsufficientBalance"}, check["violations"])

	rec = s.do(t, "user-somchai", http.MethodPost, "/transfers/prepare", map[string]interface{}{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_RateLimitedPrepareSetsRetryAfter(t *testing.T) {
	s := newTestServer(t, fixedLimiter{count: 6, retryAfter: 42})

	rec := s.do(t, "user-somchai", http.MethodPost, "/transfers/prepare", map[string]interface{}{
		"request_id": "r-1", "recipient": "123-456-003", "amount": "1",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestRouter_BeneficiaryLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, "user-somchai", http.MethodPost, "/transfers/beneficiaries", map[string]string{"account_number": "123-456-003", "alias": "Somsak"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Somsak Rakthai", decodeBody(t, rec)["display_name"])

	rec = s.do(t, "user-somchai", http.MethodPost, "/transfers/beneficiaries", map[string]string{"account_number": "123-456-003"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, "user-somchai", http.MethodGet, "/transfers/beneficiaries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = s.do(t, "user-somchai", http.MethodDelete, "/transfers/beneficiaries/123-456-003", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, "user-somchai", http.MethodDelete, "/transfers/beneficiaries/123-456-003", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_AccountsVerifyAndLimits(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, "user-somchai", http.MethodGet, "/transfers/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "99650.00", accounts[0]["available_balance"])

	rec = s.do(t, "user-somchai", http.MethodGet, "/transfers/accounts/verify/123-456-002", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	verified := decodeBody(t, rec)
	assert.Equal(t, true, verified["found"])
	assert.Equal(t, "Nattaporn Srisuk", verified["holder_name"])

	rec = s.do(t, "user-somchai", http.MethodGet, "/transfers/accounts/verify/000-000-000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["found"])

	rec = s.do(t, "user-somchai", http.MethodPost, "/transfers/limits/check", map[string]string{"account_id": "CHK-001", "amount": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check := decodeBody(t, rec)
	assert.Equal(t, true, check["passed"])
	assert.Equal(t, "98650.00", check["remaining_after"])

	rec = s.do(t, "user-somchai", http.MethodPost, "/transfers/limits/check", map[string]string{"account_id": "CHK-001", "amount": "100000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check = decodeBody(t, rec)
	assert.Equal(t, false, check["passed"])
	assert.Equal(t, "-350.00", check["remaining_after"])
	assert.Equal(t, []interface{}{"InsufficientBalance", "PerTransactionCapExceeded"}, check["violations"])

	rec = s.do(t, "user-nattaporn", http.MethodPost, "/transfers/limits/check", map[string]string{"account_id": "CHK-001", "amount": "1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Authentication(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/transfers/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, "user-somchai"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing internal key")

	rec = s.do(t, "", http.MethodGet, "/transfers/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing session token")

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-somchai"})
	signed, err := forged.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/transfers/accounts", nil)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong signing key")

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrAccountNotOwned, http.StatusNotFound},
		{domain.ErrRequestNotFound, http.StatusNotFound},
		{domain.ErrAmbiguousRecipient, http.StatusConflict},
		{domain.ErrRequestIDInUse, http.StatusConflict},
		{domain.ErrSenderAccountRequired, http.StatusUnprocessableEntity},
		{domain.ErrInvalidRequestID, http.StatusBadRequest},
		{&app.RateLimitError{RetryAfterSeconds: 1}, http.StatusTooManyRequests},
		{domain.NewValidationError(domain.LimitCheck{Violations: []domain.Violation{domain.ViolationDailyCapExceeded}}), http.StatusUnprocessableEntity},
		{domain.StorageFault("commit", errors.New("disk full")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
