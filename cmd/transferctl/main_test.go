package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

func TestRunVerify(t *testing.T) {
	clean := store.AuditReport{
		Accounts:          []domain.Account{{ID: "a"}, {ID: "b"}},
		OpeningTotal:      100000,
		CurrentTotal:      100000,
		MaxSingleDebit:    1000,
		DailyDebitUsage:   map[string]map[string]int64{"a": {"2026-03-02": 3000}},
		ExecutedTransfers: 3,
	}

	var out bytes.Buffer
	require.NoError(t, runVerify(&out, clean, 5000, 5000))
	assert.Contains(t, out.String(), "status:             OK")
	assert.Contains(t, out.String(), "1000.00")

	out.Reset()
	err := runVerify(&out, clean, 500, 2000)
	require.Error(t, err)
	assert.Contains(t, out.String(), "exceeds per-transaction cap 5.00")
	assert.Contains(t, out.String(), "account a used 30.00 on 2026-03-02")

	broken := clean
	broken.Problems = []string{"total balance changed from 100000 to 99000"}
	out.Reset()
	require.Error(t, runVerify(&out, broken, 0, 0))
	assert.Contains(t, out.String(), "total balance changed")
}

func TestPrintBalances(t *testing.T) {
	accounts := []domain.Account{
		{ID: "acc-1", OwnerID: "user-somchai", AccountNumber: "CHK-001", Currency: "THB", LedgerBalance: 100000, AvailableBalance: 99650},
		{ID: "acc-2", OwnerID: "user-malee", AccountNumber: "SAV-101", Currency: "THB", LedgerBalance: 1000, AvailableBalance: 1000},
	}

	var out bytes.Buffer
	require.NoError(t, printBalances(&out, accounts, "user-somchai"))
	assert.Contains(t, out.String(), "CHK-001")
	assert.Contains(t, out.String(), "996.50")
	assert.NotContains(t, out.String(), "SAV-101")

	out.Reset()
	err := printBalances(&out, accounts, "user-ghost")
	assert.True(t, errors.Is(err, domain.ErrAccountNotFound))
}
