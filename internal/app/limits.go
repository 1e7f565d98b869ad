package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

// LimitsConfig holds the regulatory caps, in minor units, and the timezone that defines
// a calendar day for the daily cap.
type LimitsConfig struct {
	PerTransactionCap int64
	DailyCap          int64
	Location          *time.Location
	Now               func() time.Time
}

// LimitsEnforcer evaluates balance sufficiency and both caps for a prospective debit.
type LimitsEnforcer struct {
	repo      store.Repository
	directory *AccountDirectory
	perTxnCap int64
	dailyCap  int64
	loc       *time.Location
	now       func() time.Time
}

// NewLimitsEnforcer validates cfg and builds an enforcer.
func NewLimitsEnforcer(repo store.Repository, directory *AccountDirectory, cfg LimitsConfig) (*LimitsEnforcer, error) {
	if cfg.PerTransactionCap <= 0 || cfg.DailyCap <= 0 {
		return nil, errors.New("per-transaction and daily caps must be positive")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LimitsEnforcer{
		repo:      repo,
		directory: directory,
		perTxnCap: cfg.PerTransactionCap,
		dailyCap:  cfg.DailyCap,
		loc:       cfg.Location,
		now:       cfg.Now,
	}, nil
}

// DayBounds returns the [start, end) of the calendar day containing t in the limits timezone.
func (l *LimitsEnforcer) DayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(l.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.loc)
	return start, start.AddDate(0, 0, 1)
}

// DailyCap returns the configured daily cap in minor units.
func (l *LimitsEnforcer) DailyCap() int64 {
	return l.dailyCap
}

// UsedToday sums the account's debits for the current calendar day.
func (l *LimitsEnforcer) UsedToday(ctx context.Context, accountID string) (int64, error) {
	from, to := l.DayBounds(l.now())
	return l.repo.SumDebitsBetween(ctx, accountID, from, to)
}

// Check evaluates every rule without short-circuiting so that all violations are reported.
// It never mutates state.
func (l *LimitsEnforcer) Check(ctx context.Context, accountID string, amount int64) (domain.LimitCheck, error) {
	if amount <= 0 {
		return domain.LimitCheck{}, domain.ErrInvalidAmount
	}
	account, err := l.directory.AccountByID(ctx, accountID)
	if err != nil {
		return domain.LimitCheck{}, err
	}
	usedToday, err := l.UsedToday(ctx, account.ID)
	if err != nil {
		return domain.LimitCheck{}, err
	}
	return l.evaluate(account, usedToday, amount), nil
}

func (l *LimitsEnforcer) evaluate(account *domain.Account, usedToday, amount int64) domain.LimitCheck {
	check := domain.LimitCheck{
		AccountID:           account.ID,
		Amount:              amount,
		AvailableBalance:    account.AvailableBalance,
		UsedToday:           usedToday,
		PerTransactionCap:   l.perTxnCap,
		DailyCap:            l.dailyCap,
		RemainingAfter:      account.AvailableBalance - amount,
		DailyRemainingAfter: l.dailyCap - usedToday - amount,
	}
	check.SufficientBalance = amount <= account.AvailableBalance
	check.WithinPerTransactionCap = amount <= l.perTxnCap
	check.WithinDailyCap = usedToday+amount <= l.dailyCap

	var reasons []string
	if !check.SufficientBalance {
		check.Violations = append(check.Violations, domain.ViolationInsufficientBalance)
		reasons = append(reasons, fmt.Sprintf("insufficient balance: available %s, requested %s",
			domain.FormatAmount(account.AvailableBalance), domain.FormatAmount(amount)))
	}
	if !check.WithinPerTransactionCap {
		check.Violations = append(check.Violations, domain.ViolationPerTransactionCapExceeded)
		reasons = append(reasons, fmt.Sprintf("per-transaction cap %s exceeded", domain.FormatAmount(l.perTxnCap)))
	}
	if !check.WithinDailyCap {
		check.Violations = append(check.Violations, domain.ViolationDailyCapExceeded)
		remaining := l.dailyCap - usedToday
		if remaining < 0 {
			remaining = 0
		}
		reasons = append(reasons, fmt.Sprintf("daily cap %s exceeded: %s remaining today",
			domain.FormatAmount(l.dailyCap), domain.FormatAmount(remaining)))
	}
	check.FailureReason = strings.Join(reasons, "; ")
	return check
}
