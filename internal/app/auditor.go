/**
 * @description
 * Cron-driven ledger audit. On every tick the journal is re-derived from the snapshot and
 * the log, and any broken invariant (conservation, negative balances, cap overruns) is
 * logged at error level.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/transfer-service/internal/store"
	"go.uber.org/zap"
)

// LedgerAuditSource is implemented by stores that can recompute their own invariants.
type LedgerAuditSource interface {
	Audit(loc *time.Location) store.AuditReport
}

// AuditScheduler runs the ledger audit on a cron schedule.
type AuditScheduler struct {
	cron     *cron.Cron
	source   LedgerAuditSource
	schedule string
	limits   LimitsConfig
	logger   *zap.Logger
}

// NewAuditScheduler creates a scheduler. limits supplies the caps and the timezone that
// defines a day.
func NewAuditScheduler(source LedgerAuditSource, schedule string, limits LimitsConfig, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ledger_audit"))
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &AuditScheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		source:   source,
		schedule: schedule,
		limits:   limits,
		logger:   logger,
	}
}

// Start registers the audit job and starts the scheduler.
func (s *AuditScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		s.logger.Error("failed to schedule ledger audit", zap.String("schedule", s.schedule), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled ledger audit", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once a running audit finishes.
func (s *AuditScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce audits the ledger and returns every violation found.
func (s *AuditScheduler) RunOnce() []string {
	loc := s.limits.Location
	if loc == nil {
		loc = time.UTC
	}
	report := s.source.Audit(loc)
	problems := report.Violations(s.limits.PerTransactionCap, s.limits.DailyCap)
	if len(problems) == 0 {
		s.logger.Info("ledger audit passed",
			zap.Int("accounts", len(report.Accounts)),
			zap.Int("executed_transfers", report.ExecutedTransfers),
			zap.String("outcome", "success"))
		return nil
	}
	for _, p := range problems {
		s.logger.Error("ledger invariant violated",
			zap.String("outcome", "failed"),
			zap.String("reason", p))
	}
	return problems
}
