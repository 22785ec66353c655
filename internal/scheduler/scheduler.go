// Package scheduler runs the engine's periodic maintenance jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vestepos/backend/internal/engine"
)

type Scheduler struct {
	cron        *cron.Cron
	engine      *engine.Engine
	discountTTL time.Duration
	logger      *zap.Logger
}

func New(eng *engine.Engine, discountTTL time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if discountTTL <= 0 {
		discountTTL = 15 * time.Minute
	}
	return &Scheduler{
		cron:        cron.New(),
		engine:      eng,
		discountTTL: discountTTL,
		logger:      logger,
	}
}

// Start registers the jobs and starts the cron loop: stale discount requests
// are swept every minute, ledger balances are reconciled nightly at 03:00.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc("* * * * *", s.sweepStaleDiscounts); err != nil {
		s.logger.Error("failed to schedule discount sweep", zap.Error(err))
	}
	if _, err := s.cron.AddFunc("0 3 * * *", s.reconcileLedger); err != nil {
		s.logger.Error("failed to schedule ledger reconciliation", zap.Error(err))
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("discountTTL", s.discountTTL))
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) sweepStaleDiscounts() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := s.engine.ExpireStaleDiscounts(ctx, s.discountTTL)
	if err != nil {
		s.logger.Error("discount sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale discount requests", zap.Int("count", expired))
	}
}

func (s *Scheduler) reconcileLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	mismatches, err := s.engine.VerifyAccounts(ctx)
	if err != nil {
		s.logger.Error("ledger reconciliation failed", zap.Error(err))
		return
	}
	for _, m := range mismatches {
		s.logger.Warn("ledger balance mismatch",
			zap.String("accountId", m.AccountID),
			zap.String("name", m.Name),
			zap.Int64("expected", m.ExpectedCents),
			zap.Int64("actual", m.ActualCents))
	}
	if len(mismatches) == 0 {
		s.logger.Info("ledger reconciliation clean")
	}
}
