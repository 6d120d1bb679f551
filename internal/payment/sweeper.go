package payment

import (
	"context"
	"fmt"
	"time"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"
)

type StaleLister interface {
	ListStalePending(ctx context.Context, minAge time.Duration, limit int) ([]*models.Registration, error)
}

// Sweeper periodically reconciles registrations whose payment was started
// but never confirmed by a redirect or webhook.
type Sweeper struct {
	Reconciler *Reconciler
	Lister     StaleLister
	Interval   time.Duration
	MinAge     time.Duration
	Batch      int
	Logger     *logger.Logger
}

type SweepSummary struct {
	Checked int
	Paid    int
	Failed  int
	Pending int
	Errors  int
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Logger.Info("SWEEP", fmt.Sprintf("Reconciliation sweep every %s for payments older than %s", s.Interval, s.MinAge))
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("SWEEP", "Reconciliation sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.Logger.Error("SWEEP", fmt.Sprintf("Sweep failed: %v", err))
			}
		}
	}
}

// SweepOnce reconciles one batch. Per-order failures are counted and logged;
// only a failure to list the batch is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary
	regs, err := s.Lister.ListStalePending(ctx, s.MinAge, s.Batch)
	if err != nil {
		return sum, err
	}

	for _, reg := range regs {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		outcome, err := s.Reconciler.Reconcile(ctx, reg.OrderID)
		if err != nil {
			sum.Errors++
			s.Logger.Warn("SWEEP", fmt.Sprintf("Order %s not reconciled: %v", reg.OrderID, err))
			continue
		}
		switch outcome.Status {
		case models.PaymentCompleted:
			sum.Paid++
		case models.PaymentPending:
			sum.Pending++
		default:
			sum.Failed++
		}
	}

	if sum.Checked > 0 {
		s.Logger.Info("SWEEP", fmt.Sprintf("Checked %d stale payments: %d paid, %d failed, %d pending, %d errors",
			sum.Checked, sum.Paid, sum.Failed, sum.Pending, sum.Errors))
	}
	return sum, nil
}
