package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DelinquencySweepWorker periodically re-evaluates every open loan so that
// overdue loans become delinquent without waiting for a payment
type DelinquencySweepWorker struct {
	loanService *LoanService
	reconciler  *ReconciliationService
	ledgerRepo  domain.LedgerRepository
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	schedule    string
	reconcile   bool
	runOnStart  bool
	cron        *cron.Cron
	entryID     cron.EntryID
	mu          sync.Mutex
	running     bool
}

// SweepWorkerConfig holds configuration for the sweep worker
type SweepWorkerConfig struct {
	Schedule   string // standard 5-field cron expression
	Reconcile  bool   // run a reconciliation pass after each sweep
	RunOnStart bool
}

// DefaultSweepWorkerConfig returns sensible defaults
func DefaultSweepWorkerConfig() SweepWorkerConfig {
	return SweepWorkerConfig{
		Schedule:   "0 2 * * *", // daily at 02:00
		Reconcile:  true,
		RunOnStart: false,
	}
}

// SweepResult summarises one sweep
type SweepResult struct {
	Visited      int
	Transitioned int
	Unchanged    int
	Failed       int
	Inconsistent int
	Elapsed      time.Duration
}

// NewDelinquencySweepWorker creates a new sweep worker
func NewDelinquencySweepWorker(
	loanService *LoanService,
	reconciler *ReconciliationService,
	ledgerRepo domain.LedgerRepository,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config SweepWorkerConfig,
) *DelinquencySweepWorker {
	if config.Schedule == "" {
		config.Schedule = DefaultSweepWorkerConfig().Schedule
	}

	w := &DelinquencySweepWorker{
		loanService: loanService,
		reconciler:  reconciler,
		ledgerRepo:  ledgerRepo,
		metrics:     m,
		logger:      logger.With().Str("component", "delinquency_sweep").Logger(),
		schedule:    config.Schedule,
		reconcile:   config.Reconcile,
		runOnStart:  config.RunOnStart,
	}
	cronLogger := cron.PrintfLogger(&w.logger)
	w.cron = cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return w
}

// Start registers the sweep on the cron schedule. Calling it twice is a no-op.
func (w *DelinquencySweepWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	id, err := w.cron.AddFunc(w.schedule, func() { w.SweepOnce(ctx) })
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", w.schedule, err)
	}
	w.entryID = id

	w.logger.Info().
		Str("schedule", w.schedule).
		Bool("reconcile", w.reconcile).
		Msg("Starting delinquency sweep worker")

	w.cron.Start()
	w.running = true

	if w.runOnStart {
		go w.SweepOnce(ctx)
	}
	return nil
}

// Stop waits for a running sweep to finish and stops the schedule
func (w *DelinquencySweepWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cron.Remove(w.entryID)
	w.mu.Unlock()

	w.logger.Info().Msg("Stopping delinquency sweep worker")
	<-w.cron.Stop().Done()
	w.logger.Info().Msg("Delinquency sweep worker stopped")
}

// IsRunning returns whether the worker is scheduled
func (w *DelinquencySweepWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// SweepOnce re-evaluates all open loans. A failing loan is logged and skipped.
func (w *DelinquencySweepWorker) SweepOnce(ctx context.Context) SweepResult {
	w.logger.Debug().Msg("Starting delinquency sweep")
	startTime := time.Now()
	var result SweepResult

	ids, err := w.ledgerRepo.ListOpenLoanIDs(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list open loans for sweep")
		return result
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			w.logger.Info().Msg("Context cancelled, stopping sweep")
			break
		}

		result.Visited++
		status, err := w.loanService.Reevaluate(ctx, id)
		if err != nil {
			w.logger.Error().
				Err(err).
				Str("loan_id", id).
				Msg("Failed to re-evaluate loan")
			result.Failed++
			continue
		}
		if status.Changed {
			w.logger.Debug().
				Str("loan_id", id).
				Str("from", string(status.PreviousStatus)).
				Str("to", string(status.Status)).
				Msg("Loan status changed")
			result.Transitioned++
		} else {
			result.Unchanged++
		}
	}

	if w.reconcile && w.reconciler != nil && ctx.Err() == nil {
		reports, err := w.reconciler.ReconcileOpenLoans(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("Reconciliation pass failed")
		}
		result.Inconsistent = len(reports)
		for _, r := range reports {
			w.logger.Warn().
				Str("loan_id", r.LoanID).
				Int("violations", len(r.Violations)).
				Msg("Loan failed reconciliation")
		}
	}

	result.Elapsed = time.Since(startTime)
	w.metrics.ObserveSweep(result.Elapsed, result.Transitioned, result.Unchanged, result.Failed)
	w.logger.Info().
		Int("visited", result.Visited).
		Int("transitioned", result.Transitioned).
		Int("failed", result.Failed).
		Int("inconsistent", result.Inconsistent).
		Dur("elapsed", result.Elapsed).
		Msg("Completed delinquency sweep")
	return result
}
