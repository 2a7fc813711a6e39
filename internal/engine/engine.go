// Package engine runs the evaluation cycle: snapshot the ledger and prices,
// evaluate drift, plan and submit the adjustment batch, and record the
// outcome. Within one portfolio the pipeline is strictly sequential and
// single-flight: a tick arriving while a cycle is in flight is skipped,
// never queued, because every cycle must start from a snapshot no other
// cycle is mutating.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/guard"
	"github.com/driftdesk/rebalance-engine/internal/ledger"
	"github.com/driftdesk/rebalance-engine/internal/metrics"
	"github.com/driftdesk/rebalance-engine/internal/model"
	"github.com/driftdesk/rebalance-engine/internal/planner"
	"github.com/driftdesk/rebalance-engine/internal/pricefeed"
	"github.com/driftdesk/rebalance-engine/internal/rebalance"
	"github.com/driftdesk/rebalance-engine/internal/report"
)

// Options wires one engine instance to its collaborators. Engines for
// independent portfolios share nothing and may run concurrently.
type Options struct {
	Holder    string
	Symbols   []string
	Targets   []model.TargetAllocation
	Threshold decimal.Decimal
	Decimals  map[string]int32 // symbol → base-unit decimal places

	Prices   pricefeed.Source
	Ledger   *ledger.Ledger
	Planner  *planner.Planner
	Reporter *report.Reporter

	Interval time.Duration
}

// CycleResult is what one evaluation cycle produced.
type CycleResult struct {
	Decision       model.RebalanceDecision `json:"decision"`
	Result         model.BatchResult       `json:"result"`
	ContentAddress string                  `json:"content_address,omitempty"`
}

// Engine evaluates one portfolio on a fixed cadence.
type Engine struct {
	holder    string
	symbols   []string
	targets   []model.TargetAllocation
	threshold decimal.Decimal
	decimals  map[string]int32

	prices   pricefeed.Source
	ledger   *ledger.Ledger
	calc     *rebalance.Calculator
	planner  *planner.Planner
	reporter *report.Reporter

	interval time.Duration
	mu       sync.Mutex // single-flight per portfolio
}

// New creates an engine for one portfolio.
func New(opts Options) *Engine {
	return &Engine{
		holder:    opts.Holder,
		symbols:   opts.Symbols,
		targets:   opts.Targets,
		threshold: opts.Threshold,
		decimals:  opts.Decimals,
		prices:    opts.Prices,
		ledger:    opts.Ledger,
		calc:      rebalance.NewCalculator(),
		planner:   opts.Planner,
		reporter:  opts.Reporter,
		interval:  opts.Interval,
	}
}

// Run evaluates on the configured cadence until ctx is done. Per-cycle
// errors are logged and reported, never propagated: the next tick always
// gets a clean attempt.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	slog.Info("rebalance engine started",
		"holder", e.holder, "interval", e.interval.String())

	for {
		select {
		case <-ctx.Done():
			slog.Info("rebalance engine stopped", "holder", e.holder)
			return
		case <-ticker.C:
			if !e.mu.TryLock() {
				// Previous cycle still in flight; skip rather than queue.
				metrics.CyclesTotal.WithLabelValues("skipped").Inc()
				slog.Warn("evaluation tick skipped, cycle in flight", "holder", e.holder)
				continue
			}
			if _, err := e.runCycle(ctx); err != nil {
				slog.Error("evaluation cycle failed", "holder", e.holder, "err", err)
			}
			e.mu.Unlock()
		}
	}
}

// Evaluate runs one cycle immediately, waiting for any in-flight cycle to
// finish first. Used by the manual trigger endpoint.
func (e *Engine) Evaluate(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCycle(ctx)
}

// runCycle executes snapshot → evaluate → plan → submit → record.
// Caller holds e.mu.
func (e *Engine) runCycle(ctx context.Context) (*CycleResult, error) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	snapshot, err := e.snapshot(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		e.recordFailure(ctx, model.RebalanceDecision{Snapshot: snapshot}, err)
		return nil, err
	}
	total := snapshot.TotalUSD()
	metrics.PortfolioValueUSD.Set(total.InexactFloat64())

	decision, err := e.calc.Evaluate(snapshot, e.targets, e.threshold)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		e.recordFailure(ctx, model.RebalanceDecision{Snapshot: snapshot}, err)
		return nil, err
	}

	if !decision.Triggered {
		metrics.CyclesTotal.WithLabelValues("noop").Inc()
		result := model.BatchResult{Submitted: false, Reason: "within tolerance"}
		addr := e.record(ctx, decision, result)
		slog.Info("portfolio within tolerance",
			"holder", e.holder, "total_usd", total.String())
		return &CycleResult{Decision: decision, Result: result, ContentAddress: addr}, nil
	}

	batch, err := e.planner.Plan(decision, e.holder)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		if errors.Is(err, guard.ErrPerSymbolLimitExceeded) || errors.Is(err, guard.ErrBatchLimitExceeded) {
			metrics.GuardRejections.Inc()
		}
		e.recordFailure(ctx, decision, err)
		return nil, fmt.Errorf("plan batch: %w", err)
	}

	result := model.BatchResult{BatchID: batch.ID, Residuals: batch.Residuals}
	if err := e.planner.Submit(ctx, batch); err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		metrics.BatchSubmissions.WithLabelValues(submissionLabel(err)).Inc()
		result.Submitted = false
		result.Reason = err.Error()
		addr := e.record(ctx, decision, result)
		return &CycleResult{Decision: decision, Result: result, ContentAddress: addr},
			fmt.Errorf("submit batch: %w", err)
	}

	for _, op := range batch.Ops {
		metrics.LedgerOps.WithLabelValues(op.Kind).Inc()
	}
	metrics.CyclesTotal.WithLabelValues("rebalanced").Inc()
	metrics.BatchSubmissions.WithLabelValues("applied").Inc()

	result.Submitted = true
	addr := e.record(ctx, decision, result)

	slog.Info("portfolio rebalanced",
		"holder", e.holder,
		"decision_id", decision.ID,
		"batch_id", batch.ID,
		"ops", len(batch.Ops),
		"total_usd", total.String(),
		"record", addr,
	)
	return &CycleResult{Decision: decision, Result: result, ContentAddress: addr}, nil
}

// snapshot reads current ledger balances and fetches a quote for every
// tracked symbol. A missing quote aborts the snapshot; the engine never
// values a holding at a stale or guessed price.
func (e *Engine) snapshot(ctx context.Context) (model.PortfolioSnapshot, error) {
	snap := model.PortfolioSnapshot{
		Holder:   e.holder,
		Holdings: make(map[string]model.TokenHolding, len(e.symbols)),
		Prices:   make(map[string]model.PriceQuote, len(e.symbols)),
		TakenAt:  time.Now().UTC(),
	}

	for _, symbol := range e.symbols {
		scale, ok := e.decimals[symbol]
		if !ok {
			scale = planner.DefaultDecimals
		}
		base := e.ledger.GetBalance(e.holder, symbol)
		snap.Holdings[symbol] = model.TokenHolding{
			Symbol: symbol,
			Amount: decimal.New(base, 0).Shift(-scale),
		}

		quote, err := e.prices.GetPrice(ctx, symbol)
		if err != nil {
			return model.PortfolioSnapshot{}, fmt.Errorf("snapshot %s: %w", symbol, err)
		}
		snap.Prices[symbol] = quote
	}
	return snap, nil
}

// record persists the audit entry. Failures are logged, never propagated:
// a reporter outage must not undo or block a completed submission.
func (e *Engine) record(ctx context.Context, decision model.RebalanceDecision, result model.BatchResult) string {
	addr, err := e.reporter.Record(ctx, decision, result)
	if err != nil {
		slog.Error("audit record failed", "decision_id", decision.ID, "err", err)
		return ""
	}
	return addr
}

func (e *Engine) recordFailure(ctx context.Context, decision model.RebalanceDecision, cause error) {
	e.record(ctx, decision, model.BatchResult{Submitted: false, Reason: cause.Error()})
}

func submissionLabel(err error) string {
	switch {
	case errors.Is(err, planner.ErrSubmitTimeout):
		return "timeout"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrNotAuthorized):
		return "not_authorized"
	default:
		return "error"
	}
}
