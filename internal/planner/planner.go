// Package planner translates rebalance decisions into ledger operation
// batches and submits them through the multisend envelope.
//
// Each adjustment instruction maps 1:1 to one ledger operation (Withdraw
// for a Decrease, Deposit for an Increase), preserving the calculator's
// ordering. Token quantities are converted to base-unit integers rounding
// toward zero, with the unrepresentable remainder recorded on the op.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/guard"
	"github.com/driftdesk/rebalance-engine/internal/ledger"
	"github.com/driftdesk/rebalance-engine/internal/model"
)

var (
	// ErrSubmitTimeout is returned when a batch submission does not confirm
	// before the deadline. The outcome is unknown: the batch is treated as
	// not-applied and the next cycle re-evaluates from a fresh snapshot.
	ErrSubmitTimeout = errors.New("planner: submission timed out, outcome unknown")

	// ErrAmountOverflow is returned when a token quantity scaled to base
	// units does not fit in int64. The plan is rejected whole; a wrapped
	// value must never reach the ledger.
	ErrAmountOverflow = errors.New("planner: amount exceeds base-unit range")
)

// DefaultDecimals is used for symbols without a configured base-unit scale.
const DefaultDecimals int32 = 18

// Executor applies an operation batch with all-or-nothing semantics.
// ledger.Multisend is the production implementation.
type Executor interface {
	Execute(ctx context.Context, batch model.OperationBatch) error
}

// Planner builds and submits operation batches.
type Planner struct {
	ledger   *ledger.Ledger
	executor Executor
	limiter  *guard.NotionalLimiter
	decimals map[string]int32
	timeout  time.Duration
}

// New creates a planner. decimals maps symbol → base-unit decimal places
// (18 when absent). timeout bounds each batch submission.
func New(
	l *ledger.Ledger,
	exec Executor,
	limiter *guard.NotionalLimiter,
	decimals map[string]int32,
	timeout time.Duration,
) *Planner {
	return &Planner{
		ledger:   l,
		executor: exec,
		limiter:  limiter,
		decimals: decimals,
		timeout:  timeout,
	}
}

// Plan converts a triggered decision into an operation batch for holder.
// Fails without producing a partial plan when the notional guard rejects
// the instructions or the live ledger balance cannot cover a Decrease
// (stale snapshot).
func (p *Planner) Plan(decision model.RebalanceDecision, holder string) (model.OperationBatch, error) {
	batch := model.OperationBatch{
		ID:         uuid.New().String(),
		DecisionID: decision.ID,
		Holder:     holder,
		CreatedAt:  time.Now().UTC(),
	}

	if p.limiter != nil {
		if err := p.limiter.Check(decision.Instructions); err != nil {
			return model.OperationBatch{}, err
		}
	}

	for _, instr := range decision.Instructions {
		base, residual, err := p.toBaseUnits(instr.Symbol, instr.DeltaAmount)
		if err != nil {
			return model.OperationBatch{}, err
		}
		if residual.IsPositive() {
			if batch.Residuals == nil {
				batch.Residuals = make(map[string]decimal.Decimal)
			}
			batch.Residuals[instr.Symbol] = batch.Residuals[instr.Symbol].Add(residual)
		}
		if base == 0 {
			// Adjustment below one base unit; nothing representable to move.
			// The full remainder stays in batch.Residuals for the audit trail.
			slog.Debug("instruction below base-unit resolution, skipped",
				"symbol", instr.Symbol, "delta", instr.DeltaAmount.String())
			continue
		}

		op := model.LedgerOp{
			Holder:   holder,
			Symbol:   instr.Symbol,
			Amount:   base,
			Residual: residual,
		}
		switch instr.Direction {
		case model.DirectionDecrease:
			op.Kind = model.OpWithdraw
			if have := p.ledger.GetBalance(holder, instr.Symbol); have < base {
				return model.OperationBatch{}, fmt.Errorf(
					"%w: %s/%s has %d base units, plan needs %d",
					ledger.ErrInsufficientBalance, holder, instr.Symbol, have, base)
			}
		case model.DirectionIncrease:
			op.Kind = model.OpDeposit
		default:
			return model.OperationBatch{}, fmt.Errorf(
				"planner: unknown direction %q for %s", instr.Direction, instr.Symbol)
		}
		batch.Ops = append(batch.Ops, op)
	}

	return batch, nil
}

// Submit applies the batch through the executor, bounded by the
// planner's timeout. Multisig collection can block for a long time; on
// deadline the batch is reported as unknown-outcome, never resumed.
func (p *Planner) Submit(ctx context.Context, batch model.OperationBatch) error {
	if len(batch.Ops) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.executor.Execute(ctx, batch); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: batch %s", ErrSubmitTimeout, batch.ID)
		}
		return err
	}
	return nil
}

// toBaseUnits converts a token quantity to base-unit integers, truncating
// toward zero. The residual is the fraction lost to truncation. Quantities
// whose scaled value does not fit in int64 fail with ErrAmountOverflow
// rather than wrapping.
func (p *Planner) toBaseUnits(symbol string, amount decimal.Decimal) (int64, decimal.Decimal, error) {
	scale, ok := p.decimals[symbol]
	if !ok {
		scale = DefaultDecimals
	}
	units := amount.Shift(scale).Truncate(0)
	if !units.BigInt().IsInt64() {
		return 0, decimal.Zero, fmt.Errorf("%w: %s %s at scale %d",
			ErrAmountOverflow, amount, symbol, scale)
	}
	residual := amount.Sub(units.Shift(-scale))
	return units.IntPart(), residual, nil
}
