// Package guard implements notional limits on rebalance plans.
//
// A corrupted or manipulated price quote can make the calculator emit an
// arbitrarily large adjustment. The limiter bounds the USD notional any
// single symbol may move in one batch and the aggregate notional of the
// whole batch, rejecting the plan before any ledger mutation.
package guard

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

var (
	// ErrPerSymbolLimitExceeded is returned when one instruction moves
	// more USD notional than the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("guard: per-symbol notional limit exceeded")

	// ErrBatchLimitExceeded is returned when the summed notional across
	// all instructions exceeds the batch maximum.
	ErrBatchLimitExceeded = errors.New("guard: batch notional limit exceeded")
)

// NotionalLimiter enforces USD notional caps on adjustment plans.
// A non-positive limit disables that check.
type NotionalLimiter struct {
	// MaxPerSymbol is the maximum |deltaUSD| any single instruction may move.
	MaxPerSymbol decimal.Decimal

	// MaxBatch is the maximum Σ |deltaUSD| across the whole plan.
	MaxBatch decimal.Decimal
}

// NewNotionalLimiter creates a limiter with the given per-symbol and batch
// notional caps.
func NewNotionalLimiter(maxPerSymbol, maxBatch decimal.Decimal) *NotionalLimiter {
	return &NotionalLimiter{
		MaxPerSymbol: maxPerSymbol,
		MaxBatch:     maxBatch,
	}
}

// Check validates a plan against both limits. Returns nil when the plan is
// within bounds, or an error naming the violated limit.
func (l *NotionalLimiter) Check(instrs []model.AdjustmentInstruction) error {
	total := decimal.Zero
	for _, instr := range instrs {
		notional := instr.DeltaUSD.Abs()
		if l.MaxPerSymbol.IsPositive() && notional.GreaterThan(l.MaxPerSymbol) {
			return ErrPerSymbolLimitExceeded
		}
		total = total.Add(notional)
	}
	if l.MaxBatch.IsPositive() && total.GreaterThan(l.MaxBatch) {
		return ErrBatchLimitExceeded
	}
	return nil
}
