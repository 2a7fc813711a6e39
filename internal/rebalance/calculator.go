// Package rebalance implements the portfolio rebalance calculator: pure
// decimal logic turning a portfolio snapshot, target allocations, and a
// variation threshold into a rebalance decision with an ordered set of
// adjustment instructions.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Rebalancing reallocates value, it never creates or destroys it: the USD
// value of all Decrease instructions equals the USD value of all Increase
// instructions at every return.
package rebalance

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

var (
	// ErrConfiguration is returned when targets and snapshot disagree on
	// the symbol set or target percentages do not sum to 100. Fatal: the
	// caller must fix configuration before retrying.
	ErrConfiguration = errors.New("rebalance: invalid configuration")

	// ErrInvalidPrice is returned when a snapshot carries a zero or
	// negative price. Fatal for the cycle; the engine never guesses a price.
	ErrInvalidPrice = errors.New("rebalance: non-positive price")

	// TargetSumEpsilon bounds the tolerated deviation of Σ target_percent
	// from 100.
	TargetSumEpsilon = decimal.NewFromFloat(1e-6)
)

var hundred = decimal.NewFromInt(100)

// Calculator produces rebalance decisions. It is stateless: snapshot,
// targets, and threshold are passed as arguments, not stored.
type Calculator struct{}

// NewCalculator creates a rebalance calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Evaluate decides whether holdings have drifted past the variation
// threshold and, if so, computes the adjustments restoring the targets.
//
// A deviation exactly equal to the threshold does not trigger. An empty
// portfolio (total value zero) is a valid terminal state, not an error.
// Instructions are ordered Decrease-first by descending |deltaUSD|, then
// Increase by descending |deltaUSD|, symbol ascending on ties, so the same
// inputs always yield the same plan.
func (c *Calculator) Evaluate(
	snapshot model.PortfolioSnapshot,
	targets []model.TargetAllocation,
	threshold decimal.Decimal,
) (model.RebalanceDecision, error) {
	decision := model.RebalanceDecision{
		ID:        uuid.New().String(),
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	}

	targetBySymbol, err := validateTargets(snapshot, targets)
	if err != nil {
		return model.RebalanceDecision{}, err
	}

	for symbol, quote := range snapshot.Prices {
		if quote.USDPrice.LessThanOrEqual(decimal.Zero) {
			return model.RebalanceDecision{}, fmt.Errorf("%w: %s quoted at %s",
				ErrInvalidPrice, symbol, quote.USDPrice)
		}
	}

	totalUSD := snapshot.TotalUSD()
	if totalUSD.IsZero() {
		return decision, nil // nothing to rebalance
	}

	// Trigger iff any symbol drifts strictly beyond the threshold.
	for symbol := range snapshot.Holdings {
		dev := snapshot.CurrentPercent(symbol).Sub(targetBySymbol[symbol])
		if dev.Abs().GreaterThan(threshold) {
			decision.Triggered = true
			break
		}
	}
	if !decision.Triggered {
		return decision, nil
	}

	// Once triggered, every drifted symbol gets an instruction, not only
	// the ones past the threshold: restoring targets is all-or-nothing.
	for symbol := range snapshot.Holdings {
		targetUSD := totalUSD.Mul(targetBySymbol[symbol]).Div(hundred)
		deltaUSD := targetUSD.Sub(snapshot.USDValue(symbol))
		if deltaUSD.IsZero() {
			continue // already exactly at target
		}

		direction := model.DirectionIncrease
		if deltaUSD.IsNegative() {
			direction = model.DirectionDecrease
		}
		decision.Instructions = append(decision.Instructions, model.AdjustmentInstruction{
			Symbol:      symbol,
			Direction:   direction,
			DeltaAmount: deltaUSD.Abs().Div(snapshot.Prices[symbol].USDPrice),
			DeltaUSD:    deltaUSD,
		})
	}

	sortInstructions(decision.Instructions)
	return decision, nil
}

// validateTargets checks that targets and snapshot cover the same symbol set
// and that target percentages sum to 100 within TargetSumEpsilon.
func validateTargets(
	snapshot model.PortfolioSnapshot,
	targets []model.TargetAllocation,
) (map[string]decimal.Decimal, error) {
	bySymbol := make(map[string]decimal.Decimal, len(targets))
	sum := decimal.Zero

	for _, t := range targets {
		if t.TargetPercent.IsNegative() || t.TargetPercent.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: target for %s is %s, must be in [0, 100]",
				ErrConfiguration, t.Symbol, t.TargetPercent)
		}
		if _, dup := bySymbol[t.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate target for %s", ErrConfiguration, t.Symbol)
		}
		bySymbol[t.Symbol] = t.TargetPercent
		sum = sum.Add(t.TargetPercent)
	}

	if sum.Sub(hundred).Abs().GreaterThan(TargetSumEpsilon) {
		return nil, fmt.Errorf("%w: target percentages sum to %s, expected 100",
			ErrConfiguration, sum)
	}

	if len(bySymbol) != len(snapshot.Holdings) {
		return nil, fmt.Errorf("%w: %d targets for %d tracked symbols",
			ErrConfiguration, len(bySymbol), len(snapshot.Holdings))
	}
	for symbol := range snapshot.Holdings {
		if _, ok := bySymbol[symbol]; !ok {
			return nil, fmt.Errorf("%w: no target allocation for %s", ErrConfiguration, symbol)
		}
		if _, ok := snapshot.Prices[symbol]; !ok {
			return nil, fmt.Errorf("%w: no price quote for %s", ErrConfiguration, symbol)
		}
	}

	return bySymbol, nil
}

// sortInstructions orders Decreases before Increases (selling over-weight
// tokens funds the buys), each group by descending |deltaUSD|, symbol
// ascending as the final tie-break so the ordering is total.
func sortInstructions(instrs []model.AdjustmentInstruction) {
	sort.Slice(instrs, func(i, j int) bool {
		a, b := instrs[i], instrs[j]
		if a.Direction != b.Direction {
			return a.Direction == model.DirectionDecrease
		}
		au, bu := a.DeltaUSD.Abs(), b.DeltaUSD.Abs()
		if !au.Equal(bu) {
			return au.GreaterThan(bu)
		}
		return a.Symbol < b.Symbol
	})
}
