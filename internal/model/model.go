// Package model defines the core domain types shared across the rebalance
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a balance adjustment relative to the current holding.
const (
	DirectionIncrease = "INCREASE"
	DirectionDecrease = "DECREASE"
)

// Ledger operation kinds emitted by the transaction planner.
const (
	OpWithdraw = "WITHDRAW"
	OpDeposit  = "DEPOSIT"
	OpAdjust   = "ADJUST" // absolute set, administrative correction only
)

// TokenHolding is the exact quantity of one token held by the portfolio
// address. Amount is never negative.
type TokenHolding struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// PriceQuote is a USD unit price for one token at a point in time.
// USDPrice is strictly positive; a zero or negative quote is rejected
// upstream rather than carried into a snapshot.
type PriceQuote struct {
	Symbol   string          `json:"symbol"`
	USDPrice decimal.Decimal `json:"usd_price"`
	AsOf     time.Time       `json:"as_of"`
}

// TargetAllocation is the desired share of total portfolio USD value for
// one token, in percent. Across all tracked symbols the targets sum to 100.
type TargetAllocation struct {
	Symbol        string          `json:"symbol"`
	TargetPercent decimal.Decimal `json:"target_percent"`
}

// PortfolioSnapshot pairs holdings with the prices they were valued at,
// restricted to the configured tracked-symbol set. A snapshot is read once
// at the start of an evaluation cycle and never mutated afterwards.
type PortfolioSnapshot struct {
	Holder   string                  `json:"holder"`
	Holdings map[string]TokenHolding `json:"holdings"`
	Prices   map[string]PriceQuote   `json:"prices"`
	TakenAt  time.Time               `json:"taken_at"`
}

// USDValue returns amount × usd_price for one symbol, zero if untracked.
func (s *PortfolioSnapshot) USDValue(symbol string) decimal.Decimal {
	h, ok := s.Holdings[symbol]
	if !ok {
		return decimal.Zero
	}
	q, ok := s.Prices[symbol]
	if !ok {
		return decimal.Zero
	}
	return h.Amount.Mul(q.USDPrice)
}

// TotalUSD returns the summed USD value of all holdings in the snapshot.
func (s *PortfolioSnapshot) TotalUSD() decimal.Decimal {
	total := decimal.Zero
	for symbol := range s.Holdings {
		total = total.Add(s.USDValue(symbol))
	}
	return total
}

// CurrentPercent returns the symbol's share of total portfolio value in
// percent, zero when the portfolio is empty.
func (s *PortfolioSnapshot) CurrentPercent(symbol string) decimal.Decimal {
	total := s.TotalUSD()
	if total.IsZero() {
		return decimal.Zero
	}
	return s.USDValue(symbol).Div(total).Mul(decimal.NewFromInt(100))
}

// AdjustmentInstruction is one abstract rebalancing step: change the holding
// of Symbol by DeltaAmount tokens in the given Direction. DeltaAmount is
// always positive; DeltaUSD carries the signed USD value the step moves and
// is what instruction ordering and conservation checks are computed from.
type AdjustmentInstruction struct {
	Symbol      string          `json:"symbol"`
	Direction   string          `json:"direction"`
	DeltaAmount decimal.Decimal `json:"delta_amount"`
	DeltaUSD    decimal.Decimal `json:"delta_usd"`
}

// RebalanceDecision is the immutable outcome of one evaluation cycle.
// Created fresh per cycle, consumed once by the planner, and kept only in
// the reporter's audit copy.
type RebalanceDecision struct {
	ID           string                  `json:"id"`
	Triggered    bool                    `json:"triggered"`
	Instructions []AdjustmentInstruction `json:"instructions"`
	Snapshot     PortfolioSnapshot       `json:"snapshot"`
	CreatedAt    time.Time               `json:"created_at"`
}

// LedgerOp is one concrete ledger mutation in base units. Residual is the
// fractional token remainder lost to base-unit truncation, recorded so
// repeated small rebalances do not silently accumulate drift.
type LedgerOp struct {
	Kind     string          `json:"kind"`
	Holder   string          `json:"holder"`
	Symbol   string          `json:"symbol"`
	Amount   int64           `json:"amount"` // base units; for ADJUST, the new absolute balance
	Residual decimal.Decimal `json:"residual"`
}

// OperationBatch is an ordered group of ledger operations that must be
// applied all-or-nothing. Withdraws precede deposits so the ledger never
// needs to hold more value than it currently has mid-batch.
// Residuals holds, per symbol, the token fraction the batch cannot
// represent in base units, including instructions skipped entirely for
// being below one base unit.
type OperationBatch struct {
	ID         string                     `json:"id"`
	DecisionID string                     `json:"decision_id"`
	Holder     string                     `json:"holder"`
	Ops        []LedgerOp                 `json:"ops"`
	Residuals  map[string]decimal.Decimal `json:"residuals,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// BatchResult records the outcome of a batch submission for auditing.
// Submitted=false with Reason "timeout" means the outcome is unknown;
// the next cycle re-snapshots rather than guessing. Residuals carries the
// batch's unrepresentable token fractions into the audit record.
type BatchResult struct {
	BatchID   string                     `json:"batch_id"`
	Submitted bool                       `json:"submitted"`
	Reason    string                     `json:"reason,omitempty"`
	Residuals map[string]decimal.Decimal `json:"residuals,omitempty"`
}

// TokenReport is one per-token row of the audit report.
type TokenReport struct {
	Token          string          `json:"token"`
	CurrentAmount  decimal.Decimal `json:"current_number_of_tokens"`
	CurrentUSD     decimal.Decimal `json:"current_usd_value"`
	CurrentPercent decimal.Decimal `json:"current_percentage_in_portfolio"`
	TargetPercent  decimal.Decimal `json:"target_percentage"`
	Deviation      decimal.Decimal `json:"deviation_from_target"`
}

// RebalanceReport is the durable audit record of one evaluation cycle.
type RebalanceReport struct {
	Timestamp          time.Time       `json:"timestamp"`
	VariationThreshold decimal.Decimal `json:"variation_threshold"`
	TotalValue         decimal.Decimal `json:"total_portfolio_value"`
	Triggered          bool            `json:"triggered"`
	Tokens             []TokenReport   `json:"tokens"`
}
