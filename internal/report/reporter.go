// Package report produces and persists the audit trail of the rebalance
// engine. Every evaluation cycle, triggered or not, yields a
// content-addressed record so operators can reconstruct exactly what the
// engine saw and decided. Recording is fire-and-forget from the engine's
// perspective: a reporter failure never blocks or rolls back a ledger
// submission that already succeeded.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

// Record is one persisted audit entry. The content address is the sha256
// of the canonical JSON of everything but the address itself, so identical
// decisions produce identical addresses.
type Record struct {
	ContentAddress string                `json:"content_address"`
	DecisionID     string                `json:"decision_id"`
	Report         model.RebalanceReport `json:"report"`
	Result         model.BatchResult     `json:"result"`
	RecordedAt     time.Time             `json:"recorded_at"`
}

// Reporter builds audit records from decisions and writes them to a store.
type Reporter struct {
	store     Store
	targets   map[string]decimal.Decimal
	threshold decimal.Decimal
}

// NewReporter creates a reporter. Targets and threshold are part of the
// engine's static configuration and are embedded in every report.
func NewReporter(store Store, targets []model.TargetAllocation, threshold decimal.Decimal) *Reporter {
	bySymbol := make(map[string]decimal.Decimal, len(targets))
	for _, t := range targets {
		bySymbol[t.Symbol] = t.TargetPercent
	}
	return &Reporter{store: store, targets: bySymbol, threshold: threshold}
}

// Record persists the decision and its submission outcome, returning the
// content address of the stored record.
func (r *Reporter) Record(
	ctx context.Context,
	decision model.RebalanceDecision,
	result model.BatchResult,
) (string, error) {
	rec := Record{
		DecisionID: decision.ID,
		Report:     r.buildReport(decision),
		Result:     result,
		RecordedAt: time.Now().UTC(),
	}

	addr, err := contentAddress(rec)
	if err != nil {
		return "", fmt.Errorf("report: hash record: %w", err)
	}
	rec.ContentAddress = addr

	if err := r.store.SaveRecord(ctx, &rec); err != nil {
		return "", fmt.Errorf("report: save record: %w", err)
	}
	return addr, nil
}

// buildReport derives the per-token audit rows from the decision snapshot.
// Rows are sorted by symbol so the canonical JSON is stable.
func (r *Reporter) buildReport(decision model.RebalanceDecision) model.RebalanceReport {
	snapshot := decision.Snapshot
	rep := model.RebalanceReport{
		Timestamp:          decision.CreatedAt,
		VariationThreshold: r.threshold,
		TotalValue:         snapshot.TotalUSD(),
		Triggered:          decision.Triggered,
	}

	symbols := make([]string, 0, len(snapshot.Holdings))
	for symbol := range snapshot.Holdings {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		current := snapshot.CurrentPercent(symbol)
		target := r.targets[symbol]
		rep.Tokens = append(rep.Tokens, model.TokenReport{
			Token:          symbol,
			CurrentAmount:  snapshot.Holdings[symbol].Amount,
			CurrentUSD:     snapshot.USDValue(symbol),
			CurrentPercent: current,
			TargetPercent:  target,
			Deviation:      current.Sub(target),
		})
	}
	return rep
}

func contentAddress(rec Record) (string, error) {
	rec.ContentAddress = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
