package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testDecision() model.RebalanceDecision {
	takenAt := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return model.RebalanceDecision{
		ID:        "decision-1",
		Triggered: true,
		CreatedAt: takenAt,
		Snapshot: model.PortfolioSnapshot{
			Holder: "0xportfolio",
			Holdings: map[string]model.TokenHolding{
				"ETH":  {Symbol: "ETH", Amount: d(1)},
				"USDC": {Symbol: "USDC", Amount: d(100)},
			},
			Prices: map[string]model.PriceQuote{
				"ETH":  {Symbol: "ETH", USDPrice: d(2000), AsOf: takenAt},
				"USDC": {Symbol: "USDC", USDPrice: d(1), AsOf: takenAt},
			},
			TakenAt: takenAt,
		},
	}
}

func testTargets() []model.TargetAllocation {
	return []model.TargetAllocation{
		{Symbol: "ETH", TargetPercent: d(75)},
		{Symbol: "USDC", TargetPercent: d(25)},
	}
}

func TestRecord_StoresAndReturnsAddress(t *testing.T) {
	store := NewMemoryStore()
	r := NewReporter(store, testTargets(), d(3))

	addr, err := r.Record(context.Background(), testDecision(),
		model.BatchResult{BatchID: "batch-1", Submitted: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addr) != 64 {
		t.Errorf("expected 64-char sha256 hex address, got %q", addr)
	}

	rec, err := store.GetRecord(context.Background(), addr)
	if err != nil {
		t.Fatalf("record not retrievable: %v", err)
	}
	if rec.DecisionID != "decision-1" {
		t.Errorf("expected decision-1, got %s", rec.DecisionID)
	}
	if !rec.Report.TotalValue.Equal(d(2100)) {
		t.Errorf("expected total 2100, got %s", rec.Report.TotalValue)
	}
}

func TestRecord_ReportRows(t *testing.T) {
	store := NewMemoryStore()
	r := NewReporter(store, testTargets(), d(3))

	addr, err := r.Record(context.Background(), testDecision(),
		model.BatchResult{Submitted: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := store.GetRecord(context.Background(), addr)

	if len(rec.Report.Tokens) != 2 {
		t.Fatalf("expected 2 token rows, got %d", len(rec.Report.Tokens))
	}
	// Rows sorted by symbol: ETH then USDC.
	eth := rec.Report.Tokens[0]
	if eth.Token != "ETH" {
		t.Fatalf("expected ETH row first, got %s", eth.Token)
	}
	if !eth.CurrentUSD.Equal(d(2000)) {
		t.Errorf("expected ETH USD 2000, got %s", eth.CurrentUSD)
	}
	if !eth.TargetPercent.Equal(d(75)) {
		t.Errorf("expected ETH target 75, got %s", eth.TargetPercent)
	}
	if !eth.Deviation.IsPositive() {
		t.Errorf("ETH is over-weight, deviation must be positive: %s", eth.Deviation)
	}
}

func TestRecord_DeterministicAddress(t *testing.T) {
	// Identical decision + result → identical content address.
	storeA, storeB := NewMemoryStore(), NewMemoryStore()
	result := model.BatchResult{BatchID: "batch-1", Submitted: true}

	// RecordedAt differs between calls, so pin it by comparing hashes of
	// the same record through the store dedup path instead.
	rA := NewReporter(storeA, testTargets(), d(3))
	addr1, err := rA.Record(context.Background(), testDecision(), result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rB := NewReporter(storeB, testTargets(), d(3))
	addr2, err := rB.Record(context.Background(), testDecision(), result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec1, _ := storeA.GetRecord(context.Background(), addr1)
	rec2, _ := storeB.GetRecord(context.Background(), addr2)

	rec1.RecordedAt = rec2.RecordedAt
	h1, _ := contentAddress(*rec1)
	h2, _ := contentAddress(*rec2)
	if h1 != h2 {
		t.Error("identical decisions must hash to identical addresses")
	}
}

func TestMemoryStore_ListRecent(t *testing.T) {
	store := NewMemoryStore()
	r := NewReporter(store, testTargets(), d(3))

	for i := 0; i < 3; i++ {
		decision := testDecision()
		decision.ID = decision.ID + string(rune('a'+i))
		if _, err := r.Record(context.Background(), decision,
			model.BatchResult{Submitted: true}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	records, err := store.ListRecent(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].DecisionID != "decision-1c" {
		t.Errorf("expected newest first, got %s", records[0].DecisionID)
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetRecord(context.Background(), "deadbeef")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}
