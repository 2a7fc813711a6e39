package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

const (
	safe     = "0xsafe"
	holder   = "0xportfolio"
	stranger = "0xmallory"
)

func newTestLedger() *Ledger {
	return New([]string{safe}, 64)
}

func drain(l *Ledger) []Event {
	var out []Event
	for {
		select {
		case e := <-l.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestDeposit_CreditsOwnBalance(t *testing.T) {
	l := newTestLedger()
	if err := l.Deposit(holder, "ETH", 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 100 {
		t.Errorf("expected balance 100, got %d", got)
	}

	events := drain(l)
	if len(events) != 1 || events[0].Type != EventDeposit {
		t.Errorf("expected one DEPOSIT event, got %+v", events)
	}
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	l := newTestLedger()
	for _, amount := range []int64{0, -5} {
		if err := l.Deposit(holder, "ETH", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("deposit %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if len(drain(l)) != 0 {
		t.Error("failed deposits must emit no events")
	}
}

func TestWithdraw_ByPrincipal(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "ETH", 100)
	drain(l)

	if err := l.Withdraw(safe, holder, "ETH", 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 40 {
		t.Errorf("expected balance 40, got %d", got)
	}

	events := drain(l)
	if len(events) != 1 || events[0].Type != EventWithdrawal {
		t.Errorf("expected one WITHDRAWAL event, got %+v", events)
	}
}

func TestWithdraw_FailsRatherThanUnderflow(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "ETH", 50)
	drain(l)

	err := l.Withdraw(safe, holder, "ETH", 51)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 50 {
		t.Errorf("failed withdraw must not change balance: got %d", got)
	}
	if len(drain(l)) != 0 {
		t.Error("failed withdraw must emit no events")
	}
}

func TestAuthorization_NonPrincipalRejected(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "ETH", 100)
	drain(l)

	if err := l.Withdraw(stranger, holder, "ETH", 10); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for withdraw, got %v", err)
	}
	if err := l.AdjustBalance(stranger, holder, "ETH", 0); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized for adjust, got %v", err)
	}

	if got := l.GetBalance(holder, "ETH"); got != 100 {
		t.Errorf("rejected calls must not change state: got %d", got)
	}
	if len(drain(l)) != 0 {
		t.Error("rejected calls must emit no events")
	}
}

func TestAdjustBalance_SetsAbsolute(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "USDC", 500)
	drain(l)

	if err := l.AdjustBalance(safe, holder, "USDC", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.GetBalance(holder, "USDC"); got != 42 {
		t.Errorf("expected balance 42, got %d", got)
	}

	events := drain(l)
	if len(events) != 1 || events[0].Type != EventBalanceAdjusted {
		t.Errorf("expected one BALANCE_ADJUSTED event, got %+v", events)
	}
}

func TestGetBalance_UnknownPairIsZero(t *testing.T) {
	l := newTestLedger()
	if got := l.GetBalance("0xnobody", "XYZ"); got != 0 {
		t.Errorf("expected 0 for unknown pair, got %d", got)
	}
}

func TestReplay_NeverNegative(t *testing.T) {
	// Replay a mixed operation sequence; balances must never go negative
	// and rejected ops must leave state untouched.
	l := newTestLedger()

	ops := []func() error{
		func() error { return l.Deposit(holder, "ETH", 30) },
		func() error { return l.Withdraw(safe, holder, "ETH", 10) },
		func() error { return l.Withdraw(safe, holder, "ETH", 25) }, // fails: 20 < 25
		func() error { return l.Deposit(holder, "ETH", 5) },
		func() error { return l.AdjustBalance(safe, holder, "ETH", 7) },
		func() error { return l.Withdraw(safe, holder, "ETH", 7) },
		func() error { return l.Withdraw(safe, holder, "ETH", 1) }, // fails: 0 < 1
	}
	for i, op := range ops {
		op()
		if got := l.GetBalance(holder, "ETH"); got < 0 {
			t.Fatalf("op %d: balance went negative: %d", i, got)
		}
	}
	if got := l.GetBalance(holder, "ETH"); got != 0 {
		t.Errorf("expected final balance 0, got %d", got)
	}
}

// --- Multisend ---

func TestMultisend_AllOrNothing(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "ETH", 100)
	l.Deposit(holder, "USDC", 50)
	drain(l)

	ms := NewMultisend(l, safe)

	// Second op over-withdraws; the first op must not stick.
	batch := model.OperationBatch{
		ID:     "batch-1",
		Holder: holder,
		Ops: []model.LedgerOp{
			{Kind: model.OpWithdraw, Holder: holder, Symbol: "ETH", Amount: 40},
			{Kind: model.OpWithdraw, Holder: holder, Symbol: "USDC", Amount: 60},
		},
	}

	err := ms.Execute(context.Background(), batch)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 100 {
		t.Errorf("failed batch must leave ETH untouched: got %d", got)
	}
	if got := l.GetBalance(holder, "USDC"); got != 50 {
		t.Errorf("failed batch must leave USDC untouched: got %d", got)
	}
	if len(drain(l)) != 0 {
		t.Error("failed batch must emit no events")
	}
}

func TestMultisend_AppliesInOrder(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "ETH", 100)
	drain(l)

	ms := NewMultisend(l, safe)
	batch := model.OperationBatch{
		ID:     "batch-2",
		Holder: holder,
		Ops: []model.LedgerOp{
			{Kind: model.OpWithdraw, Holder: holder, Symbol: "ETH", Amount: 40},
			{Kind: model.OpDeposit, Holder: holder, Symbol: "USDC", Amount: 425},
		},
	}

	if err := ms.Execute(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 60 {
		t.Errorf("expected ETH 60, got %d", got)
	}
	if got := l.GetBalance(holder, "USDC"); got != 425 {
		t.Errorf("expected USDC 425, got %d", got)
	}

	events := drain(l)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventWithdrawal || events[1].Type != EventDeposit {
		t.Errorf("events must preserve batch order: %+v", events)
	}
}

func TestMultisend_IntraBatchFunding(t *testing.T) {
	// A withdraw frees base units a later deposit in the same batch relies
	// on conceptually; the scratch view must track running balances.
	l := newTestLedger()
	l.Deposit(holder, "ETH", 10)
	drain(l)

	ms := NewMultisend(l, safe)
	batch := model.OperationBatch{
		Holder: holder,
		Ops: []model.LedgerOp{
			{Kind: model.OpWithdraw, Holder: holder, Symbol: "ETH", Amount: 10},
			{Kind: model.OpDeposit, Holder: holder, Symbol: "ETH", Amount: 3},
			{Kind: model.OpWithdraw, Holder: holder, Symbol: "ETH", Amount: 3},
		},
	}
	if err := ms.Execute(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 0 {
		t.Errorf("expected ETH 0, got %d", got)
	}
}

func TestMultisend_UnauthorizedCaller(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "ETH", 100)
	drain(l)

	ms := NewMultisend(l, stranger)
	batch := model.OperationBatch{
		Holder: holder,
		Ops: []model.LedgerOp{
			{Kind: model.OpWithdraw, Holder: holder, Symbol: "ETH", Amount: 10},
		},
	}

	if err := ms.Execute(context.Background(), batch); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 100 {
		t.Errorf("unauthorized batch must not change state: got %d", got)
	}
}

func TestMultisend_CancelledContext(t *testing.T) {
	l := newTestLedger()
	l.Deposit(holder, "ETH", 100)
	drain(l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ms := NewMultisend(l, safe)
	batch := model.OperationBatch{
		Holder: holder,
		Ops: []model.LedgerOp{
			{Kind: model.OpWithdraw, Holder: holder, Symbol: "ETH", Amount: 10},
		},
	}

	if err := ms.Execute(ctx, batch); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := l.GetBalance(holder, "ETH"); got != 100 {
		t.Errorf("cancelled batch must not change state: got %d", got)
	}
}
