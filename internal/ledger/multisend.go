// Multisend: the externally-atomic transaction envelope. The ledger itself
// only guarantees per-pair atomicity; a rebalance batch spans several pairs
// and a partially-applied batch would match no valid allocation, so batches
// go through Execute, which validates every operation against current state
// under one lock and then applies them all, or applies nothing.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/driftdesk/rebalance-engine/internal/model"
)

// Multisend submits operation batches to a ledger with all-or-nothing
// semantics.
type Multisend struct {
	ledger *Ledger
	caller string // principal address the batch executes as
}

// NewMultisend creates an envelope executing as caller. The caller must be
// a ledger principal or every batch containing privileged ops will fail.
func NewMultisend(l *Ledger, caller string) *Multisend {
	return &Multisend{ledger: l, caller: caller}
}

// Execute applies the batch atomically. Validation happens against a
// scratch view of the affected balances first; only when every operation
// passes are the mutations applied and events emitted, in batch order.
// On any validation failure, or if ctx is done before the commit point,
// no balance changes and no event is emitted.
func (m *Multisend) Execute(ctx context.Context, batch model.OperationBatch) error {
	l := m.ledger

	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()

	// Scratch view: simulate the whole batch before touching real state.
	scratch := make(map[pairKey]int64, len(batch.Ops))
	for _, op := range batch.Ops {
		key := pairKey{op.Holder, op.Symbol}
		if _, ok := scratch[key]; !ok {
			scratch[key] = l.balances[key]
		}

		switch op.Kind {
		case model.OpWithdraw:
			if !l.principals[m.caller] {
				l.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrNotAuthorized, m.caller)
			}
			if op.Amount <= 0 {
				l.mu.Unlock()
				return fmt.Errorf("%w: withdraw of %d", ErrInvalidAmount, op.Amount)
			}
			if scratch[key] < op.Amount {
				have := scratch[key]
				l.mu.Unlock()
				return fmt.Errorf("%w: %s/%s has %d, want %d",
					ErrInsufficientBalance, op.Holder, op.Symbol, have, op.Amount)
			}
			scratch[key] -= op.Amount
		case model.OpDeposit:
			if op.Amount <= 0 {
				l.mu.Unlock()
				return fmt.Errorf("%w: deposit of %d", ErrInvalidAmount, op.Amount)
			}
			scratch[key] += op.Amount
		case model.OpAdjust:
			if !l.principals[m.caller] {
				l.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrNotAuthorized, m.caller)
			}
			if op.Amount < 0 {
				l.mu.Unlock()
				return fmt.Errorf("%w: adjust to %d", ErrInvalidAmount, op.Amount)
			}
			scratch[key] = op.Amount
		default:
			l.mu.Unlock()
			return fmt.Errorf("%w: unknown op kind %q", ErrInvalidAmount, op.Kind)
		}
	}

	// Commit point. Past here the batch is applied in full.
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		return err
	}

	events := make([]Event, 0, len(batch.Ops))
	for _, op := range batch.Ops {
		key := pairKey{op.Holder, op.Symbol}
		switch op.Kind {
		case model.OpWithdraw:
			l.balances[key] -= op.Amount
			events = append(events, Event{
				Type: EventWithdrawal, Caller: m.caller, Holder: op.Holder,
				Symbol: op.Symbol, Amount: op.Amount, NewBalance: l.balances[key],
			})
		case model.OpDeposit:
			l.balances[key] += op.Amount
			events = append(events, Event{
				Type: EventDeposit, Caller: m.caller, Holder: op.Holder,
				Symbol: op.Symbol, Amount: op.Amount, NewBalance: l.balances[key],
			})
		case model.OpAdjust:
			l.balances[key] = op.Amount
			events = append(events, Event{
				Type: EventBalanceAdjusted, Caller: m.caller, Holder: op.Holder,
				Symbol: op.Symbol, Amount: op.Amount, NewBalance: l.balances[key],
			})
		}
	}
	l.mu.Unlock()

	for _, e := range events {
		l.emit(e)
	}

	slog.Info("batch applied",
		"batch_id", batch.ID, "ops", len(batch.Ops), "holder", batch.Holder)
	return nil
}
