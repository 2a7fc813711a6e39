// Package ledger implements the authorization-gated balance store: a
// non-negative base-unit balance per (holder, symbol) pair, mutated only
// through Deposit, Withdraw, and AdjustBalance, with privileged operations
// restricted to a fixed principal set fixed at construction time.
//
// Every successful mutation emits an event on an append-only feed. Failed
// operations emit nothing and leave state untouched. Mutations are atomic
// per (holder, symbol) pair; cross-entry atomicity is provided separately
// by the Multisend envelope.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAuthorized is returned when a privileged operation is called
	// by an address outside the principal set. Not retryable without
	// reconfiguration.
	ErrNotAuthorized = errors.New("ledger: caller not authorized")

	// ErrInsufficientBalance is returned when a withdraw exceeds the
	// current balance. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for non-positive deposit/withdraw
	// amounts or a negative adjust target.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// Event types published on the ledger feed.
const (
	EventDeposit         = "DEPOSIT"
	EventWithdrawal      = "WITHDRAWAL"
	EventBalanceAdjusted = "BALANCE_ADJUSTED"
)

// Event is one entry of the append-only mutation feed.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Caller     string    `json:"caller"`
	Holder     string    `json:"holder"`
	Symbol     string    `json:"symbol"`
	Amount     int64     `json:"amount"`
	NewBalance int64     `json:"new_balance"`
	At         time.Time `json:"at"`
}

type pairKey struct {
	holder string
	symbol string
}

// Ledger holds base-unit balances keyed by (holder, symbol). The principal
// set is immutable after construction; there is no runtime admin surface.
type Ledger struct {
	mu         sync.Mutex
	balances   map[pairKey]int64
	principals map[string]bool
	events     chan Event
}

// New creates a ledger whose privileged operations are restricted to the
// given principals. eventBuffer sizes the event feed channel.
func New(principals []string, eventBuffer int) *Ledger {
	set := make(map[string]bool, len(principals))
	for _, p := range principals {
		set[p] = true
	}
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Ledger{
		balances:   make(map[pairKey]int64),
		principals: set,
		events:     make(chan Event, eventBuffer),
	}
}

// IsPrincipal reports whether addr may call Withdraw/AdjustBalance.
func (l *Ledger) IsPrincipal(addr string) bool {
	return l.principals[addr]
}

// Events returns the append-only mutation feed. Consumers that fall behind
// lose events (the feed is a notification channel, not the ledger of record).
func (l *Ledger) Events() <-chan Event {
	return l.events
}

// GetBalance returns the balance for (holder, symbol), zero for unknown
// pairs. Always succeeds.
func (l *Ledger) GetBalance(holder, symbol string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[pairKey{holder, symbol}]
}

// Deposit credits amount to the caller's own balance. Callable by anyone,
// but only for their own holder identity.
func (l *Ledger) Deposit(caller, symbol string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit of %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	key := pairKey{caller, symbol}
	l.balances[key] += amount
	newBalance := l.balances[key]
	l.mu.Unlock()

	l.emit(Event{
		Type: EventDeposit, Caller: caller, Holder: caller,
		Symbol: symbol, Amount: amount, NewBalance: newBalance,
	})
	return nil
}

// Withdraw debits amount from holder's balance. Principals only; fails
// without touching state when the balance would go negative.
func (l *Ledger) Withdraw(caller, holder, symbol string, amount int64) error {
	if !l.principals[caller] {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, caller)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw of %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	key := pairKey{holder, symbol}
	if l.balances[key] < amount {
		have := l.balances[key]
		l.mu.Unlock()
		return fmt.Errorf("%w: %s/%s has %d, want %d",
			ErrInsufficientBalance, holder, symbol, have, amount)
	}
	l.balances[key] -= amount
	newBalance := l.balances[key]
	l.mu.Unlock()

	l.emit(Event{
		Type: EventWithdrawal, Caller: caller, Holder: holder,
		Symbol: symbol, Amount: amount, NewBalance: newBalance,
	})
	return nil
}

// AdjustBalance sets holder's balance to an absolute value. Principals
// only; reserved for administrative correction, not routine rebalancing.
func (l *Ledger) AdjustBalance(caller, holder, symbol string, newBalance int64) error {
	if !l.principals[caller] {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, caller)
	}
	if newBalance < 0 {
		return fmt.Errorf("%w: adjust to %d", ErrInvalidAmount, newBalance)
	}

	l.mu.Lock()
	l.balances[pairKey{holder, symbol}] = newBalance
	l.mu.Unlock()

	l.emit(Event{
		Type: EventBalanceAdjusted, Caller: caller, Holder: holder,
		Symbol: symbol, Amount: newBalance, NewBalance: newBalance,
	})
	return nil
}

// emit publishes an event without blocking a mutation on slow consumers.
func (l *Ledger) emit(e Event) {
	e.ID = uuid.New().String()
	e.At = time.Now().UTC()
	select {
	case l.events <- e:
	default:
		slog.Warn("ledger event dropped, feed full",
			"type", e.Type, "holder", e.Holder, "symbol", e.Symbol)
	}
}
