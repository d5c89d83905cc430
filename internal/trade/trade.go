// Package trade tracks a signal-driven trade from entry placement to close.
package trade

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
	"github.com/galaxyonymous/discord-trading-bot/internal/signal"
)

// State is the lifecycle stage of a trade.
type State string

const (
	StateCreated          State = "created"
	StateEntryPending     State = "entry_pending"
	StatePartiallyEntered State = "partially_entered"
	StateFullyEntered     State = "fully_entered"
	StateExited           State = "exited"
	StateClosed           State = "closed"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ExitReason records why an exited trade left the market.
type ExitReason string

const (
	StoppedOut     ExitReason = "stopped_out"
	TargetsReached ExitReason = "targets_reached"
	ManuallyClosed ExitReason = "manually_closed"
)

// Trade is the tracked lifecycle of one executed signal.
type Trade struct {
	ID     string         `json:"id"`
	Symbol string         `json:"symbol"`
	Signal signal.Signal  `json:"signal"`
	Plan   plan.TradePlan `json:"plan"`

	State      State      `json:"state"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	FailReason string     `json:"fail_reason,omitempty"`

	// Orders holds the latest known exchange state per plan role.
	Orders map[plan.Role]exchange.Order `json:"orders"`

	FilledQty decimal.Decimal `json:"filled_qty"` // base quantity bought
	SoldQty   decimal.Decimal `json:"sold_qty"`   // base quantity sold by exits
	AvgEntry  decimal.Decimal `json:"avg_entry"`  // fill-weighted average entry price
	entryCost decimal.Decimal

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

// New builds a Created trade for a parsed signal and its plan.
func New(sig signal.Signal, p plan.TradePlan) *Trade {
	now := time.Now().UTC()
	return &Trade{
		ID:        uuid.NewString(),
		Symbol:    p.Symbol,
		Signal:    sig,
		Plan:      p,
		State:     StateCreated,
		Orders:    make(map[plan.Role]exchange.Order),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Position is the base quantity currently held: entered minus exited.
func (t *Trade) Position() decimal.Decimal {
	return t.FilledQty.Sub(t.SoldQty)
}

// Active reports whether the trade still has market exposure or live orders.
func (t *Trade) Active() bool {
	return !t.State.Terminal()
}
