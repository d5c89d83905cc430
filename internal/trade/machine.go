package trade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/executor"
	"github.com/galaxyonymous/discord-trading-bot/internal/journal"
	"github.com/galaxyonymous/discord-trading-bot/internal/notifier"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
)

// Config tunes how the machine reacts to fills.
type Config struct {
	// ExitAfterPartialFill places the stop and targets as soon as the first
	// entry fill lands instead of waiting for the full position.
	ExitAfterPartialFill bool
	// DustThreshold is the residual base quantity below which a position
	// counts as flat.
	DustThreshold decimal.Decimal
}

// Store persists order snapshots and journal events. May be nil.
type Store interface {
	journal.Journaler
	SaveOrder(ctx context.Context, tradeID string, o exchange.Order) error
}

// Machine drives a single trade through its lifecycle. It owns the trade's
// state; fill updates arrive through Apply, usually from a Watcher.
type Machine struct {
	mu sync.Mutex
	t  *Trade

	exec    *executor.Executor
	cfg     Config
	storage Store
	notif   notifier.Notifier
	log     *logrus.Entry

	exitsPlaced bool
}

// NewMachine wraps a Created trade. Storage and notifier may be nil.
func NewMachine(t *Trade, exec *executor.Executor, cfg Config, storage Store, notif notifier.Notifier, log *logrus.Entry) *Machine {
	return &Machine{
		t:       t,
		exec:    exec,
		cfg:     cfg,
		storage: storage,
		notif:   notif,
		log:     log.WithFields(logrus.Fields{"trade_id": t.ID, "symbol": t.Symbol}),
	}
}

// Trade ID of the underlying trade.
func (m *Machine) TradeID() string { return m.t.ID }

// Symbol of the underlying trade.
func (m *Machine) Symbol() string { return m.t.Symbol }

// Snapshot returns a copy of the trade for display and persistence.
func (m *Machine) Snapshot() Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.t
	cp.Orders = make(map[plan.Role]exchange.Order, len(m.t.Orders))
	for role, o := range m.t.Orders {
		cp.Orders[role] = o
	}
	return cp
}

// State returns the current lifecycle stage.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.State
}

// LiveOrders returns the orders still resting on the exchange.
func (m *Machine) LiveOrders() map[plan.Role]exchange.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[plan.Role]exchange.Order)
	for role, o := range m.t.Orders {
		if !o.Status.Terminal() {
			out[role] = o
		}
	}
	return out
}

// Start places the entry orders. Placement is all or nothing: if any entry
// fails, every sibling already placed is cancelled and the trade is Failed.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.t.State != StateCreated {
		return fmt.Errorf("trade %s: cannot start from state %s", m.t.ID, m.t.State)
	}

	var placed []exchange.Order
	for _, spec := range m.t.Plan.Entries() {
		order, err := m.exec.Place(ctx, m.t.ID, m.t.Symbol, spec)
		if err != nil {
			for _, sibling := range placed {
				if cerr := m.exec.Cancel(ctx, m.t.Symbol, sibling.OrderID); cerr != nil {
					m.log.WithError(cerr).Error("failed to cancel sibling entry")
				}
			}
			m.fail(ctx, fmt.Sprintf("entry placement: %v", err))
			return err
		}
		placed = append(placed, order)
		m.t.Orders[spec.Role] = order
		m.saveOrder(ctx, order)
	}

	m.transition(ctx, StateEntryPending, "entries placed")
	return nil
}

// Apply folds an order status update into the trade. The watcher calls this
// for every change it observes.
func (m *Machine) Apply(ctx context.Context, role plan.Role, updated exchange.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.t.State.Terminal() {
		return
	}

	prev := m.t.Orders[role]
	delta := updated.FilledQty.Sub(prev.FilledQty)
	m.t.Orders[role] = updated
	m.t.UpdatedAt = time.Now().UTC()
	m.saveOrder(ctx, updated)

	// Once exited the remaining updates only settle the books.
	if m.t.State == StateExited {
		if delta.IsPositive() && !role.IsEntry() {
			m.t.SoldQty = m.t.SoldQty.Add(delta)
		}
		m.maybeClose(ctx)
		return
	}

	switch {
	case role.IsEntry():
		m.onEntryUpdate(ctx, role, updated, delta)
	case role == plan.RoleStopLoss:
		m.onStopUpdate(ctx, updated, delta)
	case role.IsTarget():
		m.onTargetUpdate(ctx, role, updated, delta)
	}

	m.maybeClose(ctx)
}

func (m *Machine) onEntryUpdate(ctx context.Context, role plan.Role, o exchange.Order, delta decimal.Decimal) {
	if delta.IsPositive() {
		price := o.AvgPrice
		if !price.IsPositive() {
			price = o.Price
		}
		m.t.FilledQty = m.t.FilledQty.Add(delta)
		m.t.entryCost = m.t.entryCost.Add(delta.Mul(price))
		m.t.AvgEntry = m.t.entryCost.Div(m.t.FilledQty)

		m.journalEvent(ctx, journal.OrderEvent("entry_fill", map[string]any{
			"trade_id": m.t.ID, "role": string(role), "qty": delta.String(), "price": price.String(),
		}))
		m.notify(fmt.Sprintf("[ENTRY FILL] %s %s qty=%s price=%s avg_entry=%s",
			m.t.Symbol, role, delta, price, m.t.AvgEntry))

		if m.t.State == StateEntryPending {
			m.transition(ctx, StatePartiallyEntered, "first entry fill")
		}
	}

	if m.allEntriesDone() {
		if m.t.FilledQty.IsPositive() {
			if m.t.State != StateFullyEntered {
				m.transition(ctx, StateFullyEntered, "all entries settled")
			}
		} else {
			// Every entry reached a terminal state without a single fill.
			m.fail(ctx, "all entries cancelled or rejected before filling")
			return
		}
	}

	if m.t.FilledQty.IsPositive() && !m.exitsPlaced {
		if m.cfg.ExitAfterPartialFill || m.t.State == StateFullyEntered {
			m.placeExits(ctx)
		}
	}
}

func (m *Machine) onStopUpdate(ctx context.Context, o exchange.Order, delta decimal.Decimal) {
	if delta.IsPositive() {
		m.t.SoldQty = m.t.SoldQty.Add(delta)
	}
	if o.Status != exchange.StatusFilled {
		return
	}

	m.cancelResting(ctx, plan.RoleStopLoss)
	m.t.ExitReason = StoppedOut
	m.transition(ctx, StateExited, "stop loss filled")
	m.notify(fmt.Sprintf("[STOPPED OUT] %s qty=%s stop=%s", m.t.Symbol, o.FilledQty, o.Price))
}

func (m *Machine) onTargetUpdate(ctx context.Context, role plan.Role, o exchange.Order, delta decimal.Decimal) {
	if delta.IsPositive() {
		m.t.SoldQty = m.t.SoldQty.Add(delta)
		m.journalEvent(ctx, journal.OrderEvent("target_fill", map[string]any{
			"trade_id": m.t.ID, "role": string(role), "qty": delta.String(), "price": o.Price.String(),
		}))
		m.notify(fmt.Sprintf("[TARGET HIT] %s %s qty=%s price=%s", m.t.Symbol, role, delta, o.Price))
	}

	if m.allTargetsFilled() || m.positionFlat() {
		m.cancelResting(ctx, role)
		m.t.ExitReason = TargetsReached
		m.transition(ctx, StateExited, "all targets reached")
	}
}

// ManualClose cancels every resting order and marks the trade exited. Any
// held base quantity stays in the account.
func (m *Machine) ManualClose(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.t.State.Terminal() {
		return fmt.Errorf("trade %s: already %s", m.t.ID, m.t.State)
	}

	m.cancelResting(ctx, "")
	m.t.ExitReason = ManuallyClosed
	m.transition(ctx, StateExited, "manual close")
	m.maybeClose(ctx)
	return nil
}

// Fail aborts the trade, cancelling anything still resting.
func (m *Machine) Fail(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.t.State.Terminal() {
		return
	}
	m.cancelResting(ctx, "")
	m.fail(ctx, reason)
}

// placeExits submits the stop loss and the target ladder. A rejected exit is
// reported but does not abort the trade; the remaining exits still go out.
func (m *Machine) placeExits(ctx context.Context) {
	m.exitsPlaced = true
	for _, spec := range m.t.Plan.Exits() {
		order, err := m.exec.Place(ctx, m.t.ID, m.t.Symbol, spec)
		if err != nil {
			m.log.WithError(err).WithField("role", spec.Role).Error("exit placement failed")
			m.journalEvent(ctx, journal.OrderEvent("exit_placement_failed", map[string]any{
				"trade_id": m.t.ID, "role": string(spec.Role), "error": err.Error(),
			}))
			m.notify(fmt.Sprintf("[WARNING] %s exit %s not placed: %v", m.t.Symbol, spec.Role, err))
			continue
		}
		m.t.Orders[spec.Role] = order
		m.saveOrder(ctx, order)
	}
}

// cancelResting cancels every non-terminal order except the one named by
// keep. Cancelled orders are recorded as such so the watcher stops polling.
func (m *Machine) cancelResting(ctx context.Context, keep plan.Role) {
	for role, o := range m.t.Orders {
		if role == keep || o.Status.Terminal() {
			continue
		}
		if err := m.exec.Cancel(ctx, m.t.Symbol, o.OrderID); err != nil {
			m.log.WithError(err).WithField("role", role).Error("cancel failed")
			continue
		}
		o.Status = exchange.StatusCanceled
		m.t.Orders[role] = o
		m.saveOrder(ctx, o)
	}
}

func (m *Machine) maybeClose(ctx context.Context) {
	if m.t.State != StateExited {
		return
	}
	for _, o := range m.t.Orders {
		if !o.Status.Terminal() {
			return
		}
	}
	m.t.ClosedAt = time.Now().UTC()
	m.transition(ctx, StateClosed, "all orders settled")
	m.exec.Forget(m.t.ID)
	m.notify(fmt.Sprintf("[CLOSED] %s reason=%s entered=%s sold=%s avg_entry=%s",
		m.t.Symbol, m.t.ExitReason, m.t.FilledQty, m.t.SoldQty, m.t.AvgEntry))
}

func (m *Machine) fail(ctx context.Context, reason string) {
	m.t.FailReason = reason
	m.transition(ctx, StateFailed, reason)
	m.exec.Forget(m.t.ID)
	m.notify(fmt.Sprintf("[FAILED] %s: %s", m.t.Symbol, reason))
}

func (m *Machine) transition(ctx context.Context, to State, why string) {
	from := m.t.State
	m.t.State = to
	m.t.UpdatedAt = time.Now().UTC()

	m.log.WithFields(logrus.Fields{"from": from, "to": to}).Info(why)
	m.journalEvent(ctx, journal.TradeEvent("state_change", map[string]any{
		"trade_id": m.t.ID, "symbol": m.t.Symbol, "from": string(from), "to": string(to), "why": why,
	}))
}

func (m *Machine) allEntriesDone() bool {
	for _, spec := range m.t.Plan.Entries() {
		o, ok := m.t.Orders[spec.Role]
		if !ok || !o.Status.Terminal() {
			return false
		}
	}
	return true
}

func (m *Machine) allTargetsFilled() bool {
	seen := false
	for _, spec := range m.t.Plan.Exits() {
		if !spec.Role.IsTarget() {
			continue
		}
		seen = true
		o, ok := m.t.Orders[spec.Role]
		if !ok || o.Status != exchange.StatusFilled {
			return false
		}
	}
	return seen
}

func (m *Machine) positionFlat() bool {
	return m.t.FilledQty.IsPositive() && m.t.Position().LessThanOrEqual(m.cfg.DustThreshold)
}

func (m *Machine) saveOrder(ctx context.Context, o exchange.Order) {
	if m.storage == nil {
		return
	}
	if err := m.storage.SaveOrder(ctx, m.t.ID, o); err != nil {
		m.log.WithError(err).WithField("order_id", o.OrderID).Error("order persist failed")
	}
}

func (m *Machine) journalEvent(ctx context.Context, ev journal.Event) {
	if m.storage == nil {
		return
	}
	if err := m.storage.LogEvent(ctx, ev); err != nil {
		m.log.WithError(err).Error("journal write failed")
	}
}

func (m *Machine) notify(msg string) {
	if m.notif == nil {
		return
	}
	if err := m.notif.SendWithRetry(msg); err != nil {
		m.log.WithError(err).Error("notification failed")
	}
}
