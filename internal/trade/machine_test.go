package trade

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/executor"
	"github.com/galaxyonymous/discord-trading-bot/internal/journal"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
	"github.com/galaxyonymous/discord-trading-bot/internal/signal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	mu        sync.Mutex
	nextID    int
	orders    map[string]exchange.Order
	cancelled []string
	rejectAll bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orders: make(map[string]exchange.Order)}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) FetchBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	return exchange.Balance{}, nil
}

func (f *fakeExchange) FetchMarketRules(ctx context.Context, symbol string) (exchange.MarketRules, error) {
	return exchange.MarketRules{}, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectAll {
		return exchange.Order{}, &exchange.RejectionError{Reason: "insufficient balance"}
	}
	f.nextID++
	o := exchange.Order{
		OrderID:  fmt.Sprintf("ord-%d", f.nextID),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   exchange.StatusOpen,
	}
	f.orders[o.OrderID] = o
	return o, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if o, ok := f.orders[orderID]; ok {
		o.Status = exchange.StatusCanceled
		f.orders[orderID] = o
	}
	return nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[orderID], nil
}

// fill marks an order partially or fully filled on the fake book.
func (f *fakeExchange) fill(orderID string, qty, price decimal.Decimal, status exchange.OrderStatus) exchange.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	o.FilledQty = qty
	o.AvgPrice = price
	o.Status = status
	f.orders[orderID] = o
	return o
}

// memStore records persisted orders and journal events.
type memStore struct {
	mu     sync.Mutex
	orders map[string]exchange.Order
	events []journal.Event
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]exchange.Order)}
}

func (s *memStore) SaveOrder(ctx context.Context, tradeID string, o exchange.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = o
	return nil
}

func (s *memStore) LogEvent(ctx context.Context, ev journal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	return nil, nil
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testPlan() plan.TradePlan {
	return plan.TradePlan{
		Symbol: "LSKUSDT",
		Orders: []plan.OrderSpec{
			{Role: plan.RoleEntry1, Side: "buy", Type: "limit", Price: dec("0.209"), Quantity: dec("239.2")},
			{Role: plan.RoleEntry2, Side: "buy", Type: "limit", Price: dec("0.197"), Quantity: dec("253.8")},
			{Role: plan.RoleStopLoss, Side: "sell", Type: "stop-limit", Price: dec("0.189"), StopPrice: dec("0.189"), Quantity: dec("493")},
			{Role: plan.TargetRole(0), Side: "sell", Type: "limit", Price: dec("0.2111"), Quantity: dec("246.5")},
			{Role: plan.TargetRole(1), Side: "sell", Type: "limit", Price: dec("0.2192"), Quantity: dec("246.5")},
		},
		PlannedEntry:  dec("0.203"),
		TotalQuantity: dec("493"),
	}
}

func testSignal() signal.Signal {
	return signal.Signal{Symbol: "LSK", StopLoss: dec("0.189")}
}

func newTestMachine(t *testing.T, fake *fakeExchange, cfg Config) *Machine {
	t.Helper()
	exec := executor.New(fake, executor.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, quietLog())
	return NewMachine(New(testSignal(), testPlan()), exec, cfg, nil, nil, quietLog())
}

func defaultCfg() Config {
	return Config{ExitAfterPartialFill: true, DustThreshold: dec("0.5")}
}

func TestStart_PlacesEntriesOnly(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateEntryPending, m.State())

	live := m.LiveOrders()
	require.Len(t, live, 2)
	_, hasStop := live[plan.RoleStopLoss]
	assert.False(t, hasStop, "exits must wait for an entry fill")
}

func TestStart_RejectionFailsTrade(t *testing.T) {
	fake := newFakeExchange()
	fake.rejectAll = true
	m := newTestMachine(t, fake, defaultCfg())

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())

	snap := m.Snapshot()
	assert.NotEmpty(t, snap.FailReason)
}

func TestApply_PartialEntryFillPlacesExits(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	entry1 := snap.Orders[plan.RoleEntry1]

	updated := fake.fill(entry1.OrderID, dec("100"), dec("0.209"), exchange.StatusPartiallyFilled)
	m.Apply(context.Background(), plan.RoleEntry1, updated)

	assert.Equal(t, StatePartiallyEntered, m.State())

	snap = m.Snapshot()
	assert.True(t, snap.FilledQty.Equal(dec("100")))
	assert.True(t, snap.AvgEntry.Equal(dec("0.209")))

	live := m.LiveOrders()
	_, hasStop := live[plan.RoleStopLoss]
	_, hasTarget := live[plan.TargetRole(0)]
	assert.True(t, hasStop, "stop must be live after first fill")
	assert.True(t, hasTarget, "targets must be live after first fill")
}

func TestApply_ExitsDeferredUntilFullEntry(t *testing.T) {
	fake := newFakeExchange()
	cfg := defaultCfg()
	cfg.ExitAfterPartialFill = false
	m := newTestMachine(t, fake, cfg)
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	entry1 := snap.Orders[plan.RoleEntry1]
	entry2 := snap.Orders[plan.RoleEntry2]

	m.Apply(context.Background(), plan.RoleEntry1,
		fake.fill(entry1.OrderID, dec("239.2"), dec("0.209"), exchange.StatusFilled))
	_, hasStop := m.LiveOrders()[plan.RoleStopLoss]
	assert.False(t, hasStop, "exits must wait for the second entry")

	m.Apply(context.Background(), plan.RoleEntry2,
		fake.fill(entry2.OrderID, dec("253.8"), dec("0.197"), exchange.StatusFilled))
	assert.Equal(t, StateFullyEntered, m.State())
	_, hasStop = m.LiveOrders()[plan.RoleStopLoss]
	assert.True(t, hasStop)
}

func TestApply_FullEntryWeightedAverage(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	m.Apply(context.Background(), plan.RoleEntry1,
		fake.fill(snap.Orders[plan.RoleEntry1].OrderID, dec("239.2"), dec("0.209"), exchange.StatusFilled))
	m.Apply(context.Background(), plan.RoleEntry2,
		fake.fill(snap.Orders[plan.RoleEntry2].OrderID, dec("253.8"), dec("0.197"), exchange.StatusFilled))

	assert.Equal(t, StateFullyEntered, m.State())

	snap = m.Snapshot()
	cost := dec("239.2").Mul(dec("0.209")).Add(dec("253.8").Mul(dec("0.197")))
	want := cost.Div(dec("493"))
	assert.True(t, snap.AvgEntry.Equal(want), "avg entry %s want %s", snap.AvgEntry, want)
}

func TestApply_StopFillCancelsTargets(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	m.Apply(context.Background(), plan.RoleEntry1,
		fake.fill(snap.Orders[plan.RoleEntry1].OrderID, dec("239.2"), dec("0.209"), exchange.StatusFilled))
	m.Apply(context.Background(), plan.RoleEntry2,
		fake.fill(snap.Orders[plan.RoleEntry2].OrderID, dec("253.8"), dec("0.197"), exchange.StatusFilled))

	snap = m.Snapshot()
	stop := snap.Orders[plan.RoleStopLoss]
	m.Apply(context.Background(), plan.RoleStopLoss,
		fake.fill(stop.OrderID, dec("493"), dec("0.189"), exchange.StatusFilled))

	snap = m.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, StoppedOut, snap.ExitReason)
	assert.True(t, snap.Position().IsZero(), "position %s", snap.Position())

	// Both targets were cancelled on the exchange.
	assert.Len(t, fake.cancelled, 2)
}

func TestApply_PartialFillThenStop(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	entry1 := snap.Orders[plan.RoleEntry1]
	m.Apply(context.Background(), plan.RoleEntry1,
		fake.fill(entry1.OrderID, dec("100"), dec("0.209"), exchange.StatusPartiallyFilled))
	require.Equal(t, StatePartiallyEntered, m.State())

	snap = m.Snapshot()
	stop := snap.Orders[plan.RoleStopLoss]
	require.NotEmpty(t, stop.OrderID)

	m.Apply(context.Background(), plan.RoleStopLoss,
		fake.fill(stop.OrderID, dec("100"), dec("0.189"), exchange.StatusFilled))

	snap = m.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, StoppedOut, snap.ExitReason)
	// Unfilled entries and targets are gone from the exchange.
	assert.GreaterOrEqual(t, len(fake.cancelled), 3)
}

func TestApply_AllTargetsReached(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	m.Apply(context.Background(), plan.RoleEntry1,
		fake.fill(snap.Orders[plan.RoleEntry1].OrderID, dec("239.2"), dec("0.209"), exchange.StatusFilled))
	m.Apply(context.Background(), plan.RoleEntry2,
		fake.fill(snap.Orders[plan.RoleEntry2].OrderID, dec("253.8"), dec("0.197"), exchange.StatusFilled))

	snap = m.Snapshot()
	m.Apply(context.Background(), plan.TargetRole(0),
		fake.fill(snap.Orders[plan.TargetRole(0)].OrderID, dec("246.5"), dec("0.2111"), exchange.StatusFilled))
	assert.Equal(t, StateFullyEntered, m.State(), "one target left, trade still open")

	m.Apply(context.Background(), plan.TargetRole(1),
		fake.fill(snap.Orders[plan.TargetRole(1)].OrderID, dec("246.5"), dec("0.2192"), exchange.StatusFilled))

	snap = m.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, TargetsReached, snap.ExitReason)
	// The stop was cancelled once the ladder completed.
	assert.Contains(t, fake.cancelled, snap.Orders[plan.RoleStopLoss].OrderID)
}

func TestApply_AllEntriesCancelledFailsTrade(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	for _, role := range []plan.Role{plan.RoleEntry1, plan.RoleEntry2} {
		o := snap.Orders[role]
		o.Status = exchange.StatusCanceled
		m.Apply(context.Background(), role, o)
	}

	assert.Equal(t, StateFailed, m.State())
}

func TestManualClose(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	m.Apply(context.Background(), plan.RoleEntry1,
		fake.fill(snap.Orders[plan.RoleEntry1].OrderID, dec("100"), dec("0.209"), exchange.StatusPartiallyFilled))

	require.NoError(t, m.ManualClose(context.Background()))

	snap = m.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, ManuallyClosed, snap.ExitReason)
	assert.Empty(t, m.LiveOrders())

	err := m.ManualClose(context.Background())
	assert.Error(t, err, "closing twice must be refused")
}

func TestMachine_PersistsOrderSnapshots(t *testing.T) {
	fake := newFakeExchange()
	store := newMemStore()
	exec := executor.New(fake, executor.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, quietLog())
	m := NewMachine(New(testSignal(), testPlan()), exec, defaultCfg(), store, nil, quietLog())

	require.NoError(t, m.Start(context.Background()))
	assert.Len(t, store.orders, 2, "both entries persisted on placement")

	snap := m.Snapshot()
	entry1 := snap.Orders[plan.RoleEntry1]
	m.Apply(context.Background(), plan.RoleEntry1,
		fake.fill(entry1.OrderID, dec("100"), dec("0.209"), exchange.StatusPartiallyFilled))

	// Entries plus the freshly placed stop and targets.
	assert.Len(t, store.orders, 5)
	assert.True(t, store.orders[entry1.OrderID].FilledQty.Equal(dec("100")))
	assert.NotEmpty(t, store.events)
}

func TestWatcher_FeedsFillsToMachine(t *testing.T) {
	fake := newFakeExchange()
	m := newTestMachine(t, fake, defaultCfg())
	require.NoError(t, m.Start(context.Background()))

	snap := m.Snapshot()
	entry1 := snap.Orders[plan.RoleEntry1]
	fake.fill(entry1.OrderID, dec("239.2"), dec("0.209"), exchange.StatusFilled)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w := NewWatcher(m, fake, 5*time.Millisecond, quietLog())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return m.State() == StatePartiallyEntered
	}, time.Second, 5*time.Millisecond)

	snap = m.Snapshot()
	assert.True(t, snap.FilledQty.Equal(dec("239.2")))
}
