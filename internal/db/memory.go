package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/journal"
	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
)

// Memory is an in-memory Storage for tests and dry runs.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]exchange.Order
	trades map[string]trade.Trade
	events []journal.Event
}

func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]exchange.Order),
		trades: make(map[string]trade.Trade),
	}
}

func (m *Memory) GetDB() *sql.DB { return nil }

func (m *Memory) SaveOrder(ctx context.Context, tradeID string, o exchange.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		cp := o
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) GetOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []exchange.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) SaveTrade(ctx context.Context, t trade.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = t
	return nil
}

func (m *Memory) GetTrade(ctx context.Context, tradeID string) (*trade.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.trades[tradeID]; ok {
		cp := t
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) GetTradesBetween(ctx context.Context, start, end time.Time) ([]trade.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []trade.Trade
	for _, t := range m.trades {
		if !t.CreatedAt.Before(start) && !t.CreatedAt.After(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
