// Package registry tracks the trades currently managed by the bot.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
)

// Tracked is the registry's view of a managed trade.
type Tracked interface {
	TradeID() string
	Symbol() string
	State() trade.State
	Snapshot() trade.Trade
}

// Storage archives finished trades.
type Storage interface {
	SaveTrade(ctx context.Context, t trade.Trade) error
}

// Registry holds every open trade, keyed by symbol. At most one active trade
// per symbol is allowed; a second signal for the same symbol is rejected
// until the first trade settles.
type Registry struct {
	mu      sync.RWMutex
	bySym   map[string]Tracked
	byID    map[string]Tracked
	storage Storage
	log     *logrus.Entry
}

// New builds an empty registry. Storage may be nil; finished trades are then
// simply dropped.
func New(storage Storage, log *logrus.Entry) *Registry {
	return &Registry{
		bySym:   make(map[string]Tracked),
		byID:    make(map[string]Tracked),
		storage: storage,
		log:     log,
	}
}

// Register admits a trade. It fails when the symbol already has an active
// trade, unless that trade has settled in the meantime.
func (r *Registry) Register(m Tracked) error {
	sym := normalize(m.Symbol())

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySym[sym]; ok && existing.State() != trade.StateClosed && existing.State() != trade.StateFailed {
		return fmt.Errorf("registry: symbol %s already has active trade %s", sym, existing.TradeID())
	}

	r.bySym[sym] = m
	r.byID[m.TradeID()] = m
	r.log.WithFields(logrus.Fields{"trade_id": m.TradeID(), "symbol": sym}).Info("trade registered")
	return nil
}

// HasActive reports whether a symbol currently has a live trade.
func (r *Registry) HasActive(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.bySym[normalize(symbol)]
	return ok && !m.State().Terminal()
}

// Get looks a trade up by ID.
func (r *Registry) Get(tradeID string) (Tracked, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[tradeID]
	return m, ok
}

// Active returns snapshots of every non-terminal trade, ordered by symbol.
func (r *Registry) Active() []trade.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []trade.Trade
	for _, m := range r.byID {
		if !m.State().Terminal() {
			out = append(out, m.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// All returns snapshots of every tracked trade, terminal ones included.
func (r *Registry) All() []trade.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []trade.Trade
	for _, m := range r.byID {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Release archives a settled trade and frees its symbol slot. Releasing a
// trade that is still live is an error.
func (r *Registry) Release(ctx context.Context, tradeID string) error {
	r.mu.Lock()
	m, ok := r.byID[tradeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown trade %s", tradeID)
	}
	if !m.State().Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("registry: trade %s still %s", tradeID, m.State())
	}

	snap := m.Snapshot()
	delete(r.byID, tradeID)
	sym := normalize(m.Symbol())
	if cur, ok := r.bySym[sym]; ok && cur.TradeID() == tradeID {
		delete(r.bySym, sym)
	}
	r.mu.Unlock()

	if r.storage != nil {
		if err := r.storage.SaveTrade(ctx, snap); err != nil {
			return fmt.Errorf("registry: archive trade %s: %w", tradeID, err)
		}
	}
	r.log.WithFields(logrus.Fields{"trade_id": tradeID, "state": snap.State}).Info("trade released")
	return nil
}

// Sweep releases every settled trade. Returns the number released.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.RLock()
	var done []string
	for id, m := range r.byID {
		if m.State().Terminal() {
			done = append(done, id)
		}
	}
	r.mu.RUnlock()

	released := 0
	for _, id := range done {
		if err := r.Release(ctx, id); err != nil {
			r.log.WithError(err).WithField("trade_id", id).Error("sweep release failed")
			continue
		}
		released++
	}
	return released
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
