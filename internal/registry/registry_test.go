package registry

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
)

type stubTrade struct {
	id     string
	symbol string
	state  trade.State
}

func (s *stubTrade) TradeID() string    { return s.id }
func (s *stubTrade) Symbol() string     { return s.symbol }
func (s *stubTrade) State() trade.State { return s.state }
func (s *stubTrade) Snapshot() trade.Trade {
	return trade.Trade{ID: s.id, Symbol: s.symbol, State: s.state}
}

type memArchive struct {
	saved   []trade.Trade
	failAll bool
}

func (a *memArchive) SaveTrade(ctx context.Context, t trade.Trade) error {
	if a.failAll {
		return errors.New("db down")
	}
	a.saved = append(a.saved, t)
	return nil
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRegister_RejectsSecondTradeForSymbol(t *testing.T) {
	r := New(nil, quietLog())

	require.NoError(t, r.Register(&stubTrade{id: "t1", symbol: "LSK", state: trade.StateEntryPending}))
	err := r.Register(&stubTrade{id: "t2", symbol: "lsk", state: trade.StateCreated})
	require.Error(t, err, "symbol match must be case-insensitive")

	assert.True(t, r.HasActive("LSK"))
	assert.False(t, r.HasActive("BTC"))
}

func TestRegister_SettledTradeFreesSymbol(t *testing.T) {
	r := New(nil, quietLog())
	first := &stubTrade{id: "t1", symbol: "LSK", state: trade.StateEntryPending}
	require.NoError(t, r.Register(first))

	first.state = trade.StateClosed
	assert.False(t, r.HasActive("LSK"))

	require.NoError(t, r.Register(&stubTrade{id: "t2", symbol: "LSK", state: trade.StateCreated}))
}

func TestActive_OrderedBySymbol(t *testing.T) {
	r := New(nil, quietLog())
	require.NoError(t, r.Register(&stubTrade{id: "t1", symbol: "XRP", state: trade.StateEntryPending}))
	require.NoError(t, r.Register(&stubTrade{id: "t2", symbol: "BTC", state: trade.StateFullyEntered}))
	require.NoError(t, r.Register(&stubTrade{id: "t3", symbol: "LSK", state: trade.StateClosed}))

	active := r.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "BTC", active[0].Symbol)
	assert.Equal(t, "XRP", active[1].Symbol)

	assert.Len(t, r.All(), 3)
}

func TestRelease_ArchivesAndFreesSlot(t *testing.T) {
	arch := &memArchive{}
	r := New(arch, quietLog())

	st := &stubTrade{id: "t1", symbol: "LSK", state: trade.StateEntryPending}
	require.NoError(t, r.Register(st))

	err := r.Release(context.Background(), "t1")
	require.Error(t, err, "live trades must not be released")

	st.state = trade.StateClosed
	require.NoError(t, r.Release(context.Background(), "t1"))
	require.Len(t, arch.saved, 1)
	assert.Equal(t, "t1", arch.saved[0].ID)

	_, ok := r.Get("t1")
	assert.False(t, ok)
	assert.False(t, r.HasActive("LSK"))
}

func TestRelease_UnknownTrade(t *testing.T) {
	r := New(nil, quietLog())
	assert.Error(t, r.Release(context.Background(), "nope"))
}

func TestSweep(t *testing.T) {
	arch := &memArchive{}
	r := New(arch, quietLog())

	require.NoError(t, r.Register(&stubTrade{id: "t1", symbol: "LSK", state: trade.StateClosed}))
	require.NoError(t, r.Register(&stubTrade{id: "t2", symbol: "BTC", state: trade.StateEntryPending}))
	require.NoError(t, r.Register(&stubTrade{id: "t3", symbol: "XRP", state: trade.StateFailed}))

	released := r.Sweep(context.Background())
	assert.Equal(t, 2, released)
	assert.Len(t, arch.saved, 2)
	assert.Len(t, r.All(), 1)
}
