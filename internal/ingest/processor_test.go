package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaxyonymous/discord-trading-bot/internal/db"
	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/executor"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
	"github.com/galaxyonymous/discord-trading-bot/internal/registry"
	"github.com/galaxyonymous/discord-trading-bot/internal/sizing"
	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
)

const lskAlert = `Buying $LSK
First buying: 0.208-0.210
Second buying: 0.197
CMP: 0.208
Targets
4%
8%
SL: 0.189`

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	mu        sync.Mutex
	nextID    int
	submits   int
	balance   decimal.Decimal
	rejectAll bool
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) FetchBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	return exchange.Balance{Asset: asset, Available: f.balance, Total: f.balance}, nil
}

func (f *fakeExchange) FetchMarketRules(ctx context.Context, symbol string) (exchange.MarketRules, error) {
	return exchange.MarketRules{
		Symbol:         symbol,
		LotSize:        dec("0.1"),
		MinNotional:    dec("5"),
		PricePrecision: 4,
	}, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.rejectAll {
		return exchange.Order{}, &exchange.RejectionError{Reason: "insufficient balance"}
	}
	f.nextID++
	return exchange.Order{
		OrderID:  fmt.Sprintf("ord-%d", f.nextID),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
		Status:   exchange.StatusOpen,
	}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	return exchange.Order{OrderID: orderID, Status: exchange.StatusOpen}, nil
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []string
}

func (r *fakeReplier) Reply(channelID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *fakeReplier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

func (r *fakeReplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testOptions() Options {
	return Options{
		CommandPrefix: "!",
		QuoteAsset:    "USDT",
		Policy: sizing.Policy{
			QuoteAsset:      "USDT",
			PositionSizePct: dec("0.10"),
			MaxPositionSize: dec("100"),
			MinBalance:      dec("10"),
		},
		PlanOptions:   plan.Options{EnableStopLoss: true, EnableTakeProfit: true},
		MachineConfig: trade.Config{ExitAfterPartialFill: true},
		PollInterval:  10 * time.Millisecond,
	}
}

func newTestProcessor(fake *fakeExchange, replier *fakeReplier) (*Processor, *registry.Registry) {
	exec := executor.New(fake, executor.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, quietLog())
	storage := db.NewMemory()
	reg := registry.New(storage, quietLog())
	p := NewProcessor(testOptions(), fake, exec, reg, storage, nil, replier, quietLog())
	return p, reg
}

func runOne(t *testing.T, p *Processor, msg Message) {
	t.Helper()
	msgs := make(chan Message, 1)
	msgs <- msg
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Run(ctx, msgs)
}

func TestProcessor_ChatterIgnored(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000")}
	replier := &fakeReplier{}
	p, reg := newTestProcessor(fake, replier)

	runOne(t, p, Message{ID: "m1", ChannelID: "c1", Content: "gm everyone, slowly accumulating here"})

	assert.Zero(t, replier.count(), "chatter must not get a reply")
	assert.Zero(t, fake.submits)
	assert.Empty(t, reg.Active())
}

func TestProcessor_SignalExecuted(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000")}
	replier := &fakeReplier{}
	p, reg := newTestProcessor(fake, replier)

	runOne(t, p, Message{ID: "m1", ChannelID: "c1", Content: lskAlert, Time: time.Now()})

	// Two entry orders hit the exchange.
	assert.Equal(t, 2, fake.submits)
	require.GreaterOrEqual(t, replier.count(), 1)
	assert.Contains(t, replier.last(), "LSKUSDT")

	active := reg.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "LSKUSDT", active[0].Symbol)
	assert.Equal(t, trade.StateEntryPending, active[0].State)
}

func TestProcessor_ParseFailureGetsReply(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000")}
	replier := &fakeReplier{}
	p, reg := newTestProcessor(fake, replier)

	broken := strings.ReplaceAll(lskAlert, "SL: 0.189", "")
	runOne(t, p, Message{ID: "m1", ChannelID: "c1", Content: broken})

	require.Equal(t, 1, replier.count())
	assert.Contains(t, replier.last(), "Could not parse")
	assert.Empty(t, reg.Active())
}

func TestProcessor_DuplicateSymbolRejected(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000")}
	replier := &fakeReplier{}
	p, _ := newTestProcessor(fake, replier)

	msgs := make(chan Message, 2)
	msgs <- Message{ID: "m1", ChannelID: "c1", Content: lskAlert, Time: time.Now()}
	msgs <- Message{ID: "m2", ChannelID: "c1", Content: lskAlert, Time: time.Now()}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Run(ctx, msgs)

	assert.Equal(t, 2, fake.submits, "second signal must not place orders")
	assert.Contains(t, replier.last(), "already active")
}

func TestProcessor_InsufficientBalance(t *testing.T) {
	fake := &fakeExchange{balance: dec("5")}
	replier := &fakeReplier{}
	p, reg := newTestProcessor(fake, replier)

	runOne(t, p, Message{ID: "m1", ChannelID: "c1", Content: lskAlert})

	assert.Zero(t, fake.submits)
	assert.Contains(t, replier.last(), "not executed")
	assert.Empty(t, reg.Active())
}

func TestProcessor_RejectedEntryFreesSymbol(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000"), rejectAll: true}
	replier := &fakeReplier{}
	p, reg := newTestProcessor(fake, replier)

	runOne(t, p, Message{ID: "m1", ChannelID: "c1", Content: lskAlert})

	assert.Contains(t, replier.last(), "not executed")
	assert.Empty(t, reg.Active())
	assert.False(t, reg.HasActive("LSK"), "failed trade must free the symbol slot")
}

func TestProcessor_StatusCommand(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000")}
	replier := &fakeReplier{}
	p, _ := newTestProcessor(fake, replier)

	runOne(t, p, Message{ID: "m1", ChannelID: "c1", Content: "!status"})

	require.Equal(t, 1, replier.count())
	assert.Contains(t, replier.last(), "Exchange: fake")
	assert.Contains(t, replier.last(), "Balance: 1000 USDT")
	assert.Contains(t, replier.last(), "Active trades: 0")
}

func TestProcessor_TradesCommand(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000")}
	replier := &fakeReplier{}
	p, _ := newTestProcessor(fake, replier)

	msgs := make(chan Message, 2)
	msgs <- Message{ID: "m1", ChannelID: "c1", Content: lskAlert, Time: time.Now()}
	msgs <- Message{ID: "m2", ChannelID: "c1", Content: "!trades"}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Run(ctx, msgs)

	assert.Contains(t, replier.last(), "LSKUSDT")
	assert.Contains(t, replier.last(), string(trade.StateEntryPending))
}

func TestProcessor_EmptyTradesCommand(t *testing.T) {
	fake := &fakeExchange{balance: dec("1000")}
	replier := &fakeReplier{}
	p, _ := newTestProcessor(fake, replier)

	runOne(t, p, Message{ID: "m1", ChannelID: "c1", Content: "!trades"})
	assert.Equal(t, "No active trades.", replier.last())
}
