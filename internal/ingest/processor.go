package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/executor"
	"github.com/galaxyonymous/discord-trading-bot/internal/journal"
	"github.com/galaxyonymous/discord-trading-bot/internal/notifier"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
	"github.com/galaxyonymous/discord-trading-bot/internal/registry"
	"github.com/galaxyonymous/discord-trading-bot/internal/signal"
	"github.com/galaxyonymous/discord-trading-bot/internal/sizing"
	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
)

// Storage is what the processor persists through. May be nil.
type Storage interface {
	journal.Journaler
	SaveOrder(ctx context.Context, tradeID string, o exchange.Order) error
	SaveTrade(ctx context.Context, t trade.Trade) error
}

// Options wires the processor's behaviour.
type Options struct {
	CommandPrefix string
	QuoteAsset    string
	Policy        sizing.Policy
	PlanOptions   plan.Options
	MachineConfig trade.Config
	PollInterval  time.Duration
}

// Processor consumes the message queue: signal alerts become trades,
// prefixed commands become status replies, everything else is ignored.
type Processor struct {
	opts    Options
	ex      exchange.Exchange
	exec    *executor.Executor
	reg     *registry.Registry
	storage Storage
	notif   notifier.Notifier
	replier Replier
	log     *logrus.Entry

	wg sync.WaitGroup
}

// NewProcessor builds a processor. Storage and notifier may be nil; the
// replier may be nil for headless runs.
func NewProcessor(opts Options, ex exchange.Exchange, exec *executor.Executor, reg *registry.Registry, storage Storage, notif notifier.Notifier, replier Replier, log *logrus.Entry) *Processor {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "!"
	}
	return &Processor{
		opts:    opts,
		ex:      ex,
		exec:    exec,
		reg:     reg,
		storage: storage,
		notif:   notif,
		replier: replier,
		log:     log,
	}
}

// Run consumes messages until the channel closes or the context is
// cancelled, then stops the per-trade watchers and returns. Resting exchange
// orders are left untouched on shutdown.
func (p *Processor) Run(ctx context.Context, msgs <-chan Message) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		p.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("processor stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				p.log.Info("message queue closed")
				return
			}
			p.handle(ctx, watchCtx, msg)
		}
	}
}

func (p *Processor) handle(ctx, watchCtx context.Context, msg Message) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	if strings.HasPrefix(content, p.opts.CommandPrefix) {
		p.handleCommand(ctx, msg, strings.TrimPrefix(content, p.opts.CommandPrefix))
		return
	}

	if !signal.LooksLikeSignal(content) {
		return
	}
	p.handleSignal(ctx, watchCtx, msg)
}

func (p *Processor) handleSignal(ctx, watchCtx context.Context, msg Message) {
	sig, err := signal.Parse(msg.Content)
	if err != nil {
		p.log.WithError(err).WithField("message_id", msg.ID).Warn("signal rejected")
		p.journalEvent(ctx, journal.SignalEvent("parse_failed", map[string]any{
			"message_id": msg.ID, "error": err.Error(),
		}))
		p.reply(msg.ChannelID, fmt.Sprintf("Could not parse signal: %v", err))
		return
	}
	sig.SourceMessageID = msg.ID
	sig.ReceivedAt = msg.Time

	p.journalEvent(ctx, journal.SignalEvent("parsed", map[string]any{
		"message_id": msg.ID, "symbol": sig.Symbol,
	}))

	symbol := strings.ToUpper(sig.Symbol) + strings.ToUpper(p.opts.QuoteAsset)

	if p.reg.HasActive(symbol) {
		p.reply(msg.ChannelID, fmt.Sprintf("Ignoring %s signal: a trade for this symbol is already active.", sig.Symbol))
		return
	}

	balance, err := p.ex.FetchBalance(ctx, p.opts.QuoteAsset)
	if err != nil {
		p.failSignal(ctx, msg, sig.Symbol, fmt.Errorf("balance check failed: %w", err))
		return
	}

	rules, err := p.ex.FetchMarketRules(ctx, symbol)
	if err != nil {
		p.failSignal(ctx, msg, sig.Symbol, fmt.Errorf("market rules lookup failed: %w", err))
		return
	}

	alloc, err := sizing.Size(balance.Available, sig, p.opts.Policy, rules)
	if err != nil {
		p.failSignal(ctx, msg, sig.Symbol, err)
		return
	}

	tradePlan, err := plan.Build(sig, alloc, p.opts.PlanOptions, rules)
	if err != nil {
		p.failSignal(ctx, msg, sig.Symbol, err)
		return
	}
	tradePlan.Symbol = symbol

	t := trade.New(sig, tradePlan)
	machine := trade.NewMachine(t, p.exec, p.opts.MachineConfig, p.storage, p.notif, p.log)

	if err := p.reg.Register(machine); err != nil {
		p.reply(msg.ChannelID, fmt.Sprintf("Ignoring %s signal: %v", sig.Symbol, err))
		return
	}

	if err := machine.Start(ctx); err != nil {
		p.failSignal(ctx, msg, sig.Symbol, fmt.Errorf("entry placement failed: %w", err))
		if rerr := p.reg.Release(ctx, machine.TradeID()); rerr != nil {
			p.log.WithError(rerr).Error("failed to release aborted trade")
		}
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		watcher := trade.NewWatcher(machine, p.ex, p.opts.PollInterval, p.log)
		watcher.Run(watchCtx)
		if machine.State().Terminal() {
			if err := p.reg.Release(context.Background(), machine.TradeID()); err != nil {
				p.log.WithError(err).Error("failed to archive trade")
			}
		}
	}()

	p.reply(msg.ChannelID, fmt.Sprintf(
		"Trading %s: %d entries, total %s, stop %s, %d targets. Trade ID %s.",
		symbol, len(tradePlan.Entries()), tradePlan.TotalQuantity, sig.StopLoss, len(sig.Targets), machine.TradeID()))
}

func (p *Processor) failSignal(ctx context.Context, msg Message, symbol string, err error) {
	p.log.WithError(err).WithField("symbol", symbol).Warn("signal not executed")
	p.journalEvent(ctx, journal.SignalEvent("execution_failed", map[string]any{
		"message_id": msg.ID, "symbol": symbol, "error": err.Error(),
	}))
	p.reply(msg.ChannelID, fmt.Sprintf("Signal for %s not executed: %v", symbol, err))

	var eerr *executor.ExecutionError
	if p.notif != nil && errors.As(err, &eerr) {
		if nerr := p.notif.SendWithRetry(fmt.Sprintf("[EXECUTION FAILED] %s: %v", symbol, err)); nerr != nil {
			p.log.WithError(nerr).Error("notification failed")
		}
	}
}

func (p *Processor) handleCommand(ctx context.Context, msg Message, command string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "status":
		p.replyStatus(ctx, msg)
	case "trades":
		p.replyTrades(msg)
	}
}

func (p *Processor) replyStatus(ctx context.Context, msg Message) {
	var b strings.Builder
	fmt.Fprintf(&b, "Exchange: %s\n", p.ex.Name())

	balance, err := p.ex.FetchBalance(ctx, p.opts.QuoteAsset)
	if err != nil {
		fmt.Fprintf(&b, "Balance: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Balance: %s %s available\n", balance.Available, p.opts.QuoteAsset)
	}
	fmt.Fprintf(&b, "Active trades: %d", len(p.reg.Active()))

	p.reply(msg.ChannelID, b.String())
}

func (p *Processor) replyTrades(msg Message) {
	active := p.reg.Active()
	if len(active) == 0 {
		p.reply(msg.ChannelID, "No active trades.")
		return
	}

	var b strings.Builder
	for _, t := range active {
		fmt.Fprintf(&b, "%s [%s] filled=%s avg_entry=%s stop=%s targets=%d\n",
			t.Symbol, t.State, t.FilledQty, t.AvgEntry, t.Signal.StopLoss, len(t.Signal.Targets))
	}
	p.reply(msg.ChannelID, strings.TrimRight(b.String(), "\n"))
}

func (p *Processor) journalEvent(ctx context.Context, ev journal.Event) {
	if p.storage == nil {
		return
	}
	if err := p.storage.LogEvent(ctx, ev); err != nil {
		p.log.WithError(err).Error("journal write failed")
	}
}

func (p *Processor) reply(channelID, text string) {
	if p.replier == nil {
		return
	}
	if err := p.replier.Reply(channelID, text); err != nil {
		p.log.WithError(err).WithField("channel_id", channelID).Error("reply failed")
	}
}
