package trade

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
)

// Watcher polls the exchange for the live orders of one trade and feeds
// status changes into the machine. It stops on its own once the trade
// reaches a terminal state.
type Watcher struct {
	machine  *Machine
	ex       exchange.Exchange
	interval time.Duration
	log      *logrus.Entry
}

// NewWatcher builds a watcher for the given machine.
func NewWatcher(machine *Machine, ex exchange.Exchange, interval time.Duration, log *logrus.Entry) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		machine:  machine,
		ex:       ex,
		interval: interval,
		log:      log.WithFields(logrus.Fields{"trade_id": machine.TradeID(), "symbol": machine.Symbol()}),
	}
}

// Run blocks until the trade finishes or the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped, resting orders left on exchange")
			return
		case <-ticker.C:
			if w.machine.State().Terminal() {
				w.log.Info("trade settled, watcher done")
				return
			}
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	for role, known := range w.machine.LiveOrders() {
		updated, err := w.ex.GetOrderStatus(ctx, w.machine.Symbol(), known.OrderID)
		if err != nil {
			w.log.WithError(err).WithField("order_id", known.OrderID).Warn("status poll failed")
			continue
		}
		if updated.Status == known.Status && updated.FilledQty.Equal(known.FilledQty) {
			continue
		}
		w.machine.Apply(ctx, role, updated)
	}
}
