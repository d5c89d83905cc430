package plan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/signal"
	"github.com/galaxyonymous/discord-trading-bot/internal/sizing"
)

// Options toggle the protective legs of a plan.
type Options struct {
	EnableStopLoss   bool
	EnableTakeProfit bool
}

var oneHundred = decimal.NewFromInt(100)

// Build derives the executable order set for a sized signal. Target prices
// are computed from the planned weighted-average entry; the state machine
// recomputes exits against actual fills later.
func Build(sig signal.Signal, alloc sizing.Allocation, opts Options, rules exchange.MarketRules) (TradePlan, error) {
	if err := validate(sig, alloc); err != nil {
		return TradePlan{}, err
	}

	total := alloc.TotalQty()
	p := TradePlan{
		Symbol:        sig.Symbol,
		PlannedEntry:  plannedEntry(alloc),
		TotalQuantity: total,
	}

	p.Orders = append(p.Orders, OrderSpec{
		Role:     RoleEntry1,
		Side:     "buy",
		Type:     "limit",
		Price:    alloc.FirstPrice.Round(rules.PricePrecision),
		Quantity: alloc.FirstQty,
	})
	if alloc.SecondQty.IsPositive() {
		p.Orders = append(p.Orders, OrderSpec{
			Role:     RoleEntry2,
			Side:     "buy",
			Type:     "limit",
			Price:    alloc.SecondPrice.Round(rules.PricePrecision),
			Quantity: alloc.SecondQty,
		})
	}

	if opts.EnableStopLoss {
		p.Orders = append(p.Orders, OrderSpec{
			Role:      RoleStopLoss,
			Side:      "sell",
			Type:      "stop-limit",
			Price:     sig.StopLoss.Round(rules.PricePrecision),
			StopPrice: sig.StopLoss.Round(rules.PricePrecision),
			Quantity:  total,
		})
	}

	if opts.EnableTakeProfit {
		p.Orders = append(p.Orders, targetLadder(sig.Targets, p.PlannedEntry, total, rules)...)
	}

	return p, nil
}

// targetLadder apportions the position evenly across the targets in whole
// lot steps; the final target absorbs the rounding remainder so the ladder
// sums to the full quantity.
func targetLadder(targets []decimal.Decimal, entry, total decimal.Decimal, rules exchange.MarketRules) []OrderSpec {
	n := int64(len(targets))
	per := sizing.FloorToStep(total.Div(decimal.NewFromInt(n)), rules.LotSize)

	out := make([]OrderSpec, 0, n)
	remaining := total
	for i, pct := range targets {
		qty := per
		if int64(i) == n-1 {
			qty = remaining
		}
		price := entry.Mul(decimal.NewFromInt(1).Add(pct.Div(oneHundred))).Round(rules.PricePrecision)
		out = append(out, OrderSpec{
			Role:     TargetRole(i),
			Side:     "sell",
			Type:     "limit",
			Price:    price,
			Quantity: qty,
		})
		remaining = remaining.Sub(qty)
	}
	return out
}

// plannedEntry is the allocation-weighted mean of the entry prices.
func plannedEntry(alloc sizing.Allocation) decimal.Decimal {
	total := alloc.TotalQty()
	if !alloc.SecondQty.IsPositive() || total.IsZero() {
		return alloc.FirstPrice
	}
	cost := alloc.FirstQty.Mul(alloc.FirstPrice).Add(alloc.SecondQty.Mul(alloc.SecondPrice))
	return cost.Div(total)
}

func validate(sig signal.Signal, alloc sizing.Allocation) error {
	if len(sig.Targets) == 0 {
		return &PlanError{Reason: "no targets"}
	}
	for i := 1; i < len(sig.Targets); i++ {
		if !sig.Targets[i-1].LessThan(sig.Targets[i]) {
			return &PlanError{Reason: fmt.Sprintf("targets not strictly ascending at %s", sig.Targets[i])}
		}
	}

	entries := []decimal.Decimal{alloc.FirstPrice}
	if alloc.SecondQty.IsPositive() {
		entries = append(entries, alloc.SecondPrice)
	}
	for _, entry := range entries {
		if !sig.StopLoss.LessThan(entry) {
			return &PlanError{Reason: fmt.Sprintf("stop loss %s not below entry %s", sig.StopLoss, entry)}
		}
	}

	if !alloc.TotalQty().IsPositive() {
		return &PlanError{Reason: "empty allocation"}
	}
	return nil
}
