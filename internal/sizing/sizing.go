// Package sizing
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/signal"
)

// Policy controls how much of the account a single signal may consume and
// how the allocation is split across the entry levels.
type Policy struct {
	QuoteAsset      string
	PositionSizePct decimal.Decimal // fraction of balance, e.g. 0.10
	MaxPositionSize decimal.Decimal // absolute cap in quote asset
	MinBalance      decimal.Decimal // floor below which no trade is attempted
	FirstEntryRatio decimal.Decimal // share of the allocation for the first entry; even split when zero
}

// Allocation is the sized result for one signal: base-asset quantities per
// entry level, already floored to the exchange lot step.
type Allocation struct {
	QuoteTotal  decimal.Decimal
	FirstQty    decimal.Decimal
	SecondQty   decimal.Decimal
	FirstPrice  decimal.Decimal
	SecondPrice decimal.Decimal
}

// TotalQty is the full base quantity across both entries.
func (a Allocation) TotalQty() decimal.Decimal {
	return a.FirstQty.Add(a.SecondQty)
}

// SizingErrorKind names the reason a signal could not be sized.
type SizingErrorKind string

const (
	InsufficientBalance  SizingErrorKind = "insufficient balance"
	BelowMinimumNotional SizingErrorKind = "below minimum notional"
)

// SizingError reports why no tradable quantity could be derived.
type SizingError struct {
	Kind   SizingErrorKind
	Detail string
}

func (e *SizingError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("sizing: %s", e.Kind)
	}
	return fmt.Sprintf("sizing: %s (%s)", e.Kind, e.Detail)
}

// Size derives the tradable quantity for a signal from the available quote
// balance, the sizing policy, and the market rules of the symbol. The quote
// allocation is min(balance*pct, maxPositionSize), split across the entry
// levels, converted to base quantity at each entry price, and floored to the
// lot step.
func Size(balance decimal.Decimal, sig signal.Signal, policy Policy, rules exchange.MarketRules) (Allocation, error) {
	if balance.LessThan(policy.MinBalance) {
		return Allocation{}, &SizingError{
			Kind:   InsufficientBalance,
			Detail: fmt.Sprintf("balance %s below floor %s %s", balance, policy.MinBalance, policy.QuoteAsset),
		}
	}

	quote := balance.Mul(policy.PositionSizePct)
	if quote.GreaterThan(policy.MaxPositionSize) {
		quote = policy.MaxPositionSize
	}
	if !quote.IsPositive() {
		return Allocation{}, &SizingError{Kind: InsufficientBalance}
	}

	firstRatio := policy.FirstEntryRatio
	if !sig.HasSecondEntry() {
		firstRatio = decimal.NewFromInt(1)
	} else if firstRatio.IsZero() {
		firstRatio = decimal.RequireFromString("0.5") // even split by default
	}

	alloc := Allocation{
		QuoteTotal: quote,
		FirstPrice: sig.FirstEntryPrice(),
	}

	firstQuote := quote.Mul(firstRatio)
	alloc.FirstQty = FloorToStep(firstQuote.Div(alloc.FirstPrice), rules.LotSize)
	if err := checkNotional(alloc.FirstQty, alloc.FirstPrice, rules); err != nil {
		return Allocation{}, err
	}

	if sig.HasSecondEntry() {
		alloc.SecondPrice = sig.SecondEntry
		secondQuote := quote.Sub(firstQuote)
		alloc.SecondQty = FloorToStep(secondQuote.Div(alloc.SecondPrice), rules.LotSize)
		if err := checkNotional(alloc.SecondQty, alloc.SecondPrice, rules); err != nil {
			return Allocation{}, err
		}
	}

	return alloc, nil
}

func checkNotional(qty, price decimal.Decimal, rules exchange.MarketRules) error {
	if !qty.IsPositive() {
		return &SizingError{
			Kind:   BelowMinimumNotional,
			Detail: fmt.Sprintf("quantity rounds to zero at lot size %s", rules.LotSize),
		}
	}
	notional := qty.Mul(price)
	if notional.LessThan(rules.MinNotional) {
		return &SizingError{
			Kind:   BelowMinimumNotional,
			Detail: fmt.Sprintf("notional %s below minimum %s", notional, rules.MinNotional),
		}
	}
	return nil
}

// FloorToStep rounds qty down to a whole number of lot-size steps.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
