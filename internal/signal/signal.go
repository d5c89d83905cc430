// Package signal
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is the immutable result of parsing an alert message.
type Signal struct {
	Symbol          string
	EntryLow        decimal.Decimal
	EntryHigh       decimal.Decimal   // zero when the first entry is a single price
	SecondEntry     decimal.Decimal   // zero when absent
	CurrentPrice    decimal.Decimal   // CMP, informational only
	Targets         []decimal.Decimal // percentage gains, ascending
	StopLoss        decimal.Decimal
	SourceMessageID string
	ReceivedAt      time.Time
}

// HasEntryRange reports whether the first entry was given as a low-high range.
func (s Signal) HasEntryRange() bool {
	return !s.EntryHigh.IsZero()
}

// HasSecondEntry reports whether a second buying level was given.
func (s Signal) HasSecondEntry() bool {
	return !s.SecondEntry.IsZero()
}

// FirstEntryPrice is the price used for the first entry order: the midpoint
// of the range when one was given, otherwise the single entry price.
func (s Signal) FirstEntryPrice() decimal.Decimal {
	if s.HasEntryRange() {
		return s.EntryLow.Add(s.EntryHigh).Div(decimal.NewFromInt(2))
	}
	return s.EntryLow
}

func (s Signal) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s entry %s", s.Symbol, s.EntryLow)
	if s.HasEntryRange() {
		fmt.Fprintf(&b, "-%s", s.EntryHigh)
	}
	if s.HasSecondEntry() {
		fmt.Fprintf(&b, " second %s", s.SecondEntry)
	}
	fmt.Fprintf(&b, " SL %s targets ", s.StopLoss)
	for i, t := range s.Targets {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s%%", t)
	}
	return b.String()
}

// ParseErrorKind names the element that made parsing fail.
type ParseErrorKind string

const (
	MissingSymbol   ParseErrorKind = "missing symbol"
	MissingEntry    ParseErrorKind = "missing entry"
	MissingTargets  ParseErrorKind = "missing targets"
	MissingStopLoss ParseErrorKind = "missing stop loss"
	MalformedNumber ParseErrorKind = "malformed number"
)

// ParseError reports why an alert message could not be parsed.
type ParseError struct {
	Kind ParseErrorKind
	Line string // offending line, empty for missing elements
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("parse signal: %s", e.Kind)
	}
	return fmt.Sprintf("parse signal: %s in %q", e.Kind, e.Line)
}
