package signal

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse extracts a structured Signal from raw alert text. Parsing is pure
// and deterministic: the same text always yields the same Signal. Unknown
// lines are ignored so that new annotations in the channel do not break
// older bots.
func Parse(text string) (Signal, error) {
	var (
		sig        Signal
		haveEntry  bool
		haveStop   bool
		inTargets  bool
		rawTargets []decimal.Decimal
	)

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		lower := strings.ToLower(line)

		// A recognized keyword or a blank line closes the targets section.
		if inTargets {
			if line == "" || startsWithKeyword(lower) {
				inTargets = false
			} else {
				pct, ok := parseNumber(strings.TrimSuffix(strings.TrimSpace(line), "%"))
				if !ok {
					return Signal{}, &ParseError{Kind: MalformedNumber, Line: line}
				}
				rawTargets = append(rawTargets, pct)
				continue
			}
		}

		switch {
		case strings.HasPrefix(lower, "first buying"):
			low, high, err := parsePriceOrRange(valueAfterColon(line))
			if err != nil {
				return Signal{}, err
			}
			sig.EntryLow, sig.EntryHigh = low, high
			haveEntry = true

		case strings.HasPrefix(lower, "second buying"):
			price, ok := parseNumber(valueAfterColon(line))
			if !ok {
				return Signal{}, &ParseError{Kind: MalformedNumber, Line: line}
			}
			sig.SecondEntry = price

		case strings.HasPrefix(lower, "cmp"):
			// CMP is informational; tolerate its absence but not garbage.
			value := valueAfterColon(line)
			if value != "" {
				price, ok := parseNumber(value)
				if !ok {
					return Signal{}, &ParseError{Kind: MalformedNumber, Line: line}
				}
				sig.CurrentPrice = price
			}

		case strings.HasPrefix(lower, "sl:") || strings.HasPrefix(lower, "sl "):
			value := valueAfterColon(line)
			if value == "" {
				value = strings.TrimSpace(line[2:])
			}
			price, ok := parseNumber(value)
			if !ok {
				return Signal{}, &ParseError{Kind: MalformedNumber, Line: line}
			}
			sig.StopLoss = price
			haveStop = true

		case strings.HasPrefix(lower, "targets") || strings.HasPrefix(lower, "target"):
			// Values may follow inline ("Targets: 4%, 8%") or on their own lines.
			if inline := valueAfterColon(line); inline != "" {
				for field := range strings.FieldsSeq(strings.ReplaceAll(inline, ",", " ")) {
					pct, ok := parseNumber(strings.TrimSuffix(field, "%"))
					if !ok {
						return Signal{}, &ParseError{Kind: MalformedNumber, Line: line}
					}
					rawTargets = append(rawTargets, pct)
				}
			} else {
				inTargets = true
			}

		case sig.Symbol == "" && strings.Contains(line, "$"):
			if sym := extractSymbol(line); sym != "" {
				sig.Symbol = sym
			}
		}
	}

	if sig.Symbol == "" {
		return Signal{}, &ParseError{Kind: MissingSymbol}
	}
	if !haveEntry {
		return Signal{}, &ParseError{Kind: MissingEntry}
	}
	if len(rawTargets) == 0 {
		return Signal{}, &ParseError{Kind: MissingTargets}
	}
	if !haveStop {
		return Signal{}, &ParseError{Kind: MissingStopLoss}
	}

	sort.Slice(rawTargets, func(i, j int) bool { return rawTargets[i].LessThan(rawTargets[j]) })
	sig.Targets = rawTargets

	// Normalize a reversed range so that EntryLow <= EntryHigh holds.
	if sig.HasEntryRange() && sig.EntryHigh.LessThan(sig.EntryLow) {
		sig.EntryLow, sig.EntryHigh = sig.EntryHigh, sig.EntryLow
	}

	return sig, nil
}

// LooksLikeSignal is a cheap pre-filter so that ordinary chatter in the
// channel is skipped without a parse attempt or an error reply.
func LooksLikeSignal(text string) bool {
	lower := strings.ToLower(text)
	hasSymbol := extractSymbolAnywhere(text) != ""
	hasBuying := strings.Contains(lower, "buying")
	hasCMP := strings.Contains(lower, "cmp")
	hasTargets := strings.Contains(lower, "target") || strings.Contains(text, "%")
	hasStop := strings.Contains(lower, "sl:") || strings.Contains(lower, "sl ")
	return hasSymbol && hasBuying && (hasCMP || hasTargets || hasStop)
}

func startsWithKeyword(lower string) bool {
	for _, kw := range []string{"first buying", "second buying", "cmp", "sl:", "sl ", "targets", "target", "buying"} {
		if strings.HasPrefix(lower, kw) {
			return true
		}
	}
	return false
}

// valueAfterColon returns the trimmed remainder after the first ':'.
func valueAfterColon(line string) string {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+1:])
}

// parsePriceOrRange handles "0.208", "0.208-0.210", and the en/em-dash
// variants the channel's authors actually type.
func parsePriceOrRange(value string) (low, high decimal.Decimal, err error) {
	normalized := value
	for _, sep := range []string{"–", "—"} { // en dash, em dash
		normalized = strings.ReplaceAll(normalized, sep, "-")
	}

	parts := strings.SplitN(normalized, "-", 2)
	low, ok := parseNumber(strings.TrimSpace(parts[0]))
	if !ok {
		return decimal.Zero, decimal.Zero, &ParseError{Kind: MalformedNumber, Line: value}
	}
	if len(parts) == 1 || strings.TrimSpace(parts[1]) == "" {
		return low, decimal.Zero, nil
	}

	high, ok = parseNumber(strings.TrimSpace(parts[1]))
	if !ok {
		return decimal.Zero, decimal.Zero, &ParseError{Kind: MalformedNumber, Line: value}
	}
	return low, high, nil
}

func parseNumber(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

// extractSymbol pulls the $-prefixed token out of a header line.
func extractSymbol(line string) string {
	return extractSymbolAnywhere(line)
}

func extractSymbolAnywhere(text string) string {
	idx := strings.Index(text, "$")
	if idx < 0 || idx+1 >= len(text) {
		return ""
	}
	end := idx + 1
	for end < len(text) && isSymbolChar(text[end]) {
		end++
	}
	if end == idx+1 {
		return ""
	}
	return strings.ToUpper(text[idx+1 : end])
}

func isSymbolChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
