// Package money provides an exact integer representation for asset amounts.
//
// Prices arrive at the system boundary as decimal strings ("1.5") and on the
// wire as smallest-unit strings ("1500000"). All arithmetic and comparison
// happens on int64 smallest units; floating point never touches an amount.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Scale is the number of decimal places in the asset's smallest unit
// (1 token = 10^Scale units).
const Scale = 6

// Amount is a quantity of an asset in smallest units.
type Amount int64

// ParseDecimal converts a decimal price string into smallest units.
// The fractional part may carry at most Scale digits; anything finer would
// not be representable on chain and is rejected rather than rounded.
func ParseDecimal(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount %q", s)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Scale {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, Scale)
	}
	frac += strings.Repeat("0", Scale-len(frac))

	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount(units), nil
}

// ParseUnits converts a smallest-unit string (as reported by the chain
// indexer) into an Amount.
func ParseUnits(s string) (Amount, error) {
	units, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unit amount %q: %w", s, err)
	}
	if units < 0 {
		return 0, fmt.Errorf("negative unit amount %q", s)
	}
	return Amount(units), nil
}

// Covers reports whether a transferred amount satisfies a required amount.
// Overpayment is accepted unless strict equality is requested.
func (a Amount) Covers(required Amount, strict bool) bool {
	if strict {
		return a == required
	}
	return a >= required
}

// Units returns the raw smallest-unit value.
func (a Amount) Units() int64 { return int64(a) }

// String renders the amount as a smallest-unit string, the form used in
// payment requirements on the wire.
func (a Amount) String() string { return strconv.FormatInt(int64(a), 10) }

// Decimal renders the amount as a human-readable decimal token string.
func (a Amount) Decimal() string {
	units := int64(a)
	whole := units / 1_000_000
	frac := units % 1_000_000
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	s := fmt.Sprintf("%d.%06d", whole, frac)
	return strings.TrimRight(s, "0")
}
