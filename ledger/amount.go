package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a fixed-point currency value in cents. Arithmetic on Amount never
// involves floating point; the JSON representation is a decimal number with two
// fraction digits so payloads stay readable by peer nodes.
type Amount int64

// ParseAmount converts a decimal string such as "200", "200.5" or "-12.34"
// into cents. More than two fraction digits are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty amount")
	}
	negative := false
	switch trimmed[0] {
	case '-':
		negative = true
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	whole := trimmed
	frac := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole = trimmed[:idx]
		frac = trimmed[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q exceeds cent precision", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	total := units*100 + cents
	if negative {
		total = -total
	}
	return Amount(total), nil
}

// MustParseAmount is a test and configuration helper that panics on bad input.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount as a decimal with two fraction digits.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Neg returns the additive inverse, used when debiting an account.
func (a Amount) Neg() Amount { return -a }

// MarshalJSON emits the amount as an unquoted decimal number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	// Peer payloads produced by older nodes may carry float formatting such
	// as 200.0 or scientific notation; fall back to strconv for those.
	parsed, err := ParseAmount(raw)
	if err == nil {
		*a = parsed
		return nil
	}
	f, ferr := strconv.ParseFloat(raw, 64)
	if ferr != nil {
		return err
	}
	cents := f * 100
	if cents < 0 {
		cents -= 0.5
	} else {
		cents += 0.5
	}
	*a = Amount(cents)
	return nil
}
