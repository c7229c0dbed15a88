package amount

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxFractionalDigits bounds the precision carried by any amount. Eighteen
// digits is wide enough for native-token wei precision.
const MaxFractionalDigits = 18

// Amount is an exact decimal monetary value. Amounts never flow through
// floating point.
type Amount = decimal.Decimal

// Zero is the zero amount.
func Zero() Amount { return decimal.Zero }

// FromString parses a decimal string, rejecting values with more than
// MaxFractionalDigits fractional digits.
func FromString(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("amount: empty value")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount: parse %q: %w", raw, err)
	}
	if d.Exponent() < -MaxFractionalDigits {
		return decimal.Zero, fmt.Errorf("amount: %q exceeds %d fractional digits", raw, MaxFractionalDigits)
	}
	return d, nil
}

// MustFromString parses a decimal string and panics on failure. Intended for
// constants and tests.
func MustFromString(raw string) Amount {
	d, err := FromString(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// FromMinor converts integer minor units into a decimal amount using the
// supplied number of fractional digits (2 for fiat, 6 or 18 for tokens).
func FromMinor(minor *big.Int, digits int32) Amount {
	if minor == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).Set(minor), -digits)
}

// ToMinor converts a decimal amount into integer minor units. It fails when
// the amount carries more precision than the target digits can represent.
func ToMinor(a Amount, digits int32) (*big.Int, error) {
	scaled := a.Shift(digits)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount: %s does not fit %d minor digits", a.String(), digits)
	}
	return scaled.BigInt(), nil
}

// OneMinorUnit returns the smallest representable amount at the given scale.
// Reconciliation tolerances are expressed in this unit.
func OneMinorUnit(digits int32) Amount {
	return decimal.New(1, -digits)
}

// Canonical renders the amount as a plain decimal string with no exponent
// notation, suitable for canonical JSON payloads.
func Canonical(a Amount) string {
	return a.String()
}
