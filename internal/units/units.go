// Package units converts between human-denominated decimal amounts and the
// chain's smallest integer unit.
//
// Conversion is exact for any amount with at most Decimals fractional digits.
// Extra fractional digits are truncated toward zero; that loss is accepted and
// not reported.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidAmount is returned when an amount is not a non-negative finite decimal.
var ErrInvalidAmount = errors.New("invalid amount")

// MaxDecimals bounds the exponent a network may declare.
const MaxDecimals = 36

// Converter scales amounts by 10^Decimals.
type Converter struct {
	decimals int
	scale    *big.Int
}

// New returns a converter for a network with the given decimal exponent.
func New(decimals int) (Converter, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return Converter{}, fmt.Errorf("decimals out of range: %d", decimals)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return Converter{decimals: decimals, scale: scale}, nil
}

// MustNew is New for package-level defaults and tests.
func MustNew(decimals int) Converter {
	c, err := New(decimals)
	if err != nil {
		panic(err)
	}
	return c
}

// Decimals reports the exponent used by the converter.
func (c Converter) Decimals() int { return c.decimals }

// ToChainUnits parses a decimal string such as "10.5" and returns its value in
// minor units.
func (c Converter) ToChainUnits(amount string) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	if len(frac) > c.decimals {
		frac = frac[:c.decimals]
	}
	frac += strings.Repeat("0", c.decimals-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return v, nil
}

// FromChainUnits renders a minor-unit integer as a canonical decimal string:
// no leading zeros, no trailing fractional zeros, "0" for zero or nil.
func (c Converter) FromChainUnits(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)

	q, r := new(big.Int).QuoRem(abs, c.scale, new(big.Int))
	out := q.String()
	if r.Sign() != 0 {
		frac := r.String()
		frac = strings.Repeat("0", c.decimals-len(frac)) + frac
		out += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
