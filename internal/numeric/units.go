// Package numeric implements exact integer/fixed-point conversions between
// native token units and human-readable decimal strings. All conversions use
// integer division plus remainder formatting; no value ever passes through a
// float, so precision is preserved at any decimal count.
package numeric

import (
	"fmt"
	"math/big"
	"strings"
)

// WadDecimals is the fixed-point scale used for prices and USD values
const WadDecimals = 18

var (
	wadScale = Pow10(WadDecimals)

	// maxUint256 bounds what the on-chain ledger can represent
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// Pow10 returns 10^n as a big.Int
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// WadScale returns a copy of the 10^18 scale factor
func WadScale() *big.Int {
	return new(big.Int).Set(wadScale)
}

// FitsUint256 reports whether x is representable as an unsigned 256-bit integer
func FitsUint256(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(maxUint256) <= 0
}

// FormatUnits converts a raw integer amount in native units to an exact decimal
// string, e.g. 1234567890123456789 at 18 decimals -> "1.234567890123456789".
// Trailing fraction zeros are trimmed; a zero fraction yields no decimal point.
func FormatUnits(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}

	v := new(big.Int).Set(raw)
	negative := v.Sign() < 0
	if negative {
		v.Neg(v)
	}

	if decimals == 0 {
		if negative {
			return "-" + v.String()
		}
		return v.String()
	}

	quo, rem := new(big.Int).QuoRem(v, Pow10(decimals), new(big.Int))

	out := quo.String()
	if rem.Sign() != 0 {
		frac := fmt.Sprintf("%0*s", decimals, rem.String())
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if negative && (quo.Sign() != 0 || rem.Sign() != 0) {
		out = "-" + out
	}
	return out
}

// FormatUnitsString is FormatUnits over an integer string as produced by
// protocol indexes. Returns an error for non-integer input.
func FormatUnitsString(raw string, decimals uint8) (string, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return "", fmt.Errorf("invalid integer string: %q", raw)
	}
	return FormatUnits(v, decimals), nil
}

// FormatWad formats an 18-decimal fixed-point integer as a decimal string
func FormatWad(wad *big.Int) string {
	return FormatUnits(wad, WadDecimals)
}

// ParseUnits converts a decimal string to a raw integer in native units.
// The conversion is exact: input with more fraction digits than the token
// carries is rejected rather than rounded.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty decimal string")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intPart = s[:dot]
		fracPart = s[dot+1:]
	}
	if intPart == "" && fracPart == "" {
		return nil, fmt.Errorf("invalid decimal string: %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > int(decimals) {
		return nil, fmt.Errorf("too many decimal places for %d-decimal units: %q", decimals, s)
	}

	digits := intPart + fracPart + strings.Repeat("0", int(decimals)-len(fracPart))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal string: %q", s)
	}
	if negative {
		v.Neg(v)
	}
	return v, nil
}

// ParseWad parses a decimal string into an 18-decimal fixed-point integer
func ParseWad(s string) (*big.Int, error) {
	return ParseUnits(s, WadDecimals)
}

// ValueWad computes amount x price for a raw amount in native token units and
// an 18-decimal fixed-point price, returning an 18-decimal fixed-point value:
// value = amount * price / 10^tokenDecimals.
func ValueWad(rawAmount *big.Int, tokenDecimals uint8, priceWad *big.Int) *big.Int {
	if rawAmount == nil || priceWad == nil {
		return new(big.Int)
	}
	v := new(big.Int).Mul(rawAmount, priceWad)
	return v.Quo(v, Pow10(tokenDecimals))
}

// MeanWad returns the integer arithmetic mean of the given fixed-point values,
// or zero when the slice is empty
func MeanWad(values []*big.Int) *big.Int {
	if len(values) == 0 {
		return new(big.Int)
	}
	sum := new(big.Int)
	for _, v := range values {
		if v != nil {
			sum.Add(sum, v)
		}
	}
	return sum.Quo(sum, big.NewInt(int64(len(values))))
}
