// Package units converts between human-readable decimal amounts and the
// 18-decimal fixed-point integers used by the scheduler contract.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"cosmossdk.io/math"
)

// Decimals is the number of fractional digits of the contract's native unit
const Decimals = 18

const maxUint256Bits = 256

// ErrInvalidAmount is returned for amounts that cannot be represented exactly
var ErrInvalidAmount = errors.New("invalid amount")

// ToFixedPoint parses a non-negative decimal string ("12.5") into its
// integer representation scaled by 10^18.
func ToFixedPoint(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, amount)
	}
	if strings.HasPrefix(trimmed, "+") {
		return nil, fmt.Errorf("%w: %q has a sign", ErrInvalidAmount, amount)
	}
	dec, err := math.LegacyNewDecFromStr(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	value := dec.BigInt()
	// contract amounts are uint256; abi packing would wrap anything larger
	if value.BitLen() > maxUint256Bits {
		return nil, fmt.Errorf("%w: %q exceeds uint256", ErrInvalidAmount, amount)
	}
	return value, nil
}

// MustToFixedPoint is ToFixedPoint for constants known to be valid
func MustToFixedPoint(amount string) *big.Int {
	value, err := ToFixedPoint(amount)
	if err != nil {
		panic(err)
	}
	return value
}

// FromFixedPoint renders a 10^18-scaled integer as a canonical decimal
// string: trailing fractional zeros are dropped but at least one
// fractional digit is kept, so 10^18 becomes "1.0".
func FromFixedPoint(value *big.Int) string {
	if value == nil {
		return "0.0"
	}
	rendered := math.LegacyNewDecFromBigIntWithPrec(value, Decimals).String()
	whole, frac, found := strings.Cut(rendered, ".")
	if !found {
		return rendered + ".0"
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		frac = "0"
	}
	return whole + "." + frac
}

// Normalize round-trips a decimal string through the fixed-point form
func Normalize(amount string) (string, error) {
	value, err := ToFixedPoint(amount)
	if err != nil {
		return "", err
	}
	return FromFixedPoint(value), nil
}
