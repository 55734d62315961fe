package units

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFixedPoint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "integer", input: "1", expected: "1000000000000000000"},
		{name: "fraction", input: "12.5", expected: "12500000000000000000"},
		{name: "zero", input: "0", expected: "0"},
		{name: "smallest unit", input: "0.000000000000000001", expected: "1"},
		{name: "surrounding spaces", input: " 3.25 ", expected: "3250000000000000000"},
		{name: "large value", input: "123456789012345678901234567890.123456789012345678", expected: "123456789012345678901234567890123456789012345678"},
		{name: "uint256 max", input: "115792089237316195423570985008687907853269984665640564039457.584007913129639935", expected: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{name: "above uint256", input: "115792089237316195423570985008687907853269984665640564039457.584007913129639936", wantErr: true},
		{name: "far above uint256", input: "1" + strings.Repeat("0", 80), wantErr: true},
		{name: "too many decimals", input: "0.0000000000000000001", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
		{name: "signed", input: "+1", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "abc", wantErr: true},
		{name: "two dots", input: "1.2.3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToFixedPoint(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.String())
		})
	}
}

func TestFromFixedPoint(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{raw: "1000000000000000000", expected: "1.0"},
		{raw: "12500000000000000000", expected: "12.5"},
		{raw: "0", expected: "0.0"},
		{raw: "1", expected: "0.000000000000000001"},
		{raw: "100000000000000000000", expected: "100.0"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			value, ok := new(big.Int).SetString(tt.raw, 10)
			require.True(t, ok)
			assert.Equal(t, tt.expected, FromFixedPoint(value))
		})
	}

	assert.Equal(t, "0.0", FromFixedPoint(nil))
}

func TestFixedPointRoundTrip(t *testing.T) {
	inputs := []string{
		"0", "1", "1.0", "12.5", "0.1", "0.3", "999999.999999999999999999",
		"0.000000000000000001", "42.000000000000000000", "7.123456789",
	}
	for _, input := range inputs {
		first, err := ToFixedPoint(input)
		require.NoError(t, err, input)
		second, err := ToFixedPoint(FromFixedPoint(first))
		require.NoError(t, err, input)
		assert.Zero(t, first.Cmp(second), "round trip drifted for %s", input)
	}
}

func TestNormalize(t *testing.T) {
	normalized, err := Normalize("12.50")
	require.NoError(t, err)
	assert.Equal(t, "12.5", normalized)

	_, err = Normalize("1e18")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
