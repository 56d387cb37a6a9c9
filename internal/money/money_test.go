package money

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"whole", "1000", 100_000},
		{"two decimals", "12.50", 1250},
		{"one decimal", "12.5", 1250},
		{"cents only", "0.07", 7},
		{"leading dot", ".25", 25},
		{"leading zeros", "007.10", 710},
		{"empty is zero", "", 0},
		{"padded", "  3.00 ", 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			require.True(t, ok, "Parse(%q) returned ok=false", tt.input)
			assert.Equal(t, tt.expected, got.Int64())
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"-1", "+1", "1.2.3", "1.234", "abc", "1,00", "1e3"} {
		_, ok := Parse(in)
		assert.False(t, ok, "Parse(%q) should fail", in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.00", Format(nil))
	assert.Equal(t, "0.00", Format(big.NewInt(0)))
	assert.Equal(t, "0.05", Format(big.NewInt(5)))
	assert.Equal(t, "12.50", Format(big.NewInt(1250)))
	assert.Equal(t, "-1.00", Format(big.NewInt(-100)))
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("800")
	require.NoError(t, err)
	assert.Equal(t, "800.00", got)

	_, err = Normalize("8.001")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMinorUnits(t *testing.T) {
	cents, err := MinorUnits("199.99")
	require.NoError(t, err)
	assert.Equal(t, int64(19999), cents)

	_, err = MinorUnits("nope")
	assert.Error(t, err)
}

func TestSum(t *testing.T) {
	total, ok := Sum("700.00", "200", "100.50")
	require.True(t, ok)
	assert.Equal(t, "1000.50", Format(total))

	_, ok = Sum("1", "x")
	assert.False(t, ok)
}

func TestIsPositive(t *testing.T) {
	assert.True(t, IsPositive("0.01"))
	assert.False(t, IsPositive("0"))
	assert.False(t, IsPositive("-3"))
}
