package units

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToChainUnitsReferenceNetwork(t *testing.T) {
	c := MustNew(12)

	v, err := c.ToChainUnits("10.5")
	require.NoError(t, err)
	require.Equal(t, "10500000000000", v.String())

	v, err = c.ToChainUnits("0.000000000001")
	require.NoError(t, err)
	require.Equal(t, "1", v.String())

	v, err = c.ToChainUnits(".25")
	require.NoError(t, err)
	require.Equal(t, "250000000000", v.String())
}

func TestToChainUnitsTruncatesBeyondPrecision(t *testing.T) {
	c := MustNew(2)
	v, err := c.ToChainUnits("1.239")
	require.NoError(t, err)
	require.Equal(t, "123", v.String())
}

func TestToChainUnitsRejectsMalformed(t *testing.T) {
	c := MustNew(12)
	for _, in := range []string{"", " ", ".", "-1", "+1", "1e3", "NaN", "Inf", "1.2.3", "abc", "1,5"} {
		_, err := c.ToChainUnits(in)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount for %q, got %v", in, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	c := MustNew(12)
	for _, in := range []string{"0", "1", "10.5", "0.000000000001", "123456789.123456789012", "10000"} {
		v, err := c.ToChainUnits(in)
		require.NoError(t, err)
		require.Equal(t, in, c.FromChainUnits(v), "round trip of %s", in)
	}
}

func TestFromChainUnitsCanonical(t *testing.T) {
	c := MustNew(10)
	require.Equal(t, "0", c.FromChainUnits(nil))
	require.Equal(t, "0", c.FromChainUnits(big.NewInt(0)))
	require.Equal(t, "1", c.FromChainUnits(big.NewInt(10_000_000_000)))
	require.Equal(t, "0.0000000001", c.FromChainUnits(big.NewInt(1)))
	require.Equal(t, "-2.5", c.FromChainUnits(big.NewInt(-25_000_000_000)))
}

func TestNewRejectsOutOfRange(t *testing.T) {
	_, err := New(-1)
	require.Error(t, err)
	_, err = New(MaxDecimals + 1)
	require.Error(t, err)

	c, err := New(0)
	require.NoError(t, err)
	v, err := c.ToChainUnits("42.9")
	require.NoError(t, err)
	require.Equal(t, "42", v.String())
}
