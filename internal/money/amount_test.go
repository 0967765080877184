package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ratios(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func TestParseRoundsToCents(t *testing.T) {
	a, err := Parse("10.005")
	require.NoError(t, err)
	assert.Equal(t, "10.01", a.String())

	_, err = Parse("ten")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMulRate(t *testing.T) {
	tests := []struct {
		amount string
		rate   string
		want   string
	}{
		{"100.00", "0.10", "10.00"},
		{"100.00", "0.05", "5.00"},
		{"33.33", "0.075", "2.50"},
		{"19.99", "0.125", "2.50"},
		{"0.01", "0.5", "0.01"},
	}
	for _, tt := range tests {
		t.Run(tt.amount+"x"+tt.rate, func(t *testing.T) {
			got := MustParse(tt.amount).MulRate(decimal.RequireFromString(tt.rate))
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestAllocateSumsExactly(t *testing.T) {
	tests := []struct {
		name   string
		total  string
		ratios []decimal.Decimal
		want   []string
	}{
		{"even thirds", "100.00", ratios("1", "1", "1"), []string{"33.34", "33.33", "33.33"}},
		{"weighted", "10.00", ratios("20", "25"), []string{"4.44", "5.56"}},
		{"single share", "7.77", ratios("3"), []string{"7.77"}},
		{"zero weight share", "5.00", ratios("0", "1"), []string{"0.00", "5.00"}},
		{"one cent across three", "0.01", ratios("1", "1", "1"), []string{"0.01", "0.00", "0.00"}},
		{"negative total", "-1.00", ratios("1", "1", "1"), []string{"-0.34", "-0.33", "-0.33"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := MustParse(tt.total)
			shares, err := total.Allocate(tt.ratios...)
			require.NoError(t, err)
			require.Len(t, shares, len(tt.want))
			for i, w := range tt.want {
				assert.Equal(t, w, shares[i].String(), "share %d", i)
			}
			assert.True(t, Sum(shares...).Equal(total))
		})
	}
}

func TestAllocateProperty(t *testing.T) {
	totals := []string{"0.00", "0.07", "1.00", "99.99", "12345.67"}
	weightSets := [][]decimal.Decimal{
		ratios("1"),
		ratios("1", "2", "3"),
		ratios("0.3333", "0.3333", "0.3334"),
		ratios("7", "11", "13", "17", "19"),
		ratios("1", "0", "0", "0"),
	}
	for _, ts := range totals {
		for _, ws := range weightSets {
			total := MustParse(ts)
			shares, err := total.Allocate(ws...)
			require.NoError(t, err)
			assert.Truef(t, Sum(shares...).Equal(total), "total %s ratios %v: got %s", ts, ws, Sum(shares...))
		}
	}
}

func TestAllocateErrors(t *testing.T) {
	_, err := FromInt(1).Allocate()
	assert.ErrorIs(t, err, ErrNoShares)

	_, err = FromInt(1).Allocate(ratios("1", "-1")...)
	assert.ErrorIs(t, err, ErrNegativeRatio)

	_, err = FromInt(1).Allocate(ratios("0", "0")...)
	assert.ErrorIs(t, err, ErrZeroRatios)
}

func TestSplit(t *testing.T) {
	shares, err := MustParse("10.00").Split(3)
	require.NoError(t, err)
	assert.Equal(t, "3.34", shares[0].String())
	assert.Equal(t, "3.33", shares[2].String())

	_, err = Zero.Split(0)
	assert.ErrorIs(t, err, ErrNoShares)
}

func TestJSON(t *testing.T) {
	type payload struct {
		Amount Amount `json:"amount"`
	}
	b, err := json.Marshal(payload{Amount: MustParse("5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"5.00"}`, string(b))

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":12.345}`), &p))
	assert.Equal(t, "12.35", p.Amount.String())

	require.NoError(t, json.Unmarshal([]byte(`{"amount":"7.10"}`), &p))
	assert.Equal(t, "7.10", p.Amount.String())
}
