// Package money provides the fixed-point currency value used across the ledger.
package money

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every Amount is held at.
const Scale = 2

var (
	ErrNoShares      = errors.New("allocate: at least one share is required")
	ErrNegativeRatio = errors.New("allocate: ratios must be non-negative")
	ErrZeroRatios    = errors.New("allocate: ratios sum to zero")
	ErrInvalidAmount = errors.New("invalid amount")
)

var hundred = decimal.NewFromInt(100)

// Amount is a monetary value rounded to cents. The zero value is 0.00.
type Amount struct {
	d decimal.Decimal
}

// Zero is 0.00.
var Zero = Amount{}

// New rounds d to cents.
func New(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Scale)}
}

// FromCents builds an Amount from an integer number of cents.
func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -Scale)}
}

// FromInt builds a whole-unit Amount.
func FromInt(units int64) Amount {
	return Amount{d: decimal.NewFromInt(units)}
}

// Parse parses a decimal string such as "12.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return New(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Cents returns the amount as an integer number of cents.
func (a Amount) Cents() int64 { return a.d.Mul(hundred).IntPart() }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }

// MulRate multiplies by a rate (e.g. 0.10) and rounds half away from zero to
// cents. Rounding happens here and nowhere else in a chain.
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(rate).Round(Scale)}
}

func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

func (a Amount) Equal(b Amount) bool              { return a.d.Equal(b.d) }
func (a Amount) LessThan(b Amount) bool           { return a.d.LessThan(b.d) }
func (a Amount) LessThanOrEqual(b Amount) bool    { return a.d.LessThanOrEqual(b.d) }
func (a Amount) GreaterThan(b Amount) bool        { return a.d.GreaterThan(b.d) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.d.GreaterThanOrEqual(b.d) }
func (a Amount) Cmp(b Amount) int                 { return a.d.Cmp(b.d) }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Sum adds all amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// String renders the amount with exactly two decimals.
func (a Amount) String() string { return a.d.StringFixed(Scale) }

// MarshalText encodes the amount as a fixed-2 string.
func (a Amount) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText accepts any decimal string.
func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalJSON encodes the amount as a quoted fixed-2 string, matching how
// numeric columns are rendered in API responses.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted string or a bare JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*a = Zero
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return a.UnmarshalText([]byte(s))
}

// Allocate apportions a across len(ratios) shares using the largest-remainder
// method on cents. The returned shares always sum exactly to a. Remainder
// cents go to the shares with the largest fractional part; ties go to the
// lower index. a may be negative, in which case every share is non-positive.
func (a Amount) Allocate(ratios ...decimal.Decimal) ([]Amount, error) {
	if len(ratios) == 0 {
		return nil, ErrNoShares
	}
	sum := decimal.Zero
	for _, r := range ratios {
		if r.IsNegative() {
			return nil, ErrNegativeRatio
		}
		sum = sum.Add(r)
	}
	if sum.IsZero() {
		return nil, ErrZeroRatios
	}

	total := a.Cents()
	sign := int64(1)
	if total < 0 {
		sign, total = -1, -total
	}
	totalDec := decimal.NewFromInt(total)

	type remainder struct {
		idx  int
		frac decimal.Decimal
	}
	cents := make([]int64, len(ratios))
	rems := make([]remainder, len(ratios))
	var distributed int64
	for i, r := range ratios {
		exact := totalDec.Mul(r).Div(sum)
		floor := exact.Floor()
		cents[i] = floor.IntPart()
		distributed += cents[i]
		rems[i] = remainder{idx: i, frac: exact.Sub(floor)}
	}

	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].frac.GreaterThan(rems[j].frac)
	})
	for k := int64(0); k < total-distributed; k++ {
		cents[rems[k%int64(len(rems))].idx]++
	}

	shares := make([]Amount, len(ratios))
	for i, c := range cents {
		shares[i] = FromCents(sign * c)
	}
	return shares, nil
}

// Split divides a into n shares as evenly as possible.
func (a Amount) Split(n int) ([]Amount, error) {
	if n <= 0 {
		return nil, ErrNoShares
	}
	ratios := make([]decimal.Decimal, n)
	for i := range ratios {
		ratios[i] = decimal.NewFromInt(1)
	}
	return a.Allocate(ratios...)
}
