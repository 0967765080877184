package commission

import (
	"fmt"
	"sort"

	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/shopspring/decimal"
)

// RateEntry is one row of the override schedule: an ancestor of the given
// tier, Depth levels above the seller, earns Rate of the sale amount.
type RateEntry struct {
	Depth int    `mapstructure:"depth" json:"depth"`
	Tier  string `mapstructure:"tier" json:"tier"`
	Rate  string `mapstructure:"rate" json:"rate"`
}

type rateKey struct {
	depth int
	tier  string
}

// RateTable maps (depth, tier) to an override rate. Depth 1 is the seller's
// immediate parent.
type RateTable struct {
	rates    map[rateKey]decimal.Decimal
	maxDepth int
}

// DefaultRates is the schedule used when none is configured.
var DefaultRates = []RateEntry{
	{Depth: 1, Tier: enum.PartnerTierSenior, Rate: "0.05"},
	{Depth: 1, Tier: enum.PartnerTierExecutive, Rate: "0.05"},
	{Depth: 2, Tier: enum.PartnerTierExecutive, Rate: "0.02"},
}

// NewRateTable validates entries and builds a table.
func NewRateTable(entries []RateEntry) (RateTable, error) {
	t := RateTable{rates: make(map[rateKey]decimal.Decimal, len(entries))}
	for _, e := range entries {
		if e.Depth < 1 {
			return RateTable{}, fmt.Errorf("override rate depth must be >= 1, got %d", e.Depth)
		}
		if !isTier(e.Tier) {
			return RateTable{}, fmt.Errorf("override rate: unknown tier %q", e.Tier)
		}
		rate, err := decimal.NewFromString(e.Rate)
		if err != nil {
			return RateTable{}, fmt.Errorf("override rate for depth %d %s: %w", e.Depth, e.Tier, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return RateTable{}, fmt.Errorf("override rate for depth %d %s must be within [0, 1]", e.Depth, e.Tier)
		}
		k := rateKey{depth: e.Depth, tier: e.Tier}
		if _, dup := t.rates[k]; dup {
			return RateTable{}, fmt.Errorf("override rate for depth %d %s is listed twice", e.Depth, e.Tier)
		}
		t.rates[k] = rate
		if e.Depth > t.maxDepth {
			t.maxDepth = e.Depth
		}
	}
	return t, nil
}

// MustRateTable is NewRateTable for package-level defaults and tests.
func MustRateTable(entries []RateEntry) RateTable {
	t, err := NewRateTable(entries)
	if err != nil {
		panic(err)
	}
	return t
}

// Rate returns the override rate for an ancestor at depth with tier.
func (t RateTable) Rate(depth int, tier string) (decimal.Decimal, bool) {
	r, ok := t.rates[rateKey{depth: depth, tier: tier}]
	return r, ok
}

// MaxDepth is the deepest level with any configured rate.
func (t RateTable) MaxDepth() int { return t.maxDepth }

// Entries lists the table ordered by depth then tier.
func (t RateTable) Entries() []RateEntry {
	out := make([]RateEntry, 0, len(t.rates))
	for k, r := range t.rates {
		out = append(out, RateEntry{Depth: k.depth, Tier: k.tier, Rate: r.String()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// TypeForDepth names the commission earned depth levels above the seller.
func TypeForDepth(depth int) string {
	switch depth {
	case 0:
		return enum.CommissionTypeDirect
	case 1:
		return enum.CommissionTypeSecondTierOverride
	case 2:
		return enum.CommissionTypeThirdTierOverride
	default:
		return fmt.Sprintf("tier_%d_override", depth+1)
	}
}

func isTier(t string) bool {
	switch t {
	case enum.PartnerTierSenior, enum.PartnerTierStandard, enum.PartnerTierAssociate, enum.PartnerTierExecutive:
		return true
	}
	return false
}
