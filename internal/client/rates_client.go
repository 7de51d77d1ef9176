package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StaticRates converts amounts with a fixed table of rates, each expressed as
// units of the base currency per one unit of the foreign currency.
type StaticRates struct {
	base  string
	rates map[string]decimal.Decimal
}

// NewStaticRates parses the configured rate table. The base currency always
// converts at 1.
func NewStaticRates(base string, table map[string]string) (*StaticRates, error) {
	base = strings.ToUpper(base)
	r := &StaticRates{
		base:  base,
		rates: map[string]decimal.Decimal{base: decimal.NewFromInt(1)},
	}
	for cur, raw := range table {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("rate for %s: %w", cur, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", cur)
		}
		r.rates[strings.ToUpper(cur)] = rate
	}
	return r, nil
}

// Convert returns amount in the base currency, rounded to 4 decimal places.
func (r *StaticRates) Convert(_ context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error) {
	rate, ok := r.rates[strings.ToUpper(from)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate from %s to %s", from, r.base)
	}
	return amount.Mul(rate).Round(4), nil
}
