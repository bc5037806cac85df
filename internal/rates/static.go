package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider answers from a fixed table, typically the configured
// fallback rates. Inverse pairs are derived when only one direction is set.
type StaticProvider struct {
	rates map[string]decimal.Decimal
}

func NewStaticProvider(rates map[string]decimal.Decimal) *StaticProvider {
	table := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		table[k] = v
	}
	return &StaticProvider{rates: table}
}

func (p *StaticProvider) Rate(_ context.Context, from, to string) (Quote, error) {
	if rate, ok := p.rates[pairKey(from, to)]; ok {
		return p.quote(from, to, rate), nil
	}
	if rate, ok := p.rates[pairKey(to, from)]; ok && !rate.IsZero() {
		return p.quote(from, to, decimal.NewFromInt(1).DivRound(rate, 8)), nil
	}
	return Quote{}, fmt.Errorf("%w: no fallback rate for %s", ErrConversionUnavailable, pairKey(from, to))
}

func (p *StaticProvider) quote(from, to string, rate decimal.Decimal) Quote {
	return Quote{From: from, To: to, Rate: rate, Source: SourceFallback, FetchedAt: time.Now().UTC()}
}
