package rates

import (
	"context"
	"fmt"
	"strings"

	"freedomtag/internal/logging"
	"freedomtag/internal/store"

	"github.com/shopspring/decimal"
)

// RateStore is the persisted last-known rate table.
type RateStore interface {
	GetActive(ctx context.Context, baseCurrency, quoteCurrency string) (store.StoredRate, error)
	SetRate(ctx context.Context, tx store.Tx, baseCurrency, quoteCurrency, rate, source string) (string, error)
}

// StoredProvider answers from the last rate written to the database and
// records fresh live rates so they remain usable when the provider is down.
type StoredProvider struct {
	store RateStore
	tx    store.Tx
}

// NewStoredProvider reads and writes through db, which must also satisfy
// store.Tx (a *sqlx.DB does).
func NewStoredProvider(rateStore RateStore, db store.Tx) *StoredProvider {
	return &StoredProvider{store: rateStore, tx: db}
}

func (p *StoredProvider) Rate(ctx context.Context, from, to string) (Quote, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	row, err := p.store.GetActive(ctx, from, to)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: stored rate %s: %w", ErrConversionUnavailable, pairKey(from, to), err)
	}
	rate, err := decimal.NewFromString(row.Rate)
	if err != nil || !rate.IsPositive() {
		return Quote{}, fmt.Errorf("%w: stored rate %q unusable", ErrConversionUnavailable, row.Rate)
	}
	return Quote{From: from, To: to, Rate: rate, Source: SourceStored, FetchedAt: row.CreatedAt}, nil
}

// Remember persists a live quote.
func (p *StoredProvider) Remember(ctx context.Context, q Quote) error {
	if q.Source != SourceLive || p.tx == nil {
		return nil
	}
	_, err := p.store.SetRate(ctx, p.tx, q.From, q.To, q.Rate.String(), string(q.Source))
	return err
}

// Recording wraps a live provider so each successful answer is remembered by
// the stored provider. A failed write is logged and the live quote still
// returned.
func Recording(live Provider, stored *StoredProvider, logger logging.Logger) Provider {
	return ProviderFunc(func(ctx context.Context, from, to string) (Quote, error) {
		q, err := live.Rate(ctx, from, to)
		if err != nil {
			return Quote{}, err
		}
		if err := stored.Remember(ctx, q); err != nil {
			logger.WithError(err).WithField("pair", pairKey(q.From, q.To)).Warn("stored rate write failed")
		}
		return q, nil
	})
}

type ProviderFunc func(ctx context.Context, from, to string) (Quote, error)

func (f ProviderFunc) Rate(ctx context.Context, from, to string) (Quote, error) {
	return f(ctx, from, to)
}
