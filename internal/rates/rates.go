// Package rates supplies exchange rates for converting donation amounts into
// the settlement currency.
package rates

import (
	"context"
	"errors"
	"strings"
	"time"

	"freedomtag/internal/logging"

	"github.com/shopspring/decimal"
)

var ErrConversionUnavailable = errors.New("conversion unavailable")

// Source records where a rate came from so it can be carried into
// transaction metadata.
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
	SourceStored   Source = "stored"
)

type Quote struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Rate      decimal.Decimal `json:"rate"`
	Source    Source          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

type Provider interface {
	Rate(ctx context.Context, from, to string) (Quote, error)
}

// Recorder receives one observation per lookup.
type Recorder interface {
	RateLookup(source, outcome string)
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

func identity(from, to string) Quote {
	return Quote{From: from, To: to, Rate: decimal.NewFromInt(1), Source: SourceLive, FetchedAt: time.Now().UTC()}
}

// Chain asks each provider in order and returns the first answer.
type Chain struct {
	providers []namedProvider
	recorder  Recorder
	logger    logging.Logger
}

type namedProvider struct {
	name     string
	provider Provider
}

func NewChain(logger logging.Logger, recorder Recorder) *Chain {
	return &Chain{logger: logger, recorder: recorder}
}

// Add appends a provider; name is used in logs and metrics.
func (c *Chain) Add(name string, p Provider) *Chain {
	if p != nil {
		c.providers = append(c.providers, namedProvider{name: name, provider: p})
	}
	return c
}

func (c *Chain) Rate(ctx context.Context, from, to string) (Quote, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return identity(from, to), nil
	}
	var errs []error
	for _, np := range c.providers {
		quote, err := np.provider.Rate(ctx, from, to)
		if err == nil {
			c.record(string(quote.Source), "success")
			return quote, nil
		}
		c.record(np.name, "error")
		if c.logger != nil {
			c.logger.WithError(err).WithFields(logging.Fields{
				"provider": np.name,
				"pair":     pairKey(from, to),
			}).Warn("rate provider failed")
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return Quote{}, errors.Join(append([]error{ErrConversionUnavailable}, errs...)...)
}

func (c *Chain) record(source, outcome string) {
	if c.recorder != nil {
		c.recorder.RateLookup(source, outcome)
	}
}
