package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
)

var errPermanent = errors.New("permanent provider error")

type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Client     *http.Client
}

// HTTPProvider fetches live rates from a JSON API of the form
// GET {base}?base=USD&symbols=ZAR -> {"rates":{"ZAR":18.5}}.
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	timeout  time.Duration
	executor failsafe.Executor[Quote]
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	retry := retrypolicy.NewBuilder[Quote]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ Quote, err error) bool {
			return err != nil && !errors.Is(err, errPermanent)
		}).
		Build()
	return &HTTPProvider{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		client:   cfg.Client,
		timeout:  cfg.Timeout,
		executor: failsafe.With(retry),
	}
}

type ratesResponse struct {
	Rates map[string]json.Number `json:"rates"`
}

func (p *HTTPProvider) Rate(ctx context.Context, from, to string) (Quote, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	quote, err := p.executor.WithContext(ctx).Get(func() (Quote, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.fetch(attemptCtx, from, to)
	})
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrConversionUnavailable, err)
	}
	return quote, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, from, to string) (Quote, error) {
	query := url.Values{}
	query.Set("base", from)
	query.Set("symbols", to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", errPermanent, err)
	}
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Quote{}, fmt.Errorf("rate provider status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}
	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: decode: %v", errPermanent, err)
	}
	raw, ok := body.Rates[to]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s missing from response", errPermanent, to)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil || !rate.IsPositive() {
		return Quote{}, fmt.Errorf("%w: invalid rate %q", errPermanent, raw)
	}
	return Quote{From: from, To: to, Rate: rate, Source: SourceLive, FetchedAt: time.Now().UTC()}, nil
}
