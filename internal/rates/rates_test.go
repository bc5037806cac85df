package rates

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"freedomtag/internal/logging"
	"freedomtag/internal/store"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *countingRecorder) RateLookup(source, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[source+"/"+outcome]++
}

func failing(err error) Provider {
	return ProviderFunc(func(context.Context, string, string) (Quote, error) {
		return Quote{}, err
	})
}

func TestStaticProviderDirectAndInverse(t *testing.T) {
	p := NewStaticProvider(map[string]decimal.Decimal{"USD:ZAR": decimal.RequireFromString("20")})

	q, err := p.Rate(context.Background(), "usd", "zar")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, q.Source)
	assert.True(t, q.Rate.Equal(decimal.RequireFromString("20")))

	q, err = p.Rate(context.Background(), "ZAR", "USD")
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.RequireFromString("0.05")), q.Rate.String())

	_, err = p.Rate(context.Background(), "GBP", "ZAR")
	assert.ErrorIs(t, err, ErrConversionUnavailable)
}

func TestChainFallsThroughInOrder(t *testing.T) {
	rec := &countingRecorder{}
	chain := NewChain(logging.Discard(), rec).
		Add("live", failing(errors.New("timeout"))).
		Add("fallback", NewStaticProvider(map[string]decimal.Decimal{"USD:ZAR": decimal.RequireFromString("18.5")}))

	q, err := chain.Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, q.Source)
	assert.Equal(t, 1, rec.calls["live/error"])
	assert.Equal(t, 1, rec.calls["fallback/success"])
}

func TestChainAllFail(t *testing.T) {
	chain := NewChain(nil, nil).Add("live", failing(errors.New("down")))
	_, err := chain.Rate(context.Background(), "USD", "ZAR")
	assert.ErrorIs(t, err, ErrConversionUnavailable)
}

func TestChainSameCurrencyIsIdentity(t *testing.T) {
	chain := NewChain(nil, nil)
	q, err := chain.Rate(context.Background(), "ZAR", "zar")
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1)))
}

func TestHTTPProviderParsesRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "USD", r.URL.Query().Get("base"))
		assert.Equal(t, "ZAR", r.URL.Query().Get("symbols"))
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		_, _ = w.Write([]byte(`{"rates":{"ZAR":18.52}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	q, err := p.Rate(context.Background(), "usd", "zar")
	require.NoError(t, err)
	assert.Equal(t, SourceLive, q.Source)
	assert.Equal(t, "18.52", q.Rate.String())
}

func TestHTTPProviderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"rates":{"ZAR":"18.40"}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	q, err := p.Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.Equal(t, "18.4", q.Rate.String())
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProviderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, MaxRetries: 3, BaseDelay: time.Millisecond})
	_, err := p.Rate(context.Background(), "USD", "ZAR")
	assert.ErrorIs(t, err, ErrConversionUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProviderTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond, MaxRetries: 1, BaseDelay: time.Millisecond})
	start := time.Now()
	_, err := p.Rate(context.Background(), "USD", "ZAR")
	assert.ErrorIs(t, err, ErrConversionUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCachedProviderCollapsesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	slow := ProviderFunc(func(_ context.Context, from, to string) (Quote, error) {
		calls.Add(1)
		<-release
		return Quote{From: from, To: to, Rate: decimal.RequireFromString("18.5"), Source: SourceLive}, nil
	})
	cached := NewCachedProvider(slow, time.Minute, nil, nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.Rate(context.Background(), "USD", "ZAR")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	_, err := cached.Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedProviderExpiresAndSkipsFallback(t *testing.T) {
	var calls atomic.Int32
	source := SourceFallback
	next := ProviderFunc(func(_ context.Context, from, to string) (Quote, error) {
		calls.Add(1)
		return Quote{From: from, To: to, Rate: decimal.NewFromInt(18), Source: source}, nil
	})
	cached := NewCachedProvider(next, time.Minute, nil, nil)
	now := time.Now()
	cached.now = func() time.Time { return now }

	_, _ = cached.Rate(context.Background(), "USD", "ZAR")
	_, _ = cached.Rate(context.Background(), "USD", "ZAR")
	assert.Equal(t, int32(2), calls.Load(), "fallback quotes are not cached")

	source = SourceLive
	_, _ = cached.Rate(context.Background(), "USD", "ZAR")
	_, _ = cached.Rate(context.Background(), "USD", "ZAR")
	assert.Equal(t, int32(3), calls.Load())

	now = now.Add(2 * time.Minute)
	_, _ = cached.Rate(context.Background(), "USD", "ZAR")
	assert.Equal(t, int32(4), calls.Load())
}

func TestCachedProviderUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	shared := NewRedisCache(client)

	var calls atomic.Int32
	next := ProviderFunc(func(_ context.Context, from, to string) (Quote, error) {
		calls.Add(1)
		return Quote{From: from, To: to, Rate: decimal.RequireFromString("18.5"), Source: SourceLive}, nil
	})

	first := NewCachedProvider(next, time.Minute, shared, logging.Discard())
	_, err := first.Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.True(t, mr.Exists("fx:USD:ZAR"))

	second := NewCachedProvider(next, time.Minute, shared, logging.Discard())
	q, err := second.Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.Equal(t, "18.5", q.Rate.String())
	assert.Equal(t, int32(1), calls.Load())
}

type stubRateStore struct {
	row     store.StoredRate
	err     error
	saveErr error
	saved   []string
}

func (s *stubRateStore) GetActive(context.Context, string, string) (store.StoredRate, error) {
	return s.row, s.err
}

func (s *stubRateStore) SetRate(_ context.Context, _ store.Tx, base, quote, rate, source string) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	s.saved = append(s.saved, base+":"+quote+"="+rate+"/"+source)
	return "rate-1", nil
}

type nopTx struct{ store.Tx }

func TestStoredProvider(t *testing.T) {
	rs := &stubRateStore{row: store.StoredRate{Rate: "18.1", CreatedAt: time.Unix(100, 0)}}
	p := NewStoredProvider(rs, nopTx{})
	q, err := p.Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.Equal(t, SourceStored, q.Source)
	assert.Equal(t, time.Unix(100, 0), q.FetchedAt)

	rs.err = store.ErrNotFound
	_, err = p.Rate(context.Background(), "USD", "ZAR")
	assert.ErrorIs(t, err, ErrConversionUnavailable)
}

func TestRecordingRemembersLiveQuotes(t *testing.T) {
	rs := &stubRateStore{}
	stored := NewStoredProvider(rs, nopTx{})
	live := ProviderFunc(func(_ context.Context, from, to string) (Quote, error) {
		return Quote{From: from, To: to, Rate: decimal.RequireFromString("18.6"), Source: SourceLive}, nil
	})
	_, err := Recording(live, stored, logging.Discard()).Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.Equal(t, []string{"USD:ZAR=18.6/live"}, rs.saved)
}

func TestRecordingLogsFailedWrites(t *testing.T) {
	rs := &stubRateStore{saveErr: errors.New("db down")}
	stored := NewStoredProvider(rs, nopTx{})
	live := ProviderFunc(func(_ context.Context, from, to string) (Quote, error) {
		return Quote{From: from, To: to, Rate: decimal.RequireFromString("18.6"), Source: SourceLive}, nil
	})
	logger, hook := logtest.NewNullLogger()

	q, err := Recording(live, stored, logger).Rate(context.Background(), "USD", "ZAR")
	require.NoError(t, err)
	assert.Equal(t, "18.6", q.Rate.String())
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "stored rate write failed", entry.Message)
}
