package services

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"freedomtag/internal/logging"
	"freedomtag/internal/models"
	"freedomtag/internal/rates"
	"freedomtag/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecurring struct {
	mu      sync.Mutex
	rows    map[string]models.RecurringDonation
	listErr error
}

func newMemRecurring(rows ...models.RecurringDonation) *memRecurring {
	m := &memRecurring{rows: map[string]models.RecurringDonation{}}
	for _, r := range rows {
		if r.Status == "" {
			r.Status = models.RecurringActive
		}
		if r.Currency == "" {
			r.Currency = "USD"
		}
		m.rows[r.ID] = r
	}
	return m
}

func (m *memRecurring) get(id string) models.RecurringDonation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memRecurring) Create(_ context.Context, d models.RecurringDonation) (models.RecurringDonation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[d.ID] = d
	return d, nil
}

func (m *memRecurring) GetByID(_ context.Context, id string) (models.RecurringDonation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return models.RecurringDonation{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memRecurring) ListByPhilanthropist(_ context.Context, philanthropistID string) ([]models.RecurringDonation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RecurringDonation
	for _, d := range m.rows {
		if d.PhilanthropistID == philanthropistID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memRecurring) SetStatus(_ context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.Status == models.RecurringCancelled {
		return models.RecurringDonation{}, store.ErrNotFound
	}
	d.Status = status
	if status == models.RecurringActive {
		d.FailureStreak = 0
	}
	m.rows[id] = d
	return d, nil
}

func (m *memRecurring) ListDue(_ context.Context, now time.Time, limit int) ([]models.RecurringDonation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.RecurringDonation
	for _, d := range m.rows {
		if d.Status != models.RecurringActive {
			continue
		}
		if d.NextProcessingAt == nil || !d.NextProcessingAt.After(now) {
			out = append(out, d)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRecurring) RecordSuccess(_ context.Context, id string, processedAt, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.rows[id]
	d.LastProcessedAt = &processedAt
	d.NextProcessingAt = &next
	d.FailureStreak = 0
	m.rows[id] = d
	return nil
}

func (m *memRecurring) RecordFailure(_ context.Context, id string, pauseAt int) (models.RecurringDonation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return models.RecurringDonation{}, store.ErrNotFound
	}
	d.FailureStreak++
	if pauseAt > 0 && d.FailureStreak >= pauseAt {
		d.Status = models.RecurringPaused
	}
	m.rows[id] = d
	return d, nil
}

func fixedRate(rate string) rates.Provider {
	return rates.ProviderFunc(func(_ context.Context, from, to string) (rates.Quote, error) {
		return rates.Quote{From: from, To: to, Rate: decimal.RequireFromString(rate), Source: rates.SourceFallback}, nil
	})
}

type recurringFixture struct {
	ledger    ledgerFixture
	donations *memRecurring
	directory *memDirectory
	scheduler *RecurringScheduler
}

var johannesburg = time.FixedZone("SAST", 2*60*60)

func newRecurringFixture(t *testing.T, philBalance int64, provider rates.Provider, donations ...models.RecurringDonation) recurringFixture {
	t.Helper()
	lf := newLedgerFixture(
		models.Wallet{ID: "phil-wallet", BalanceMinor: philBalance},
		models.Wallet{ID: "tag-wallet"},
		models.Wallet{ID: "org-wallet"},
	)
	dir := newMemDirectory()
	dir.philanthropists["phil-1"] = models.Philanthropist{ID: "phil-1", WalletID: "phil-wallet"}
	dir.tags["CT001"] = models.Tag{ID: "tag-1", Code: "CT001", WalletID: "tag-wallet"}
	dir.organizations["org-1"] = models.Organization{ID: "org-1", WalletID: "org-wallet"}
	mem := newMemRecurring(donations...)
	scheduler := NewRecurringScheduler(mem, dir, lf.ledger, provider, lf.mem, lf.metrics, RecurringConfig{
		SettlementCurrency: "ZAR",
		Location:           johannesburg,
		PauseStreak:        3,
	}, logging.Discard())
	return recurringFixture{ledger: lf, donations: mem, directory: dir, scheduler: scheduler}
}

func TestProcessDueSweepsDust(t *testing.T) {
	f := newRecurringFixture(t, 10500, fixedRate("1"), models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001",
		AmountMinor: 10000, AutoDonateDust: true, DustThresholdMinor: 1000,
	})
	now := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

	summary, err := f.scheduler.ProcessDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, summary.Items, 1)
	item := summary.Items[0]
	assert.Equal(t, OutcomeSuccessWithDust, item.Outcome)
	assert.Equal(t, int64(10000), item.AmountMinor)
	assert.Equal(t, int64(500), item.DustMinor)
	assert.Len(t, item.TransactionIDs, 2)
	assert.Equal(t, 1, summary.Counts[OutcomeSuccessWithDust])

	assert.Equal(t, int64(0), f.ledger.mem.balance("phil-wallet"))
	assert.Equal(t, int64(10500), f.ledger.mem.balance("tag-wallet"))
	txns := f.ledger.mem.transactions()
	require.Len(t, txns, 2)
	assert.Equal(t, models.KindRecurringDonation, txns[0].Kind)
	assert.Equal(t, models.KindDustDonation, txns[1].Kind)
	assert.Equal(t, "fallback", txns[0].Metadata.RateSource)
	assert.Equal(t, "rd-1", txns[0].Metadata.DonationID)
	require.NotNil(t, txns[0].IdempotencyKey)
	assert.Equal(t, "recurring:rd-1:2026-03", *txns[0].IdempotencyKey)

	next := f.donations.get("rd-1").NextProcessingAt
	require.NotNil(t, next)
	assert.True(t, next.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, johannesburg)), "got %s", next)
	assert.Equal(t, 1, f.ledger.metrics.recurring["success_with_dust"])
}

func TestProcessDueConvertsReferenceCurrency(t *testing.T) {
	f := newRecurringFixture(t, 100000, fixedRate("18.5"), models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientOrganization, RecipientID: "org-1",
		AmountMinor: 1000,
	})

	summary, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, summary.Items[0].Outcome)
	assert.Equal(t, int64(18500), f.ledger.mem.balance("org-wallet"))
	assert.Equal(t, int64(81500), f.ledger.mem.balance("phil-wallet"))
}

func TestProcessDueInsufficientFundsKeepsSchedule(t *testing.T) {
	f := newRecurringFixture(t, 100, fixedRate("1"), models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 5000,
	})

	summary, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientFunds, summary.Items[0].Outcome)
	d := f.donations.get("rd-1")
	assert.Nil(t, d.NextProcessingAt)
	assert.Equal(t, 1, d.FailureStreak)
	assert.Equal(t, models.RecurringActive, d.Status)
	assert.Equal(t, int64(100), f.ledger.mem.balance("phil-wallet"))
}

func TestProcessDuePausesAfterFailureStreak(t *testing.T) {
	f := newRecurringFixture(t, 0, fixedRate("1"), models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 5000,
	})

	var last BatchSummary
	for range 3 {
		var err error
		last, err = f.scheduler.ProcessDue(context.Background(), time.Now())
		require.NoError(t, err)
	}
	require.Len(t, last.Items, 1)
	assert.True(t, last.Items[0].Paused)
	assert.Equal(t, models.RecurringPaused, f.donations.get("rd-1").Status)
	assert.Contains(t, f.ledger.mem.auditActions(), store.ActionRecurringPaused)

	summary, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
}

func TestProcessDueConversionUnavailable(t *testing.T) {
	failing := rates.ProviderFunc(func(context.Context, string, string) (rates.Quote, error) {
		return rates.Quote{}, rates.ErrConversionUnavailable
	})
	f := newRecurringFixture(t, 50000, failing, models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 5000,
	})

	summary, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConversionUnavailable, summary.Items[0].Outcome)
	assert.Empty(t, f.ledger.mem.transactions())
}

func TestProcessDueRateTimeout(t *testing.T) {
	slow := rates.ProviderFunc(func(ctx context.Context, _, _ string) (rates.Quote, error) {
		<-ctx.Done()
		return rates.Quote{}, ctx.Err()
	})
	f := newRecurringFixture(t, 50000, slow, models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 5000,
	})
	f.scheduler.cfg.ConversionTimeout = 20 * time.Millisecond

	summary, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConversionUnavailable, summary.Items[0].Outcome)
}

func TestProcessDueRejectsOverflowingConversion(t *testing.T) {
	f := newRecurringFixture(t, 50000, fixedRate("18.5"), models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001",
		AmountMinor: math.MaxInt64 / 2,
	})

	summary, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, summary.Items[0].Outcome)
	assert.Contains(t, summary.Items[0].Error, "out of range")
	assert.Empty(t, f.ledger.mem.transactions())
	assert.Equal(t, int64(50000), f.ledger.mem.balance("phil-wallet"))
}

func TestProcessDueIsolatesItemFailures(t *testing.T) {
	f := newRecurringFixture(t, 50000, fixedRate("1"),
		models.RecurringDonation{ID: "rd-bad", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT404", AmountMinor: 100},
		models.RecurringDonation{ID: "rd-good", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 100},
	)

	summary, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Counts[OutcomeError])
	assert.Equal(t, 1, summary.Counts[OutcomeSuccess])
	assert.Equal(t, int64(100), f.ledger.mem.balance("tag-wallet"))
}

func TestProcessDueTwiceInPeriodChargesOnce(t *testing.T) {
	f := newRecurringFixture(t, 50000, fixedRate("1"), models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 1000,
	})
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	_, err := f.scheduler.ProcessDue(context.Background(), now)
	require.NoError(t, err)

	// Simulate a crash before the schedule advanced.
	f.donations.mu.Lock()
	d := f.donations.rows["rd-1"]
	d.NextProcessingAt = nil
	f.donations.rows["rd-1"] = d
	f.donations.mu.Unlock()

	summary, err := f.scheduler.ProcessDue(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, summary.Items[0].Outcome)
	assert.Equal(t, int64(49000), f.ledger.mem.balance("phil-wallet"))
	assert.Len(t, f.ledger.mem.transactions(), 1)
}

func TestProcessDueListFailure(t *testing.T) {
	f := newRecurringFixture(t, 0, fixedRate("1"))
	f.donations.listErr = errBoom
	_, err := f.scheduler.ProcessDue(context.Background(), time.Now())
	require.ErrorIs(t, err, errBoom)
}

func TestRecurringCreateValidates(t *testing.T) {
	f := newRecurringFixture(t, 0, fixedRate("1"))
	ctx := context.Background()

	_, err := f.scheduler.Create(ctx, RecurringInput{PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001"})
	require.ErrorIs(t, err, ErrInvalidRecurring)

	_, err = f.scheduler.Create(ctx, RecurringInput{PhilanthropistID: "phil-1", RecipientType: "MERCHANT", RecipientID: "x", AmountMinor: 100})
	require.ErrorIs(t, err, ErrInvalidRecurring)

	_, err = f.scheduler.Create(ctx, RecurringInput{PhilanthropistID: "ghost", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 100})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.scheduler.Create(ctx, RecurringInput{PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT404", AmountMinor: 100})
	require.ErrorIs(t, err, ErrNotFound)

	d, err := f.scheduler.Create(ctx, RecurringInput{PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "ct001", AmountMinor: 100})
	require.NoError(t, err)
	assert.Equal(t, "CT001", d.RecipientID)
	assert.Equal(t, "ZAR", d.Currency)
	assert.Equal(t, models.RecurringActive, d.Status)
	assert.Equal(t, models.FrequencyMonthly, d.Frequency)
	assert.Nil(t, d.NextProcessingAt)
}

func TestRecurringCancelIsTerminal(t *testing.T) {
	f := newRecurringFixture(t, 0, fixedRate("1"), models.RecurringDonation{ID: "rd-1", PhilanthropistID: "phil-1"})
	ctx := context.Background()

	d, err := f.scheduler.SetStatus(ctx, "rd-1", models.RecurringCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.RecurringCancelled, d.Status)

	_, err = f.scheduler.SetStatus(ctx, "rd-1", models.RecurringActive)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.scheduler.SetStatus(ctx, "rd-1", "deleted")
	require.ErrorIs(t, err, ErrInvalidRecurring)

	got, err := f.scheduler.Get(ctx, "rd-1")
	require.NoError(t, err)
	assert.Equal(t, models.RecurringCancelled, got.Status)
}

func TestNextRunIsFirstOfNextMonthLocalMidnight(t *testing.T) {
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 1, 31, 23, 30, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, johannesburg)},
		{time.Date(2026, 12, 10, 8, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, johannesburg)},
		{time.Date(2026, 6, 1, 0, 0, 0, 0, johannesburg), time.Date(2026, 7, 1, 0, 0, 0, 0, johannesburg)},
	}
	for _, tc := range cases {
		got := NextRun(tc.now, johannesburg)
		assert.True(t, got.Equal(tc.want), "NextRun(%s) = %s, want %s", tc.now, got, tc.want)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newRecurringFixture(t, 50000, fixedRate("1"), models.RecurringDonation{
		ID: "rd-1", PhilanthropistID: "phil-1", RecipientType: models.RecipientTag, RecipientID: "CT001", AmountMinor: 100,
	})
	f.scheduler.cfg.Interval = 5 * time.Millisecond
	f.scheduler.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for f.ledger.mem.balance("tag-wallet") == 0 {
		if time.Now().After(deadline) {
			f.scheduler.Stop()
			t.Fatal("scheduler never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.scheduler.Stop()
}
