package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

type stubSource struct {
	rates   map[domain.Currency]decimal.Decimal
	err     error
	fetches int
}

func (s *stubSource) FetchRates(context.Context) (map[domain.Currency]decimal.Decimal, error) {
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return s.rates, nil
}

type stubSnapshotStore struct {
	latest *domain.RateSnapshot
	saved  int
}

func (s *stubSnapshotStore) SaveSnapshot(_ context.Context, snapshot *domain.RateSnapshot) error {
	s.latest = snapshot
	s.saved++
	return nil
}

func (s *stubSnapshotStore) LatestSnapshot(context.Context) (*domain.RateSnapshot, error) {
	if s.latest == nil {
		return nil, domain.ErrNotFound
	}
	return s.latest, nil
}

func testRates() map[domain.Currency]decimal.Decimal {
	return map[domain.Currency]decimal.Decimal{
		domain.CurrencyEUR: decimal.NewFromInt(1),
		domain.CurrencyUSD: decimal.NewFromFloat(1.08),
		domain.CurrencyKES: decimal.NewFromFloat(140.0),
		domain.CurrencyGBP: decimal.NewFromFloat(0.85),
	}
}

func testService(source RateSource, store SnapshotStore) *Service {
	svc := NewService(source, store, 1.5, time.Hour)
	svc.now = func() time.Time { return time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC) }
	return svc
}

func TestRateCrossesThroughPivot(t *testing.T) {
	svc := testService(&stubSource{rates: testRates()}, &stubSnapshotStore{})

	rate, err := svc.Rate(context.Background(), domain.CurrencyUSD, domain.CurrencyKES)
	require.NoError(t, err)

	expected := decimal.NewFromFloat(140.0).Div(decimal.NewFromFloat(1.08))
	assert.True(t, rate.Equal(expected), "got %s want %s", rate, expected)
}

func TestRateSameCurrency(t *testing.T) {
	source := &stubSource{rates: testRates()}
	svc := testService(source, &stubSnapshotStore{})

	rate, err := svc.Rate(context.Background(), domain.CurrencyKES, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	assert.Zero(t, source.fetches, "identity rate should not hit the provider")
}

func TestRateInvalidCurrency(t *testing.T) {
	svc := testService(&stubSource{rates: testRates()}, &stubSnapshotStore{})

	_, err := svc.Rate(context.Background(), "DOGE", domain.CurrencyKES)
	require.ErrorIs(t, err, domain.ErrUnsupportedCurrency)
}

func TestRateFetchesWhenNoSnapshot(t *testing.T) {
	source := &stubSource{rates: testRates()}
	store := &stubSnapshotStore{}
	svc := testService(source, store)

	_, err := svc.Rate(context.Background(), domain.CurrencyEUR, domain.CurrencyKES)
	require.NoError(t, err)

	assert.Equal(t, 1, source.fetches)
	assert.Equal(t, 1, store.saved, "fetched snapshot should be persisted")
}

func TestRateUsesFreshSnapshotWithoutFetching(t *testing.T) {
	source := &stubSource{rates: testRates()}
	svc := testService(source, &stubSnapshotStore{})
	svc.snapshot = &domain.RateSnapshot{
		Rates:     testRates(),
		FetchedAt: svc.now().Add(-10 * time.Minute),
	}

	_, err := svc.Rate(context.Background(), domain.CurrencyUSD, domain.CurrencyEUR)
	require.NoError(t, err)
	assert.Zero(t, source.fetches)
}

func TestRateRefreshesStaleSnapshot(t *testing.T) {
	source := &stubSource{rates: testRates()}
	svc := testService(source, &stubSnapshotStore{})
	svc.snapshot = &domain.RateSnapshot{
		Rates:     testRates(),
		FetchedAt: svc.now().Add(-2 * time.Hour),
	}

	_, err := svc.Rate(context.Background(), domain.CurrencyUSD, domain.CurrencyEUR)
	require.NoError(t, err)
	assert.Equal(t, 1, source.fetches)
}

func TestRateRefusesStaleSnapshotWhenProviderDown(t *testing.T) {
	source := &stubSource{err: errors.New("provider timeout")}
	svc := testService(source, &stubSnapshotStore{})
	svc.snapshot = &domain.RateSnapshot{
		Rates:     testRates(),
		FetchedAt: svc.now().Add(-48 * time.Hour),
	}

	// Stale rates must never price a conversion.
	_, err := svc.Rate(context.Background(), domain.CurrencyUSD, domain.CurrencyKES)
	require.ErrorIs(t, err, domain.ErrRateUnavailable)

	_, err = svc.Quote(context.Background(), domain.CurrencyUSD, domain.CurrencyKES, decimal.NewFromInt(100))
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
}

func TestRateMissingFromSnapshot(t *testing.T) {
	rates := testRates()
	delete(rates, domain.CurrencyGBP)
	svc := testService(&stubSource{rates: rates}, &stubSnapshotStore{})

	for _, pair := range [][2]domain.Currency{
		{domain.CurrencyGBP, domain.CurrencyKES},
		{domain.CurrencyKES, domain.CurrencyGBP},
	} {
		_, err := svc.Rate(context.Background(), pair[0], pair[1])
		require.ErrorIs(t, err, domain.ErrUnsupportedCurrency)
	}
}

func TestRateUnavailableWhenNoSnapshotAndProviderDown(t *testing.T) {
	source := &stubSource{err: errors.New("provider timeout")}
	svc := testService(source, &stubSnapshotStore{})

	_, err := svc.Rate(context.Background(), domain.CurrencyUSD, domain.CurrencyKES)
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
}

func TestBootstrapLoadsPersistedSnapshot(t *testing.T) {
	source := &stubSource{rates: testRates()}
	store := &stubSnapshotStore{latest: &domain.RateSnapshot{
		Rates:     testRates(),
		FetchedAt: time.Date(2026, time.March, 2, 9, 50, 0, 0, time.UTC),
	}}
	svc := testService(source, store)

	require.NoError(t, svc.Bootstrap(context.Background()))

	_, err := svc.Rate(context.Background(), domain.CurrencyUSD, domain.CurrencyKES)
	require.NoError(t, err)
	assert.Zero(t, source.fetches)
}

func TestBootstrapNoSnapshot(t *testing.T) {
	svc := testService(&stubSource{rates: testRates()}, &stubSnapshotStore{})
	require.NoError(t, svc.Bootstrap(context.Background()))
}

func TestQuoteFeeAndConversion(t *testing.T) {
	svc := testService(&stubSource{rates: testRates()}, &stubSnapshotStore{})

	quote, err := svc.Quote(context.Background(), domain.CurrencyEUR, domain.CurrencyKES, decimal.NewFromInt(100))
	require.NoError(t, err)

	// 1.5% of 100 = 1.50; (100 - 1.50) * 140 = 13790.00.
	assert.True(t, quote.ChargedFee.Equal(decimal.NewFromFloat(1.50)), "fee %s", quote.ChargedFee)
	assert.True(t, quote.ConvertedAmount.Equal(decimal.NewFromInt(13790)), "converted %s", quote.ConvertedAmount)
	assert.True(t, quote.BaseRate.Equal(decimal.NewFromInt(140)), "base rate %s", quote.BaseRate)
	assert.True(t, quote.PlatformRate.Equal(decimal.NewFromFloat(137.9)), "platform rate %s", quote.PlatformRate)
}

func TestQuotePlatformRateBelowBaseRate(t *testing.T) {
	svc := testService(&stubSource{rates: testRates()}, &stubSnapshotStore{})

	quote, err := svc.Quote(context.Background(), domain.CurrencyUSD, domain.CurrencyKES, decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.True(t, quote.PlatformRate.LessThan(quote.BaseRate))
}

func TestQuoteRejectsNonPositiveAmount(t *testing.T) {
	svc := testService(&stubSource{rates: testRates()}, &stubSnapshotStore{})

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		_, err := svc.Quote(context.Background(), domain.CurrencyUSD, domain.CurrencyKES, amount)
		require.ErrorIs(t, err, domain.ErrInvalidAmount)
	}
}
