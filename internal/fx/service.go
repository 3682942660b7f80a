// Package fx quotes currency conversions from pivot-relative rate
// snapshots. Rates are fetched from an external source, persisted, and
// cached in memory; every quote crosses through the pivot currency.
package fx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
)

// RateSource fetches pivot-relative rates from an external provider.
type RateSource interface {
	FetchRates(ctx context.Context) (map[domain.Currency]decimal.Decimal, error)
}

// SnapshotStore persists rate snapshots so a restart does not depend on
// the external provider being reachable.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *domain.RateSnapshot) error
	LatestSnapshot(ctx context.Context) (*domain.RateSnapshot, error)
}

// Quote is a priced conversion. ConvertedAmount is what the target
// wallet receives after ChargedFee is deducted from the source amount;
// PlatformRate is the all-in rate the user effectively paid.
type Quote struct {
	SourceCurrency  domain.Currency
	TargetCurrency  domain.Currency
	SourceAmount    decimal.Decimal
	BaseRate        decimal.Decimal
	PlatformRate    decimal.Decimal
	ChargedFee      decimal.Decimal
	ConvertedAmount decimal.Decimal
}

type Service struct {
	source          RateSource
	store           SnapshotStore
	feePct          decimal.Decimal
	refreshInterval time.Duration
	now             func() time.Time

	mu       sync.RWMutex
	snapshot *domain.RateSnapshot
}

func NewService(source RateSource, store SnapshotStore, feePct float64, refreshInterval time.Duration) *Service {
	return &Service{
		source:          source,
		store:           store,
		feePct:          decimal.NewFromFloat(feePct),
		refreshInterval: refreshInterval,
		now:             time.Now,
	}
}

// Bootstrap warms the in-memory snapshot from the store. A missing
// snapshot is not an error; the first quote will trigger a fetch.
func (s *Service) Bootstrap(ctx context.Context) error {
	snapshot, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("Bootstrap: %w", err)
	}

	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
	return nil
}

// Refresh fetches a fresh snapshot, persists it, and swaps it in.
func (s *Service) Refresh(ctx context.Context) error {
	rates, err := s.source.FetchRates(ctx)
	if err != nil {
		return fmt.Errorf("Refresh: %w: %v", domain.ErrRateUnavailable, err)
	}

	snapshot := &domain.RateSnapshot{
		Rates:     rates,
		FetchedAt: s.now(),
	}
	if err := s.store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("Refresh: %w", err)
	}

	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
	return nil
}

// StartRefresher refreshes the snapshot on the configured interval
// until ctx is cancelled.
func (s *Service) StartRefresher(ctx context.Context) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				logger.Warn("rate refresh failed", "error", err)
			}
		}
	}
}

// Rate returns the cross rate target/source from the current snapshot,
// refreshing it first when stale or absent. Stale rates are never used
// to price a conversion: if the snapshot is past the refresh interval
// and the provider is down, the quote fails with ErrRateUnavailable.
func (s *Service) Rate(ctx context.Context, source, target domain.Currency) (decimal.Decimal, error) {
	if !source.IsValid() || !target.IsValid() {
		return decimal.Zero, fmt.Errorf("Rate: %s/%s: %w", source, target, domain.ErrUnsupportedCurrency)
	}
	if source == target {
		return decimal.NewFromInt(1), nil
	}

	snapshot, err := s.currentSnapshot(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("Rate: %w", err)
	}

	sourceRate, ok := snapshot.Rates[source]
	if !ok || sourceRate.IsZero() {
		return decimal.Zero, fmt.Errorf("Rate: no rate for %s: %w", source, domain.ErrUnsupportedCurrency)
	}
	targetRate, ok := snapshot.Rates[target]
	if !ok {
		return decimal.Zero, fmt.Errorf("Rate: no rate for %s: %w", target, domain.ErrUnsupportedCurrency)
	}

	return targetRate.Div(sourceRate), nil
}

// Quote prices a conversion of amount from source to target. The fee is
// a flat percentage of the source amount and is taken before
// conversion.
func (s *Service) Quote(ctx context.Context, source, target domain.Currency, amount decimal.Decimal) (*Quote, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("Quote: %w", domain.ErrInvalidAmount)
	}

	baseRate, err := s.Rate(ctx, source, target)
	if err != nil {
		return nil, fmt.Errorf("Quote: %w", err)
	}

	fee := amount.Mul(s.feePct).Div(decimal.NewFromInt(100)).RoundBank(2)
	converted := amount.Sub(fee).Mul(baseRate).RoundBank(2)

	platformRate := decimal.Zero
	if !amount.IsZero() {
		platformRate = converted.Div(amount)
	}

	return &Quote{
		SourceCurrency:  source,
		TargetCurrency:  target,
		SourceAmount:    amount,
		BaseRate:        baseRate,
		PlatformRate:    platformRate,
		ChargedFee:      fee,
		ConvertedAmount: converted,
	}, nil
}

func (s *Service) currentSnapshot(ctx context.Context) (*domain.RateSnapshot, error) {
	s.mu.RLock()
	snapshot := s.snapshot
	s.mu.RUnlock()

	if snapshot != nil && s.now().Sub(snapshot.FetchedAt) < s.refreshInterval {
		return snapshot, nil
	}

	// A stale snapshot is not an acceptable substitute for money
	// movement, so a failed refresh fails the caller.
	if err := s.Refresh(ctx); err != nil {
		if snapshot != nil {
			logging.FromContext(ctx).Warn("rate refresh failed with stale snapshot on hand",
				"fetched_at", snapshot.FetchedAt, "error", err)
		}
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, nil
}
