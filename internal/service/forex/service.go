// Package forex converts balances between a user's wallets in
// different currencies at platform rates.
package forex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/fx"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

type userStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type exchangeStore interface {
	Create(ctx context.Context, tx repository.Tx, record *domain.CurrencyExchangeRecord) error
	UpdateStatus(ctx context.Context, tx repository.Tx, id uuid.UUID, status domain.ExchangeStatus) error
	GetByReference(ctx context.Context, reference string) (*domain.CurrencyExchangeRecord, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CurrencyExchangeRecord, error)
}

type transactionStore interface {
	Create(ctx context.Context, tx repository.Tx, record *domain.TransactionRecord) error
}

type Service struct {
	users        userStore
	exchanges    exchangeStore
	transactions transactionStore
	ledger       *ledger.Service
	rates        *fx.Service
	refs         *reference.Generator
	dispatcher   notify.Dispatcher
	now          func() time.Time
}

func NewService(users userStore, exchanges exchangeStore, transactions transactionStore, ledgerSvc *ledger.Service, rates *fx.Service, refs *reference.Generator, dispatcher notify.Dispatcher) *Service {
	return &Service{
		users:        users,
		exchanges:    exchanges,
		transactions: transactions,
		ledger:       ledgerSvc,
		rates:        rates,
		refs:         refs,
		dispatcher:   dispatcher,
		now:          time.Now,
	}
}

type ExchangeParams struct {
	UserID         uuid.UUID
	SourceCurrency domain.Currency
	TargetCurrency domain.Currency
	Amount         decimal.Decimal
}

// residualFloor is the smallest balance worth leaving behind. An
// exchange that would strand less than one unit of the source currency
// is widened to sweep the whole balance.
var residualFloor = decimal.NewFromInt(1)

// Exchange converts Amount from the user's source-currency wallet into
// their target-currency wallet, creating the target wallet on first
// use. The fee is charged in the source currency and retained by the
// platform.
func (s *Service) Exchange(ctx context.Context, p ExchangeParams) (*domain.CurrencyExchangeRecord, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("Exchange: %w", domain.ErrInvalidAmount)
	}
	if !p.SourceCurrency.IsValid() || !p.TargetCurrency.IsValid() {
		return nil, fmt.Errorf("Exchange: %w", domain.ErrUnsupportedCurrency)
	}
	if p.SourceCurrency == p.TargetCurrency {
		return nil, fmt.Errorf("Exchange: same currency: %w", domain.ErrInvalidRequest)
	}
	if _, err := s.users.GetByID(ctx, p.UserID); err != nil {
		return nil, fmt.Errorf("Exchange: user: %w", err)
	}

	sourceWallet, err := s.ledger.WalletForCurrency(ctx, p.UserID, p.SourceCurrency)
	if err != nil {
		return nil, fmt.Errorf("Exchange: %w", err)
	}

	amount := p.Amount
	if amount.GreaterThan(sourceWallet.Balance) {
		return nil, fmt.Errorf("Exchange: %w", domain.ErrInsufficientFunds)
	}
	if remaining := sourceWallet.Balance.Sub(amount); remaining.IsPositive() && remaining.LessThan(residualFloor) {
		amount = sourceWallet.Balance
	}

	quote, err := s.rates.Quote(ctx, p.SourceCurrency, p.TargetCurrency, amount)
	if err != nil {
		return nil, fmt.Errorf("Exchange: %w", err)
	}

	ref, err := s.refs.Generate(ctx, reference.EntityForex)
	if err != nil {
		return nil, fmt.Errorf("Exchange: %w", err)
	}

	record := &domain.CurrencyExchangeRecord{
		ID:              uuid.New(),
		ReferenceID:     ref,
		UserID:          p.UserID,
		SourceCurrency:  quote.SourceCurrency,
		TargetCurrency:  quote.TargetCurrency,
		SourceAmount:    quote.SourceAmount,
		BaseRate:        quote.BaseRate,
		PlatformRate:    quote.PlatformRate,
		ChargedFee:      quote.ChargedFee,
		ConvertedAmount: quote.ConvertedAmount,
		Status:          domain.ExchangeProcessing,
		CreatedAt:       s.now(),
	}

	var targetCreated bool
	err = s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		if err := s.exchanges.Create(ctx, tx, record); err != nil {
			return err
		}

		targetWallet, created, err := s.ledger.GetOrCreateWalletInTx(ctx, tx, p.UserID, p.TargetCurrency)
		if err != nil {
			return err
		}
		targetCreated = created

		if _, err := s.ledger.Debit(ctx, tx, sourceWallet.ID, quote.SourceAmount, ref, "currency exchange"); err != nil {
			return err
		}
		if _, err := s.ledger.Credit(ctx, tx, targetWallet.ID, quote.ConvertedAmount, ref, "currency exchange"); err != nil {
			return err
		}
		if err := s.ledger.CollectFee(ctx, tx, quote.SourceCurrency, quote.ChargedFee, ref, "exchange fee"); err != nil {
			return err
		}

		now := s.now()
		txRecord := &domain.TransactionRecord{
			ID:               uuid.New(),
			ReferenceID:      ref,
			Type:             domain.TransactionCurrencyExchange,
			Amount:           quote.SourceAmount,
			Currency:         quote.SourceCurrency,
			Charge:           quote.ChargedFee,
			Status:           domain.TransactionSuccess,
			SenderWalletID:   sourceWallet.ID,
			ReceiverWalletID: targetWallet.ID,
			CreatedAt:        now,
			CompletedAt:      &now,
		}
		if err := s.transactions.Create(ctx, tx, txRecord); err != nil {
			return err
		}

		record.Status = domain.ExchangeSuccess
		return s.exchanges.UpdateStatus(ctx, tx, record.ID, domain.ExchangeSuccess)
	})
	if err != nil {
		return nil, fmt.Errorf("Exchange: %w", err)
	}

	logging.FromContext(ctx).Info("currency exchange completed",
		"reference", ref, "user_id", p.UserID,
		"source", quote.SourceCurrency, "target", quote.TargetCurrency,
		"amount", quote.SourceAmount, "converted", quote.ConvertedAmount)

	if targetCreated {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventWalletCreated,
			UserID:    p.UserID,
			Reference: ref,
			Payload:   map[string]any{"currency": string(p.TargetCurrency)},
		})
	}
	s.dispatcher.Dispatch(ctx, notify.Event{
		Type:      notify.EventExchangeCompleted,
		UserID:    p.UserID,
		Reference: ref,
		Payload: map[string]any{
			"source_currency":  string(quote.SourceCurrency),
			"target_currency":  string(quote.TargetCurrency),
			"source_amount":    quote.SourceAmount.String(),
			"converted_amount": quote.ConvertedAmount.String(),
			"rate":             quote.PlatformRate.String(),
		},
	})
	return record, nil
}

// Exchange lookups.

func (s *Service) ExchangeByReference(ctx context.Context, ref string) (*domain.CurrencyExchangeRecord, error) {
	record, err := s.exchanges.GetByReference(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("ExchangeByReference: %w", err)
	}
	return record, nil
}

func (s *Service) Exchanges(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CurrencyExchangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := s.exchanges.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("Exchanges: %w", err)
	}
	return records, nil
}
