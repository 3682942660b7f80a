package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ExchangeStatus string

const (
	ExchangeProcessing ExchangeStatus = "PROCESSING"
	ExchangeSuccess    ExchangeStatus = "SUCCESS"
	ExchangeFailed     ExchangeStatus = "FAILED"
)

type CurrencyExchangeRecord struct {
	ID              uuid.UUID
	ReferenceID     string
	UserID          uuid.UUID
	SourceCurrency  Currency
	TargetCurrency  Currency
	SourceAmount    decimal.Decimal
	BaseRate        decimal.Decimal
	PlatformRate    decimal.Decimal
	ChargedFee      decimal.Decimal
	ConvertedAmount decimal.Decimal
	Status          ExchangeStatus
	Provider        string
	CreatedAt       time.Time
}

// RateSnapshot is one fetch of pivot-relative rates from the external
// rate source.
type RateSnapshot struct {
	ID        uuid.UUID
	Rates     map[Currency]decimal.Decimal
	FetchedAt time.Time
}
