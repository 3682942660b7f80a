package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/auth"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/fx"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/service/forex"
)

type forexService interface {
	Exchange(ctx context.Context, p forex.ExchangeParams) (*domain.CurrencyExchangeRecord, error)
	Exchanges(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CurrencyExchangeRecord, error)
}

type quoteService interface {
	Quote(ctx context.Context, source, target domain.Currency, amount decimal.Decimal) (*fx.Quote, error)
}

type ForexHandler struct {
	forex  forexService
	quotes quoteService
}

func NewForexHandler(forexSvc forexService, quotes quoteService) *ForexHandler {
	return &ForexHandler{forex: forexSvc, quotes: quotes}
}

type exchangeRequest struct {
	SourceCurrency string `json:"source_currency"`
	TargetCurrency string `json:"target_currency"`
	Amount         string `json:"amount"`
}

func (r exchangeRequest) Validate() []FieldError {
	var errs []FieldError

	if r.SourceCurrency == "" {
		errs = append(errs, FieldError{Field: "source_currency", Message: "required"})
	} else if !domain.Currency(r.SourceCurrency).IsValid() {
		errs = append(errs, FieldError{Field: "source_currency", Message: "unsupported currency"})
	}

	if r.TargetCurrency == "" {
		errs = append(errs, FieldError{Field: "target_currency", Message: "required"})
	} else if !domain.Currency(r.TargetCurrency).IsValid() {
		errs = append(errs, FieldError{Field: "target_currency", Message: "unsupported currency"})
	}

	if amount, err := decimal.NewFromString(r.Amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: "must be a decimal number"})
	} else if !amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

type exchangeDTO struct {
	ID              uuid.UUID `json:"id"`
	Reference       string    `json:"reference"`
	SourceCurrency  string    `json:"source_currency"`
	TargetCurrency  string    `json:"target_currency"`
	SourceAmount    string    `json:"source_amount"`
	ConvertedAmount string    `json:"converted_amount"`
	BaseRate        string    `json:"base_rate"`
	PlatformRate    string    `json:"platform_rate"`
	ChargedFee      string    `json:"charged_fee"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

func toExchangeDTO(e *domain.CurrencyExchangeRecord) exchangeDTO {
	return exchangeDTO{
		ID:              e.ID,
		Reference:       e.ReferenceID,
		SourceCurrency:  string(e.SourceCurrency),
		TargetCurrency:  string(e.TargetCurrency),
		SourceAmount:    e.SourceAmount.StringFixed(2),
		ConvertedAmount: e.ConvertedAmount.StringFixed(2),
		BaseRate:        e.BaseRate.String(),
		PlatformRate:    e.PlatformRate.String(),
		ChargedFee:      e.ChargedFee.StringFixed(2),
		Status:          string(e.Status),
		CreatedAt:       e.CreatedAt,
	}
}

// Quote prices a conversion without executing it.
func (h *ForexHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := domain.Currency(q.Get("source"))
	target := domain.Currency(q.Get("target"))

	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		RespondValidationError(w, []FieldError{{Field: "amount", Message: "must be a decimal number"}})
		return
	}

	quote, err := h.quotes.Quote(r.Context(), source, target, amount)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, map[string]any{
		"source_currency":  string(quote.SourceCurrency),
		"target_currency":  string(quote.TargetCurrency),
		"source_amount":    quote.SourceAmount.StringFixed(2),
		"charged_fee":      quote.ChargedFee.StringFixed(2),
		"converted_amount": quote.ConvertedAmount.StringFixed(2),
		"base_rate":        quote.BaseRate.String(),
		"platform_rate":    quote.PlatformRate.String(),
	})
}

func (h *ForexHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	amount, _ := decimal.NewFromString(req.Amount)
	record, err := h.forex.Exchange(r.Context(), forex.ExchangeParams{
		UserID:         userID,
		SourceCurrency: domain.Currency(req.SourceCurrency),
		TargetCurrency: domain.Currency(req.TargetCurrency),
		Amount:         amount,
	})
	if err != nil {
		log.Warn("currency exchange failed", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toExchangeDTO(record))
}

func (h *ForexHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	records, err := h.forex.Exchanges(r.Context(), userID, queryLimit(r))
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]exchangeDTO, 0, len(records))
	for i := range records {
		dtos = append(dtos, toExchangeDTO(&records[i]))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}
