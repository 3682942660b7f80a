package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

// APISource fetches pivot-based rates from the configured exchange rate
// provider over HTTP.
type APISource struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewAPISource(baseURL, apiKey string, timeout time.Duration) *APISource {
	return &APISource{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

func (s *APISource) FetchRates(ctx context.Context) (map[domain.Currency]decimal.Decimal, error) {
	url := fmt.Sprintf("%s?base=%s", s.baseURL, domain.PivotCurrency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("FetchRates: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("FetchRates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("FetchRates: provider returned %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("FetchRates: %w", err)
	}

	rates := make(map[domain.Currency]decimal.Decimal, len(body.Rates))
	for _, currency := range domain.RegisteredCurrencies() {
		rate, ok := body.Rates[string(currency)]
		if !ok {
			continue
		}
		rates[currency] = decimal.NewFromFloat(rate)
	}

	// The pivot is 1 by definition; providers usually omit it.
	rates[domain.PivotCurrency] = decimal.NewFromInt(1)

	if len(rates) < 2 {
		return nil, fmt.Errorf("FetchRates: provider response missing registered currencies")
	}
	return rates, nil
}
