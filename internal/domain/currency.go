package domain

type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

// PivotCurrency is the common base all cached exchange rates are
// expressed against.
const PivotCurrency = CurrencyEUR

var registeredCurrencies = map[Currency]struct{}{
	CurrencyKES: {},
	CurrencyUSD: {},
	CurrencyEUR: {},
	CurrencyGBP: {},
}

func (c Currency) IsValid() bool {
	_, ok := registeredCurrencies[c]
	return ok
}

func RegisteredCurrencies() []Currency {
	return []Currency{CurrencyKES, CurrencyUSD, CurrencyEUR, CurrencyGBP}
}
