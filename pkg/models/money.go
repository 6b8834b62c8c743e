package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217 currency code supported by the ledger.
type Currency string

const (
	CurrencySGD Currency = "SGD"
	CurrencyVND Currency = "VND"
	CurrencyIDR Currency = "IDR"
	CurrencyTHB Currency = "THB"
)

// minor-unit exponent per currency
var currencyExponents = map[Currency]int32{
	CurrencySGD: 2,
	CurrencyVND: 0,
	CurrencyIDR: 2,
	CurrencyTHB: 2,
}

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	_, ok := currencyExponents[c]
	return ok
}

// Exponent returns the number of minor-unit digits of c.
func (c Currency) Exponent() int32 {
	return currencyExponents[c]
}

// ParseCurrency normalizes s and checks it against the supported currencies.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unsupported currency %q", s)
	}
	return c, nil
}

// Money is an amount in integer minor units tagged with its currency.
type Money struct {
	Amount   int64    `json:"amount"`
	Currency Currency `json:"currency"`
}

// NewMoney builds a Money value, rejecting negative amounts and unknown currencies.
func NewMoney(amount int64, currency Currency) (Money, error) {
	if amount < 0 {
		return Money{}, fmt.Errorf("amount must not be negative, got %d", amount)
	}
	if !currency.Valid() {
		return Money{}, fmt.Errorf("unsupported currency %q", currency)
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// IsZero reports whether no minor units are left.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// WithAmount returns a copy of m carrying a different amount in the same currency.
func (m Money) WithAmount(amount int64) Money {
	return Money{Amount: amount, Currency: m.Currency}
}

// Decimal converts the minor units into major units (e.g. 3334 SGD -> 33.34).
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -m.Currency.Exponent())
}

func (m Money) String() string {
	return m.Decimal().StringFixed(m.Currency.Exponent()) + " " + string(m.Currency)
}
