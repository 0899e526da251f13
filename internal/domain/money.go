package domain

import "strings"

var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true,
}

// CurrencyUnit returns how many minor units make one whole currency unit.
func CurrencyUnit(currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 1
	}
	return 100
}

// PriceMoved reports whether newPrice differs from oldPrice by more than
// max(1% of newPrice, one currency unit).
func PriceMoved(oldPrice, newPrice int64, currency string) bool {
	threshold := newPrice / 100
	if unit := CurrencyUnit(currency); threshold < unit {
		threshold = unit
	}
	diff := newPrice - oldPrice
	if diff < 0 {
		diff = -diff
	}
	return diff > threshold
}
