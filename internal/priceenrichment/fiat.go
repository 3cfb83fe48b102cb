package priceenrichment

// DefaultFiatCurrencies is the set of asset symbols Stage 1 treats as
// fiat rather than crypto when deciding which leg of a trade carries
// an execution price.
var DefaultFiatCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "CAD": true, "NZD": true,
}

func isFiat(fiatCurrencies map[string]bool, asset string) bool {
	if fiatCurrencies == nil {
		fiatCurrencies = DefaultFiatCurrencies
	}
	return fiatCurrencies[asset]
}
