// Package institution classifies email messages into canonical financial
// institution labels using a static pattern table.
package institution

import (
	"sort"
	"strings"
)

// None is the label returned when no pattern matches.
const None = ""

// patterns maps a lowercase text fragment to the canonical institution it
// identifies. Generic fragments like "bank" sit alongside specific ones; the
// longest matching fragment always wins, so "deutsche bank" beats "bank".
// The table is plain data so new institutions are a one-line change.
var patterns = []string{
	// Digital banks and money services
	"wise.com",
	"transferwise",
	"wise",
	"revolut",
	"nubank",
	"bunq",
	"monzo",
	"starling",
	"n26",
	"paypal",
	"stripe",
	"mollie",
	"adyen",

	// Traditional banks
	"deutsche bank",
	"commerzbank",
	"santander",
	"bbva",
	"caixabank",
	"bankinter",
	"sabadell",
	"millennium bcp",
	"intesa sanpaolo",
	"unicredit",
	"bnp paribas",
	"societe generale",
	"credit agricole",
	"rabobank",
	"abn amro",
	"triodos",
	"hsbc",
	"barclays",
	"lloyds",
	"natwest",
	"nordea",
	"handelsbanken",
	"swedbank",
	"erste bank",
	"raiffeisen",
	"sparkasse",
	"ubs",
	"postfinance",

	// Brokerages and exchanges
	"interactive brokers",
	"ibkr",
	"charles schwab",
	"fidelity",
	"robinhood",
	"coinbase",
	"kraken",
	"binance",

	// Generic fallbacks, only matched when nothing more specific does
	"banco",
	"bank",
}

// aliases maps fragments whose canonical name differs from the fragment
// itself. Everything else is title-cased directly.
var aliases = map[string]string{
	"wise.com":     "Wise",
	"transferwise": "Wise",
	"ibkr":         "Interactive Brokers",
}

// ordered is the pattern table sorted longest-first so the most specific
// fragment wins.
var ordered = func() []string {
	out := make([]string, len(patterns))
	copy(out, patterns)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}()

// Classify returns the canonical institution label for a message, or None.
// It is pure: no I/O, and identical inputs always produce identical output.
func Classify(senderAddress, senderName, subject, bodySnippet string) string {
	text := strings.ToLower(senderAddress + " " + senderName + " " + subject + " " + bodySnippet)
	for _, p := range ordered {
		if strings.Contains(text, p) {
			if canonical, ok := aliases[p]; ok {
				return canonical
			}
			return titleCase(p)
		}
	}
	return None
}

// titleCase applies the fixed capitalization rule: first letter of each word
// upper, rest lower.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
