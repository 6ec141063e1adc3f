package institution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		address string
		sender  string
		subject string
		snippet string
		want    string
	}{
		{
			name:    "wise by sender domain",
			address: "billing@wise.com",
			sender:  "Wise",
			subject: "Your statement is ready",
			want:    "Wise",
		},
		{
			name:    "transferwise legacy name maps to wise",
			address: "noreply@transferwise.com",
			want:    "Wise",
		},
		{
			name:    "revolut by subject",
			address: "no-reply@mailer.example.com",
			subject: "Revolut monthly statement",
			want:    "Revolut",
		},
		{
			name:    "specific bank beats generic bank fragment",
			address: "service@deutsche-bank.example",
			sender:  "Deutsche Bank AG",
			want:    "Deutsche Bank",
		},
		{
			name:    "ibkr alias",
			address: "statements@ibkr.example",
			want:    "Interactive Brokers",
		},
		{
			name:    "generic bank fallback",
			address: "info@smallbank.example",
			sender:  "Some Bank",
			want:    "Bank",
		},
		{
			name:    "portuguese generic banco",
			sender:  "Banco Exemplo",
			want:    "Banco",
		},
		{
			name:    "match in body snippet",
			address: "do-not-reply@example.com",
			snippet: "Thank you for using PayPal",
			want:    "Paypal",
		},
		{
			name:    "case insensitive",
			address: "BILLING@WISE.COM",
			want:    "Wise",
		},
		{
			name:    "no match",
			address: "newsletter@shop.example",
			sender:  "Shop",
			subject: "Your order shipped",
			want:    None,
		},
		{
			name: "all empty",
			want: None,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.address, tt.sender, tt.subject, tt.snippet)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	first := Classify("billing@wise.com", "Wise", "Statement", "")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Classify("billing@wise.com", "Wise", "Statement", ""))
	}
}

func TestLongestPatternWins(t *testing.T) {
	// "interactive brokers" contains no shorter fragment collision, but a text
	// carrying both a specific and a generic fragment must pick the specific.
	got := Classify("help@example.com", "Interactive Brokers", "Your bank statement", "")
	assert.Equal(t, "Interactive Brokers", got)
}
