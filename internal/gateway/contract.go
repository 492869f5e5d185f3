package gateway

import (
	"strconv"
	"strings"
)

// Contract describes the instrument a market-data subscription is for.
type Contract struct {
	Symbol   string  `json:"symbol"`
	SecType  string  `json:"secType"`
	Expiry   string  `json:"expiry,omitempty"`
	Strike   float64 `json:"strike,omitempty"`
	Right    string  `json:"right,omitempty"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
}

// SymbolKey derives the stable identity of the contract: the non-empty
// fields joined with underscores, e.g. "AAPL_STK_SMART_USD" for a stock or
// "AAPL_OPT_20260116_230_C_SMART_USD" for an option. Subscriptions keep
// this identity across reconnects while their request ids churn.
func (c Contract) SymbolKey() string {
	parts := make([]string, 0, 7)
	parts = append(parts, c.Symbol, c.SecType)
	if c.Expiry != "" {
		parts = append(parts, c.Expiry)
	}
	if c.Strike != 0 {
		parts = append(parts, strconv.FormatFloat(c.Strike, 'f', -1, 64))
	}
	if c.Right != "" {
		parts = append(parts, c.Right)
	}
	parts = append(parts, c.Exchange, c.Currency)
	return strings.Join(parts, "_")
}
