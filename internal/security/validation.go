package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Equity and crypto tickers: BRK.B, BRK_B, BTC/USD.
	symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._/-]{0,19}$`)

	// Alpaca accepts client order ids of up to 128 characters.
	clientOrderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:|-]{1,128}$`)
)

// ValidationError reports a rejected identifier.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// NormalizeSymbol upper-cases symbol and checks its format.
func NormalizeSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", &ValidationError{Field: "symbol", Value: symbol, Message: "symbol cannot be empty"}
	}
	if !symbolPattern.MatchString(symbol) {
		return "", &ValidationError{Field: "symbol", Value: symbol, Message: "invalid symbol format"}
	}
	return symbol, nil
}

// ValidateClientOrderID checks an order id taken from a request or the command line.
func ValidateClientOrderID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "client_order_id", Value: id, Message: "order id cannot be empty"}
	}
	if !clientOrderIDPattern.MatchString(id) {
		return &ValidationError{Field: "client_order_id", Value: id, Message: "invalid order id format"}
	}
	return nil
}
