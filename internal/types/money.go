// README: Common money value object used across modules.
package types

import "fmt"

// DefaultCurrency is applied to rates submitted without an explicit currency.
const DefaultCurrency = "INR"

type Money struct {
	Amount   int64
	Currency string
}

func (m Money) String() string {
	cur := m.Currency
	if cur == "" {
		cur = DefaultCurrency
	}
	return fmt.Sprintf("%d %s", m.Amount, cur)
}
