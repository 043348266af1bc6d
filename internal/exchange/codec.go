// codec.go converts between the engine's integer-cent prices and the
// decimal dollar strings the exchange API speaks. The wire format quotes
// prices as dollars with two decimals ("0.55"); all arithmetic stays on
// integer cents internally, so decimals only ever appear at this boundary.
package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// centsToWire renders a cent price as a dollar string, e.g. 55 → "0.55".
func centsToWire(cents int) string {
	return decimal.NewFromInt(int64(cents)).Div(hundred).StringFixed(2)
}

// wireToCents parses a dollar string back into integer cents.
// Fails on values that do not land on a whole cent or are out of [0,100].
func wireToCents(s string) (int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	c := d.Mul(hundred)
	if !c.IsInteger() {
		return 0, fmt.Errorf("price %q is not a whole cent", s)
	}
	cents := int(c.IntPart())
	if cents < 0 || cents > 100 {
		return 0, fmt.Errorf("price %q out of [0.00, 1.00]", s)
	}
	return cents, nil
}
