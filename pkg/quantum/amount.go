package quantum

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrAmountOverflow = errors.New("amount out of range")

// AddAmounts returns a+b, or ErrAmountOverflow when the sum leaves int64.
func AddAmounts(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("%w: %d%+d", ErrAmountOverflow, a, b)
	}
	return s, nil
}

// ToAmount converts an integral decimal to an amount.
func ToAmount(d decimal.Decimal) (int64, error) {
	b := d.BigInt()
	if !b.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, d)
	}
	return b.Int64(), nil
}
