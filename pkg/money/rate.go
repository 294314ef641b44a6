package money

import (
	"fmt"
	"math"
	"math/bits"
)

// Rate is an ad valorem duty rate in basis points (1 bp = 0.01%).
// 5000 bp = 50%, 1240 bp = 12.4%. Integer basis points keep staged and
// formula-derived rates exact; a float rate of 0.124 has no exact binary
// representation, 1240 bp does.
type Rate int64

// BasisPointsPerWhole is the number of basis points in 100%.
const BasisPointsPerWhole = 10000

// Apply computes base × rate with half-up rounding to the minor unit. The
// intermediate product runs in 128 bits, so large declared values at high
// rates do not wrap; a duty beyond the int64 range saturates at MaxInt64.
func (r Rate) Apply(base Money) Money {
	neg := false
	a, b := base.AmountMinor, int64(r)
	if a < 0 {
		neg = !neg
		a = -a
	}
	if b < 0 {
		neg = !neg
		b = -b
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	var carry uint64
	lo, carry = bits.Add64(lo, BasisPointsPerWhole/2, 0)
	hi += carry

	amount := int64(math.MaxInt64)
	if hi < BasisPointsPerWhole {
		if q, _ := bits.Div64(hi, lo, BasisPointsPerWhole); q <= math.MaxInt64 {
			amount = int64(q)
		}
	}
	if neg {
		amount = -amount
	}
	return Money{AmountMinor: amount, Currency: base.Currency}
}

// IsZero returns true for a zero rate.
func (r Rate) IsZero() bool { return r == 0 }

// String renders the rate as a percentage, e.g. "12.40%".
func (r Rate) String() string {
	v := int64(r)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d%%", sign, v/100, v%100)
}
