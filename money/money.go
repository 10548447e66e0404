// Package money implements validated, saturating addition over the
// currency amounts carried on metric values.
package money

import (
	"math"

	"github.com/cockroachdb/apd/v3"

	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
)

const maxNanos = 999_999_999

var (
	billion     = apd.NewBigInt(1_000_000_000)
	maxInt64Big = apd.NewBigInt(math.MaxInt64)
)

// Validate checks the three-letter currency code, the |nanos| ≤ 1e9-1
// bound, and that units and nanos agree in sign.
func Validate(m sctypes.Money) error {
	if len(m.CurrencyCode) != 3 {
		return scerr.New(scerr.InvalidArgument, "currency code must be exactly 3 letters")
	}
	for _, c := range m.CurrencyCode {
		if c < 'A' || c > 'Z' {
			if c < 'a' || c > 'z' {
				return scerr.New(scerr.InvalidArgument, "currency code must be alphabetic")
			}
		}
	}
	if m.Nanos < -maxNanos || m.Nanos > maxNanos {
		return scerr.New(scerr.InvalidArgument, "nanos out of range")
	}
	if sign64(m.Units)*sign32(m.Nanos) < 0 {
		return scerr.New(scerr.InvalidArgument, "units and nanos must agree in sign")
	}
	return nil
}

func sign64(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func sign32(v int32) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// toDecimal renders a Money as an apd.Decimal of value
// units + nanos*1e-9, using an arbitrary-precision coefficient so the
// units*1e9 scaling can never overflow int64 the way naive arithmetic
// would.
func toDecimal(m sctypes.Money) *apd.Decimal {
	units, nanos := m.Units, int64(m.Nanos)
	neg := units < 0 || nanos < 0
	if units < 0 {
		units = -units
	}
	if nanos < 0 {
		nanos = -nanos
	}
	total := apd.NewBigInt(units)
	total.Mul(total, billion)
	total.Add(total, apd.NewBigInt(nanos))

	d := new(apd.Decimal)
	d.Coeff.Set(total)
	d.Negative = neg
	d.Exponent = -9
	return d
}

// saturated returns the largest representable Money with the given
// sign: (±INT64_MAX, ±(1e9-1)).
func saturated(currency string, negative bool) sctypes.Money {
	if negative {
		return sctypes.Money{CurrencyCode: currency, Units: math.MinInt64 + 1, Nanos: -maxNanos}
	}
	return sctypes.Money{CurrencyCode: currency, Units: math.MaxInt64, Nanos: maxNanos}
}

// Add returns a+b, saturating and returning scerr.OutOfRange if the
// true sum's unit component does not fit in an int64. Returns
// scerr.InvalidArgument if either input fails Validate or the
// currencies differ.
func Add(a, b sctypes.Money) (sctypes.Money, error) {
	if err := Validate(a); err != nil {
		return sctypes.Money{}, err
	}
	if err := Validate(b); err != nil {
		return sctypes.Money{}, err
	}
	if a.CurrencyCode != b.CurrencyCode {
		return sctypes.Money{}, scerr.New(scerr.InvalidArgument, "currency codes must match to add money")
	}

	ctx := apd.BaseContext.WithPrecision(60)
	sum := new(apd.Decimal)
	if _, err := ctx.Add(sum, toDecimal(a), toDecimal(b)); err != nil {
		return sctypes.Money{}, scerr.Wrap(scerr.Internal, "decimal addition failed", err)
	}

	unitsBig, nanosBig := new(apd.BigInt), new(apd.BigInt)
	unitsBig.QuoRem(&sum.Coeff, billion, nanosBig)

	if unitsBig.CmpAbs(maxInt64Big) > 0 {
		return saturated(a.CurrencyCode, sum.Negative), scerr.New(scerr.OutOfRange, "money addition overflowed int64 units")
	}

	units := unitsBig.Int64()
	nanos := int32(nanosBig.Int64())
	if sum.Negative {
		units = -units
		nanos = -nanos
	}
	return sctypes.Money{CurrencyCode: a.CurrencyCode, Units: units, Nanos: nanos}, nil
}
