// Package fixed implements 18-decimal fixed-point arithmetic and the exp/ln
// approximations the market maker prices with.
//
// Intermediate values carry WorkPrecision (36) decimal places and results
// are truncated to Precision (18). On the clamped range |x| <= 20, Exp and
// Ln are accurate to within 1e-17 relative for results >= 1 and within one
// unit of the 18th decimal place otherwise; the dominant error is the final
// truncation.
package fixed

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

const (
	Precision     int32 = 18
	WorkPrecision int32 = 36

	// reductionSteps is how many times Exp halves its argument before the
	// Taylor series and squares afterwards.
	reductionSteps = 6
	maxSeriesTerms = 256
)

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
	Two  = decimal.NewFromInt(2)

	// ExpLimit bounds Exp's input; arguments beyond it saturate.
	ExpLimit = decimal.NewFromInt(20)

	// Unit is the smallest representable amount, 1e-18.
	Unit = decimal.New(1, -Precision)

	ln2       = decimal.RequireFromString("0.69314718055994530941723212145817656807550013436025525412")
	reduction = decimal.NewFromInt(1 << reductionSteps)
)

// Trunc truncates d to Precision decimal places.
func Trunc(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// Div divides at working precision. b must be non-zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, WorkPrecision)
}

// MulDiv returns a*b/c truncated to Precision. c must be non-zero.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	return Trunc(a.Mul(b).DivRound(c, WorkPrecision))
}

// Exp returns e^x truncated to Precision. x is clamped to [-20, 20] first,
// so arguments outside the range return exp(±20).
func Exp(x decimal.Decimal) decimal.Decimal {
	return Trunc(exp(clampExp(x)))
}

func clampExp(x decimal.Decimal) decimal.Decimal {
	if x.GreaterThan(ExpLimit) {
		return ExpLimit
	}
	if x.LessThan(ExpLimit.Neg()) {
		return ExpLimit.Neg()
	}
	return x
}

// exp evaluates e^x at working precision for |x| <= 20: the argument is
// divided by 2^6, expanded as a Taylor series, and squared back up.
func exp(x decimal.Decimal) decimal.Decimal {
	r := x.DivRound(reduction, WorkPrecision)

	sum := One
	term := One
	for n := int64(1); n < maxSeriesTerms; n++ {
		term = term.Mul(r).DivRound(decimal.NewFromInt(n), WorkPrecision)
		if term.IsZero() {
			break
		}
		sum = sum.Add(term)
	}
	for i := 0; i < reductionSteps; i++ {
		sum = sum.Mul(sum).Round(WorkPrecision)
	}
	return sum
}

// Ln returns the natural logarithm of x truncated to Precision. x must be
// strictly positive.
func Ln(x decimal.Decimal) (decimal.Decimal, error) {
	l, err := ln(x)
	if err != nil {
		return decimal.Zero, err
	}
	return Trunc(l), nil
}

// ln normalises x into [1,2) while counting powers of two, then sums the
// atanh series 2*(z + z^3/3 + z^5/5 + ...) with z = (y-1)/(y+1).
func ln(x decimal.Decimal) (decimal.Decimal, error) {
	if x.Sign() <= 0 {
		return decimal.Zero, domain.ArithmeticErr("fixed.ln", "logarithm of non-positive value %s", x)
	}

	y := x
	k := int64(0)
	for y.GreaterThanOrEqual(Two) {
		y = y.DivRound(Two, WorkPrecision)
		k++
	}
	for y.LessThan(One) {
		y = y.Mul(Two)
		k--
	}

	z := y.Sub(One).DivRound(y.Add(One), WorkPrecision)
	z2 := z.Mul(z).Round(WorkPrecision)

	sum := decimal.Zero
	power := z
	for n := int64(1); n < 2*maxSeriesTerms; n += 2 {
		term := power.DivRound(decimal.NewFromInt(n), WorkPrecision)
		if term.IsZero() {
			break
		}
		sum = sum.Add(term)
		power = power.Mul(z2).Round(WorkPrecision)
	}

	return sum.Mul(Two).Add(ln2.Mul(decimal.NewFromInt(k))).Round(WorkPrecision), nil
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
