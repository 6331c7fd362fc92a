package sexp

import (
	"math"
	"math/big"
)

// The numeric tower. Fixnum operations that cannot overflow are
// performed inline by the VM; everything else funnels through the
// functions here, which coerce across fixnum/flonum/bignum and return
// an *Exception for non-numbers. Bignum results are normalized back to
// fixnums when they fit.

func bigOf(v Value) (*big.Int, bool) {
	switch x := v.(type) {
	case Fixnum:
		return big.NewInt(int64(x)), true
	case *Bignum:
		return &x.Val, true
	}
	return nil, false
}

func floatOf(v Value) (float64, bool) {
	switch x := v.(type) {
	case Fixnum:
		return float64(x), true
	case *Flonum:
		return x.Val, true
	case *Bignum:
		return BignumToDouble(x), true
	}
	return 0, false
}

func numberp(v Value) bool {
	switch v.(type) {
	case Fixnum, *Flonum, *Bignum:
		return true
	}
	return false
}

// NormalizeBignum shrinks a bignum back to a fixnum when it fits.
func NormalizeBignum(b *big.Int) Value {
	if b.IsInt64() {
		return Fixnum(b.Int64())
	}
	var r Bignum
	r.Val.Set(b)
	return &r
}

// DoubleToBignum converts an integral double to an exact integer.
func DoubleToBignum(f float64) Value {
	b, _ := big.NewFloat(f).Int(nil)
	return NormalizeBignum(b)
}

// BignumToDouble converts with the usual loss of precision.
func BignumToDouble(b *Bignum) float64 {
	f, _ := new(big.Float).SetInt(&b.Val).Float64()
	return f
}

// FixnumToFlonum widens a fixnum to a flonum.
func FixnumToFlonum(f Fixnum) *Flonum { return MakeFlonum(float64(f)) }

func binop(name string, a, b Value,
	flo func(x, y float64) Value,
	big func(x, y *big.Int) Value) Value {
	if fa, ok := a.(*Flonum); ok {
		if fb, okb := floatOf(b); okb {
			return flo(fa.Val, fb)
		}
	} else if fb, ok := b.(*Flonum); ok {
		if fa, oka := floatOf(a); oka {
			return flo(fa, fb.Val)
		}
	} else if ba, ok := bigOf(a); ok {
		if bb, okb := bigOf(b); okb {
			return big(ba, bb)
		}
	}
	bad := a
	if numberp(a) {
		bad = b
	}
	return TypeException(name, "number", bad)
}

// Add computes a+b with tower coercion.
func Add(a, b Value) Value {
	return binop("+", a, b,
		func(x, y float64) Value { return MakeFlonum(x + y) },
		func(x, y *big.Int) Value { return NormalizeBignum(new(big.Int).Add(x, y)) })
}

// Sub computes a-b with tower coercion.
func Sub(a, b Value) Value {
	return binop("-", a, b,
		func(x, y float64) Value { return MakeFlonum(x - y) },
		func(x, y *big.Int) Value { return NormalizeBignum(new(big.Int).Sub(x, y)) })
}

// Mul computes a*b with tower coercion.
func Mul(a, b Value) Value {
	return binop("*", a, b,
		func(x, y float64) Value { return MakeFlonum(x * y) },
		func(x, y *big.Int) Value { return NormalizeBignum(new(big.Int).Mul(x, y)) })
}

// Div computes a/b. Division by a zero divisor raises, except that
// flonum zero over flonum zero yields 0.0; exact quotients that
// divide evenly stay exact, everything else goes inexact.
func Div(a, b Value) Value {
	if isZero(b) {
		fa, okA := a.(*Flonum)
		if _, okB := b.(*Flonum); okA && okB && fa.Val == 0 {
			return MakeFlonum(0)
		}
		return DivideByZero()
	}
	return binop("/", a, b,
		func(x, y float64) Value { return MakeFlonum(x / y) },
		func(x, y *big.Int) Value {
			q, r := new(big.Int).QuoRem(x, y, new(big.Int))
			if r.Sign() == 0 {
				return NormalizeBignum(q)
			}
			fx, _ := new(big.Float).SetInt(x).Float64()
			fy, _ := new(big.Float).SetInt(y).Float64()
			return MakeFlonum(fx / fy)
		})
}

// Quotient computes the truncated integer quotient of two exact
// integers.
func Quotient(a, b Value) Value {
	ba, oka := bigOf(a)
	bb, okb := bigOf(b)
	if !oka {
		return TypeException("quotient", "integer", a)
	}
	if !okb {
		return TypeException("quotient", "integer", b)
	}
	if bb.Sign() == 0 {
		return DivideByZero()
	}
	return NormalizeBignum(new(big.Int).Quo(ba, bb))
}

// Remainder computes the truncated remainder of two exact integers.
func Remainder(a, b Value) Value {
	ba, oka := bigOf(a)
	bb, okb := bigOf(b)
	if !oka {
		return TypeException("remainder", "integer", a)
	}
	if !okb {
		return TypeException("remainder", "integer", b)
	}
	if bb.Sign() == 0 {
		return DivideByZero()
	}
	return NormalizeBignum(new(big.Int).Rem(ba, bb))
}

func isZero(v Value) bool {
	switch x := v.(type) {
	case Fixnum:
		return x == 0
	case *Flonum:
		return x.Val == 0
	case *Bignum:
		return x.Val.Sign() == 0
	}
	return false
}

// Compare orders two numbers: -1, 0 or 1, or an exception for
// non-numbers.
func Compare(name string, a, b Value) Value {
	if fa, oka := a.(*Flonum); oka {
		if fb, okb := floatOf(b); okb {
			return Fixnum(cmpFloat(fa.Val, fb))
		}
	} else if fb, okb := b.(*Flonum); okb {
		if fa, oka := floatOf(a); oka {
			return Fixnum(cmpFloat(fa, fb.Val))
		}
	} else if ba, oka := bigOf(a); oka {
		if bb, okb := bigOf(b); okb {
			return Fixnum(ba.Cmp(bb))
		}
	}
	bad := a
	if numberp(a) {
		bad = b
	}
	return TypeException(name, "number", bad)
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// FlonumIntegral reports whether a flonum holds an integral value.
func FlonumIntegral(f *Flonum) bool {
	return f.Val == math.Trunc(f.Val) && !math.IsInf(f.Val, 0) && !math.IsNaN(f.Val)
}
