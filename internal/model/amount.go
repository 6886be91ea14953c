package model

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// ErrOverflow is returned when an amount computation does not fit in 256 bits.
var ErrOverflow = errors.New("amount overflow")

// Amount is a non-negative token quantity in base units.
// The zero value is a valid zero amount.
type Amount struct {
	v uint256.Int
}

// NewAmount returns an Amount holding n.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ParseAmount parses a base-10 amount. Hex input with a 0x prefix is also accepted.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		if err := a.v.SetFromHex(s); err != nil {
			return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
		}
		return a, nil
	}
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return a, nil
}

func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp returns -1, 0 or +1 depending on whether a is less than, equal to or greater than b.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

// Add returns a+b and whether the sum overflowed.
func (a Amount) Add(b Amount) (Amount, bool) {
	var out Amount
	_, overflow := out.v.AddOverflow(&a.v, &b.v)
	return out, overflow
}

// Sub returns a-b and whether the subtraction underflowed.
func (a Amount) Sub(b Amount) (Amount, bool) {
	var out Amount
	_, underflow := out.v.SubOverflow(&a.v, &b.v)
	return out, underflow
}

// MulDiv returns floor(a*b/d) using a 512-bit intermediate product.
func (a Amount) MulDiv(b, d Amount) (Amount, error) {
	if d.IsZero() {
		return Amount{}, errors.New("division by zero")
	}
	var out Amount
	if _, overflow := out.v.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// MulDivUp returns ceil(a*b/d).
func (a Amount) MulDivUp(b, d Amount) (Amount, error) {
	out, err := a.MulDiv(b, d)
	if err != nil {
		return Amount{}, err
	}
	var rem uint256.Int
	rem.MulMod(&a.v, &b.v, &d.v)
	if rem.IsZero() {
		return out, nil
	}
	one := NewAmount(1)
	up, overflow := out.Add(one)
	if overflow {
		return Amount{}, ErrOverflow
	}
	return up, nil
}

func (a Amount) String() string { return a.v.Dec() }

func (a Amount) MarshalText() ([]byte, error) { return []byte(a.v.Dec()), nil }

func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Float64 approximates a for reporting. Precision is lost above 2^53.
func (a Amount) Float64() float64 {
	f, _ := new(big.Float).SetInt(a.v.ToBig()).Float64()
	return f
}
