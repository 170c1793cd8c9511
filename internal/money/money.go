package money

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount is a price in minor units: one millionth of the native currency
// unit. All arithmetic past the parsing boundary is integer; floats never
// touch payment values.
type Amount int64

// MinorPerNative is the number of minor units in one native currency unit.
const MinorPerNative = 1_000_000

// weiPerMinor = 1e18 / MinorPerNative. Scaling between minor units and wei
// is an exact multiplication, so every representable price round-trips.
var weiPerMinor = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

var (
	ErrNotRepresentable = errors.New("amount has more than 6 decimal places")
	ErrInexactWei       = errors.New("wei value is not a whole number of minor units")
	ErrNegative         = errors.New("amount must be positive")
)

// Parse converts a decimal string in native units ("0.0025") to minor units.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(6)
	if !scaled.IsInteger() {
		return 0, ErrNotRepresentable
	}
	if scaled.Sign() <= 0 {
		return 0, ErrNegative
	}
	v := scaled.BigInt()
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return Amount(v.Int64()), nil
}

// Wei returns the amount in the smallest on-ledger denomination.
func (a Amount) Wei() *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(a)), weiPerMinor)
}

// FromWei converts a wei value back to minor units. The division must be
// exact; a remainder means the value was not produced by this scaling and
// fails the round-trip check.
func FromWei(wei *big.Int) (Amount, error) {
	if wei == nil || wei.Sign() < 0 {
		return 0, ErrNegative
	}
	q, r := new(big.Int).QuoRem(wei, weiPerMinor, new(big.Int))
	if r.Sign() != 0 {
		return 0, ErrInexactWei
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("wei value %s out of range", wei)
	}
	return Amount(q.Int64()), nil
}

// Native returns the amount as an exact decimal in native units.
func (a Amount) Native() decimal.Decimal {
	return decimal.New(int64(a), -6)
}

func (a Amount) String() string {
	return a.Native().String()
}

// FormatWei renders a raw wei value in native units for user-facing
// messages (shortfalls, ceilings).
func FormatWei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}
