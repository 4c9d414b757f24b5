package trustline

import (
	"math"
	"math/big"
)

// PPM is the denominator of FeePolicy.RatePPM.
const PPM = 1_000_000

// FeePolicy is the fee an intermediary charges for forwarding along an edge:
// a flat part plus a proportional part in parts per million of the forwarded
// amount, rounded up.
type FeePolicy struct {
	Flat    int64
	RatePPM uint32
}

// IsZero reports whether the policy never charges anything.
func (f FeePolicy) IsZero() bool {
	return f.Flat == 0 && f.RatePPM == 0
}

// Validate rejects negative flat fees.
func (f FeePolicy) Validate() error {
	if f.Flat < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Fee returns the fee for forwarding amount. Nothing is charged on a
// non-positive amount.
func (f FeePolicy) Fee(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	prop, err := proportional(amount, f.RatePPM)
	if err != nil {
		return 0, err
	}
	return Add(f.Flat, prop)
}

func proportional(amount int64, ppm uint32) (int64, error) {
	if ppm == 0 {
		return 0, nil
	}
	if amount <= math.MaxInt64/int64(ppm) {
		p := amount * int64(ppm)
		q := p / PPM
		if p%PPM != 0 {
			q++
		}
		return q, nil
	}
	p := new(big.Int).Mul(big.NewInt(amount), big.NewInt(int64(ppm)))
	q, r := new(big.Int).QuoRem(p, big.NewInt(PPM), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, ErrAmountOverflow
	}
	return q.Int64(), nil
}
