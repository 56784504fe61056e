// Package fees implements the settlement fee arithmetic.
//
// All amounts are integer minor units (cents). Percentage rates are carried
// as basis points so the arithmetic stays integral; rounding is half-up to
// the nearest minor unit. The calculator is pure: no state, no I/O, rates
// injected once from configuration so every call site shares one source of
// truth.
package fees

import (
	"errors"
)

var (
	ErrInvalidAmount  = errors.New("fees: invalid amount")
	ErrInvalidRate    = errors.New("fees: rate out of range")
	ErrNegativeResult = errors.New("fees: fee exceeds amount")
)

// Method identifies how a payout is transferred.
type Method string

const (
	MethodStandard Method = "standard" // Multi-day bank transfer, no surcharge
	MethodExpress  Method = "express"  // Near-instant transfer with surcharge
)

// Valid reports whether the method is a known payout method.
func (m Method) Valid() bool {
	return m == MethodStandard || m == MethodExpress
}

// Calculator computes platform and payout fees from configured rates.
type Calculator struct {
	platformBPS int64
	expressBPS  int64
}

// New creates a calculator with the given rates in basis points.
func New(platformBPS, expressBPS int64) (*Calculator, error) {
	if platformBPS < 0 || platformBPS > 10000 || expressBPS < 0 || expressBPS > 10000 {
		return nil, ErrInvalidRate
	}
	return &Calculator{platformBPS: platformBPS, expressBPS: expressBPS}, nil
}

// PlatformFee returns the platform's share of a gross order amount.
func (c *Calculator) PlatformFee(gross int64) (int64, error) {
	if gross < 0 {
		return 0, ErrInvalidAmount
	}
	return roundHalfUpBPS(gross, c.platformBPS), nil
}

// PlatformFeeBPS returns the configured platform rate in basis points.
func (c *Calculator) PlatformFeeBPS() int64 { return c.platformBPS }

// ExpressFeeBPS returns the configured express rate in basis points.
func (c *Calculator) ExpressFeeBPS() int64 { return c.expressBPS }

// PayoutFee returns the transfer surcharge for the given payout method.
// Standard payouts are free; express payouts carry the configured percentage.
func (c *Calculator) PayoutFee(amount int64, method Method) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	switch method {
	case MethodStandard:
		return 0, nil
	case MethodExpress:
		return roundHalfUpBPS(amount, c.expressBPS), nil
	default:
		return 0, ErrInvalidAmount
	}
}

// FinalAmount returns amount minus fee. Fee exceeding the amount cannot
// happen with rates capped at 100%, but the guard stays.
func (c *Calculator) FinalAmount(amount, fee int64) (int64, error) {
	if amount < 0 || fee < 0 {
		return 0, ErrInvalidAmount
	}
	if fee > amount {
		return 0, ErrNegativeResult
	}
	return amount - fee, nil
}

// Split divides a gross order amount into the provider's share and the
// platform fee. The two always sum to the gross amount.
func (c *Calculator) Split(gross int64) (providerAmount, platformFee int64, err error) {
	platformFee, err = c.PlatformFee(gross)
	if err != nil {
		return 0, 0, err
	}
	return gross - platformFee, platformFee, nil
}

// roundHalfUpBPS computes amount * bps / 10000 rounded half-up.
// Both inputs are non-negative by the time this is called.
func roundHalfUpBPS(amount, bps int64) int64 {
	return (amount*bps + 5000) / 10000
}
