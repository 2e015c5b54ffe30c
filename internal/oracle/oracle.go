/*

This file contains the price oracle contract the core depends on, plus a
fixed-rate implementation used in tests and simulation mode. Feed source
selection is out of scope; the core only requires conversion between the
vault asset, input tokens and the quote token.

*/

package oracle

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrMissingOracle = errors.New("no price feed for token")
	ErrInvalidAmount = errors.New("amount is invalid")
)

// PriceOracle converts amounts between tokens. Absence of a feed for either
// leg is a hard failure, never silently defaulted.
type PriceOracle interface {
	HasFeed(denom string) bool
	Convert(fromDenom string, amount sdkmath.Int, toDenom string) (sdkmath.Int, error)
}

// Static is a fixed-rate oracle. Rates are quoted against a common base:
// rate[denom] is the base value of one whole unit, as a LegacyDec.
type Static struct {
	rates map[string]sdkmath.LegacyDec
}

// NewStatic builds a fixed-rate oracle from a denom -> base-rate map.
func NewStatic(rates map[string]sdkmath.LegacyDec) *Static {
	cp := make(map[string]sdkmath.LegacyDec, len(rates))
	for denom, rate := range rates {
		cp[denom] = rate
	}
	return &Static{rates: cp}
}

func (s *Static) HasFeed(denom string) bool {
	_, ok := s.rates[denom]
	return ok
}

func (s *Static) Convert(fromDenom string, amount sdkmath.Int, toDenom string) (sdkmath.Int, error) {
	if amount.IsNil() || amount.IsNegative() {
		return sdkmath.ZeroInt(), ErrInvalidAmount
	}
	if fromDenom == toDenom {
		return amount, nil
	}
	fromRate, ok := s.rates[fromDenom]
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrMissingOracle, fromDenom)
	}
	toRate, ok := s.rates[toDenom]
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrMissingOracle, toDenom)
	}
	if toRate.IsZero() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: zero rate for %s", ErrMissingOracle, toDenom)
	}
	out := fromRate.MulInt(amount).Quo(toRate).TruncateInt()
	return out, nil
}
