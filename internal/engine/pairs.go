/*

This file contains the paired-slot legs of invest and liquidate. A paired
AMM position occupies an even/odd slot pair: the even slot's adapter must
carry the pair capability, the odd slot only describes the second token.
Investing stages the even leg and deploys both legs together when the odd
leg arrives; liquidation is always driven from the even slot and unwinds
both legs at once.

*/

package engine

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/openyield/yvm/internal/types"
)

// investPairLeg handles targets hitting either member of a pair. Even legs
// only stage; the odd leg completes the deployment so both tokens reach the
// pool in the same operation.
func (e *Engine) investPairLeg(idx int, s *slot, target sdkmath.Int, params []byte) error {
	if idx%2 == 0 {
		amount := target
		if s.input.Token.Denom != e.asset.Denom {
			if e.oracle == nil || !e.oracle.HasFeed(s.input.Token.Denom) {
				return fmt.Errorf("%w: %s", ErrMissingOracle, s.input.Token.Denom)
			}
			res, err := e.swapper.DecodeAndSwap(e.asset.Denom, s.input.Token.Denom, target, params)
			if err != nil {
				return fmt.Errorf("swap into %s for pair slot %d: %w", s.input.Token.Denom, idx, err)
			}
			amount = res.Received
			if e.slippageMode == types.SlippagePerLeg {
				value, err := e.assetValue(s.input.Token, amount)
				if err != nil {
					return fmt.Errorf("value swap output for pair slot %d: %w", idx, err)
				}
				if value.LT(e.legFloor(target)) {
					return fmt.Errorf("%w: pair slot %d swap returned %s, expected at least %s of %s",
						ErrAmountTooLow, idx, value, e.legFloor(target), target)
				}
			}
		}
		s.staged = s.staged.Add(amount)
		s.stagedIn = s.stagedIn.Add(target)
		return nil
	}

	even := e.slots[idx-1]
	if even == nil || even.pair == nil || !even.staged.IsPositive() {
		return fmt.Errorf("%w: slot %d", ErrPairIncomplete, idx)
	}

	amount1 := target
	if s.input.Token.Denom != e.asset.Denom {
		if e.oracle == nil || !e.oracle.HasFeed(s.input.Token.Denom) {
			return fmt.Errorf("%w: %s", ErrMissingOracle, s.input.Token.Denom)
		}
		res, err := e.swapper.DecodeAndSwap(e.asset.Denom, s.input.Token.Denom, target, params)
		if err != nil {
			return fmt.Errorf("swap into %s for pair slot %d: %w", s.input.Token.Denom, idx, err)
		}
		amount1 = res.Received
		if e.slippageMode == types.SlippagePerLeg {
			value, err := e.assetValue(s.input.Token, amount1)
			if err != nil {
				return fmt.Errorf("value swap output for pair slot %d: %w", idx, err)
			}
			if value.LT(e.legFloor(target)) {
				return fmt.Errorf("%w: pair slot %d swap returned %s, expected at least %s of %s",
					ErrAmountTooLow, idx, value, e.legFloor(target), target)
			}
		}
	}

	expected := even.stagedIn.Add(target)

	// In per-leg mode the stake leg is measured against what the swap legs
	// actually delivered, not the nominal targets.
	floor := e.compoundedFloor(expected)
	if e.slippageMode == types.SlippagePerLeg {
		stagedVal, err := e.stagedValue(even)
		if err != nil {
			return fmt.Errorf("value staged leg for pair slot %d: %w", idx-1, err)
		}
		value1, err := e.assetValue(s.input.Token, amount1)
		if err != nil {
			return fmt.Errorf("value swap output for pair slot %d: %w", idx, err)
		}
		floor = e.legFloor(stagedVal.Add(value1))
	}

	before, err := even.pair.InvestedValue()
	if err != nil {
		return fmt.Errorf("invested value before pair stake, slot %d: %w", idx-1, err)
	}
	accepted, err := even.pair.StakePair(even.staged, amount1)
	if err != nil {
		return fmt.Errorf("stake pair slots %d/%d: %w", idx-1, idx, err)
	}
	after, err := even.pair.InvestedValue()
	if err != nil {
		return fmt.Errorf("invested value after pair stake, slot %d: %w", idx-1, err)
	}

	delta := after.Sub(before)
	if delta.LT(floor) {
		return fmt.Errorf("%w: pair slots %d/%d deployed %s, expected at least %s of %s",
			ErrAmountTooLow, idx-1, idx, delta, floor, expected)
	}
	if delta.LT(expected) {
		e.emitLoss(idx-1, expected.Sub(delta))
	}
	e.logger.Debug().
		Int("slot", idx-1).
		Str("accepted", accepted.String()).
		Str("delta", delta.String()).
		Msg("Pair deployed")

	even.invested = even.invested.Add(delta)
	even.staged = sdkmath.ZeroInt()
	even.stagedIn = sdkmath.ZeroInt()
	e.emitPosition(idx-1, even)
	return nil
}

// liquidatePair unwinds target (vault-asset base units) of a paired
// position. Only the even slot drives it; the odd slot's swap calldata is
// read from the neighbouring array entry.
func (e *Engine) liquidatePair(idx int, s *slot, target sdkmath.Int, swapParams [][]byte) (sdkmath.Int, error) {
	if idx%2 == 1 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: slot %d", ErrPairOddLeg, idx)
	}
	if s.pair == nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: slot %d", ErrPairCapability, idx)
	}

	out0, out1, err := s.pair.UnstakePair(target)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("unstake pair slot %d: %w", idx, err)
	}

	expected := target
	if e.slippageMode == types.SlippagePerLeg {
		odd := e.slots[idx+1]
		if odd == nil {
			return sdkmath.ZeroInt(), fmt.Errorf("%w: odd slot %d", ErrPairIncomplete, idx+1)
		}
		value0, err := e.assetValue(s.input.Token, out0)
		if err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("value unstaked leg for pair slot %d: %w", idx, err)
		}
		value1, err := e.assetValue(odd.input.Token, out1)
		if err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("value unstaked leg for pair slot %d: %w", idx+1, err)
		}
		released := value0.Add(value1)
		if released.LT(e.legFloor(target)) {
			return sdkmath.ZeroInt(), fmt.Errorf("%w: pair slot %d released %s, expected at least %s of %s",
				ErrAmountTooLow, idx, released, e.legFloor(target), target)
		}
		expected = released
	}

	recovered := sdkmath.ZeroInt()

	if s.input.Token.Denom != e.asset.Denom {
		res, err := e.swapper.DecodeAndSwap(s.input.Token.Denom, e.asset.Denom, out0, swapParams[idx])
		if err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("swap out of %s for pair slot %d: %w", s.input.Token.Denom, idx, err)
		}
		recovered = recovered.Add(res.Received)
	} else {
		recovered = recovered.Add(out0)
	}

	odd := e.slots[idx+1]
	if odd == nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: odd slot %d", ErrPairIncomplete, idx+1)
	}
	if odd.input.Token.Denom != e.asset.Denom {
		var params []byte
		if idx+1 < len(swapParams) {
			params = swapParams[idx+1]
		}
		res, err := e.swapper.DecodeAndSwap(odd.input.Token.Denom, e.asset.Denom, out1, params)
		if err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("swap out of %s for pair slot %d: %w", odd.input.Token.Denom, idx+1, err)
		}
		recovered = recovered.Add(res.Received)
	} else {
		recovered = recovered.Add(out1)
	}

	floor := e.compoundedFloor(target)
	if e.slippageMode == types.SlippagePerLeg {
		floor = e.legFloor(expected)
	}
	if recovered.LT(floor) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: pair slot %d recovered %s, expected at least %s of %s",
			ErrAmountTooLow, idx, recovered, floor, target)
	}
	if recovered.LT(target) {
		e.emitLoss(idx, target.Sub(recovered))
	}

	s.invested = s.invested.Sub(target)
	if s.invested.IsNegative() {
		s.invested = sdkmath.ZeroInt()
	}
	e.emitPosition(idx, s)
	return recovered, nil
}
