/*

This file contains the weighted multi-input allocation engine. It deploys
available liquidity into up to eight parallel positions and liquidates it
back out, enforcing a per-input slippage floor on every leg. Input slots are
an arena with stable indices; paired AMM inputs occupy an even/odd slot
pair and are handled in pairs.go.

Invest and liquidate are all-or-nothing: a slippage violation on any input
restores the engine's internal accounting to its pre-call snapshot and
returns the drawn liquidity, so the weight invariant is never left half
applied.

*/

package engine

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/logger"
	"github.com/openyield/yvm/internal/oracle"
	"github.com/openyield/yvm/internal/protocol"
	"github.com/openyield/yvm/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrIncorrectArrayLengths = errors.New("target and swap arrays differ in length")
	ErrSlotOutOfRange        = errors.New("input slot out of range")
	ErrSlotNotConfigured     = errors.New("input slot not configured")
	ErrSlotInUse             = errors.New("input slot still has invested capital")
	ErrWeightsTooHigh        = errors.New("input weights exceed 10000 bps")
	ErrAmountTooLow          = errors.New("realized amount below slippage floor")
	ErrMissingOracle         = errors.New("no price feed for input token")
	ErrPairCapability        = errors.New("adapter lacks pair capability")
	ErrPairIncomplete        = errors.New("paired odd slot has no staged even leg")
	ErrPairOddLeg            = errors.New("paired positions are driven from the even slot")
)

// Treasury is the engine's view of the ledger's idle balance. Draw moves
// liquidity out for deployment, Credit returns liquidation proceeds.
type Treasury interface {
	Available() sdkmath.Int
	Draw(amount sdkmath.Int) error
	Credit(amount sdkmath.Int) error
}

// slot is one configured input position. pair is resolved once at
// configuration time; it is never re-probed at runtime.
type slot struct {
	input    types.Input
	adapter  protocol.Adapter
	pair     protocol.PairAdapter
	invested sdkmath.Int
	staged   sdkmath.Int // even pair slot: input-token amount awaiting the odd leg
	stagedIn sdkmath.Int // asset value drawn for the staged leg
}

// Config holds the parameters for creating an Engine.
type Config struct {
	Asset          types.Token
	Treasury       Treasury
	Swapper        protocol.Swapper
	Oracle         oracle.PriceOracle
	MaxSlippageBps int64
	SlippageMode   types.SlippageMode
	DustThreshold  sdkmath.Int
	Emitter        events.Emitter
}

// Engine decides and executes per-input invest/liquidate amounts.
type Engine struct {
	mu sync.Mutex

	asset          types.Token
	treasury       Treasury
	swapper        protocol.Swapper
	oracle         oracle.PriceOracle
	maxSlippageBps int64
	slippageMode   types.SlippageMode
	dustThreshold  sdkmath.Int
	emitter        events.Emitter
	logger         zerolog.Logger

	slots [types.MaxInputs]*slot
}

// NewEngine creates an engine with no inputs configured.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Treasury == nil {
		return nil, fmt.Errorf("treasury cannot be nil")
	}
	if cfg.MaxSlippageBps < 0 || cfg.MaxSlippageBps >= types.BpsDenominator {
		return nil, fmt.Errorf("max slippage bps out of range: %d", cfg.MaxSlippageBps)
	}
	if cfg.SlippageMode == "" {
		cfg.SlippageMode = types.SlippageCompounded
	}
	if cfg.DustThreshold.IsNil() {
		cfg.DustThreshold = sdkmath.ZeroInt()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Nop{}
	}
	return &Engine{
		asset:          cfg.Asset,
		treasury:       cfg.Treasury,
		swapper:        cfg.Swapper,
		oracle:         cfg.Oracle,
		maxSlippageBps: cfg.MaxSlippageBps,
		slippageMode:   cfg.SlippageMode,
		dustThreshold:  cfg.DustThreshold,
		emitter:        cfg.Emitter,
		logger:         logger.GetForComponent("allocation_engine"),
	}, nil
}

// SetInput configures slot idx. Weight normalization (sum <= 10000 bps) is
// enforced here, at configuration time. Pair capability for even slots of a
// paired position is detected once by type assertion and cached.
func (e *Engine) SetInput(idx int, input types.Input, adapter protocol.Adapter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx < 0 || idx >= types.MaxInputs {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, idx)
	}
	if adapter == nil {
		return fmt.Errorf("adapter cannot be nil for slot %d", idx)
	}
	if input.WeightBps < 0 {
		return fmt.Errorf("weight for slot %d is negative", idx)
	}

	weightSum := input.WeightBps
	for i, s := range e.slots {
		if s != nil && i != idx {
			weightSum += s.input.WeightBps
		}
	}
	if weightSum > types.BpsDenominator {
		return fmt.Errorf("%w: sum %d", ErrWeightsTooHigh, weightSum)
	}

	if input.Token.Denom != e.asset.Denom && e.oracle != nil {
		if !e.oracle.HasFeed(input.Token.Denom) || !e.oracle.HasFeed(e.asset.Denom) {
			return fmt.Errorf("%w: %s", ErrMissingOracle, input.Token.Denom)
		}
	}

	s := &slot{
		input:    input,
		adapter:  adapter,
		invested: sdkmath.ZeroInt(),
		staged:   sdkmath.ZeroInt(),
		stagedIn: sdkmath.ZeroInt(),
	}
	if input.Paired && idx%2 == 0 {
		pair, ok := adapter.(protocol.PairAdapter)
		if !ok {
			return fmt.Errorf("%w: slot %d", ErrPairCapability, idx)
		}
		s.pair = pair
	}
	if input.Paired && idx%2 == 1 {
		even := e.slots[idx-1]
		if even == nil || !even.input.Paired {
			return fmt.Errorf("%w: odd slot %d has no paired even slot", ErrPairIncomplete, idx)
		}
	}

	e.slots[idx] = s
	e.logger.Info().
		Int("slot", idx).
		Str("denom", input.Token.Denom).
		Int64("weightBps", input.WeightBps).
		Bool("paired", input.Paired).
		Msg("Input configured")
	return nil
}

// ClearInput retires slot idx once it holds no capital.
func (e *Engine) ClearInput(idx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= types.MaxInputs {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, idx)
	}
	s := e.slots[idx]
	if s == nil {
		return fmt.Errorf("%w: %d", ErrSlotNotConfigured, idx)
	}
	if s.invested.IsPositive() || s.staged.IsPositive() {
		return fmt.Errorf("%w: %d", ErrSlotInUse, idx)
	}
	e.slots[idx] = nil
	return nil
}

// TotalInvested re-reads every adapter's current value rather than trusting
// the engine's own book, plus any staged pair legs not yet deployed.
func (e *Engine) TotalInvested() (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := sdkmath.ZeroInt()
	for idx, s := range e.slots {
		if s == nil {
			continue
		}
		// Odd pair slots are valued through their even slot's adapter.
		if s.input.Paired && idx%2 == 1 {
			continue
		}
		value, err := s.adapter.InvestedValue()
		if err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("invested value for slot %d: %w", idx, err)
		}
		total = total.Add(value)
		if s.staged.IsPositive() {
			staged, err := e.stagedValue(s)
			if err != nil {
				return sdkmath.ZeroInt(), err
			}
			total = total.Add(staged)
		}
	}
	return total, nil
}

// stagedValue converts a staged input-token amount back to asset terms.
func (e *Engine) stagedValue(s *slot) (sdkmath.Int, error) {
	return e.assetValue(s.input.Token, s.staged)
}

// Invested returns the engine's book value for slot idx.
func (e *Engine) Invested(idx int) sdkmath.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= types.MaxInputs || e.slots[idx] == nil {
		return sdkmath.ZeroInt()
	}
	return e.slots[idx].invested
}

// TotalWeightBps returns the sum of configured input weights. The remainder
// to 10000 is the cash buffer.
func (e *Engine) TotalWeightBps() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum int64
	for _, s := range e.slots {
		if s != nil {
			sum += s.input.WeightBps
		}
	}
	return sum
}

// Excess returns, per slot, invested minus the slot's weighted share of
// totalTarget. Positive values are liquidation candidates, negative values
// investment candidates; unconfigured slots report zero.
func (e *Engine) Excess(totalTarget sdkmath.Int) [types.MaxInputs]sdkmath.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out [types.MaxInputs]sdkmath.Int
	for i := range out {
		out[i] = sdkmath.ZeroInt()
	}
	if totalTarget.IsNil() || totalTarget.IsNegative() {
		totalTarget = sdkmath.ZeroInt()
	}
	for idx, s := range e.slots {
		if s == nil {
			continue
		}
		weight := s.input.WeightBps
		if s.input.Paired {
			// Pair value books on the even slot, so the pair is measured as
			// one unit against both legs' combined weight.
			if idx%2 == 1 {
				continue
			}
			if odd := e.slots[idx+1]; odd != nil && odd.input.Paired {
				weight += odd.input.WeightBps
			}
		}
		target := types.ApplyBps(totalTarget, weight)
		out[idx] = s.invested.Add(s.stagedIn).Sub(target)
	}
	return out
}

// PairSplit splits amount across the two legs of the pair anchored at even
// slot idx, following the pool's current reserve ratio so the staged legs
// arrive in the proportion the pool will actually accept.
func (e *Engine) PairSplit(idx int, amount sdkmath.Int) (sdkmath.Int, sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx < 0 || idx >= types.MaxInputs {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), fmt.Errorf("%w: %d", ErrSlotOutOfRange, idx)
	}
	if idx%2 == 1 {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), fmt.Errorf("%w: %d", ErrPairOddLeg, idx)
	}
	s := e.slots[idx]
	if s == nil || !s.input.Paired || s.pair == nil {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), fmt.Errorf("%w: slot %d", ErrPairCapability, idx)
	}

	r0, r1, err := s.pair.Ratio()
	if err != nil {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), fmt.Errorf("pair ratio for slot %d: %w", idx, err)
	}
	total := r0.Add(r1)
	if !total.IsPositive() {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), fmt.Errorf("pair ratio for slot %d is empty", idx)
	}
	evenShare := amount.Mul(r0).Quo(total)
	return evenShare, amount.Sub(evenShare), nil
}

// InputSnapshots returns the externally visible view of all configured
// slots for the web API and cycle snapshots.
func (e *Engine) InputSnapshots() []types.InputSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []types.InputSnapshot
	for idx, s := range e.slots {
		if s == nil {
			continue
		}
		snap := types.InputSnapshot{
			Slot:      idx,
			Denom:     s.input.Token.Denom,
			Symbol:    s.input.Token.Symbol,
			WeightBps: s.input.WeightBps,
			Paired:    s.input.Paired,
			Invested:  s.invested.String(),
		}
		if s.staged.IsPositive() {
			snap.Staged = s.staged.String()
		}
		out = append(out, snap)
	}
	return out
}

// Invest deploys targets[i] (vault-asset base units) into each input slot.
// Swap calldata is caller-supplied per slot and opaque to the engine.
func (e *Engine) Invest(targets []sdkmath.Int, swapParams [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateArrays(targets, swapParams); err != nil {
		return err
	}

	snap := e.snapshot()
	drawn := sdkmath.ZeroInt()

	fail := func(err error) error {
		e.restore(snap)
		if drawn.IsPositive() {
			if cerr := e.treasury.Credit(drawn); cerr != nil {
				e.logger.Error().Err(cerr).Msg("Failed to return drawn liquidity after aborted invest")
			}
		}
		return err
	}

	for idx, target := range targets {
		if target.IsNil() || !target.IsPositive() || target.LT(e.dustThreshold) {
			continue
		}
		s := e.slots[idx]
		if s == nil {
			return fail(fmt.Errorf("%w: %d", ErrSlotNotConfigured, idx))
		}

		if err := e.treasury.Draw(target); err != nil {
			return fail(err)
		}
		drawn = drawn.Add(target)

		var err error
		if s.input.Paired {
			err = e.investPairLeg(idx, s, target, swapParams[idx])
		} else {
			err = e.investSingle(idx, s, target, swapParams[idx])
		}
		if err != nil {
			return fail(err)
		}
	}
	return nil
}

// investSingle converts target into the input token if needed, stakes the
// realized balance, and enforces the slippage floor. In per-leg mode the
// swap output is checked against its own floor and becomes the stake leg's
// expectation; in compounded mode one doubled floor covers both legs.
func (e *Engine) investSingle(idx int, s *slot, target sdkmath.Int, params []byte) error {
	inAmount := target
	expected := target
	if s.input.Token.Denom != e.asset.Denom {
		if e.oracle == nil || !e.oracle.HasFeed(s.input.Token.Denom) {
			return fmt.Errorf("%w: %s", ErrMissingOracle, s.input.Token.Denom)
		}
		res, err := e.swapper.DecodeAndSwap(e.asset.Denom, s.input.Token.Denom, target, params)
		if err != nil {
			return fmt.Errorf("swap into %s for slot %d: %w", s.input.Token.Denom, idx, err)
		}
		// Stake the realized balance, not the nominal swap output, so dust
		// from prior cycles is absorbed into the position.
		inAmount = res.Received
		if e.slippageMode == types.SlippagePerLeg {
			value, err := e.assetValue(s.input.Token, inAmount)
			if err != nil {
				return fmt.Errorf("value swap output for slot %d: %w", idx, err)
			}
			if value.LT(e.legFloor(target)) {
				return fmt.Errorf("%w: slot %d swap returned %s, expected at least %s of %s",
					ErrAmountTooLow, idx, value, e.legFloor(target), target)
			}
			expected = value
		}
	}

	iouBefore, err := s.adapter.InvestedValue()
	if err != nil {
		return fmt.Errorf("invested value before stake, slot %d: %w", idx, err)
	}
	if _, err := s.adapter.Stake(inAmount); err != nil {
		return fmt.Errorf("stake slot %d: %w", idx, err)
	}
	iouAfter, err := s.adapter.InvestedValue()
	if err != nil {
		return fmt.Errorf("invested value after stake, slot %d: %w", idx, err)
	}

	delta := iouAfter.Sub(iouBefore)
	floor := e.compoundedFloor(target)
	if e.slippageMode == types.SlippagePerLeg {
		floor = e.legFloor(expected)
	}
	if delta.LT(floor) {
		return fmt.Errorf("%w: slot %d supplied %s, expected at least %s of %s",
			ErrAmountTooLow, idx, delta, floor, target)
	}
	if delta.LT(target) {
		e.emitLoss(idx, target.Sub(delta))
	}

	s.invested = s.invested.Add(delta)
	e.emitPosition(idx, s)
	return nil
}

// Liquidate recovers targets[i] (vault-asset base units) from each slot,
// swapping proceeds back to the vault asset and crediting the treasury.
func (e *Engine) Liquidate(targets []sdkmath.Int, swapParams [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateArrays(targets, swapParams); err != nil {
		return err
	}

	snap := e.snapshot()
	credited := sdkmath.ZeroInt()

	fail := func(err error) error {
		e.restore(snap)
		if credited.IsPositive() {
			if derr := e.treasury.Draw(credited); derr != nil {
				e.logger.Error().Err(derr).Msg("Failed to claw back credited liquidity after aborted liquidate")
			}
		}
		return err
	}

	for idx, target := range targets {
		if target.IsNil() || !target.IsPositive() || target.LT(e.dustThreshold) {
			continue
		}
		s := e.slots[idx]
		if s == nil {
			return fail(fmt.Errorf("%w: %d", ErrSlotNotConfigured, idx))
		}

		var recovered sdkmath.Int
		var err error
		if s.input.Paired {
			recovered, err = e.liquidatePair(idx, s, target, swapParams)
		} else {
			recovered, err = e.liquidateSingle(idx, s, target, swapParams[idx])
		}
		if err != nil {
			return fail(err)
		}

		if err := e.treasury.Credit(recovered); err != nil {
			return fail(err)
		}
		credited = credited.Add(recovered)
	}
	return nil
}

// liquidateSingle unstakes target value, swaps the recovered input back to
// the vault asset if needed, and enforces the slippage floor on the
// post-fee recovered amount. Per-leg mode checks the unstake leg before
// the swap leg; compounded mode checks once end to end.
func (e *Engine) liquidateSingle(idx int, s *slot, target sdkmath.Int, params []byte) (sdkmath.Int, error) {
	out, err := s.adapter.Unstake(target)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("unstake slot %d: %w", idx, err)
	}

	recovered := out
	expected := target
	if s.input.Token.Denom != e.asset.Denom {
		if e.oracle == nil || !e.oracle.HasFeed(s.input.Token.Denom) {
			return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrMissingOracle, s.input.Token.Denom)
		}
		if e.slippageMode == types.SlippagePerLeg {
			value, err := e.assetValue(s.input.Token, out)
			if err != nil {
				return sdkmath.ZeroInt(), fmt.Errorf("value unstaked output for slot %d: %w", idx, err)
			}
			if value.LT(e.legFloor(target)) {
				return sdkmath.ZeroInt(), fmt.Errorf("%w: slot %d unstaked %s, expected at least %s of %s",
					ErrAmountTooLow, idx, value, e.legFloor(target), target)
			}
			expected = value
		}
		res, err := e.swapper.DecodeAndSwap(s.input.Token.Denom, e.asset.Denom, out, params)
		if err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("swap out of %s for slot %d: %w", s.input.Token.Denom, idx, err)
		}
		recovered = res.Received
	}

	floor := e.compoundedFloor(target)
	if e.slippageMode == types.SlippagePerLeg {
		floor = e.legFloor(expected)
	}
	if recovered.LT(floor) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: slot %d recovered %s, expected at least %s of %s",
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

// legFloor returns expected * (1 - maxSlippageBps/10000), the minimum
// acceptable outcome of one leg.
func (e *Engine) legFloor(expected sdkmath.Int) sdkmath.Int {
	return expected.Mul(sdkmath.NewInt(types.BpsDenominator - e.maxSlippageBps)).Quo(sdkmath.NewInt(types.BpsDenominator))
}

// compoundedFloor covers the swap and stake legs with a single doubled
// tolerance checked end to end.
func (e *Engine) compoundedFloor(expected sdkmath.Int) sdkmath.Int {
	bps := 2 * e.maxSlippageBps
	if bps >= types.BpsDenominator {
		return sdkmath.ZeroInt()
	}
	return expected.Mul(sdkmath.NewInt(types.BpsDenominator - bps)).Quo(sdkmath.NewInt(types.BpsDenominator))
}

// assetValue prices an input-token amount in vault-asset base units.
func (e *Engine) assetValue(token types.Token, amount sdkmath.Int) (sdkmath.Int, error) {
	if token.Denom == e.asset.Denom || e.oracle == nil {
		return amount, nil
	}
	return e.oracle.Convert(token.Denom, amount, e.asset.Denom)
}

func (e *Engine) validateArrays(targets []sdkmath.Int, swapParams [][]byte) error {
	if len(targets) != len(swapParams) {
		return fmt.Errorf("%w: %d targets, %d swap params", ErrIncorrectArrayLengths, len(targets), len(swapParams))
	}
	if len(targets) > types.MaxInputs {
		return fmt.Errorf("%w: %d targets exceed %d slots", ErrIncorrectArrayLengths, len(targets), types.MaxInputs)
	}
	return nil
}

// snapshot captures per-slot book state for all-or-nothing rollback.
func (e *Engine) snapshot() [types.MaxInputs][3]sdkmath.Int {
	var snap [types.MaxInputs][3]sdkmath.Int
	for i, s := range e.slots {
		if s != nil {
			snap[i] = [3]sdkmath.Int{s.invested, s.staged, s.stagedIn}
		}
	}
	return snap
}

func (e *Engine) restore(snap [types.MaxInputs][3]sdkmath.Int) {
	for i, s := range e.slots {
		if s != nil {
			s.invested = snap[i][0]
			s.staged = snap[i][1]
			s.stagedIn = snap[i][2]
		}
	}
}

func (e *Engine) emitPosition(idx int, s *slot) {
	e.emitter.Emit(events.EventStratPositionUpdate, map[string]string{
		"slot":     strconv.Itoa(idx),
		"denom":    s.input.Token.Denom,
		"invested": s.invested.String(),
	})
}

func (e *Engine) emitLoss(idx int, amount sdkmath.Int) {
	e.emitter.Emit(events.EventLosses, map[string]string{
		"slot":   strconv.Itoa(idx),
		"amount": amount.String(),
	})
	e.logger.Warn().
		Int("slot", idx).
		Str("amount", amount.String()).
		Msg("Realized shortfall within tolerance")
}
