package engine

import (
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/oracle"
	"github.com/openyield/yvm/internal/protocol"
	"github.com/openyield/yvm/internal/types"
)

var (
	usdc = types.Token{Denom: "uusdc", Symbol: "USDC", Decimals: 6}
	atom = types.Token{Denom: "uatom", Symbol: "ATOM", Decimals: 6}
	osmo = types.Token{Denom: "uosmo", Symbol: "OSMO", Decimals: 6}
)

type fakeTreasury struct {
	balance sdkmath.Int
}

func (t *fakeTreasury) Available() sdkmath.Int { return t.balance }

func (t *fakeTreasury) Draw(amount sdkmath.Int) error {
	if amount.GT(t.balance) {
		return errors.New("insufficient available liquidity")
	}
	t.balance = t.balance.Sub(amount)
	return nil
}

func (t *fakeTreasury) Credit(amount sdkmath.Int) error {
	t.balance = t.balance.Add(amount)
	return nil
}

// fakeAdapter applies a configurable haircut on stake and unstake so tests
// can exercise the slippage floor exactly.
type fakeAdapter struct {
	value   sdkmath.Int
	slipBps int64
}

func newFakeAdapter(slipBps int64) *fakeAdapter {
	return &fakeAdapter{value: sdkmath.ZeroInt(), slipBps: slipBps}
}

func (a *fakeAdapter) haircut(amount sdkmath.Int) sdkmath.Int {
	return amount.Mul(sdkmath.NewInt(types.BpsDenominator - a.slipBps)).Quo(sdkmath.NewInt(types.BpsDenominator))
}

func (a *fakeAdapter) Stake(amount sdkmath.Int) (sdkmath.Int, error) {
	accepted := a.haircut(amount)
	a.value = a.value.Add(accepted)
	return accepted, nil
}

func (a *fakeAdapter) Unstake(amount sdkmath.Int) (sdkmath.Int, error) {
	a.value = a.value.Sub(amount)
	if a.value.IsNegative() {
		a.value = sdkmath.ZeroInt()
	}
	return a.haircut(amount), nil
}

func (a *fakeAdapter) InvestedValue() (sdkmath.Int, error) {
	return a.value, nil
}

type fakePairAdapter struct {
	fakeAdapter
	r0, r1 sdkmath.Int
}

func (a *fakePairAdapter) Ratio() (sdkmath.Int, sdkmath.Int, error) {
	if a.r0.IsNil() || a.r1.IsNil() {
		return sdkmath.OneInt(), sdkmath.OneInt(), nil
	}
	return a.r0, a.r1, nil
}

func (a *fakePairAdapter) StakePair(amount0, amount1 sdkmath.Int) (sdkmath.Int, error) {
	accepted := a.haircut(amount0.Add(amount1))
	a.value = a.value.Add(accepted)
	return accepted, nil
}

func (a *fakePairAdapter) UnstakePair(amount sdkmath.Int) (sdkmath.Int, sdkmath.Int, error) {
	a.value = a.value.Sub(amount)
	if a.value.IsNegative() {
		a.value = sdkmath.ZeroInt()
	}
	half := amount.Quo(sdkmath.NewInt(2))
	return half, amount.Sub(half), nil
}

// fakeSwapper swaps 1:1 with a configurable haircut.
type fakeSwapper struct {
	slipBps int64
}

func (s *fakeSwapper) DecodeAndSwap(inDenom, outDenom string, amount sdkmath.Int, params []byte) (protocol.SwapResult, error) {
	received := amount.Mul(sdkmath.NewInt(types.BpsDenominator - s.slipBps)).Quo(sdkmath.NewInt(types.BpsDenominator))
	return protocol.SwapResult{Spent: amount, Received: received}, nil
}

func testOracle() oracle.PriceOracle {
	return oracle.NewStatic(map[string]sdkmath.LegacyDec{
		usdc.Denom: sdkmath.LegacyOneDec(),
		atom.Denom: sdkmath.LegacyOneDec(),
		osmo.Denom: sdkmath.LegacyOneDec(),
	})
}

func newTestEngine(t *testing.T, treasury *fakeTreasury, maxSlippageBps int64) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		Asset:          usdc,
		Treasury:       treasury,
		Swapper:        &fakeSwapper{},
		Oracle:         testOracle(),
		MaxSlippageBps: maxSlippageBps,
		SlippageMode:   types.SlippageCompounded,
		DustThreshold:  sdkmath.NewInt(10),
		Emitter:        events.NewMemory(100),
	})
	require.NoError(t, err)
	return e
}

func ints(vals ...int64) []sdkmath.Int {
	out := make([]sdkmath.Int, len(vals))
	for i, v := range vals {
		out[i] = sdkmath.NewInt(v)
	}
	return out
}

func noSwaps(n int) [][]byte { return make([][]byte, n) }

func TestSetInputWeightValidation(t *testing.T) {
	e := newTestEngine(t, &fakeTreasury{balance: sdkmath.NewInt(1000)}, 0)

	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(0)))
	require.NoError(t, e.SetInput(1, types.Input{Token: usdc, WeightBps: 4500}, newFakeAdapter(0)))

	err := e.SetInput(2, types.Input{Token: usdc, WeightBps: 600}, newFakeAdapter(0))
	require.ErrorIs(t, err, ErrWeightsTooHigh)

	// Replacing a slot counts its new weight, not its old one.
	require.NoError(t, e.SetInput(1, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(0)))
	assert.Equal(t, int64(10000), e.TotalWeightBps())
}

func TestSetInputRequiresFeed(t *testing.T) {
	e := newTestEngine(t, &fakeTreasury{balance: sdkmath.NewInt(1000)}, 0)
	unknown := types.Token{Denom: "ujunk", Symbol: "JUNK", Decimals: 6}
	err := e.SetInput(0, types.Input{Token: unknown, WeightBps: 1000}, newFakeAdapter(0))
	require.ErrorIs(t, err, ErrMissingOracle)
}

func TestInvestDistributesAndTracksExcess(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 0)

	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(0)))
	require.NoError(t, e.SetInput(1, types.Input{Token: usdc, WeightBps: 4500}, newFakeAdapter(0)))

	require.NoError(t, e.Invest(ints(500, 450), noSwaps(2)))

	assert.Equal(t, sdkmath.NewInt(50), treasury.Available())
	assert.Equal(t, sdkmath.NewInt(500), e.Invested(0))
	assert.Equal(t, sdkmath.NewInt(450), e.Invested(1))

	total, err := e.TotalInvested()
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(950), total)

	// At target the imbalance is zero on both slots.
	excess := e.Excess(sdkmath.NewInt(1000))
	assert.True(t, excess[0].IsZero())
	assert.True(t, excess[1].IsZero())

	// A valuation drop turns slot 0 overweight.
	excess = e.Excess(sdkmath.NewInt(900))
	assert.Equal(t, sdkmath.NewInt(50), excess[0])
	assert.Equal(t, sdkmath.NewInt(45), excess[1])
}

func TestInvestSlippageViolationRollsBack(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 100) // floor at 2% combined

	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(0)))
	require.NoError(t, e.SetInput(1, types.Input{Token: usdc, WeightBps: 4500}, newFakeAdapter(300)))

	err := e.Invest(ints(500, 450), noSwaps(2))
	require.ErrorIs(t, err, ErrAmountTooLow)

	// All-or-nothing: the passing first leg is rolled back too.
	assert.Equal(t, sdkmath.NewInt(1000), treasury.Available())
	assert.True(t, e.Invested(0).IsZero())
	assert.True(t, e.Invested(1).IsZero())
}

func TestInvestWithinToleranceEmitsLosses(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	mem := events.NewMemory(100)
	e, err := NewEngine(Config{
		Asset:          usdc,
		Treasury:       treasury,
		Swapper:        &fakeSwapper{},
		Oracle:         testOracle(),
		MaxSlippageBps: 100,
		SlippageMode:   types.SlippageCompounded,
		Emitter:        mem,
	})
	require.NoError(t, err)

	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(100)))
	require.NoError(t, e.Invest(ints(500), noSwaps(1)))

	assert.Equal(t, sdkmath.NewInt(495), e.Invested(0))
	assert.Len(t, mem.Named(events.EventLosses), 1)
}

func TestInvestSwapsNonAssetInputs(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 0)

	require.NoError(t, e.SetInput(0, types.Input{Token: atom, WeightBps: 5000}, newFakeAdapter(0)))
	require.NoError(t, e.Invest(ints(500), noSwaps(1)))

	assert.Equal(t, sdkmath.NewInt(500), e.Invested(0))
	assert.Equal(t, sdkmath.NewInt(500), treasury.Available())
}

func TestInvestSkipsDustAndUnsetSlots(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 0)

	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(0)))

	// Below the dust threshold of 10 nothing moves.
	require.NoError(t, e.Invest(ints(5), noSwaps(1)))
	assert.Equal(t, sdkmath.NewInt(1000), treasury.Available())

	// A positive target for an unconfigured slot is an error.
	err := e.Invest(ints(0, 100), noSwaps(2))
	require.ErrorIs(t, err, ErrSlotNotConfigured)
	assert.Equal(t, sdkmath.NewInt(1000), treasury.Available())
}

func TestInvestArrayLengthMismatch(t *testing.T) {
	e := newTestEngine(t, &fakeTreasury{balance: sdkmath.NewInt(1000)}, 0)
	err := e.Invest(ints(100), noSwaps(2))
	require.ErrorIs(t, err, ErrIncorrectArrayLengths)
}

func TestLiquidateRoundTrip(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 0)

	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(0)))
	require.NoError(t, e.SetInput(1, types.Input{Token: usdc, WeightBps: 4500}, newFakeAdapter(0)))
	require.NoError(t, e.Invest(ints(500, 450), noSwaps(2)))

	require.NoError(t, e.Liquidate(ints(500, 450), noSwaps(2)))

	assert.Equal(t, sdkmath.NewInt(1000), treasury.Available())
	assert.True(t, e.Invested(0).IsZero())
	assert.True(t, e.Invested(1).IsZero())

	total, err := e.TotalInvested()
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestLiquidateSlippageViolationRollsBack(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 50)

	good := newFakeAdapter(0)
	bad := newFakeAdapter(500)
	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, good))
	require.NoError(t, e.SetInput(1, types.Input{Token: usdc, WeightBps: 4500}, bad))
	require.NoError(t, e.Invest(ints(500), noSwaps(1)))
	bad.value = sdkmath.NewInt(450)

	availableBefore := treasury.Available()
	investedBefore := e.Invested(0)

	err := e.Liquidate(ints(500, 450), noSwaps(2))
	require.ErrorIs(t, err, ErrAmountTooLow)

	assert.Equal(t, availableBefore, treasury.Available())
	assert.Equal(t, investedBefore, e.Invested(0))
	assert.True(t, e.Invested(1).IsZero())
}

// newModeEngine builds an engine with a 100 bps tolerance, one non-asset
// input on slot 0, and configurable slippage on each leg.
func newModeEngine(t *testing.T, treasury *fakeTreasury, mode types.SlippageMode, swapSlipBps, adapterSlipBps int64) (*Engine, *fakeAdapter) {
	t.Helper()
	e, err := NewEngine(Config{
		Asset:          usdc,
		Treasury:       treasury,
		Swapper:        &fakeSwapper{slipBps: swapSlipBps},
		Oracle:         testOracle(),
		MaxSlippageBps: 100,
		SlippageMode:   mode,
		Emitter:        events.NewMemory(100),
	})
	require.NoError(t, err)
	adapter := newFakeAdapter(adapterSlipBps)
	require.NoError(t, e.SetInput(0, types.Input{Token: atom, WeightBps: 5000}, adapter))
	return e, adapter
}

func TestPerLegToleranceComposesAcrossLegs(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(10000)}
	e, _ := newModeEngine(t, treasury, types.SlippagePerLeg, 90, 90)

	// Each leg loses 90 bps, inside the 100 bps per-leg tolerance. The
	// combined shortfall of ~180 bps exceeds a single tolerance, so only a
	// genuine leg-by-leg check accepts this.
	require.NoError(t, e.Invest(ints(10000), noSwaps(1)))
	assert.Equal(t, sdkmath.NewInt(9820), e.Invested(0))
	assert.True(t, treasury.Available().IsZero())
}

func TestPerLegRejectsSingleBadLeg(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(10000)}
	e, _ := newModeEngine(t, treasury, types.SlippagePerLeg, 150, 0)

	// The swap leg alone breaches its floor, even though the end-to-end
	// loss stays inside the doubled budget.
	err := e.Invest(ints(10000), noSwaps(1))
	require.ErrorIs(t, err, ErrAmountTooLow)
	assert.Equal(t, sdkmath.NewInt(10000), treasury.Available())
	assert.True(t, e.Invested(0).IsZero())

	// Compounded mode pools both tolerances, so the same swap passes.
	treasury2 := &fakeTreasury{balance: sdkmath.NewInt(10000)}
	e2, _ := newModeEngine(t, treasury2, types.SlippageCompounded, 150, 0)
	require.NoError(t, e2.Invest(ints(10000), noSwaps(1)))
	assert.Equal(t, sdkmath.NewInt(9850), e2.Invested(0))
}

func TestPerLegLiquidateChecksUnstakeLeg(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(10000)}
	e, adapter := newModeEngine(t, treasury, types.SlippagePerLeg, 0, 0)

	require.NoError(t, e.Invest(ints(10000), noSwaps(1)))
	adapter.slipBps = 150

	err := e.Liquidate(ints(5000), noSwaps(1))
	require.ErrorIs(t, err, ErrAmountTooLow)
	assert.Equal(t, sdkmath.NewInt(10000), e.Invested(0))
}

func TestPairInvestAndLiquidate(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 0)

	pair := &fakePairAdapter{fakeAdapter: *newFakeAdapter(0)}
	require.NoError(t, e.SetInput(0, types.Input{Token: atom, WeightBps: 3000, Paired: true}, pair))
	require.NoError(t, e.SetInput(1, types.Input{Token: osmo, WeightBps: 3000, Paired: true}, pair))

	require.NoError(t, e.Invest(ints(300, 300), noSwaps(2)))

	// The pair books on the even slot; the odd slot stays empty.
	assert.Equal(t, sdkmath.NewInt(600), e.Invested(0))
	assert.True(t, e.Invested(1).IsZero())
	assert.Equal(t, sdkmath.NewInt(400), treasury.Available())

	require.NoError(t, e.Liquidate(ints(600, 0), noSwaps(2)))
	assert.Equal(t, sdkmath.NewInt(1000), treasury.Available())
	assert.True(t, e.Invested(0).IsZero())
}

func TestPairSplitFollowsPoolRatio(t *testing.T) {
	e := newTestEngine(t, &fakeTreasury{balance: sdkmath.NewInt(1000)}, 0)

	pair := &fakePairAdapter{fakeAdapter: *newFakeAdapter(0), r0: sdkmath.NewInt(3), r1: sdkmath.NewInt(1)}
	require.NoError(t, e.SetInput(0, types.Input{Token: atom, WeightBps: 3000, Paired: true}, pair))
	require.NoError(t, e.SetInput(1, types.Input{Token: osmo, WeightBps: 3000, Paired: true}, pair))

	even, odd, err := e.PairSplit(0, sdkmath.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, sdkmath.NewInt(750), even)
	assert.Equal(t, sdkmath.NewInt(250), odd)

	_, _, err = e.PairSplit(1, sdkmath.NewInt(1000))
	require.ErrorIs(t, err, ErrPairOddLeg)

	_, _, err = e.PairSplit(2, sdkmath.NewInt(1000))
	require.ErrorIs(t, err, ErrPairCapability)
}

func TestPairRejectsAdapterWithoutCapability(t *testing.T) {
	e := newTestEngine(t, &fakeTreasury{balance: sdkmath.NewInt(1000)}, 0)
	err := e.SetInput(0, types.Input{Token: atom, WeightBps: 3000, Paired: true}, newFakeAdapter(0))
	require.ErrorIs(t, err, ErrPairCapability)
}

func TestPairLiquidateFromOddSlotFails(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 0)

	pair := &fakePairAdapter{fakeAdapter: *newFakeAdapter(0)}
	require.NoError(t, e.SetInput(0, types.Input{Token: atom, WeightBps: 3000, Paired: true}, pair))
	require.NoError(t, e.SetInput(1, types.Input{Token: osmo, WeightBps: 3000, Paired: true}, pair))
	require.NoError(t, e.Invest(ints(300, 300), noSwaps(2)))

	err := e.Liquidate(ints(0, 100), noSwaps(2))
	require.ErrorIs(t, err, ErrPairOddLeg)
	assert.Equal(t, sdkmath.NewInt(600), e.Invested(0))
}

func TestPairOddLegWithoutStagedEvenFails(t *testing.T) {
	e := newTestEngine(t, &fakeTreasury{balance: sdkmath.NewInt(1000)}, 0)

	pair := &fakePairAdapter{fakeAdapter: *newFakeAdapter(0)}
	require.NoError(t, e.SetInput(0, types.Input{Token: atom, WeightBps: 3000, Paired: true}, pair))
	require.NoError(t, e.SetInput(1, types.Input{Token: osmo, WeightBps: 3000, Paired: true}, pair))

	err := e.Invest(ints(0, 300), noSwaps(2))
	require.ErrorIs(t, err, ErrPairIncomplete)
}

func TestClearInputRequiresEmptySlot(t *testing.T) {
	treasury := &fakeTreasury{balance: sdkmath.NewInt(1000)}
	e := newTestEngine(t, treasury, 0)

	require.NoError(t, e.SetInput(0, types.Input{Token: usdc, WeightBps: 5000}, newFakeAdapter(0)))
	require.NoError(t, e.Invest(ints(500), noSwaps(1)))

	require.ErrorIs(t, e.ClearInput(0), ErrSlotInUse)

	require.NoError(t, e.Liquidate(ints(500), noSwaps(1)))
	require.NoError(t, e.ClearInput(0))
	require.ErrorIs(t, e.ClearInput(0), ErrSlotNotConfigured)
}
