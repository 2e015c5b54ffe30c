package ledger

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/types"
)

func TestCollectFeesInsideCooldownIsNoOp(t *testing.T) {
	clock := newTestClock()
	led, mem := newTestLedger(t, Config{
		Fees:           types.Fees{PerfBps: 2000},
		ProfitCooldown: time.Hour,
		Now:            clock.Now,
	})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	require.NoError(t, led.Credit(sdkmath.NewInt(100)))

	clock.Advance(30 * time.Minute)
	col, err := led.CollectFees()
	require.NoError(t, err)
	assert.True(t, col.Skipped)
	assert.True(t, col.SharesMinted.IsZero())
	assert.True(t, led.BalanceOf(feeTo).IsZero())
	assert.Empty(t, mem.Named(events.EventFeesCollected))

	clock.Advance(31 * time.Minute)
	col, err = led.CollectFees()
	require.NoError(t, err)
	assert.False(t, col.Skipped)
	assert.True(t, led.BalanceOf(feeTo).IsPositive())
}

func TestPerformanceFeeChargesYieldOnly(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{
		Fees: types.Fees{PerfBps: 2000},
		Now:  clock.Now,
	})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	require.NoError(t, led.Credit(sdkmath.NewInt(150)))

	clock.Advance(time.Hour)
	col, err := led.CollectFees()
	require.NoError(t, err)
	assert.Equal(t, "150", col.Profit.String())
	assert.Equal(t, "30", col.PerfAssets.String())
	assert.True(t, col.MgmtAssets.IsZero())

	// 30 assets of fee at price 1150/1000 mints 26 shares.
	assert.Equal(t, "26", col.SharesMinted.String())
	assert.Equal(t, "26", led.BalanceOf(feeTo).String())

	// The checkpoint moved; collecting again with no new yield is free.
	clock.Advance(time.Hour)
	col, err = led.CollectFees()
	require.NoError(t, err)
	assert.True(t, col.Profit.IsZero())
	assert.True(t, col.SharesMinted.IsZero())
}

func TestDepositsAreNotProfit(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{
		Fees: types.Fees{PerfBps: 2000},
		Now:  clock.Now,
	})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	_, err = led.Deposit(sdkmath.NewInt(5000), bob)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	col, err := led.CollectFees()
	require.NoError(t, err)
	assert.True(t, col.Profit.IsZero())
	assert.True(t, col.SharesMinted.IsZero())
}

func TestWithdrawalsLowerTheCheckpoint(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{
		Fees: types.Fees{PerfBps: 2000},
		Now:  clock.Now,
	})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	_, err = led.Withdraw(sdkmath.NewInt(400), alice, alice)
	require.NoError(t, err)
	require.NoError(t, led.Credit(sdkmath.NewInt(50)))

	clock.Advance(time.Hour)
	col, err := led.CollectFees()
	require.NoError(t, err)
	assert.Equal(t, "50", col.Profit.String())
	assert.Equal(t, "10", col.PerfAssets.String())
}

func TestLossesAreNotChargedAndMarkHolds(t *testing.T) {
	clock := newTestClock()
	invested := &stubInvested{value: sdkmath.ZeroInt()}
	led, _ := newTestLedger(t, Config{
		Fees:     types.Fees{PerfBps: 2000},
		Invested: invested,
		Now:      clock.Now,
	})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)

	// Deploy 400 and lose it all: total assets drop to 600.
	require.NoError(t, led.Draw(sdkmath.NewInt(400)))

	clock.Advance(time.Hour)
	col, err := led.CollectFees()
	require.NoError(t, err)
	assert.True(t, col.Profit.IsZero())
	assert.True(t, col.SharesMinted.IsZero())

	// Recovery back to the old mark is not new profit either.
	require.NoError(t, led.Credit(sdkmath.NewInt(400)))
	clock.Advance(time.Hour)
	col, err = led.CollectFees()
	require.NoError(t, err)
	assert.True(t, col.Profit.IsZero())

	// Only the portion above the mark is charged.
	require.NoError(t, led.Credit(sdkmath.NewInt(100)))
	clock.Advance(time.Hour)
	col, err = led.CollectFees()
	require.NoError(t, err)
	assert.Equal(t, "100", col.Profit.String())
	assert.Equal(t, "20", col.PerfAssets.String())
}

func TestManagementFeeAccruesProRata(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{
		Fees: types.Fees{MgmtBps: 100},
		Now:  clock.Now,
	})

	_, err := led.Deposit(sdkmath.NewInt(10000), alice)
	require.NoError(t, err)

	// Half a year at 1% per annum on 10000 assets is 50.
	clock.Advance(time.Duration(types.SecondsPerYear/2) * time.Second)
	col, err := led.CollectFees()
	require.NoError(t, err)
	assert.True(t, col.Profit.IsZero())
	assert.Equal(t, "50", col.MgmtAssets.String())
	assert.Equal(t, "50", col.SharesMinted.String())
	assert.Equal(t, "50", led.BalanceOf(feeTo).String())

	// Dilution transfers the fee value without moving assets.
	assert.Equal(t, "10000", led.Available().String())
	collectorAssets, err := led.AssetsOf(feeTo)
	require.NoError(t, err)
	assert.Equal(t, "49", collectorAssets.String())
}

func TestCollectFeesResetsCheckpoint(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{
		Fees: types.Fees{PerfBps: 1000},
		Now:  clock.Now,
	})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	require.NoError(t, led.Credit(sdkmath.NewInt(200)))

	clock.Advance(time.Hour)
	_, err = led.CollectFees()
	require.NoError(t, err)

	cp := led.Checkpoint()
	assert.Equal(t, "1200", cp.Assets.String())
	assert.Equal(t, clock.Now(), cp.Time)
}
