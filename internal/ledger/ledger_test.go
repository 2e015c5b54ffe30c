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

const (
	alice = "vault1alice"
	bob   = "vault1bob"
	vault = "vault1self"
	feeTo = "vault1fees"
)

var usdc = types.Token{Denom: "uusdc", Symbol: "USDC", Decimals: 6}

// stubInvested lets tests fake deployed capital or an engine outage.
type stubInvested struct {
	value sdkmath.Int
	err   error
}

func (s *stubInvested) TotalInvested() (sdkmath.Int, error) {
	if s.err != nil {
		return sdkmath.ZeroInt(), s.err
	}
	if s.value.IsNil() {
		return sdkmath.ZeroInt(), nil
	}
	return s.value, nil
}

// fakeClock is an adjustable time source for deadline and cooldown tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *events.Memory) {
	t.Helper()
	mem := events.NewMemory(100)
	cfg.Asset = usdc
	if cfg.VaultAddress == "" {
		cfg.VaultAddress = vault
	}
	if cfg.FeeCollector == "" {
		cfg.FeeCollector = feeTo
	}
	if cfg.WeiPerShare.IsNil() {
		cfg.WeiPerShare = sdkmath.OneInt()
	}
	cfg.Emitter = mem
	led, err := NewLedger(cfg)
	require.NoError(t, err)
	return led, mem
}

func TestNewLedgerValidation(t *testing.T) {
	_, err := NewLedger(Config{
		Asset:        usdc,
		VaultAddress: vault,
		FeeCollector: feeTo,
		WeiPerShare:  sdkmath.ZeroInt(),
	})
	assert.Error(t, err)

	_, err = NewLedger(Config{
		Asset:        usdc,
		VaultAddress: vault,
		FeeCollector: feeTo,
		WeiPerShare:  sdkmath.OneInt(),
		Fees:         types.Fees{PerfBps: types.MaxFeeBps + 1},
	})
	assert.ErrorIs(t, err, ErrFeesTooHigh)
}

func TestDepositEmptyVaultMintsAtScaler(t *testing.T) {
	led, mem := newTestLedger(t, Config{WeiPerShare: sdkmath.NewInt(1000)})

	// Empty vault quotes the scaler.
	price, err := led.SharePrice()
	require.NoError(t, err)
	assert.Equal(t, "1000", price.String())

	shares, err := led.Deposit(sdkmath.NewInt(500), alice)
	require.NoError(t, err)
	assert.Equal(t, "500000", shares.String())
	assert.Equal(t, "500000", led.TotalSupply().String())
	assert.Equal(t, "500", led.Available().String())

	assert.NotEmpty(t, mem.Named(events.EventDeposit))
	assert.NotEmpty(t, mem.Named(events.EventSharePriceUpdated))
}

func TestDepositRejectsZeroAndSelfMint(t *testing.T) {
	led, _ := newTestLedger(t, Config{})

	_, err := led.Deposit(sdkmath.ZeroInt(), alice)
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = led.Deposit(sdkmath.NewInt(100), "")
	assert.ErrorIs(t, err, ErrZeroAddress)

	_, err = led.Deposit(sdkmath.NewInt(100), vault)
	assert.ErrorIs(t, err, ErrSelfMint)
}

func TestEntryFeeAccruesToExistingHolders(t *testing.T) {
	led, _ := newTestLedger(t, Config{Fees: types.Fees{EntryBps: 100}})

	// Alice pays the 1% entry fee but is the only holder, so the fee
	// immediately flows back to her through the share price.
	shares, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	assert.Equal(t, "990", shares.String())
	assert.Equal(t, "1000", led.Available().String())

	// Bob's fee dilutes only bob: 990 net at price 1000/990.
	shares, err = led.Deposit(sdkmath.NewInt(1000), bob)
	require.NoError(t, err)
	assert.Equal(t, "980", shares.String())

	aliceAssets, err := led.AssetsOf(alice)
	require.NoError(t, err)
	assert.True(t, aliceAssets.GT(sdkmath.NewInt(1000)))
}

func TestPreviewRoundTripNeverProfits(t *testing.T) {
	led, _ := newTestLedger(t, Config{Fees: types.Fees{EntryBps: 50, ExitBps: 50}})

	_, err := led.Deposit(sdkmath.NewInt(10000), alice)
	require.NoError(t, err)

	for _, amount := range []int64{1, 7, 999, 12345} {
		shares, err := led.PreviewDeposit(sdkmath.NewInt(amount))
		require.NoError(t, err)
		out, err := led.PreviewRedeem(shares)
		require.NoError(t, err)
		assert.True(t, out.LTE(sdkmath.NewInt(amount)),
			"round trip of %d returned %s", amount, out)
	}
}

func TestMintRoundsAgainstMinter(t *testing.T) {
	led, _ := newTestLedger(t, Config{Fees: types.Fees{EntryBps: 100}})

	// 1000 shares at scaler 1 cost 1000 assets, grossed up for the 1%
	// entry fee: ceil(1000 * 10000 / 9900) = 1011.
	assets, err := led.Mint(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	assert.Equal(t, "1011", assets.String())
	assert.True(t, led.BalanceOf(alice).GTE(sdkmath.NewInt(1000)))
}

func TestSafeDepositGuards(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{Now: clock.Now})

	deadline := clock.Now().Add(time.Minute)
	clock.Advance(2 * time.Minute)
	_, err := led.SafeDeposit(sdkmath.NewInt(1000), alice, sdkmath.OneInt(), deadline)
	assert.ErrorIs(t, err, ErrTransactionExpired)

	_, err = led.SafeDeposit(sdkmath.NewInt(1000), alice, sdkmath.NewInt(1001), clock.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrAmountTooLow)

	// Nothing moved on either failure.
	assert.True(t, led.TotalSupply().IsZero())
	assert.True(t, led.Available().IsZero())

	shares, err := led.SafeDeposit(sdkmath.NewInt(1000), alice, sdkmath.NewInt(1000), clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "1000", shares.String())
}

func TestSafeMintRespectsMaxAssets(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{Now: clock.Now})

	_, err := led.SafeMint(sdkmath.NewInt(1000), alice, sdkmath.NewInt(999), clock.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrAmountTooHigh)
	assert.True(t, led.TotalSupply().IsZero())

	assets, err := led.SafeMint(sdkmath.NewInt(1000), alice, sdkmath.NewInt(1000), clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "1000", assets.String())
}

func TestSafeWithdrawAndRedeemBounds(t *testing.T) {
	clock := newTestClock()
	led, _ := newTestLedger(t, Config{Now: clock.Now})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)

	deadline := clock.Now().Add(time.Minute)

	_, err = led.SafeWithdraw(sdkmath.NewInt(500), alice, alice, sdkmath.NewInt(499), deadline)
	assert.ErrorIs(t, err, ErrAmountTooHigh)

	_, err = led.SafeRedeem(sdkmath.NewInt(500), alice, alice, sdkmath.NewInt(501), deadline)
	assert.ErrorIs(t, err, ErrAmountTooLow)

	assert.Equal(t, "1000", led.BalanceOf(alice).String())

	assets, err := led.SafeRedeem(sdkmath.NewInt(500), alice, alice, sdkmath.NewInt(500), deadline)
	require.NoError(t, err)
	assert.Equal(t, "500", assets.String())
}

func TestDepositCapAndExemption(t *testing.T) {
	led, _ := newTestLedger(t, Config{MaxTotalAssets: sdkmath.NewInt(1500)})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)

	_, err = led.Deposit(sdkmath.NewInt(600), bob)
	assert.ErrorIs(t, err, ErrMaxTotalAssets)

	led.SetExempt(bob, true)
	_, err = led.Deposit(sdkmath.NewInt(600), bob)
	require.NoError(t, err)

	// Zero disables the cap entirely.
	led.SetMaxTotalAssets(sdkmath.ZeroInt())
	_, err = led.Deposit(sdkmath.NewInt(100000), alice)
	require.NoError(t, err)
}

func TestWithdrawBeyondHoldingsFails(t *testing.T) {
	led, _ := newTestLedger(t, Config{})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)
	_, err = led.Deposit(sdkmath.NewInt(1000), bob)
	require.NoError(t, err)

	_, err = led.Withdraw(sdkmath.NewInt(1500), alice, alice)
	assert.ErrorIs(t, err, ErrAmountTooHigh)
	assert.Equal(t, "1000", led.BalanceOf(alice).String())
}

func TestRedeemMoreThanBalanceFails(t *testing.T) {
	led, _ := newTestLedger(t, Config{})

	_, err := led.Deposit(sdkmath.NewInt(100), alice)
	require.NoError(t, err)

	_, err = led.Redeem(sdkmath.NewInt(101), alice, alice)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestWithdrawBlockedWhenCapitalDeployed(t *testing.T) {
	invested := &stubInvested{value: sdkmath.ZeroInt()}
	led, _ := newTestLedger(t, Config{Invested: invested})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)

	// Engine deploys 800, leaving 200 idle. Owner value is unchanged.
	require.NoError(t, led.Draw(sdkmath.NewInt(800)))
	invested.value = sdkmath.NewInt(800)

	total, err := led.TotalAssets()
	require.NoError(t, err)
	assert.Equal(t, "1000", total.String())

	_, err = led.Withdraw(sdkmath.NewInt(500), alice, alice)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Within the idle balance the withdrawal clears.
	shares, err := led.Withdraw(sdkmath.NewInt(200), alice, alice)
	require.NoError(t, err)
	assert.Equal(t, "200", shares.String())
}

func TestLiquidityFloorBlocksPartialDrain(t *testing.T) {
	led, _ := newTestLedger(t, Config{MinLiquidity: sdkmath.NewInt(100)})

	_, err := led.Deposit(sdkmath.NewInt(150), alice)
	require.NoError(t, err)

	_, err = led.Withdraw(sdkmath.NewInt(100), alice, alice)
	assert.ErrorIs(t, err, ErrLiquidityTooLow)

	// Draining to exactly zero is allowed; the floor only guards a
	// positive remainder.
	_, err = led.Withdraw(sdkmath.NewInt(150), alice, alice)
	require.NoError(t, err)
	assert.True(t, led.Available().IsZero())
	assert.True(t, led.TotalSupply().IsZero())
}

func TestInvestedOutageSurfacesError(t *testing.T) {
	invested := &stubInvested{err: assert.AnError}
	led, _ := newTestLedger(t, Config{Invested: invested})

	_, err := led.TotalAssets()
	assert.ErrorIs(t, err, ErrInvestedUnavailable)

	_, err = led.Deposit(sdkmath.NewInt(1000), alice)
	assert.ErrorIs(t, err, ErrInvestedUnavailable)
}

func TestMultiSourceSumsAndFailsClosed(t *testing.T) {
	a := &stubInvested{value: sdkmath.NewInt(300)}
	b := &stubInvested{value: sdkmath.NewInt(200)}

	total, err := MultiSource{a, b}.TotalInvested()
	require.NoError(t, err)
	assert.Equal(t, "500", total.String())

	b.err = assert.AnError
	_, err = MultiSource{a, b}.TotalInvested()
	assert.Error(t, err)
}

func TestSetFeesEnforcesCeiling(t *testing.T) {
	led, mem := newTestLedger(t, Config{})

	err := led.SetFees(types.Fees{PerfBps: types.MaxFeeBps + 1})
	assert.ErrorIs(t, err, ErrFeesTooHigh)

	err = led.SetFees(types.Fees{PerfBps: 2000, MgmtBps: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), led.Fees().PerfBps)
	assert.Len(t, mem.Named(events.EventFeesUpdated), 1)
}

func TestDrawAndCredit(t *testing.T) {
	led, _ := newTestLedger(t, Config{})

	_, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)

	err = led.Draw(sdkmath.NewInt(1001))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, led.Draw(sdkmath.NewInt(600)))
	assert.Equal(t, "400", led.Available().String())

	require.NoError(t, led.Credit(sdkmath.NewInt(600)))
	assert.Equal(t, "1000", led.Available().String())

	err = led.Draw(sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestFullRedeemClearsBalance(t *testing.T) {
	led, _ := newTestLedger(t, Config{WeiPerShare: sdkmath.NewInt(1000)})

	shares, err := led.Deposit(sdkmath.NewInt(500), alice)
	require.NoError(t, err)

	assets, err := led.Redeem(shares, alice, alice)
	require.NoError(t, err)
	assert.Equal(t, "500", assets.String())
	assert.True(t, led.BalanceOf(alice).IsZero())
	assert.True(t, led.TotalSupply().IsZero())

	// Empty vault quotes the scaler again.
	price, err := led.SharePrice()
	require.NoError(t, err)
	assert.Equal(t, "1000", price.String())
}

func TestYieldAccruesToHolders(t *testing.T) {
	led, _ := newTestLedger(t, Config{})

	shares, err := led.Deposit(sdkmath.NewInt(1000), alice)
	require.NoError(t, err)

	// Simulate realized yield flowing back into the idle balance.
	require.NoError(t, led.Credit(sdkmath.NewInt(100)))

	aliceAssets, err := led.AssetsOf(alice)
	require.NoError(t, err)
	assert.Equal(t, "1100", aliceAssets.String())

	out, err := led.PreviewRedeem(shares)
	require.NoError(t, err)
	assert.Equal(t, "1100", out.String())
}
