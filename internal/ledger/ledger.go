/*

This file contains the share/asset accounting ledger. It is the single
authority over total shares, the idle asset balance ("available") and the
share price. Invested capital is reported by the allocation engine through
the InvestedSource boundary; totalAssets is always available + invested.

All conversions use floor division in the direction that favors the pool:
a depositor never receives more shares than their assets are worth and a
withdrawer never receives more assets than their shares are worth.

*/

package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/logger"
	"github.com/openyield/yvm/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrZeroAddress         = errors.New("address is zero")
	ErrSelfMint            = errors.New("vault cannot mint to itself")
	ErrMaxTotalAssets      = errors.New("max total assets reached")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAmountTooLow        = errors.New("amount too low")
	ErrAmountTooHigh       = errors.New("amount too high")
	ErrTransactionExpired  = errors.New("transaction expired")
	ErrLiquidityTooLow     = errors.New("liquidity below minimum")
	ErrFeesTooHigh         = errors.New("fees exceed protocol ceiling")
	ErrInvestedUnavailable = errors.New("invested value unavailable")
)

// InvestedSource reports the value currently deployed outside the ledger's
// idle balance, denominated in vault-asset base units.
type InvestedSource interface {
	TotalInvested() (sdkmath.Int, error)
}

// zeroInvested backs a ledger with no engine attached (pure cash vault).
type zeroInvested struct{}

func (zeroInvested) TotalInvested() (sdkmath.Int, error) { return sdkmath.ZeroInt(), nil }

// MultiSource sums several invested sources, letting the allocation engine
// and the strategy allocator both count toward total assets. Any failing
// source fails the whole read; a partial total would misprice shares.
type MultiSource []InvestedSource

func (m MultiSource) TotalInvested() (sdkmath.Int, error) {
	total := sdkmath.ZeroInt()
	for _, src := range m {
		v, err := src.TotalInvested()
		if err != nil {
			return sdkmath.ZeroInt(), err
		}
		total = total.Add(v)
	}
	return total, nil
}

// Config holds the parameters for creating a Ledger.
type Config struct {
	Asset          types.Token
	VaultAddress   string
	FeeCollector   string
	WeiPerShare    sdkmath.Int
	Fees           types.Fees
	MaxTotalAssets sdkmath.Int // zero disables the cap
	MinLiquidity   sdkmath.Int
	ProfitCooldown time.Duration
	Invested       InvestedSource
	Emitter        events.Emitter
	Now            func() time.Time
}

// Ledger is the authoritative share/asset accounting state. Every public
// mutating entry point holds the guard mutex for the duration of the call.
//
// Invested sources take their own locks and call back into Draw/Credit
// while holding them, so the invested total is always read before the
// ledger lock is acquired, never under it. The two reads are not atomic;
// a settlement landing between them moves value between available and
// invested without changing their sum.
type Ledger struct {
	mu sync.Mutex

	asset          types.Token
	vaultAddress   string
	feeCollector   string
	weiPerShare    sdkmath.Int
	fees           types.Fees
	maxTotalAssets sdkmath.Int
	minLiquidity   sdkmath.Int
	profitCooldown time.Duration

	totalSupply sdkmath.Int
	available   sdkmath.Int
	balances    map[string]sdkmath.Int
	exempt      map[string]bool
	checkpoint  types.FeeCheckpoint

	invested InvestedSource
	emitter  events.Emitter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewLedger creates a ledger from config, validating the fee schedule and
// the share scaler.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Asset.Denom == "" {
		return nil, fmt.Errorf("%w: asset denom", ErrZeroAddress)
	}
	if cfg.VaultAddress == "" || cfg.FeeCollector == "" {
		return nil, fmt.Errorf("%w: vault address and fee collector are required", ErrZeroAddress)
	}
	if cfg.WeiPerShare.IsNil() || !cfg.WeiPerShare.IsPositive() {
		return nil, fmt.Errorf("wei per share must be positive")
	}
	if !cfg.Fees.Valid() {
		return nil, ErrFeesTooHigh
	}
	if cfg.Invested == nil {
		cfg.Invested = zeroInvested{}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxTotalAssets.IsNil() {
		cfg.MaxTotalAssets = sdkmath.ZeroInt()
	}
	if cfg.MinLiquidity.IsNil() {
		cfg.MinLiquidity = sdkmath.ZeroInt()
	}

	l := &Ledger{
		asset:          cfg.Asset,
		vaultAddress:   cfg.VaultAddress,
		feeCollector:   cfg.FeeCollector,
		weiPerShare:    cfg.WeiPerShare,
		fees:           cfg.Fees,
		maxTotalAssets: cfg.MaxTotalAssets,
		minLiquidity:   cfg.MinLiquidity,
		profitCooldown: cfg.ProfitCooldown,
		totalSupply:    sdkmath.ZeroInt(),
		available:      sdkmath.ZeroInt(),
		balances:       make(map[string]sdkmath.Int),
		exempt:         make(map[string]bool),
		invested:       cfg.Invested,
		emitter:        cfg.Emitter,
		logger:         logger.GetForComponent("share_ledger"),
		now:            cfg.Now,
	}
	l.checkpoint = types.FeeCheckpoint{
		Assets:     sdkmath.ZeroInt(),
		SharePrice: cfg.WeiPerShare,
		Time:       cfg.Now(),
	}
	return l, nil
}

// AttachInvestedSource wires the allocation engine in after construction.
// Ledger and engine reference each other, so one side attaches late.
func (l *Ledger) AttachInvestedSource(src InvestedSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if src != nil {
		l.invested = src
	}
}

// --- Read side ---

// Asset returns the vault's base asset.
func (l *Ledger) Asset() types.Token { return l.asset }

// TotalSupply returns the outstanding share count.
func (l *Ledger) TotalSupply() sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSupply
}

// Available returns the idle asset balance.
func (l *Ledger) Available() sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

// BalanceOf returns the share balance of owner.
func (l *Ledger) BalanceOf(owner string) sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceOf(owner)
}

// AssetsOf returns the asset value of owner's shares at the current price.
func (l *Ledger) AssetsOf(owner string) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.convertToAssets(l.balanceOf(owner), l.totalWith(invested)), nil
}

// TotalAssets returns available + invested.
func (l *Ledger) TotalAssets() (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalWith(invested), nil
}

// SharePrice returns totalAssets * weiPerShare / totalSupply, or
// weiPerShare for an empty vault.
func (l *Ledger) SharePrice() (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharePrice(l.totalWith(invested)), nil
}

// Fees returns the current fee schedule.
func (l *Ledger) Fees() types.Fees {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fees
}

// MaxTotalAssets returns the deposit cap (zero means uncapped).
func (l *Ledger) MaxTotalAssets() sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxTotalAssets
}

// --- Previews (no state change, same rounding as the real operations) ---

// PreviewDeposit returns the shares minted for depositing assets.
func (l *Ledger) PreviewDeposit(assets sdkmath.Int) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	net := assets.Sub(types.ApplyBps(assets, l.fees.EntryBps))
	return l.convertToShares(net, l.totalWith(invested)), nil
}

// PreviewMint returns the assets required to mint shares.
func (l *Ledger) PreviewMint(shares sdkmath.Int) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.assetsForMint(shares, l.totalWith(invested)), nil
}

// PreviewWithdraw returns the shares burned to withdraw assets.
func (l *Ledger) PreviewWithdraw(assets sdkmath.Int) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharesForWithdraw(assets, l.totalWith(invested)), nil
}

// PreviewRedeem returns the assets released for redeeming shares.
func (l *Ledger) PreviewRedeem(shares sdkmath.Int) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	assets := l.convertToAssets(shares, l.totalWith(invested))
	return assets.Sub(types.ApplyBps(assets, l.fees.ExitBps)), nil
}

// --- Mutations ---

// Deposit takes assets from receiver and mints shares at the current price.
// The entry fee stays in the pool, accruing to existing holders.
func (l *Ledger) Deposit(assets sdkmath.Int, receiver string) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depositLocked(assets, receiver, invested)
}

// SafeDeposit is Deposit with a caller-supplied minimum share output and
// deadline. Nothing is mutated when either check fails.
func (l *Ledger) SafeDeposit(assets sdkmath.Int, receiver string, minShares sdkmath.Int, deadline time.Time) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().After(deadline) {
		return sdkmath.ZeroInt(), ErrTransactionExpired
	}
	net := assets.Sub(types.ApplyBps(assets, l.fees.EntryBps))
	if l.convertToShares(net, l.totalWith(invested)).LT(minShares) {
		return sdkmath.ZeroInt(), ErrAmountTooLow
	}
	return l.depositLocked(assets, receiver, invested)
}

// Mint mints an exact share amount, pulling whatever assets that costs at
// the current price (rounded against the minter).
func (l *Ledger) Mint(shares sdkmath.Int, receiver string) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if shares.IsNil() || !shares.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}
	assets := l.assetsForMint(shares, l.totalWith(invested))
	if _, err := l.depositLocked(assets, receiver, invested); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return assets, nil
}

// SafeMint is Mint with a maximum asset input and deadline.
func (l *Ledger) SafeMint(shares sdkmath.Int, receiver string, maxAssets sdkmath.Int, deadline time.Time) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().After(deadline) {
		return sdkmath.ZeroInt(), ErrTransactionExpired
	}
	if shares.IsNil() || !shares.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}
	assets := l.assetsForMint(shares, l.totalWith(invested))
	if assets.GT(maxAssets) {
		return sdkmath.ZeroInt(), ErrAmountTooHigh
	}
	if _, err := l.depositLocked(assets, receiver, invested); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return assets, nil
}

// Withdraw releases an exact asset amount to receiver, burning owner's
// shares to cover it plus the exit fee.
func (l *Ledger) Withdraw(assets sdkmath.Int, receiver, owner string) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.withdrawLocked(assets, receiver, owner, invested)
}

// SafeWithdraw is Withdraw with a maximum share burn and deadline.
func (l *Ledger) SafeWithdraw(assets sdkmath.Int, receiver, owner string, maxShares sdkmath.Int, deadline time.Time) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().After(deadline) {
		return sdkmath.ZeroInt(), ErrTransactionExpired
	}
	if l.sharesForWithdraw(assets, l.totalWith(invested)).GT(maxShares) {
		return sdkmath.ZeroInt(), ErrAmountTooHigh
	}
	return l.withdrawLocked(assets, receiver, owner, invested)
}

// Redeem burns an exact share amount and releases its asset value minus the
// exit fee.
func (l *Ledger) Redeem(shares sdkmath.Int, receiver, owner string) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.redeemLocked(shares, receiver, owner, invested)
}

// SafeRedeem is Redeem with a minimum asset output and deadline.
func (l *Ledger) SafeRedeem(shares sdkmath.Int, receiver, owner string, minAssets sdkmath.Int, deadline time.Time) (sdkmath.Int, error) {
	invested, err := l.investedValue()
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().After(deadline) {
		return sdkmath.ZeroInt(), ErrTransactionExpired
	}
	assets := l.convertToAssets(shares, l.totalWith(invested))
	assets = assets.Sub(types.ApplyBps(assets, l.fees.ExitBps))
	if assets.LT(minAssets) {
		return sdkmath.ZeroInt(), ErrAmountTooLow
	}
	return l.redeemLocked(shares, receiver, owner, invested)
}

// SetFees replaces the fee schedule, enforcing the protocol ceiling.
func (l *Ledger) SetFees(fees types.Fees) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !fees.Valid() {
		return ErrFeesTooHigh
	}
	l.fees = fees
	l.emitter.Emit(events.EventFeesUpdated, map[string]string{
		"perf_bps":  strconv.FormatInt(fees.PerfBps, 10),
		"mgmt_bps":  strconv.FormatInt(fees.MgmtBps, 10),
		"entry_bps": strconv.FormatInt(fees.EntryBps, 10),
		"exit_bps":  strconv.FormatInt(fees.ExitBps, 10),
	})
	return nil
}

// SetMaxTotalAssets replaces the deposit cap (zero disables it).
func (l *Ledger) SetMaxTotalAssets(max sdkmath.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if max.IsNil() {
		max = sdkmath.ZeroInt()
	}
	l.maxTotalAssets = max
	l.emitter.Emit(events.EventMaxTotalAssetsSet, map[string]string{
		"max_total_assets": max.String(),
	})
}

// SetExempt marks addr as exempt from the deposit cap.
func (l *Ledger) SetExempt(addr string, exempt bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exempt[addr] = exempt
}

// Draw moves amount out of the idle balance; the engine calls this when
// deploying capital. Total assets are unchanged because the engine's
// invested value rises by the same amount.
func (l *Ledger) Draw(amount sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.IsNil() || !amount.IsPositive() {
		return ErrZeroAmount
	}
	if l.available.LT(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, l.available, amount)
	}
	l.available = l.available.Sub(amount)
	return nil
}

// Credit returns amount to the idle balance after a liquidation.
func (l *Ledger) Credit(amount sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.IsNil() || amount.IsNegative() {
		return ErrZeroAmount
	}
	l.available = l.available.Add(amount)
	return nil
}

// --- Locked internals ---

func (l *Ledger) balanceOf(owner string) sdkmath.Int {
	if bal, ok := l.balances[owner]; ok {
		return bal
	}
	return sdkmath.ZeroInt()
}

// investedValue reads the invested total without holding the ledger lock.
// Only the source pointer is read under the lock; the source's own call
// runs unlocked so it is free to Draw/Credit from other goroutines.
func (l *Ledger) investedValue() (sdkmath.Int, error) {
	l.mu.Lock()
	src := l.invested
	l.mu.Unlock()

	invested, err := src.TotalInvested()
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %w", ErrInvestedUnavailable, err)
	}
	return invested, nil
}

func (l *Ledger) totalWith(invested sdkmath.Int) sdkmath.Int {
	return l.available.Add(invested)
}

func (l *Ledger) sharePrice(totalAssets sdkmath.Int) sdkmath.Int {
	if l.totalSupply.IsZero() {
		return l.weiPerShare
	}
	return totalAssets.Mul(l.weiPerShare).Quo(l.totalSupply)
}

// convertToShares floors in the pool's favor.
func (l *Ledger) convertToShares(assets, totalAssets sdkmath.Int) sdkmath.Int {
	if assets.IsNil() || !assets.IsPositive() {
		return sdkmath.ZeroInt()
	}
	if l.totalSupply.IsZero() || totalAssets.IsZero() {
		return assets.Mul(l.weiPerShare)
	}
	return assets.Mul(l.totalSupply).Quo(totalAssets)
}

// convertToAssets floors in the pool's favor.
func (l *Ledger) convertToAssets(shares, totalAssets sdkmath.Int) sdkmath.Int {
	if shares.IsNil() || !shares.IsPositive() {
		return sdkmath.ZeroInt()
	}
	if l.totalSupply.IsZero() {
		return shares.Quo(l.weiPerShare)
	}
	return shares.Mul(totalAssets).Quo(l.totalSupply)
}

// assetsForMint rounds up so the minter never underpays.
func (l *Ledger) assetsForMint(shares, totalAssets sdkmath.Int) sdkmath.Int {
	var assets sdkmath.Int
	if l.totalSupply.IsZero() || totalAssets.IsZero() {
		assets = ceilDiv(shares, l.weiPerShare)
	} else {
		assets = ceilDiv(shares.Mul(totalAssets), l.totalSupply)
	}
	// Gross up for the entry fee taken out of the deposit.
	if l.fees.EntryBps > 0 {
		denom := sdkmath.NewInt(types.BpsDenominator - l.fees.EntryBps)
		assets = ceilDiv(assets.Mul(sdkmath.NewInt(types.BpsDenominator)), denom)
	}
	return assets
}

// sharesForWithdraw rounds up so the withdrawer never underburns.
func (l *Ledger) sharesForWithdraw(assets, totalAssets sdkmath.Int) sdkmath.Int {
	if assets.IsNil() || !assets.IsPositive() {
		return sdkmath.ZeroInt()
	}
	gross := assets
	if l.fees.ExitBps > 0 {
		denom := sdkmath.NewInt(types.BpsDenominator - l.fees.ExitBps)
		gross = ceilDiv(assets.Mul(sdkmath.NewInt(types.BpsDenominator)), denom)
	}
	if l.totalSupply.IsZero() {
		return gross.Mul(l.weiPerShare)
	}
	if totalAssets.IsZero() {
		return l.totalSupply
	}
	return ceilDiv(gross.Mul(l.totalSupply), totalAssets)
}

func (l *Ledger) depositLocked(assets sdkmath.Int, receiver string, invested sdkmath.Int) (sdkmath.Int, error) {
	if assets.IsNil() || !assets.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}
	if receiver == "" {
		return sdkmath.ZeroInt(), ErrZeroAddress
	}
	if receiver == l.vaultAddress {
		return sdkmath.ZeroInt(), ErrSelfMint
	}

	total := l.totalWith(invested)
	if l.maxTotalAssets.IsPositive() && !l.exempt[receiver] {
		if total.Add(assets).GT(l.maxTotalAssets) {
			return sdkmath.ZeroInt(), fmt.Errorf("%w: cap %s", ErrMaxTotalAssets, l.maxTotalAssets)
		}
	}

	net := assets.Sub(types.ApplyBps(assets, l.fees.EntryBps))
	shares := l.convertToShares(net, total)
	if !shares.IsPositive() {
		return sdkmath.ZeroInt(), ErrAmountTooLow
	}

	l.available = l.available.Add(assets)
	l.totalSupply = l.totalSupply.Add(shares)
	l.balances[receiver] = l.balanceOf(receiver).Add(shares)
	// Inflows are not profit; keep the fee checkpoint in step.
	l.checkpoint.Assets = l.checkpoint.Assets.Add(assets)

	newTotal := total.Add(assets)
	price := l.sharePrice(newTotal)
	l.emitter.Emit(events.EventDeposit, map[string]string{
		"receiver":    receiver,
		"assets":      assets.String(),
		"shares":      shares.String(),
		"share_price": price.String(),
	})
	l.emitSharePrice(price)

	l.logger.Info().
		Str("receiver", receiver).
		Str("assets", assets.String()).
		Str("shares", shares.String()).
		Str("sharePrice", price.String()).
		Msg("Deposit settled")

	return shares, nil
}

func (l *Ledger) withdrawLocked(assets sdkmath.Int, receiver, owner string, invested sdkmath.Int) (sdkmath.Int, error) {
	if assets.IsNil() || !assets.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}
	if receiver == "" || owner == "" {
		return sdkmath.ZeroInt(), ErrZeroAddress
	}

	total := l.totalWith(invested)
	ownerAssets := l.convertToAssets(l.balanceOf(owner), total)
	if assets.GT(ownerAssets) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: owner holds %s", ErrAmountTooHigh, ownerAssets)
	}

	shares := l.sharesForWithdraw(assets, total)
	if shares.GT(l.balanceOf(owner)) {
		shares = l.balanceOf(owner)
	}

	if err := l.checkLiquidityFloor(assets, total); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if l.available.LT(assets) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, l.available, assets)
	}

	l.burn(owner, shares)
	l.available = l.available.Sub(assets)
	l.adjustCheckpointDown(assets)

	newTotal := total.Sub(assets)
	price := l.sharePrice(newTotal)
	l.emitter.Emit(events.EventWithdraw, map[string]string{
		"receiver":    receiver,
		"owner":       owner,
		"assets":      assets.String(),
		"shares":      shares.String(),
		"share_price": price.String(),
	})
	l.emitSharePrice(price)

	l.logger.Info().
		Str("owner", owner).
		Str("receiver", receiver).
		Str("assets", assets.String()).
		Str("shares", shares.String()).
		Msg("Withdrawal settled")

	return shares, nil
}

func (l *Ledger) redeemLocked(shares sdkmath.Int, receiver, owner string, invested sdkmath.Int) (sdkmath.Int, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return sdkmath.ZeroInt(), ErrZeroAmount
	}
	if receiver == "" || owner == "" {
		return sdkmath.ZeroInt(), ErrZeroAddress
	}
	if shares.GT(l.balanceOf(owner)) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: owner holds %s shares", ErrInsufficientFunds, l.balanceOf(owner))
	}

	total := l.totalWith(invested)
	assets := l.convertToAssets(shares, total)
	assets = assets.Sub(types.ApplyBps(assets, l.fees.ExitBps))
	if !assets.IsPositive() {
		return sdkmath.ZeroInt(), ErrAmountTooLow
	}
	if err := l.checkLiquidityFloor(assets, total); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if l.available.LT(assets) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, l.available, assets)
	}

	l.burn(owner, shares)
	l.available = l.available.Sub(assets)
	l.adjustCheckpointDown(assets)

	newTotal := total.Sub(assets)
	price := l.sharePrice(newTotal)
	l.emitter.Emit(events.EventWithdraw, map[string]string{
		"receiver":    receiver,
		"owner":       owner,
		"assets":      assets.String(),
		"shares":      shares.String(),
		"share_price": price.String(),
	})
	l.emitSharePrice(price)

	return assets, nil
}

// adjustCheckpointDown mirrors an outflow in the fee checkpoint so the
// next collection only sees genuine yield.
func (l *Ledger) adjustCheckpointDown(assets sdkmath.Int) {
	l.checkpoint.Assets = l.checkpoint.Assets.Sub(assets)
	if l.checkpoint.Assets.IsNegative() {
		l.checkpoint.Assets = sdkmath.ZeroInt()
	}
}

// checkLiquidityFloor enforces the seed floor: a withdrawal may not push
// total assets below minLiquidity while shares remain outstanding.
func (l *Ledger) checkLiquidityFloor(assets, totalAssets sdkmath.Int) error {
	if l.minLiquidity.IsZero() {
		return nil
	}
	remaining := totalAssets.Sub(assets)
	if remaining.IsPositive() && remaining.LT(l.minLiquidity) {
		return fmt.Errorf("%w: remaining %s below floor %s", ErrLiquidityTooLow, remaining, l.minLiquidity)
	}
	return nil
}

func (l *Ledger) burn(owner string, shares sdkmath.Int) {
	l.totalSupply = l.totalSupply.Sub(shares)
	bal := l.balanceOf(owner).Sub(shares)
	if bal.IsZero() {
		delete(l.balances, owner)
	} else {
		l.balances[owner] = bal
	}
}

func (l *Ledger) emitSharePrice(price sdkmath.Int) {
	l.emitter.Emit(events.EventSharePriceUpdated, map[string]string{
		"share_price": price.String(),
	})
}

// ceilDiv returns ceil(a/b) for positive b.
func ceilDiv(a, b sdkmath.Int) sdkmath.Int {
	return a.Add(b.SubRaw(1)).Quo(b)
}
