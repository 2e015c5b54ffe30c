/*

This file contains the fee accrual engine. Performance fees accrue only on
realized profit above the last checkpoint; management fees accrue on total
assets over elapsed time. Both are paid by minting shares to the fee
collector, which dilutes holders by exactly the fee value.

*/

package ledger

import (
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/types"
)

// FeeCollection reports one collectFees run.
type FeeCollection struct {
	Profit       sdkmath.Int
	PerfAssets   sdkmath.Int
	MgmtAssets   sdkmath.Int
	SharesMinted sdkmath.Int
	Skipped      bool
}

// CollectFees accrues performance and management fees against the current
// checkpoint and mints the fee collector the equivalent shares.
//
// Calls inside the profit cooldown are a silent no-op: this bounds the
// collection frequency and keeps a caller from front-running share-price
// moves with rapid checkpoint resets.
func (l *Ledger) CollectFees() (FeeCollection, error) {
	invested, err := l.investedValue()
	if err != nil {
		return FeeCollection{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.checkpoint.Time)
	if elapsed < l.profitCooldown {
		l.logger.Debug().
			Dur("elapsed", elapsed).
			Dur("cooldown", l.profitCooldown).
			Msg("Fee collection inside cooldown, skipping")
		return FeeCollection{Skipped: true, SharesMinted: sdkmath.ZeroInt()}, nil
	}

	total := l.totalWith(invested)

	profit := total.Sub(l.checkpoint.Assets)
	if profit.IsNegative() {
		profit = sdkmath.ZeroInt()
	}
	perfAssets := types.ApplyBps(profit, l.fees.PerfBps)

	// mgmt = totalAssets * mgmtBps * elapsedSeconds / (10000 * YEAR)
	elapsedSec := int64(elapsed / time.Second)
	mgmtAssets := total.
		Mul(sdkmath.NewInt(l.fees.MgmtBps)).
		Mul(sdkmath.NewInt(elapsedSec)).
		Quo(sdkmath.NewInt(types.BpsDenominator * types.SecondsPerYear))

	feeAssets := perfAssets.Add(mgmtAssets)
	shares := l.convertToShares(feeAssets, total)

	if shares.IsPositive() {
		l.totalSupply = l.totalSupply.Add(shares)
		l.balances[l.feeCollector] = l.balanceOf(l.feeCollector).Add(shares)
	}

	price := l.sharePrice(total)
	// The asset checkpoint only ratchets up: after a loss the vault must
	// recover past the old mark before performance fees accrue again.
	hwm := l.checkpoint.Assets
	if total.GT(hwm) {
		hwm = total
	}
	l.checkpoint = types.FeeCheckpoint{
		Assets:     hwm,
		SharePrice: price,
		Time:       now,
	}

	l.emitter.Emit(events.EventFeesCollected, map[string]string{
		"profit":        profit.String(),
		"perf_assets":   perfAssets.String(),
		"mgmt_assets":   mgmtAssets.String(),
		"shares_minted": shares.String(),
		"share_price":   price.String(),
		"elapsed_sec":   strconv.FormatInt(elapsedSec, 10),
	})

	l.logger.Info().
		Str("profit", profit.String()).
		Str("perfAssets", perfAssets.String()).
		Str("mgmtAssets", mgmtAssets.String()).
		Str("sharesMinted", shares.String()).
		Msg("Fees collected")

	return FeeCollection{
		Profit:       profit,
		PerfAssets:   perfAssets,
		MgmtAssets:   mgmtAssets,
		SharesMinted: shares,
	}, nil
}

// Checkpoint returns the last fee checkpoint.
func (l *Ledger) Checkpoint() types.FeeCheckpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint
}
