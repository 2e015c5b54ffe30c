/*

This file contains the vault-level accounting types shared by the ledger,
the request queue and the allocation engine.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

const (
	// BpsDenominator is the basis-point scale used for all fee and weight math.
	BpsDenominator = int64(10000)

	// MaxFeeBps is the protocol ceiling for any single fee component.
	MaxFeeBps = int64(5000)

	// SecondsPerYear is the management-fee accrual base.
	SecondsPerYear = int64(365 * 24 * 3600)
)

// Token describes the vault's base asset or one of the input tokens.
type Token struct {
	Denom    string `json:"denom"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Fees holds the vault fee schedule. All components are basis points and
// each must stay at or below MaxFeeBps.
type Fees struct {
	PerfBps  int64 `json:"perf_bps"`
	MgmtBps  int64 `json:"mgmt_bps"`
	EntryBps int64 `json:"entry_bps"`
	ExitBps  int64 `json:"exit_bps"`
}

// Valid reports whether every fee component is within the protocol ceiling.
func (f Fees) Valid() bool {
	for _, bps := range []int64{f.PerfBps, f.MgmtBps, f.EntryBps, f.ExitBps} {
		if bps < 0 || bps > MaxFeeBps {
			return false
		}
	}
	return true
}

// FeeCheckpoint is the high-water mark used by performance fee accrual.
type FeeCheckpoint struct {
	Assets     sdkmath.Int `json:"assets"`
	SharePrice sdkmath.Int `json:"share_price"`
	Time       time.Time   `json:"time"`
}

// ApplyBps returns amount * bps / 10000 with floor division.
func ApplyBps(amount sdkmath.Int, bps int64) sdkmath.Int {
	if amount.IsNil() || amount.IsZero() || bps == 0 {
		return sdkmath.ZeroInt()
	}
	return amount.Mul(sdkmath.NewInt(bps)).Quo(sdkmath.NewInt(BpsDenominator))
}
