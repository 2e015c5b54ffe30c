/*

This file contains the cycle snapshot types persisted after every
settlement/rebalance cycle for off-chain reconciliation.

*/

package types

import "time"

// CycleSnapshot captures vault state around one settlement/rebalance cycle.
// All amounts are stringified base-unit integers of the vault asset.
type CycleSnapshot struct {
	SnapshotID  int64     `json:"snapshot_id,omitempty"`
	CycleNumber int       `json:"cycle_number"`
	Timestamp   time.Time `json:"timestamp"`

	// Pre-cycle state
	InitialTotalAssets string `json:"initial_total_assets"`
	InitialAvailable   string `json:"initial_available"`
	InitialSharePrice  string `json:"initial_share_price"`

	// Settlement work done this cycle
	SettledDeposits    int `json:"settled_deposits"`
	SettledRedemptions int `json:"settled_redemptions"`

	// Post-cycle state
	FinalTotalAssets string          `json:"final_total_assets"`
	FinalAvailable   string          `json:"final_available"`
	FinalSharePrice  string          `json:"final_share_price"`
	FinalInputs      []InputSnapshot `json:"final_inputs"`

	FeeSharesMinted string `json:"fee_shares_minted"`
}
