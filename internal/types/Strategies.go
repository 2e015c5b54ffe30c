/*

This file contains the allocator-level strategy types. The allocator treats
every strategy as an opaque debtor: it tracks the capital it has committed
("debt") independently of the strategy's own internal accounting.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// StrategyRecord is the allocator's book entry for one registered strategy.
type StrategyRecord struct {
	Name        string      `json:"name"`
	MaxDeposit  sdkmath.Int `json:"max_deposit"`
	Debt        sdkmath.Int `json:"debt"`
	Whitelisted bool        `json:"whitelisted"`
	Panicked    bool        `json:"panicked"`
	AddedAt     time.Time   `json:"added_at"`
}

// StrategySnapshot is the read-only view produced by the allocator's
// strategy map for off-chain and UI consumption.
type StrategySnapshot struct {
	Name                 string    `json:"name"`
	MaxDeposit           string    `json:"max_deposit"`
	Debt                 string    `json:"debt"`
	TotalAssetsAvailable string    `json:"total_assets_available"`
	Whitelisted          bool      `json:"whitelisted"`
	Panicked             bool      `json:"panicked"`
	AddedAt              time.Time `json:"added_at"`
}
