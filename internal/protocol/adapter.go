/*

This file contains the narrow contracts the core requires from protocol
integrations. Every concrete adapter (lending market, AMM, bridge wrapper)
is an interchangeable implementation of these interfaces and lives outside
this repository.

*/

package protocol

import (
	sdkmath "cosmossdk.io/math"
)

// Adapter stakes and unstakes one input token into its yield-bearing
// representation. Adapters may silently accrue dust; callers must re-read
// InvestedValue around each operation rather than trusting return values.
type Adapter interface {
	// Stake deploys amount of the input token and returns the amount the
	// protocol actually accepted.
	Stake(amount sdkmath.Int) (sdkmath.Int, error)

	// Unstake recovers amount (denominated in the vault asset) from the
	// position and returns the input-token amount actually released.
	Unstake(amount sdkmath.Int) (sdkmath.Int, error)

	// InvestedValue reports the position's current value in vault-asset
	// base units.
	InvestedValue() (sdkmath.Int, error)
}

// PairAdapter is the optional capability for AMM positions needing two
// correlated tokens. Support is detected once at configuration time by type
// assertion and cached; it is never probed at runtime.
type PairAdapter interface {
	Adapter

	// Ratio returns the position's current token0/token1 ratio as a pair of
	// integers (amount1 per amount0).
	Ratio() (sdkmath.Int, sdkmath.Int, error)

	// StakePair deploys both legs together and returns the total value
	// accepted, in vault-asset base units.
	StakePair(amount0, amount1 sdkmath.Int) (sdkmath.Int, error)

	// UnstakePair liquidates both legs atomically and returns the amounts
	// released per leg.
	UnstakePair(amount sdkmath.Int) (sdkmath.Int, sdkmath.Int, error)
}

// SwapResult reports what a swap actually moved.
type SwapResult struct {
	Spent    sdkmath.Int
	Received sdkmath.Int
}

// Swapper executes slippage-checked token swaps given opaque, caller-built
// calldata. Failures are propagated, never retried.
type Swapper interface {
	DecodeAndSwap(inDenom, outDenom string, amount sdkmath.Int, params []byte) (SwapResult, error)
}

// StrategyPort is the allocator's view of one strategy entry point.
type StrategyPort interface {
	// Deposit transfers amount of capital into the strategy.
	Deposit(amount sdkmath.Int) error

	// Withdraw recalls amount from the strategy, enforcing minOut, and
	// returns the amount actually recovered.
	Withdraw(amount, minOut sdkmath.Int) (sdkmath.Int, error)

	// TotalAssets reports the strategy's own view of its holdings.
	TotalAssets() (sdkmath.Int, error)
}
