/*

This file contains the asynchronous request types. A request decouples a
user's intent to deposit or redeem from its settlement, which happens in a
later cycle once liquidity and oracle conditions allow.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// RequestKind distinguishes pending deposits from pending redemptions.
type RequestKind string

const (
	RequestDeposit RequestKind = "DEPOSIT"
	RequestRedeem  RequestKind = "REDEEM"
)

// RequestState is the lifecycle state of one request.
// NONE -> PENDING -> (CANCELED | CLAIMABLE) -> NONE.
type RequestState string

const (
	RequestStateNone      RequestState = "NONE"
	RequestStatePending   RequestState = "PENDING"
	RequestStateClaimable RequestState = "CLAIMABLE"
	RequestStateCanceled  RequestState = "CANCELED"
)

// Request is one pending deposit or redeem, keyed by operator. Amount is
// assets for deposits and shares for redemptions.
type Request struct {
	ID          string       `json:"id"`
	Kind        RequestKind  `json:"kind"`
	Operator    string       `json:"operator"`
	Owner       string       `json:"owner"`
	Amount      sdkmath.Int  `json:"amount"`
	AssetDenom  string       `json:"asset_denom"`
	RequestedAt time.Time    `json:"requested_at"`
	Deadline    time.Time    `json:"deadline,omitempty"`
	State       RequestState `json:"state"`
}

// Claimable is a settled balance waiting to be claimed by its operator.
// Amount is shares for settled deposits and assets for settled redemptions.
type Claimable struct {
	Kind       RequestKind `json:"kind"`
	Owner      string      `json:"owner"`
	Amount     sdkmath.Int `json:"amount"`
	AssetDenom string      `json:"asset_denom"`
	Deadline   time.Time   `json:"deadline,omitempty"`
	SettledAt  time.Time   `json:"settled_at"`
}
