/*

This file contains the asynchronous request queue. It owns the pending
deposit/redeem records and the claimable balances; it never touches ledger
state itself. Settlement is driven by the vault manager once liquidity and
oracle conditions allow, not by the requester.

State machine per operator:
NONE -> PENDING_DEPOSIT | PENDING_REDEEM -> (CANCELED | CLAIMABLE) -> NONE.

*/

package requests

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/logger"
	"github.com/openyield/yvm/internal/oracle"
	"github.com/openyield/yvm/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrZeroAmount         = errors.New("amount must be positive")
	ErrZeroAddress        = errors.New("address is zero")
	ErrWrongRequest       = errors.New("wrong request state")
	ErrMissingOracle      = errors.New("no price feed for vault asset")
	ErrNothingToClaim     = errors.New("nothing to claim")
	ErrTransactionExpired = errors.New("transaction expired")
	ErrWrongToken         = errors.New("underlying asset changed since request")
)

// Queue holds per-operator pending requests and claimable balances.
type Queue struct {
	mu sync.Mutex

	asset   types.Token
	oracle  oracle.PriceOracle
	emitter events.Emitter
	logger  zerolog.Logger
	now     func() time.Time

	pending   map[string]*types.Request
	claimable map[string]*types.Claimable

	totalDepositRequest    sdkmath.Int
	totalRedemptionRequest sdkmath.Int
	totalClaimableRedeem   sdkmath.Int
}

// NewQueue creates an empty request queue for the given vault asset.
func NewQueue(asset types.Token, priceOracle oracle.PriceOracle, emitter events.Emitter, now func() time.Time) *Queue {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		asset:                  asset,
		oracle:                 priceOracle,
		emitter:                emitter,
		logger:                 logger.GetForComponent("request_queue"),
		now:                    now,
		pending:                make(map[string]*types.Request),
		claimable:              make(map[string]*types.Claimable),
		totalDepositRequest:    sdkmath.ZeroInt(),
		totalRedemptionRequest: sdkmath.ZeroInt(),
		totalClaimableRedeem:   sdkmath.ZeroInt(),
	}
}

// SetAsset records a change of the vault's underlying asset. Claims created
// before the change fail with ErrWrongToken.
func (q *Queue) SetAsset(asset types.Token) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.asset = asset
}

// RequestDeposit admits a pending deposit for operator. A second concurrent
// request from the same operator is rejected, and admission requires a live
// price feed for the vault asset.
func (q *Queue) RequestDeposit(operator, owner string, assets sdkmath.Int, deadline time.Time) (types.Request, error) {
	return q.admit(types.RequestDeposit, operator, owner, assets, deadline)
}

// RequestRedeem admits a pending redemption of shares for operator.
func (q *Queue) RequestRedeem(operator, owner string, shares sdkmath.Int, deadline time.Time) (types.Request, error) {
	return q.admit(types.RequestRedeem, operator, owner, shares, deadline)
}

func (q *Queue) admit(kind types.RequestKind, operator, owner string, amount sdkmath.Int, deadline time.Time) (types.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if operator == "" || owner == "" {
		return types.Request{}, ErrZeroAddress
	}
	if amount.IsNil() || !amount.IsPositive() {
		return types.Request{}, ErrZeroAmount
	}
	if _, exists := q.pending[operator]; exists {
		return types.Request{}, fmt.Errorf("%w: operator %s already has a pending request", ErrWrongRequest, operator)
	}
	if _, exists := q.claimable[operator]; exists {
		return types.Request{}, fmt.Errorf("%w: operator %s has an unclaimed settlement", ErrWrongRequest, operator)
	}
	if q.oracle != nil && !q.oracle.HasFeed(q.asset.Denom) {
		return types.Request{}, fmt.Errorf("%w: %s", ErrMissingOracle, q.asset.Denom)
	}

	req := &types.Request{
		ID:          uuid.New().String(),
		Kind:        kind,
		Operator:    operator,
		Owner:       owner,
		Amount:      amount,
		AssetDenom:  q.asset.Denom,
		RequestedAt: q.now(),
		Deadline:    deadline,
		State:       types.RequestStatePending,
	}
	q.pending[operator] = req

	eventName := events.EventDepositRequest
	if kind == types.RequestRedeem {
		eventName = events.EventRedeemRequest
		q.totalRedemptionRequest = q.totalRedemptionRequest.Add(amount)
	} else {
		q.totalDepositRequest = q.totalDepositRequest.Add(amount)
	}
	q.emitter.Emit(eventName, map[string]string{
		"request_id": req.ID,
		"operator":   operator,
		"owner":      owner,
		"amount":     amount.String(),
	})

	q.logger.Info().
		Str("requestId", req.ID).
		Str("operator", operator).
		Str("kind", string(kind)).
		Str("amount", amount.String()).
		Msg("Request admitted")

	return *req, nil
}

// CancelDepositRequest cancels operator's pending deposit. Cancellation is
// always permitted before settlement; the returned request tells the caller
// what escrow to refund.
func (q *Queue) CancelDepositRequest(operator string) (types.Request, error) {
	return q.cancel(types.RequestDeposit, operator)
}

// CancelRedeemRequest cancels operator's pending redemption.
func (q *Queue) CancelRedeemRequest(operator string) (types.Request, error) {
	return q.cancel(types.RequestRedeem, operator)
}

func (q *Queue) cancel(kind types.RequestKind, operator string) (types.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.pending[operator]
	if !exists || req.Kind != kind {
		return types.Request{}, fmt.Errorf("%w: no pending %s for operator %s", ErrWrongRequest, kind, operator)
	}
	delete(q.pending, operator)
	req.State = types.RequestStateCanceled

	eventName := events.EventDepositRequestCanceled
	if kind == types.RequestRedeem {
		eventName = events.EventRedeemRequestCanceled
		q.totalRedemptionRequest = q.totalRedemptionRequest.Sub(req.Amount)
	} else {
		q.totalDepositRequest = q.totalDepositRequest.Sub(req.Amount)
	}
	q.emitter.Emit(eventName, map[string]string{
		"request_id": req.ID,
		"operator":   operator,
		"amount":     req.Amount.String(),
	})

	return *req, nil
}

// SettleDeposit transitions operator's pending deposit to claimable with
// the shares minted for it. Only the vault manager calls this.
func (q *Queue) SettleDeposit(operator string, shares sdkmath.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.pending[operator]
	if !exists || req.Kind != types.RequestDeposit {
		return fmt.Errorf("%w: no pending deposit for operator %s", ErrWrongRequest, operator)
	}
	delete(q.pending, operator)
	q.totalDepositRequest = q.totalDepositRequest.Sub(req.Amount)

	q.claimable[operator] = &types.Claimable{
		Kind:       types.RequestDeposit,
		Owner:      req.Owner,
		Amount:     shares,
		AssetDenom: req.AssetDenom,
		Deadline:   req.Deadline,
		SettledAt:  q.now(),
	}
	return nil
}

// SettleRedeem transitions operator's pending redemption to claimable with
// the assets released for it.
func (q *Queue) SettleRedeem(operator string, assets sdkmath.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.pending[operator]
	if !exists || req.Kind != types.RequestRedeem {
		return fmt.Errorf("%w: no pending redemption for operator %s", ErrWrongRequest, operator)
	}
	delete(q.pending, operator)
	q.totalRedemptionRequest = q.totalRedemptionRequest.Sub(req.Amount)
	q.totalClaimableRedeem = q.totalClaimableRedeem.Add(assets)

	q.claimable[operator] = &types.Claimable{
		Kind:       types.RequestRedeem,
		Owner:      req.Owner,
		Amount:     assets,
		AssetDenom: req.AssetDenom,
		Deadline:   req.Deadline,
		SettledAt:  q.now(),
	}
	return nil
}

// Claim releases operator's settled balance. Deadlines are checked here,
// at claim time only; an expired claim fails with ErrTransactionExpired.
func (q *Queue) Claim(operator string) (types.Claimable, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	claim, exists := q.claimable[operator]
	if !exists {
		return types.Claimable{}, fmt.Errorf("%w: operator %s", ErrNothingToClaim, operator)
	}
	if !claim.Deadline.IsZero() && q.now().After(claim.Deadline) {
		return types.Claimable{}, ErrTransactionExpired
	}
	if claim.AssetDenom != q.asset.Denom {
		return types.Claimable{}, fmt.Errorf("%w: requested against %s, vault now holds %s",
			ErrWrongToken, claim.AssetDenom, q.asset.Denom)
	}

	delete(q.claimable, operator)
	if claim.Kind == types.RequestRedeem {
		q.totalClaimableRedeem = q.totalClaimableRedeem.Sub(claim.Amount)
	}

	q.logger.Info().
		Str("operator", operator).
		Str("kind", string(claim.Kind)).
		Str("amount", claim.Amount.String()).
		Msg("Claim released")

	return *claim, nil
}

// Pending returns operator's pending request, if any.
func (q *Queue) Pending(operator string) (types.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.pending[operator]
	if !ok {
		return types.Request{}, false
	}
	return *req, true
}

// PendingDeposits returns all pending deposits ordered by request time.
func (q *Queue) PendingDeposits() []types.Request {
	return q.pendingOfKind(types.RequestDeposit)
}

// PendingRedemptions returns all pending redemptions ordered by request time.
func (q *Queue) PendingRedemptions() []types.Request {
	return q.pendingOfKind(types.RequestRedeem)
}

func (q *Queue) pendingOfKind(kind types.RequestKind) []types.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []types.Request
	for _, req := range q.pending {
		if req.Kind == kind {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// TotalDepositRequest returns the aggregate pending deposit assets.
func (q *Queue) TotalDepositRequest() sdkmath.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDepositRequest
}

// TotalRedemptionRequest returns the aggregate pending redemption shares.
func (q *Queue) TotalRedemptionRequest() sdkmath.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalRedemptionRequest
}

// TotalClaimableRedemption returns the aggregate settled, unclaimed assets.
func (q *Queue) TotalClaimableRedemption() sdkmath.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalClaimableRedeem
}
