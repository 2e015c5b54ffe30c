/*

This file contains the vault manager, the orchestrator that drives the
settlement/rebalance cycle. Each cycle settles queued redemptions (pulling
liquidity out of the allocation engine when the idle balance is short),
settles queued deposits, rebalances every input back to its weighted
target, and collects fees. A cycle snapshot is persisted at the end of
every cycle for off-chain reconciliation.

Requesters never trigger settlement themselves; the manager is the only
caller of the queue's settle transitions.

*/

package vault

import (
	"context"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openyield/yvm/internal/allocator"
	"github.com/openyield/yvm/internal/engine"
	"github.com/openyield/yvm/internal/ledger"
	"github.com/openyield/yvm/internal/logger"
	"github.com/openyield/yvm/internal/requests"
	"github.com/openyield/yvm/internal/types"
)

// CycleStore persists cycle bookkeeping. The database-backed implementation
// lives in internal/state; tests inject an in-memory one.
type CycleStore interface {
	IncrementCycleNumber() (int, error)
	SaveCycleSnapshot(snapshot types.CycleSnapshot) (int64, error)
}

// Manager drives the vault's settlement/rebalance cycle.
type Manager struct {
	logger    zerolog.Logger
	ledger    *ledger.Ledger
	queue     *requests.Queue
	engine    *engine.Engine
	allocator *allocator.Allocator
	store     CycleStore

	cycleCount int
}

// Config holds the configuration for creating a new Manager instance.
type Config struct {
	Ledger    *ledger.Ledger
	Queue     *requests.Queue
	Engine    *engine.Engine
	Allocator *allocator.Allocator
	Store     CycleStore
}

// NewManager creates a manager with dependency injection.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("request queue cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("allocation engine cannot be nil")
	}
	return &Manager{
		logger:    logger.GetForComponent("vault_manager"),
		ledger:    cfg.Ledger,
		queue:     cfg.Queue,
		engine:    cfg.Engine,
		allocator: cfg.Allocator,
		store:     cfg.Store,
	}, nil
}

// RunLoop starts the main settlement loop with the specified interval. The
// first cycle runs immediately.
func (m *Manager) RunLoop(ctx context.Context, interval time.Duration) {
	m.logger.Info().Dur("interval", interval).Msg("Starting vault manager loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.cycleCount++
	m.logger.Info().Int("cycle", m.cycleCount).Msg("Initiating settlement cycle")
	m.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Vault manager loop stopped due to context cancellation")
			return
		case <-ticker.C:
			m.cycleCount++
			m.logger.Info().Int("cycle", m.cycleCount).Msg("Initiating settlement cycle")
			m.RunCycle(ctx)
		}
	}
}

// RunCycle executes one complete settlement/rebalance cycle.
func (m *Manager) RunCycle(ctx context.Context) {
	cycleStartTime := time.Now()

	// Cycle ID for tracing logs across the entire cycle
	cycleID := uuid.New().String()
	cycleLogger := m.logger.With().Str("cycle_id", cycleID).Logger()

	cycleLogger.Info().Msg("--- Starting Settlement Cycle ---")

	snapshot := types.CycleSnapshot{
		CycleNumber: m.nextCycleNumber(),
		Timestamp:   cycleStartTime,
	}

	totalAssets, err := m.ledger.TotalAssets()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to read total assets.")
		return
	}
	sharePrice, err := m.ledger.SharePrice()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to read share price.")
		return
	}
	snapshot.InitialTotalAssets = totalAssets.String()
	snapshot.InitialAvailable = m.ledger.Available().String()
	snapshot.InitialSharePrice = sharePrice.String()

	assessed := cycleLogger.Info().
		Str("totalAssets", snapshot.InitialTotalAssets).
		Str("available", snapshot.InitialAvailable).
		Str("sharePrice", snapshot.InitialSharePrice)
	if m.allocator != nil {
		assessed = assessed.Str("chainDebt", m.allocator.TotalChainDebt().String())
	}
	assessed.Msg("Step 1: Vault state assessed")

	settledRedemptions, err := m.settleRedemptions(cycleLogger)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Redemption settlement failed.")
		return
	}
	snapshot.SettledRedemptions = settledRedemptions

	settledDeposits := m.settleDeposits(cycleLogger)
	snapshot.SettledDeposits = settledDeposits

	cycleLogger.Info().
		Int("deposits", settledDeposits).
		Int("redemptions", settledRedemptions).
		Msg("Step 2: Settlement complete")

	if err := m.rebalance(cycleLogger); err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Rebalance failed.")
		return
	}
	cycleLogger.Info().Msg("Step 3: Rebalance complete")

	collection, err := m.ledger.CollectFees()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Fee collection failed.")
		return
	}
	snapshot.FeeSharesMinted = collection.SharesMinted.String()
	cycleLogger.Info().
		Bool("skipped", collection.Skipped).
		Str("sharesMinted", collection.SharesMinted.String()).
		Msg("Step 4: Fees collected")

	finalTotal, err := m.ledger.TotalAssets()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to read final total assets.")
		finalTotal = totalAssets
	}
	finalPrice, err := m.ledger.SharePrice()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to read final share price.")
		finalPrice = sharePrice
	}
	snapshot.FinalTotalAssets = finalTotal.String()
	snapshot.FinalAvailable = m.ledger.Available().String()
	snapshot.FinalSharePrice = finalPrice.String()
	snapshot.FinalInputs = m.engine.InputSnapshots()

	m.saveCycleSnapshot(snapshot)

	cycleLogger.Info().
		Str("finalTotalAssets", snapshot.FinalTotalAssets).
		Str("finalAvailable", snapshot.FinalAvailable).
		Str("finalSharePrice", snapshot.FinalSharePrice).
		Str("cycleDuration", time.Since(cycleStartTime).String()).
		Msg("--- Settlement Cycle Completed ---")
}

// settleRedemptions works through pending redemptions in request order. When
// the idle balance cannot cover the next redemption the shortfall is pulled
// from the engine's most overweight inputs first.
func (m *Manager) settleRedemptions(cycleLogger zerolog.Logger) (int, error) {
	pending := m.queue.PendingRedemptions()
	if len(pending) == 0 {
		return 0, nil
	}

	needed := sdkmath.ZeroInt()
	for _, req := range pending {
		assets, err := m.ledger.PreviewRedeem(req.Amount)
		if err != nil {
			return 0, fmt.Errorf("preview redeem for %s: %w", req.Operator, err)
		}
		needed = needed.Add(assets)
	}

	available := m.ledger.Available()
	if needed.GT(available) {
		shortfall := needed.Sub(available)
		cycleLogger.Info().
			Str("needed", needed.String()).
			Str("available", available.String()).
			Str("shortfall", shortfall.String()).
			Msg("Liquidating inputs to cover redemptions")
		if err := m.liquidateShortfall(shortfall); err != nil {
			return 0, err
		}
	}

	settled := 0
	for _, req := range pending {
		assets, err := m.ledger.Redeem(req.Amount, req.Owner, req.Owner)
		if err != nil {
			cycleLogger.Error().Err(err).
				Str("operator", req.Operator).
				Msg("Redemption settlement failed, leaving request pending")
			continue
		}
		if err := m.queue.SettleRedeem(req.Operator, assets); err != nil {
			return settled, fmt.Errorf("settle redeem for %s: %w", req.Operator, err)
		}
		settled++
	}
	return settled, nil
}

// settleDeposits mints shares for pending deposits in request order. A
// failing deposit (cap reached, liquidity floor) stays pending for the next
// cycle rather than aborting the batch.
func (m *Manager) settleDeposits(cycleLogger zerolog.Logger) int {
	settled := 0
	for _, req := range m.queue.PendingDeposits() {
		shares, err := m.ledger.Deposit(req.Amount, req.Owner)
		if err != nil {
			cycleLogger.Warn().Err(err).
				Str("operator", req.Operator).
				Str("amount", req.Amount.String()).
				Msg("Deposit settlement deferred")
			continue
		}
		if err := m.queue.SettleDeposit(req.Operator, shares); err != nil {
			cycleLogger.Error().Err(err).
				Str("operator", req.Operator).
				Msg("Failed to mark deposit claimable")
			continue
		}
		settled++
	}
	return settled
}

// liquidateShortfall pulls amount out of the engine, draining the most
// overweight inputs first. Paired positions liquidate from the even slot.
func (m *Manager) liquidateShortfall(amount sdkmath.Int) error {
	totalAssets, err := m.ledger.TotalAssets()
	if err != nil {
		return err
	}
	excess := m.engine.Excess(totalAssets)

	targets := make([]sdkmath.Int, types.MaxInputs)
	for i := range targets {
		targets[i] = sdkmath.ZeroInt()
	}

	remaining := amount
	// Overweight inputs first, then pro-rata over whatever is invested.
	for pass := 0; pass < 2 && remaining.IsPositive(); pass++ {
		for idx := 0; idx < types.MaxInputs && remaining.IsPositive(); idx++ {
			var room sdkmath.Int
			if pass == 0 {
				room = excess[idx]
			} else {
				room = m.engine.Invested(idx).Sub(targets[idx])
			}
			if !room.IsPositive() {
				continue
			}
			take := sdkmath.MinInt(room, remaining)
			targets[idx] = targets[idx].Add(take)
			remaining = remaining.Sub(take)
		}
	}

	return m.engine.Liquidate(targets, make([][]byte, types.MaxInputs))
}

// rebalance moves every input back to its weighted target: overweight slots
// are liquidated, then underweight slots are funded from the idle balance.
func (m *Manager) rebalance(cycleLogger zerolog.Logger) error {
	totalAssets, err := m.ledger.TotalAssets()
	if err != nil {
		return err
	}
	excess := m.engine.Excess(totalAssets)

	// Pair legs share one excess figure on the even slot; funding is split
	// back across both legs at the pool's current reserve ratio, falling
	// back to the configured weights when the ratio cannot be read.
	weights := make(map[int]types.InputSnapshot)
	for _, snap := range m.engine.InputSnapshots() {
		weights[snap.Slot] = snap
	}

	liquidate := make([]sdkmath.Int, types.MaxInputs)
	invest := make([]sdkmath.Int, types.MaxInputs)
	anyLiquidate, anyInvest := false, false
	for idx := range excess {
		liquidate[idx] = sdkmath.ZeroInt()
		invest[idx] = sdkmath.ZeroInt()
	}
	for idx := range excess {
		if excess[idx].IsPositive() {
			liquidate[idx] = excess[idx]
			anyLiquidate = true
		} else if excess[idx].IsNegative() {
			deficit := excess[idx].Neg()
			snap := weights[idx]
			if snap.Paired && idx%2 == 0 {
				evenShare, oddShare, err := m.engine.PairSplit(idx, deficit)
				if err != nil {
					cycleLogger.Warn().Err(err).Int("slot", idx).
						Msg("Pool ratio unavailable, splitting pair deficit by weight")
					odd, ok := weights[idx+1]
					if !ok || snap.WeightBps+odd.WeightBps <= 0 {
						continue
					}
					evenShare = deficit.Mul(sdkmath.NewInt(snap.WeightBps)).
						Quo(sdkmath.NewInt(snap.WeightBps + odd.WeightBps))
					oddShare = deficit.Sub(evenShare)
				}
				invest[idx] = evenShare
				invest[idx+1] = oddShare
			} else {
				invest[idx] = deficit
			}
			anyInvest = true
		}
	}

	if anyLiquidate {
		if err := m.engine.Liquidate(liquidate, make([][]byte, types.MaxInputs)); err != nil {
			return fmt.Errorf("rebalance liquidation: %w", err)
		}
	}

	if anyInvest {
		// The idle balance caps what can be deployed this cycle; leftover
		// underweight carries to the next cycle.
		budget := m.ledger.Available()
		for idx := range invest {
			if !invest[idx].IsPositive() {
				continue
			}
			if invest[idx].GT(budget) {
				invest[idx] = budget
			}
			budget = budget.Sub(invest[idx])
		}
		if err := m.engine.Invest(invest, make([][]byte, types.MaxInputs)); err != nil {
			return fmt.Errorf("rebalance investment: %w", err)
		}
	}

	if !anyLiquidate && !anyInvest {
		cycleLogger.Info().Msg("All inputs at target, no rebalancing needed")
	}
	return nil
}

// nextCycleNumber increments and returns the persistent cycle counter.
func (m *Manager) nextCycleNumber() int {
	if m.store == nil {
		return m.cycleCount
	}
	n, err := m.store.IncrementCycleNumber()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to increment cycle number, using in-process counter")
		return m.cycleCount
	}
	return n
}

func (m *Manager) saveCycleSnapshot(snapshot types.CycleSnapshot) {
	if m.store == nil {
		return
	}
	snapshotID, err := m.store.SaveCycleSnapshot(snapshot)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to save cycle snapshot")
		return
	}
	m.logger.Info().Int64("snapshot_id", snapshotID).Msg("Cycle snapshot saved")
}
