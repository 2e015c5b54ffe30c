/*

This file contains the strategy allocator. It keeps the registry of
whitelisted strategies, routes capital to them in batches, and tracks the
per-strategy debt (capital handed out and not yet recalled). Debt is the
allocator's own book; strategy-reported balances are never trusted for
accounting, only for diagnostics.

A panicked strategy accepts no further deposits. Panic liquidation is the
one path that tolerates recovering less than the booked debt: the shortfall
is written off and emitted as a loss.

*/

package allocator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/openyield/yvm/internal/events"
	"github.com/openyield/yvm/internal/logger"
	"github.com/openyield/yvm/internal/protocol"
	"github.com/openyield/yvm/internal/types"
)

// Error definitions for zero-tolerance error handling
var (
	ErrIncorrectArrayLengths = errors.New("strategy and amount arrays differ in length")
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrNotWhitelisted        = errors.New("strategy is not whitelisted")
	ErrUnknownStrategy       = errors.New("strategy is not registered")
	ErrStrategyPanicked      = errors.New("strategy is panicked")
	ErrMaxDepositReached     = errors.New("deposit would exceed the strategy's max deposit")
	ErrStrategyHasDebt       = errors.New("strategy still has outstanding debt")
	ErrDebtOutOfBounds       = errors.New("debt update out of bounds")
	ErrAmountTooLow          = errors.New("recovered amount below slippage floor")
)

// Treasury is the allocator's view of the ledger's idle balance.
type Treasury interface {
	Available() sdkmath.Int
	Draw(amount sdkmath.Int) error
	Credit(amount sdkmath.Int) error
}

type strategy struct {
	record types.StrategyRecord
	port   protocol.StrategyPort
}

// Allocator routes capital between the treasury and registered strategies.
type Allocator struct {
	mu sync.Mutex

	treasury       Treasury
	emitter        events.Emitter
	logger         zerolog.Logger
	now            func() time.Time
	maxSlippageBps int64

	strategies map[string]*strategy
}

// Config holds the parameters for creating an Allocator.
type Config struct {
	Treasury       Treasury
	Emitter        events.Emitter
	MaxSlippageBps int64
	Now            func() time.Time
}

// NewAllocator creates an allocator with an empty registry.
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.Treasury == nil {
		return nil, fmt.Errorf("treasury cannot be nil")
	}
	if cfg.MaxSlippageBps < 0 || cfg.MaxSlippageBps >= types.BpsDenominator {
		return nil, fmt.Errorf("max slippage bps out of range: %d", cfg.MaxSlippageBps)
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Allocator{
		treasury:       cfg.Treasury,
		emitter:        cfg.Emitter,
		logger:         logger.GetForComponent("allocator"),
		now:            cfg.Now,
		maxSlippageBps: cfg.MaxSlippageBps,
		strategies:     make(map[string]*strategy),
	}, nil
}

// AddStrategy registers a whitelisted strategy with a deposit ceiling.
func (a *Allocator) AddStrategy(name string, port protocol.StrategyPort, maxDeposit sdkmath.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if name == "" {
		return fmt.Errorf("strategy name cannot be empty")
	}
	if port == nil {
		return fmt.Errorf("strategy port cannot be nil for %s", name)
	}
	if _, exists := a.strategies[name]; exists {
		return fmt.Errorf("strategy %s is already registered", name)
	}
	if maxDeposit.IsNil() || maxDeposit.IsNegative() {
		return fmt.Errorf("max deposit for %s is invalid", name)
	}

	a.strategies[name] = &strategy{
		record: types.StrategyRecord{
			Name:        name,
			MaxDeposit:  maxDeposit,
			Debt:        sdkmath.ZeroInt(),
			Whitelisted: true,
			AddedAt:     a.now(),
		},
		port: port,
	}
	a.emitter.Emit(events.EventStrategyAdded, map[string]string{
		"strategy":    name,
		"max_deposit": maxDeposit.String(),
	})
	a.logger.Info().Str("strategy", name).Str("maxDeposit", maxDeposit.String()).Msg("Strategy added")
	return nil
}

// SetMaxDeposit updates a strategy's deposit ceiling. Lowering it below the
// current debt is allowed; it only blocks further deposits.
func (a *Allocator) SetMaxDeposit(name string, maxDeposit sdkmath.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(name)
	if err != nil {
		return err
	}
	if maxDeposit.IsNil() || maxDeposit.IsNegative() {
		return fmt.Errorf("max deposit for %s is invalid", name)
	}
	s.record.MaxDeposit = maxDeposit
	a.emitter.Emit(events.EventMaxDepositUpdated, map[string]string{
		"strategy":    name,
		"max_deposit": maxDeposit.String(),
	})
	return nil
}

// SetPanic flips a strategy's panic flag. The flag is sticky: only this
// admin path clears it, never a successful operation.
func (a *Allocator) SetPanic(name string, panicked bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(name)
	if err != nil {
		return err
	}
	s.record.Panicked = panicked
	a.emitter.Emit(events.EventPanicSet, map[string]string{
		"strategy": name,
		"panicked": fmt.Sprintf("%t", panicked),
	})
	a.logger.Warn().Str("strategy", name).Bool("panicked", panicked).Msg("Panic flag updated")
	return nil
}

// DispatchAssets pushes amounts[i] into strategies[i] in one batch. The
// whole batch is validated before any capital moves, so a bad entry cannot
// leave a partial dispatch behind.
func (a *Allocator) DispatchAssets(names []string, amounts []sdkmath.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(names) != len(amounts) {
		return fmt.Errorf("%w: %d strategies, %d amounts", ErrIncorrectArrayLengths, len(names), len(amounts))
	}

	for i, name := range names {
		s, err := a.lookup(name)
		if err != nil {
			return err
		}
		amount := amounts[i]
		if amount.IsNil() || !amount.IsPositive() {
			return fmt.Errorf("%w: strategy %s", ErrZeroAmount, name)
		}
		if !s.record.Whitelisted {
			return fmt.Errorf("%w: %s", ErrNotWhitelisted, name)
		}
		if s.record.Panicked {
			return fmt.Errorf("%w: %s", ErrStrategyPanicked, name)
		}
		if s.record.Debt.Add(amount).GT(s.record.MaxDeposit) {
			return fmt.Errorf("%w: %s debt %s + %s > %s",
				ErrMaxDepositReached, name, s.record.Debt, amount, s.record.MaxDeposit)
		}
	}

	for i, name := range names {
		s := a.strategies[name]
		amount := amounts[i]

		if err := a.treasury.Draw(amount); err != nil {
			return fmt.Errorf("draw for strategy %s: %w", name, err)
		}
		if err := s.port.Deposit(amount); err != nil {
			// Capital never left the vault; put it back and stop the batch.
			if cerr := a.treasury.Credit(amount); cerr != nil {
				a.logger.Error().Err(cerr).Str("strategy", name).Msg("Failed to return drawn liquidity after deposit failure")
			}
			return fmt.Errorf("deposit into strategy %s: %w", name, err)
		}

		s.record.Debt = s.record.Debt.Add(amount)
		a.emitter.Emit(events.EventDepositInStrategy, map[string]string{
			"strategy": name,
			"amount":   amount.String(),
		})
		a.emitChainDebt()
	}
	return nil
}

// LiquidateStrategy recalls amount from a strategy, enforcing the slippage
// floor on the recovered assets. Recovering more than the booked debt books
// the surplus as yield (debt floors at zero).
func (a *Allocator) LiquidateStrategy(name string, amount sdkmath.Int) (sdkmath.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(name)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if amount.IsNil() || !amount.IsPositive() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: strategy %s", ErrZeroAmount, name)
	}

	minOut := a.slippageFloor(amount)
	recovered, err := s.port.Withdraw(amount, minOut)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("withdraw from strategy %s: %w", name, err)
	}
	if recovered.LT(minOut) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: strategy %s recovered %s, floor %s",
			ErrAmountTooLow, name, recovered, minOut)
	}

	if err := a.treasury.Credit(recovered); err != nil {
		return sdkmath.ZeroInt(), err
	}

	s.record.Debt = s.record.Debt.Sub(amount)
	if s.record.Debt.IsNegative() {
		s.record.Debt = sdkmath.ZeroInt()
	}
	a.emitter.Emit(events.EventStrategyUpdate, map[string]string{
		"strategy":  name,
		"recovered": recovered.String(),
		"debt":      s.record.Debt.String(),
	})
	a.emitChainDebt()
	return recovered, nil
}

// PanicLiquidateStrategy marks the strategy panicked and pulls everything
// it can, accepting losses. The shortfall against booked debt is written
// off and reported, never silently absorbed.
func (a *Allocator) PanicLiquidateStrategy(name string) (sdkmath.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(name)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}

	s.record.Panicked = true
	debt := s.record.Debt

	recovered := sdkmath.ZeroInt()
	if debt.IsPositive() {
		recovered, err = s.port.Withdraw(debt, sdkmath.ZeroInt())
		if err != nil {
			return sdkmath.ZeroInt(), fmt.Errorf("panic withdraw from strategy %s: %w", name, err)
		}
		if err := a.treasury.Credit(recovered); err != nil {
			return sdkmath.ZeroInt(), err
		}
	}

	if recovered.LT(debt) {
		a.emitter.Emit(events.EventLosses, map[string]string{
			"strategy": name,
			"amount":   debt.Sub(recovered).String(),
		})
	}
	s.record.Debt = sdkmath.ZeroInt()

	a.emitter.Emit(events.EventPanicLiquidate, map[string]string{
		"strategy":  name,
		"debt":      debt.String(),
		"recovered": recovered.String(),
	})
	a.emitChainDebt()
	a.logger.Warn().
		Str("strategy", name).
		Str("debt", debt.String()).
		Str("recovered", recovered.String()).
		Msg("Strategy panic liquidated")
	return recovered, nil
}

// RetireStrategy removes a strategy from the registry. Retirement requires
// the debt to be fully recalled first.
func (a *Allocator) RetireStrategy(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(name)
	if err != nil {
		return err
	}
	if s.record.Debt.IsPositive() {
		return fmt.Errorf("%w: %s owes %s", ErrStrategyHasDebt, name, s.record.Debt)
	}
	delete(a.strategies, name)
	a.logger.Info().Str("strategy", name).Msg("Strategy retired")
	return nil
}

// UpdateStrategyDebt corrects a registered strategy's booked debt, bounded
// by its deposit ceiling. Used when a strategy restructures its position
// out of band.
func (a *Allocator) UpdateStrategyDebt(name string, debt sdkmath.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(name)
	if err != nil {
		return err
	}
	if debt.IsNil() || debt.IsNegative() || debt.GT(s.record.MaxDeposit) {
		return fmt.Errorf("%w: strategy %s debt %s, ceiling %s", ErrDebtOutOfBounds, name, debt, s.record.MaxDeposit)
	}
	s.record.Debt = debt
	a.emitter.Emit(events.EventStrategyUpdate, map[string]string{
		"strategy": name,
		"debt":     debt.String(),
	})
	a.emitChainDebt()
	return nil
}

// TotalChainDebt returns the sum of booked debt across all strategies.
func (a *Allocator) TotalChainDebt() sdkmath.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalDebtLocked()
}

// TotalInvested reports the booked debt as deployed capital, letting the
// allocator serve as an invested source for the share ledger.
func (a *Allocator) TotalInvested() (sdkmath.Int, error) {
	return a.TotalChainDebt(), nil
}

// Strategy returns the record for one strategy.
func (a *Allocator) Strategy(name string) (types.StrategyRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(name)
	if err != nil {
		return types.StrategyRecord{}, err
	}
	return s.record, nil
}

// StrategyMap returns the externally visible view of the registry, ordered
// by name for stable output.
func (a *Allocator) StrategyMap() []types.StrategySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.strategies))
	for name := range a.strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]types.StrategySnapshot, 0, len(names))
	for _, name := range names {
		s := a.strategies[name]
		r := s.record
		snap := types.StrategySnapshot{
			Name:        r.Name,
			MaxDeposit:  r.MaxDeposit.String(),
			Debt:        r.Debt.String(),
			Whitelisted: r.Whitelisted,
			Panicked:    r.Panicked,
			AddedAt:     r.AddedAt,
		}
		// The strategy's own balance is diagnostic only; an unreachable
		// strategy must not break the whole registry view.
		if held, err := s.port.TotalAssets(); err != nil {
			a.logger.Warn().Err(err).Str("strategy", name).Msg("Failed to read strategy balance")
		} else {
			snap.TotalAssetsAvailable = held.String()
		}
		out = append(out, snap)
	}
	return out
}

func (a *Allocator) lookup(name string) (*strategy, error) {
	s, exists := a.strategies[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s, nil
}

func (a *Allocator) totalDebtLocked() sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, s := range a.strategies {
		total = total.Add(s.record.Debt)
	}
	return total
}

func (a *Allocator) slippageFloor(expected sdkmath.Int) sdkmath.Int {
	return expected.Mul(sdkmath.NewInt(types.BpsDenominator - a.maxSlippageBps)).Quo(sdkmath.NewInt(types.BpsDenominator))
}

func (a *Allocator) emitChainDebt() {
	a.emitter.Emit(events.EventChainDebtUpdate, map[string]string{
		"total_chain_debt": a.totalDebtLocked().String(),
	})
}
