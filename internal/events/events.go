/*

This file contains the boundary event model. Every state-changing operation
on the ledger, the request queue, the engine and the allocator emits an
event carrying before/after or delta values so off-chain consumers can
reconcile state without replaying logic.

*/

package events

import (
	"sync"
	"time"
)

// Vault boundary event names.
const (
	EventDeposit                = "Deposit"
	EventWithdraw               = "Withdraw"
	EventDepositRequest         = "DepositRequest"
	EventRedeemRequest          = "RedeemRequest"
	EventDepositRequestCanceled = "DepositRequestCanceled"
	EventRedeemRequestCanceled  = "RedeemRequestCanceled"
	EventSharePriceUpdated      = "SharePriceUpdated"
	EventFeesCollected          = "FeesCollected"
	EventFeesUpdated            = "FeesUpdated"
	EventMaxTotalAssetsSet      = "MaxTotalAssetsSet"
)

// Allocator boundary event names.
const (
	EventChainDebtUpdate     = "ChainDebtUpdate"
	EventStrategyAdded       = "StrategyAdded"
	EventMaxDepositUpdated   = "MaxDepositUpdated"
	EventStratPositionUpdate = "StratPositionUpdated"
	EventStrategyUpdate      = "StrategyUpdate"
	EventDepositInStrategy   = "DepositInStrategy"
	EventLosses              = "Losses"
	EventPanicLiquidate      = "PanicLiquidate"
	EventPanicSet            = "PanicSet"
)

// Event is one emitted boundary event. Attributes hold stringified values
// so the store can persist them as JSONB without type negotiation.
type Event struct {
	Name       string            `json:"name"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives boundary events. Implementations must not fail the
// emitting operation; persistence errors are the emitter's problem.
type Emitter interface {
	Emit(name string, attributes map[string]string)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(string, map[string]string) {}

// Memory collects events in order, for tests and the web API's recent feed.
type Memory struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemory returns an in-memory emitter keeping at most limit events
// (0 means unbounded).
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Emit(name string, attributes map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Name: name, Timestamp: time.Now(), Attributes: attributes})
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
}

// Events returns a copy of the collected events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns the collected events matching name.
func (m *Memory) Named(name string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Tee fans one event out to several emitters.
type Tee []Emitter

func (t Tee) Emit(name string, attributes map[string]string) {
	for _, e := range t {
		e.Emit(name, attributes)
	}
}
