/*

This file contains the types describing the up-to-eight parallel positions
("inputs") the allocation engine can deploy vault capital into.

*/

package types

// MaxInputs is the number of input slots the engine manages. Slot indices
// are stable: paired AMM inputs occupy an even/odd slot pair.
const MaxInputs = 8

// SlippageMode selects how the engine composes the per-input slippage
// tolerance across the swap leg and the stake leg of one operation.
type SlippageMode string

const (
	// SlippageCompounded applies a single doubled floor covering both legs
	// at once, checked against the end-to-end realized amount.
	SlippageCompounded SlippageMode = "compounded"
	// SlippagePerLeg checks the configured tolerance after each leg
	// separately, so the legs may compound to (1-s)^2 overall.
	SlippagePerLeg SlippageMode = "per_leg"
)

// Input is one configured position slot. A nil *Input in the engine's slot
// array means the slot is unused; there is no zero-value sentinel.
type Input struct {
	Token     Token  `json:"token"`
	WeightBps int64  `json:"weight_bps"`
	Paired    bool   `json:"paired"`   // even/odd AMM pair member
	Position  string `json:"position"` // adapter position handle (lp token, receipt denom, ...)
}

// InputSnapshot is the externally visible view of one slot, used by the
// web API and cycle snapshots.
type InputSnapshot struct {
	Slot      int    `json:"slot"`
	Denom     string `json:"denom"`
	Symbol    string `json:"symbol"`
	WeightBps int64  `json:"weight_bps"`
	Paired    bool   `json:"paired"`
	Invested  string `json:"invested"`
	Staged    string `json:"staged,omitempty"`
}
