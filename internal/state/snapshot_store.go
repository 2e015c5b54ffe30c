// ./internal/state/snapshot_store.go
package state

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openyield/yvm/internal/types"
)

// SaveCycleSnapshot saves a complete cycle snapshot to the database.
func SaveCycleSnapshot(snapshot types.CycleSnapshot) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	finalInputsJSON, err := json.Marshal(snapshot.FinalInputs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal final_inputs: %w", err)
	}

	query := `
		INSERT INTO cycle_snapshots (
			cycle_number, snapshot_timestamp,
			initial_total_assets, initial_available, initial_share_price,
			settled_deposits, settled_redemptions,
			final_total_assets, final_available, final_share_price, final_inputs,
			fee_shares_minted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING snapshot_id;
	`

	var snapshotID int64
	err = DB.QueryRow(
		query,
		snapshot.CycleNumber, snapshot.Timestamp,
		snapshot.InitialTotalAssets, snapshot.InitialAvailable, snapshot.InitialSharePrice,
		snapshot.SettledDeposits, snapshot.SettledRedemptions,
		snapshot.FinalTotalAssets, snapshot.FinalAvailable, snapshot.FinalSharePrice, finalInputsJSON,
		snapshot.FeeSharesMinted,
	).Scan(&snapshotID)

	if err != nil {
		return 0, fmt.Errorf("failed to save cycle snapshot: %w", err)
	}

	log.Info().
		Int64("snapshot_id", snapshotID).
		Int("cycle_number", snapshot.CycleNumber).
		Str("final_total_assets", snapshot.FinalTotalAssets).
		Msg("Cycle snapshot saved to database")

	return snapshotID, nil
}

// GetRecentCycleSnapshots returns the most recent snapshots, newest first.
func GetRecentCycleSnapshots(limit int) ([]types.CycleSnapshot, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT snapshot_id, cycle_number, snapshot_timestamp,
		       initial_total_assets, initial_available, initial_share_price,
		       settled_deposits, settled_redemptions,
		       final_total_assets, final_available, final_share_price, final_inputs,
		       fee_shares_minted
		FROM cycle_snapshots
		ORDER BY snapshot_timestamp DESC
		LIMIT $1;
	`

	rows, err := DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.CycleSnapshot
	for rows.Next() {
		var snap types.CycleSnapshot
		var finalInputsJSON []byte
		err := rows.Scan(
			&snap.SnapshotID, &snap.CycleNumber, &snap.Timestamp,
			&snap.InitialTotalAssets, &snap.InitialAvailable, &snap.InitialSharePrice,
			&snap.SettledDeposits, &snap.SettledRedemptions,
			&snap.FinalTotalAssets, &snap.FinalAvailable, &snap.FinalSharePrice, &finalInputsJSON,
			&snap.FeeSharesMinted,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle snapshot: %w", err)
		}
		if len(finalInputsJSON) > 0 {
			if err := json.Unmarshal(finalInputsJSON, &snap.FinalInputs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal final_inputs: %w", err)
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Store adapts the package-level persistence functions to the vault
// manager's CycleStore dependency.
type Store struct{}

func (Store) IncrementCycleNumber() (int, error) {
	return IncrementCycleNumber()
}

func (Store) SaveCycleSnapshot(snapshot types.CycleSnapshot) (int64, error) {
	return SaveCycleSnapshot(snapshot)
}
