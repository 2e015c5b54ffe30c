/*

This file persists vault events to the database. PersistentEmitter plugs
into the same Emitter interface the in-memory sinks implement, so the
ledger, queue, engine and allocator stay unaware of where events land.

*/

package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openyield/yvm/internal/events"
)

// PersistentEmitter writes every emitted event to the vault_events table.
// Persistence failures are logged, never propagated: event storage must not
// abort accounting operations.
type PersistentEmitter struct{}

func (PersistentEmitter) Emit(name string, attributes map[string]string) {
	if DB == nil {
		return
	}

	attrsJSON, err := json.Marshal(attributes)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to marshal event attributes")
		return
	}

	_, err = DB.Exec(
		`INSERT INTO vault_events (event_name, event_timestamp, attributes) VALUES ($1, $2, $3);`,
		name, time.Now(), attrsJSON,
	)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to persist event")
	}
}

// GetRecentEvents returns the most recent events, newest first. An empty
// name returns events of every kind.
func GetRecentEvents(name string, limit int) ([]events.Event, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT event_name, event_timestamp, attributes
		FROM vault_events
		WHERE ($1 = '' OR event_name = $1)
		ORDER BY event_timestamp DESC
		LIMIT $2;
	`

	rows, err := DB.Query(query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var attrsJSON []byte
		if err := rows.Scan(&ev.Name, &ev.Timestamp, &attrsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &ev.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event attributes: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
