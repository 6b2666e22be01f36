package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter mirrors normalized events into Postgres using multi-row
// INSERT. Writes are idempotent: replayed batches hit the event_id
// conflict and are dropped by the database.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// AppendNormalized writes a batch of normalized events to
// event_log.events. Identity columns are lifted out of the map for
// indexing; the full event travels in the payload column.
func (w *EventLogWriter) AppendNormalized(ctx context.Context, events []map[string]any) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(event_id, event_type, trader_id, market_id, product_type, event_time, payload)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}

		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			stringField(evt, "event_id"),
			stringField(evt, "event_type"),
			stringField(evt, "trader_id"),
			stringField(evt, "market_id"),
			stringField(evt, "product_type"),
			timestampField(evt),
			payload,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert event batch: %w", err)
	}
	return nil
}

func stringField(evt map[string]any, key string) string {
	if s, ok := evt[key].(string); ok {
		return s
	}
	return ""
}

// timestampField parses the normalized timestamp, or nil when absent or
// unparseable so the insert still succeeds with the payload intact.
func timestampField(evt map[string]any) *time.Time {
	s, ok := evt["timestamp"].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
