package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/zonecount/internal/crossing"
)

// timestampLayout is fixed width so that lexical order in SQLite matches
// chronological order and the first 13 bytes identify the hour.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timestampLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timestampLayout, s) }

// WriteEvents stores the batch in one transaction: either every event is
// committed or none is.
func (db *DB) WriteEvents(ctx context.Context, events []crossing.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logf("warning: failed to rollback transaction: %v", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO counting_events (zone_id, run_id, event_type, tracker_id, timestamp)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, ev := range events {
		kind, err := ev.Kind.MarshalText()
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ZoneID, ev.RunID, string(kind), ev.TrackID, formatTime(ev.Timestamp)); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// TimeRange bounds an event query. Nil ends are open; set ends are inclusive.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

func (r TimeRange) where(clauses []string, args []any) ([]string, []any) {
	if r.Start != nil {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, formatTime(*r.Start))
	}
	if r.End != nil {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, formatTime(*r.End))
	}
	return clauses, args
}

// EventCounts are the persisted totals for one zone.
type EventCounts struct {
	ZoneID  int64 `json:"zone_id"`
	Entries int64 `json:"entries"`
	Exits   int64 `json:"exits"`
}

// CountEvents counts entries and exits for zoneID within r.
func (db *DB) CountEvents(ctx context.Context, zoneID int64, r TimeRange) (EventCounts, error) {
	clauses, args := r.where([]string{"zone_id = ?"}, []any{zoneID})
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN event_type = 'entry' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event_type = 'exit' THEN 1 ELSE 0 END), 0)
		FROM counting_events
		WHERE ` + strings.Join(clauses, " AND ")

	out := EventCounts{ZoneID: zoneID}
	if err := db.QueryRowContext(ctx, query, args...).Scan(&out.Entries, &out.Exits); err != nil {
		return EventCounts{}, fmt.Errorf("count events: %w", err)
	}
	return out, nil
}

// LatestEvent returns the most recent event for zoneID, or nil if the zone
// has none.
func (db *DB) LatestEvent(ctx context.Context, zoneID int64) (*crossing.Event, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, zone_id, run_id, event_type, tracker_id, timestamp
		FROM counting_events
		WHERE zone_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, zoneID)

	var (
		ev   crossing.Event
		kind string
		ts   string
	)
	err := row.Scan(&ev.ID, &ev.ZoneID, &ev.RunID, &kind, &ev.TrackID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ev.Kind, err = crossing.ParseKind(kind); err != nil {
		return nil, err
	}
	if ev.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	return &ev, nil
}

// HourlyCount is one hour bucket of crossings.
type HourlyCount struct {
	Hour    time.Time `json:"hour"`
	Entries int64     `json:"entries"`
	Exits   int64     `json:"exits"`
}

// HourlyCounts rolls events for zoneID within r up into UTC hour buckets,
// oldest first. Hours without events are omitted.
func (db *DB) HourlyCounts(ctx context.Context, zoneID int64, r TimeRange) ([]HourlyCount, error) {
	clauses, args := r.where([]string{"zone_id = ?"}, []any{zoneID})
	rows, err := db.QueryContext(ctx, `
		SELECT
			substr(timestamp, 1, 13) AS hour,
			SUM(CASE WHEN event_type = 'entry' THEN 1 ELSE 0 END),
			SUM(CASE WHEN event_type = 'exit' THEN 1 ELSE 0 END)
		FROM counting_events
		WHERE `+strings.Join(clauses, " AND ")+`
		GROUP BY hour
		ORDER BY hour`, args...)
	if err != nil {
		return nil, fmt.Errorf("hourly counts: %w", err)
	}
	defer rows.Close()

	out := []HourlyCount{}
	for rows.Next() {
		var (
			hour string
			hc   HourlyCount
		)
		if err := rows.Scan(&hour, &hc.Entries, &hc.Exits); err != nil {
			return nil, err
		}
		if hc.Hour, err = time.Parse("2006-01-02T15", hour); err != nil {
			return nil, fmt.Errorf("hour bucket %q: %w", hour, err)
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}
