package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"azimind/internal/types"
)

func marshalMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func parseMeta(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func parseTS(raw string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AppendEvent appends one row to the event log and returns its id.
func (s *Store) AppendEvent(source, eventType, content string, meta map[string]any) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO events(ts, source, event_type, content, meta_json, brain_done, worker_done)
		 VALUES(?, ?, ?, ?, ?, 0, 0)`,
		nowISO(), source, eventType, content, marshalMeta(meta))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event id: %w", err)
	}
	s.log.Debug("event #%d appended: %s/%s", id, source, eventType)
	return id, nil
}

func clampLimit(n, max int) int {
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	defer rows.Close()
	var out []types.Event
	for rows.Next() {
		var e types.Event
		var ts, meta string
		if err := rows.Scan(&e.ID, &ts, &e.Source, &e.EventType, &e.Content, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TS = parseTS(ts)
		e.Meta = parseMeta(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// FetchPendingBrain returns up to max brain-track events, oldest first.
func (s *Store) FetchPendingBrain(max int) ([]types.Event, error) {
	args := make([]any, 0, len(types.BrainEventTypes)+1)
	for _, t := range types.BrainEventTypes {
		args = append(args, t)
	}
	args = append(args, clampLimit(max, 200))
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, ts, source, event_type, content, meta_json
		 FROM events
		 WHERE brain_done=0 AND event_type IN (%s)
		 ORDER BY id ASC LIMIT ?`, placeholders(len(types.BrainEventTypes))), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch pending brain: %w", err)
	}
	return scanEvents(rows)
}

// FetchPendingWorker returns up to max worker-track events, oldest first.
func (s *Store) FetchPendingWorker(max int) ([]types.Event, error) {
	args := make([]any, 0, len(types.WorkerEventTypes)+1)
	for _, t := range types.WorkerEventTypes {
		args = append(args, t)
	}
	args = append(args, clampLimit(max, 200))
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, ts, source, event_type, content, meta_json
		 FROM events
		 WHERE worker_done=0 AND event_type IN (%s)
		 ORDER BY id ASC LIMIT ?`, placeholders(len(types.WorkerEventTypes))), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch pending worker: %w", err)
	}
	return scanEvents(rows)
}

// MarkBrainDone flips the brain progress flag for one event.
func (s *Store) MarkBrainDone(eventID int64) error {
	_, err := s.db.Exec("UPDATE events SET brain_done=1 WHERE id=?", eventID)
	if err != nil {
		return fmt.Errorf("mark brain done: %w", err)
	}
	return nil
}

// MarkWorkerDone flips the worker progress flag for one event.
func (s *Store) MarkWorkerDone(eventID int64) error {
	_, err := s.db.Exec("UPDATE events SET worker_done=1 WHERE id=?", eventID)
	if err != nil {
		return fmt.Errorf("mark worker done: %w", err)
	}
	return nil
}

// RecentEventsByType returns the latest events of one type, most recent
// last, formatted as "[hh:mm:ss] content".
func (s *Store) RecentEventLines(eventType string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT ts, content FROM events WHERE event_type=? ORDER BY id DESC LIMIT ?`,
		eventType, clampLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("recent event lines: %w", err)
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var ts, content string
		if err := rows.Scan(&ts, &content); err != nil {
			return nil, err
		}
		lines = append(lines, formatEventLine(ts, content))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// LatestEventLine returns the newest event of one type as a display line,
// or "-" when none exists.
func (s *Store) LatestEventLine(eventType string) (string, error) {
	var ts, content string
	err := s.db.QueryRow(
		`SELECT ts, content FROM events WHERE event_type=? ORDER BY id DESC LIMIT 1`,
		eventType).Scan(&ts, &content)
	if err == sql.ErrNoRows {
		return "-", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest event line: %w", err)
	}
	return formatEventLine(ts, content), nil
}

func formatEventLine(ts, content string) string {
	short := ts
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	clean := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	r := []rune(clean)
	if len(r) > 180 {
		clean = string(r[:180])
	}
	return fmt.Sprintf("[%s] %s", short, clean)
}

// LatestEventDetail scans the newest events of the given types and returns
// the first matching the optional source and substring filters.
func (s *Store) LatestEventDetail(eventTypes []string, source, contentLike string, limitScan int) (*types.Event, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(eventTypes)+1)
	for _, t := range eventTypes {
		args = append(args, t)
	}
	args = append(args, clampLimit(limitScan, 500))
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, ts, source, event_type, content, meta_json
		 FROM events WHERE event_type IN (%s)
		 ORDER BY id DESC LIMIT ?`, placeholders(len(eventTypes))), args...)
	if err != nil {
		return nil, fmt.Errorf("latest event detail: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(contentLike))
	for i := range events {
		e := &events[i]
		if source != "" && e.Source != source {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(e.Content), needle) {
			continue
		}
		return e, nil
	}
	return nil, nil
}

// RecentEventsByTypes returns the newest events of the given types, newest
// first.
func (s *Store) RecentEventsByTypes(eventTypes []string, limit int) ([]types.Event, error) {
	if len(eventTypes) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(eventTypes)+1)
	for _, t := range eventTypes {
		args = append(args, t)
	}
	args = append(args, clampLimit(limit, 200))
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, ts, source, event_type, content, meta_json
		 FROM events WHERE event_type IN (%s)
		 ORDER BY id DESC LIMIT ?`, placeholders(len(eventTypes))), args...)
	if err != nil {
		return nil, fmt.Errorf("recent events by types: %w", err)
	}
	return scanEvents(rows)
}

// RecentEvents returns the newest events of any type, newest first.
func (s *Store) RecentEvents(limit int) ([]types.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, source, event_type, content, meta_json
		 FROM events ORDER BY id DESC LIMIT ?`, clampLimit(limit, 500))
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return scanEvents(rows)
}

// MaxEventID returns the highest event id, or 0 on an empty log.
func (s *Store) MaxEventID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(id) FROM events").Scan(&id); err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	return id.Int64, nil
}
