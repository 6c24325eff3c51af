package store

import (
	"fmt"

	"azimind/internal/types"
)

// StateVersion reads the current MVCC version.
func (s *Store) StateVersion() (int64, error) {
	var v int64
	if err := s.db.QueryRow("SELECT version FROM state_versions WHERE id=1").Scan(&v); err != nil {
		return 0, fmt.Errorf("read state version: %w", err)
	}
	return v, nil
}

func truncateNote(note string, n int) string {
	r := []rune(note)
	if len(r) > n {
		return string(r[:n])
	}
	return note
}

// AdvanceStateVersion bumps the version iff it still equals expected. It
// returns whether the compare-and-swap took, plus the version now on disk.
func (s *Store) AdvanceStateVersion(expected int64, actor, note string) (bool, int64, error) {
	res, err := s.db.Exec(
		`UPDATE state_versions
		 SET version = version + 1, updated_ts = ?, actor = ?, note = ?
		 WHERE id = 1 AND version = ?`,
		nowISO(), actor, truncateNote(note, 220), expected)
	if err != nil {
		return false, 0, fmt.Errorf("advance state version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("advance state version: %w", err)
	}
	current, err := s.StateVersion()
	if err != nil {
		return false, 0, err
	}
	return affected == 1, current, nil
}

// RecordCommitWindow appends one commit-window audit row.
func (s *Store) RecordCommitWindow(eventID int64, actor string, baseVersion, observedVersion int64, status types.CommitStatus, note string) error {
	_, err := s.db.Exec(
		`INSERT INTO commit_windows(ts, event_id, actor, base_version, observed_version, status, note)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		nowISO(), eventID, actor, baseVersion, observedVersion, string(status), truncateNote(note, 500))
	if err != nil {
		return fmt.Errorf("record commit window: %w", err)
	}
	return nil
}

// RecentCommitWindows returns the newest commit windows first.
func (s *Store) RecentCommitWindows(limit int) ([]types.CommitWindow, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, event_id, actor, base_version, observed_version, status, note
		 FROM commit_windows ORDER BY id DESC LIMIT ?`, clampLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("recent commit windows: %w", err)
	}
	defer rows.Close()
	var out []types.CommitWindow
	for rows.Next() {
		var w types.CommitWindow
		var ts, status string
		if err := rows.Scan(&w.ID, &ts, &w.EventID, &w.Actor, &w.BaseVersion, &w.ObservedVersion, &status, &w.Note); err != nil {
			return nil, err
		}
		w.TS = parseTS(ts)
		w.Status = types.CommitStatus(status)
		out = append(out, w)
	}
	return out, rows.Err()
}
