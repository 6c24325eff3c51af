package store

import "fmt"

// RecordDeepRun appends one publish-chain stage outcome.
func (s *Store) RecordDeepRun(eventID int64, stage, status, detailJSON string) error {
	if detailJSON == "" {
		detailJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO deep_runs(ts, event_id, stage, status, detail_json) VALUES(?, ?, ?, ?, ?)`,
		nowISO(), eventID, stage, status, detailJSON)
	if err != nil {
		return fmt.Errorf("record deep run: %w", err)
	}
	return nil
}

// RecordCanarySnapshot registers a written canary artifact.
func (s *Store) RecordCanarySnapshot(eventID int64, snapshotPath, status string) error {
	_, err := s.db.Exec(
		`INSERT INTO canary_snapshots(ts, event_id, snapshot_path, status) VALUES(?, ?, ?, ?)`,
		nowISO(), eventID, snapshotPath, status)
	if err != nil {
		return fmt.Errorf("record canary snapshot: %w", err)
	}
	return nil
}

// RecordEvalGate appends one eval-gate verdict.
func (s *Store) RecordEvalGate(eventID int64, gateName, status string, blocking bool, detailJSON string) error {
	if detailJSON == "" {
		detailJSON = "{}"
	}
	blockingInt := 0
	if blocking {
		blockingInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO eval_gates(ts, event_id, gate_name, status, blocking, detail_json) VALUES(?, ?, ?, ?, ?, ?)`,
		nowISO(), eventID, gateName, status, blockingInt, detailJSON)
	if err != nil {
		return fmt.Errorf("record eval gate: %w", err)
	}
	return nil
}

// EvalGateRecord is one row from the eval_gates ledger.
type EvalGateRecord struct {
	ID       int64
	TS       string
	EventID  int64
	GateName string
	Status   string
	Blocking bool
}

// RecentEvalGates returns the newest gate verdicts, newest first.
func (s *Store) RecentEvalGates(limit int) ([]EvalGateRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, event_id, gate_name, status, blocking
		 FROM eval_gates ORDER BY id DESC LIMIT ?`, clampLimit(limit, 200))
	if err != nil {
		return nil, fmt.Errorf("recent eval gates: %w", err)
	}
	defer rows.Close()

	var out []EvalGateRecord
	for rows.Next() {
		var rec EvalGateRecord
		var blocking int
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.EventID, &rec.GateName, &rec.Status, &blocking); err != nil {
			return nil, fmt.Errorf("scan eval gate: %w", err)
		}
		rec.Blocking = blocking == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}
