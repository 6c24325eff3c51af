package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"azimind/internal/types"
)

// InsertDecision records the outcome of one handled event.
func (s *Store) InsertDecision(eventID int64, action types.Action, reason, summary string, meta map[string]any) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO decisions(event_id, ts, action, reason, summary, meta_json)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		eventID, nowISO(), string(action), reason, summary, marshalMeta(meta))
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

// RecentDecisions returns the newest decisions first.
func (s *Store) RecentDecisions(limit int) ([]types.Decision, error) {
	rows, err := s.db.Query(
		`SELECT id, event_id, ts, action, reason, summary, meta_json
		 FROM decisions ORDER BY id DESC LIMIT ?`, clampLimit(limit, 200))
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()
	var out []types.Decision
	for rows.Next() {
		var d types.Decision
		var ts, action, meta string
		if err := rows.Scan(&d.ID, &d.EventID, &ts, &action, &d.Reason, &d.Summary, &meta); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.TS = parseTS(ts)
		d.Action = types.Action(action)
		d.Meta = parseMeta(meta)
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertProtocolFlow stores one protocol payload row.
func (s *Store) InsertProtocolFlow(eventID int64, kind, payloadJSON string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO protocol_flow(ts, event_id, kind, payload_json) VALUES(?, ?, ?, ?)`,
		nowISO(), eventID, kind, payloadJSON)
	if err != nil {
		return 0, fmt.Errorf("insert protocol flow: %w", err)
	}
	return res.LastInsertId()
}

// RecentProtocolFlows returns the newest protocol rows first.
func (s *Store) RecentProtocolFlows(limit int) ([]map[string]any, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, event_id, kind, payload_json
		 FROM protocol_flow ORDER BY id DESC LIMIT ?`, clampLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("recent protocol flows: %w", err)
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var id, eventID int64
		var ts, kind, payload string
		if err := rows.Scan(&id, &ts, &eventID, &kind, &payload); err != nil {
			return nil, err
		}
		var body any
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			body = payload
		}
		out = append(out, map[string]any{
			"id": id, "ts": ts, "event_id": eventID, "kind": kind, "payload": body,
		})
	}
	return out, rows.Err()
}

// ProtocolRecord is one protocol_flow row with its raw payload.
type ProtocolRecord struct {
	ID      int64
	TS      string
	EventID int64
	Kind    string
	Payload string
}

// RecentProtocolPayloads returns the newest rows of one kind, newest first.
func (s *Store) RecentProtocolPayloads(kind string, limit int) ([]ProtocolRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, event_id, kind, payload_json
		 FROM protocol_flow WHERE kind=? ORDER BY id DESC LIMIT ?`,
		kind, clampLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("recent protocol payloads: %w", err)
	}
	defer rows.Close()
	var out []ProtocolRecord
	for rows.Next() {
		var rec ProtocolRecord
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.EventID, &rec.Kind, &rec.Payload); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertProviderRoute records one routing resolution.
func (s *Store) InsertProviderRoute(eventID int64, action types.Action, providerGroup string, detail map[string]any) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO provider_routes(ts, event_id, action, provider_group, detail_json)
		 VALUES(?, ?, ?, ?, ?)`,
		nowISO(), eventID, string(action), providerGroup, marshalMeta(detail))
	if err != nil {
		return 0, fmt.Errorf("insert provider route: %w", err)
	}
	return res.LastInsertId()
}

// InsertContract stores one structured contract payload.
func (s *Store) InsertContract(eventID int64, kind, payloadJSON string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO contracts(ts, event_id, kind, payload_json) VALUES(?, ?, ?, ?)`,
		nowISO(), eventID, kind, payloadJSON)
	if err != nil {
		return 0, fmt.Errorf("insert contract: %w", err)
	}
	return res.LastInsertId()
}

// LatestContract returns the newest contract payload of one kind, or "".
func (s *Store) LatestContract(kind string) (string, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload_json FROM contracts WHERE kind=? ORDER BY id DESC LIMIT 1`,
		kind).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest contract: %w", err)
	}
	return payload, nil
}

// ContractRecord is one contracts row with its raw payload.
type ContractRecord struct {
	ID      int64
	TS      string
	EventID int64
	Kind    string
	Payload string
}

// RecentContracts returns the newest contracts of one kind, newest first.
func (s *Store) RecentContracts(kind string, limit int) ([]ContractRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, event_id, kind, payload_json
		 FROM contracts WHERE kind=? ORDER BY id DESC LIMIT ?`,
		kind, clampLimit(limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("recent contracts: %w", err)
	}
	defer rows.Close()
	var out []ContractRecord
	for rows.Next() {
		var rec ContractRecord
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.EventID, &rec.Kind, &rec.Payload); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendHealth writes one heartbeat row.
func (s *Store) AppendHealth(service, status, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO health(ts, service, status, detail) VALUES(?, ?, ?, ?)`,
		nowISO(), service, status, detail)
	if err != nil {
		return fmt.Errorf("append health: %w", err)
	}
	return nil
}

// RecentHealth returns the newest health rows first.
func (s *Store) RecentHealth(limit int) ([]types.HealthRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, service, status, detail FROM health ORDER BY id DESC LIMIT ?`,
		clampLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("recent health: %w", err)
	}
	defer rows.Close()
	var out []types.HealthRecord
	for rows.Next() {
		var h types.HealthRecord
		var ts string
		var detail any
		if err := rows.Scan(&h.ID, &ts, &h.Component, &h.Status, &detail); err != nil {
			return nil, err
		}
		h.TS = parseTS(ts)
		if d, ok := detail.(string); ok {
			h.Detail = d
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
