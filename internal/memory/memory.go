// Package memory implements the fact-first memory layer: claim extraction
// into a keyed fact table with conflict tracking, hashed bag-of-words
// vectors, per-source trust, causal edges, and tier-based lifecycle.
package memory

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"azimind/internal/logging"
	"azimind/internal/store"
)

// Index is the memory subsystem over the shared runtime database.
type Index struct {
	db  *sql.DB
	st  *store.Store
	log *logging.Logger
}

// New binds the memory layer to the runtime store.
func New(st *store.Store) *Index {
	return &Index{db: st.DB(), st: st, log: logging.Get(logging.CategoryMemory)}
}

// IngestStats summarizes one ingestion pass.
type IngestStats struct {
	Facts     int `json:"facts"`
	Vectors   int `json:"vectors"`
	Conflicts int `json:"conflicts"`
	Edges     int `json:"edges"`
}

// IngestEvent extracts claims from one event, indexes a vector, updates
// source trust and causal edges, then re-tiers memory.
func (ix *Index) IngestEvent(eventID int64, source, content string, meta map[string]any) (IngestStats, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return IngestStats{}, nil
	}

	claims := ExtractClaims(text)
	if len(claims) > 24 {
		claims = claims[:24]
	}
	var stats IngestStats
	for _, claim := range claims {
		inserted, err := ix.upsertFact(eventID, source, claim, meta)
		if err != nil {
			return stats, err
		}
		if inserted {
			stats.Facts++
		}
	}

	today := nowISO()[:10]
	if err := ix.db.QueryRow(
		"SELECT COUNT(1) FROM fact_conflicts WHERE source=? AND ts>=?",
		source, today).Scan(&stats.Conflicts); err != nil {
		return stats, fmt.Errorf("count conflicts: %w", err)
	}

	if err := ix.indexVector(eventID, source, text); err != nil {
		return stats, err
	}
	stats.Vectors = 1

	edges, err := ix.upsertCausalEdges(eventID, source, text)
	if err != nil {
		return stats, err
	}
	stats.Edges = edges

	if err := ix.UpdateSourceTrust(source, sourceQuality(source)); err != nil {
		return stats, err
	}
	if err := ix.RunLifecycle(); err != nil {
		return stats, err
	}
	ix.log.Debug("event #%d ingested: %d facts, %d edges, %d conflicts", eventID, stats.Facts, stats.Edges, stats.Conflicts)
	return stats, nil
}

var claimSplitter = regexp.MustCompile(`[。！？?!;\n]+`)

// ExtractClaims splits text into sentence-level claims, dropping fragments
// under 6 characters and truncating each at 400.
func ExtractClaims(text string) []string {
	parts := claimSplitter.Split(text, -1)
	var out []string
	for _, part := range parts {
		s := strings.TrimSpace(part)
		r := []rune(s)
		if len(r) < 6 {
			continue
		}
		if len(r) > 400 {
			s = string(r[:400])
		}
		out = append(out, s)
	}
	return out
}

func truncRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// SplitClaimTriplet decomposes a claim into subject, predicate, object.
// Connectives are checked in fixed order; an unstructured claim keeps its
// full text under the "states" predicate.
func SplitClaimTriplet(claim string) (string, string, string) {
	s := strings.TrimSpace(claim)
	if i := strings.Index(s, "->"); i >= 0 {
		return truncRunes(strings.TrimSpace(s[:i]), 80), "leads_to", truncRunes(strings.TrimSpace(s[i+2:]), 200)
	}
	if i := strings.Index(s, "导致"); i >= 0 {
		return truncRunes(strings.TrimSpace(s[:i]), 80), "causes", truncRunes(strings.TrimSpace(s[i+len("导致"):]), 200)
	}
	if strings.Contains(s, "因为") && strings.Contains(s, "所以") {
		i := strings.Index(s, "所以")
		subject := strings.ReplaceAll(s[:i], "因为", "")
		return truncRunes(strings.TrimSpace(subject), 80), "therefore", truncRunes(strings.TrimSpace(s[i+len("所以"):]), 200)
	}
	if i := strings.Index(s, "是"); i >= 0 {
		return truncRunes(strings.TrimSpace(s[:i]), 80), "is", truncRunes(strings.TrimSpace(s[i+len("是"):]), 200)
	}
	tokens := Tokenize(s)
	if len(tokens) >= 3 {
		return truncRunes(tokens[0], 80), truncRunes(tokens[1], 32), truncRunes(strings.Join(tokens[2:], " "), 200)
	}
	return truncRunes(s, 80), "states", truncRunes(s, 200)
}

func factKey(subject, predicate, objectText string) string {
	raw := NormalizeClaim(subject) + "|" + NormalizeClaim(predicate) + "|" + NormalizeClaim(objectText)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

var (
	wsRun        = regexp.MustCompile(`\s+`)
	claimStrip   = regexp.MustCompile(`[^\w\x{4e00}-\x{9fff} ]+`)
	hedgeMarkers = []string{"可能", "大概", "maybe", "perhaps"}
)

// NormalizeClaim lowercases, collapses whitespace, and strips punctuation so
// restatements of one claim map to the same key.
func NormalizeClaim(text string) string {
	t := strings.TrimSpace(wsRun.ReplaceAllString(strings.ToLower(text), " "))
	t = claimStrip.ReplaceAllString(t, "")
	return truncRunes(t, 400)
}

func claimConfidence(claim string) float64 {
	base := 0.52
	lengthBonus := float64(len(claim)) / 500.0
	if lengthBonus > 0.18 {
		lengthBonus = 0.18
	}
	hedge := 0.0
	for _, marker := range hedgeMarkers {
		if strings.Contains(claim, marker) {
			hedge = 0.08
			break
		}
	}
	return clamp(base+lengthBonus-hedge, 0.1, 0.95)
}

func blendConfidence(confidence float64, conflictCount int) float64 {
	penalty := float64(conflictCount) * 0.05
	if penalty > 0.35 {
		penalty = 0.35
	}
	return clamp(confidence-penalty, 0.1, 0.95)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// upsertFact inserts a new fact or folds a restatement into the existing
// row. Returns true only for brand-new claims.
func (ix *Index) upsertFact(eventID int64, source, claim string, meta map[string]any) (bool, error) {
	ts := nowISO()
	subject, predicate, obj := SplitClaimTriplet(claim)
	key := factKey(subject, predicate, obj)
	confidence := claimConfidence(claim)
	metaJSON, err := json.Marshal(meta)
	if err != nil || meta == nil {
		metaJSON = []byte("{}")
	}

	var id int64
	var existingText string
	var supportCount, conflictCount int
	err = ix.db.QueryRow(
		"SELECT id, claim_text, support_count, conflict_count FROM fact_memory WHERE claim_key=?",
		key).Scan(&id, &existingText, &supportCount, &conflictCount)
	if err == sql.ErrNoRows {
		_, err = ix.db.Exec(
			`INSERT INTO fact_memory(
				claim_key, claim_text, subject, predicate, object_text, confidence,
				support_count, conflict_count, source, first_seen_event_id, last_seen_event_id,
				first_seen_ts, last_seen_ts, tier, lifecycle_score, meta_json
			) VALUES(?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?, ?, ?, 'warm', 0.0, ?)`,
			key, claim, subject, predicate, obj, confidence,
			source, eventID, eventID, ts, ts, string(metaJSON))
		if err != nil {
			return false, fmt.Errorf("insert fact: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup fact: %w", err)
	}

	if NormalizeClaim(existingText) != NormalizeClaim(claim) {
		if _, err := ix.db.Exec(
			`INSERT INTO fact_conflicts(ts, claim_key, existing_fact_id, incoming_claim, existing_claim, source, note)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			ts, key, id, claim, existingText, source, "same key but different text"); err != nil {
			return false, fmt.Errorf("record conflict: %w", err)
		}
		conflictCount++
	}

	// The longer phrasing wins as canonical text.
	keep := claim
	if len(claim) < len(existingText) {
		keep = existingText
	}
	if _, err := ix.db.Exec(
		`UPDATE fact_memory
		 SET claim_text=?, confidence=?, support_count=?, conflict_count=?,
		     source=?, last_seen_event_id=?, last_seen_ts=?, meta_json=?
		 WHERE claim_key=?`,
		keep, blendConfidence(confidence, conflictCount), supportCount+1, conflictCount,
		source, eventID, ts, string(metaJSON), key); err != nil {
		return false, fmt.Errorf("update fact: %w", err)
	}
	return false, nil
}

// UpdateSourceTrust folds one quality signal into the source's trust score
// with a sample-count-dependent smoothing factor.
func (ix *Index) UpdateSourceTrust(source string, quality float64) error {
	ts := nowISO()
	quality = clamp(quality, 0, 1)

	var old float64
	var samples int
	err := ix.db.QueryRow(
		"SELECT trust_score, sample_count FROM source_trust WHERE source=?", source).Scan(&old, &samples)
	if err == sql.ErrNoRows {
		_, err = ix.db.Exec(
			"INSERT INTO source_trust(source, trust_score, sample_count, updated_ts) VALUES(?, ?, 1, ?)",
			source, quality, ts)
		if err != nil {
			return fmt.Errorf("insert source trust: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup source trust: %w", err)
	}

	denom := float64(samples + 1)
	if denom < 3 {
		denom = 3
	}
	if denom > 50 {
		denom = 50
	}
	alpha := 1.0 / denom
	updated := (1.0-alpha)*old + alpha*quality
	if _, err := ix.db.Exec(
		"UPDATE source_trust SET trust_score=?, sample_count=?, updated_ts=? WHERE source=?",
		updated, samples+1, ts, source); err != nil {
		return fmt.Errorf("update source trust: %w", err)
	}
	return nil
}

// SourceTrust returns the trust score for one source, defaulting to 0.6.
func (ix *Index) SourceTrust(source string) float64 {
	var score float64
	err := ix.db.QueryRow("SELECT trust_score FROM source_trust WHERE source=?", source).Scan(&score)
	if err != nil {
		return 0.6
	}
	return score
}

func sourceQuality(source string) float64 {
	low := strings.ToLower(source)
	for _, prefix := range []string{"manual", "brain", "deep-worker", "health"} {
		if strings.HasPrefix(low, prefix) {
			return 0.80
		}
	}
	switch {
	case strings.Contains(low, "web"):
		return 0.55
	case strings.Contains(low, "social"):
		return 0.52
	case strings.Contains(low, "device"):
		return 0.50
	}
	return 0.60
}

// upsertCausalEdges extracts directional relations from the text.
func (ix *Index) upsertCausalEdges(eventID int64, source, text string) (int, error) {
	lines := ExtractClaims(text)
	if len(lines) > 16 {
		lines = lines[:16]
	}
	count := 0
	for _, line := range lines {
		var subject, predicate, object string
		switch {
		case strings.Contains(line, "导致"):
			i := strings.Index(line, "导致")
			subject, predicate, object = strings.TrimSpace(line[:i]), "causes", strings.TrimSpace(line[i+len("导致"):])
		case strings.Contains(line, "->"):
			i := strings.Index(line, "->")
			subject, predicate, object = strings.TrimSpace(line[:i]), "leads_to", strings.TrimSpace(line[i+2:])
		case strings.Contains(line, "因为") && strings.Contains(line, "所以"):
			i := strings.Index(line, "所以")
			subject = strings.TrimSpace(strings.ReplaceAll(line[:i], "因为", ""))
			predicate, object = "therefore", strings.TrimSpace(line[i+len("所以"):])
		default:
			continue
		}
		if _, err := ix.db.Exec(
			`INSERT INTO causal_edges(subject, predicate, object_text, weight, source, last_event_id, updated_ts)
			 VALUES(?, ?, ?, 0.5, ?, ?, ?)`,
			truncRunes(subject, 120), predicate, truncRunes(object, 180), source, eventID, nowISO()); err != nil {
			return count, fmt.Errorf("insert causal edge: %w", err)
		}
		count++
	}
	return count, nil
}

// RunLifecycle re-tiers vectors by recency and facts by support, conflict,
// and age.
func (ix *Index) RunLifecycle() error {
	var maxID sql.NullInt64
	if err := ix.db.QueryRow("SELECT MAX(id) FROM memory_vectors").Scan(&maxID); err != nil {
		return fmt.Errorf("lifecycle max vector id: %w", err)
	}
	if maxID.Int64 <= 0 {
		return nil
	}

	if _, err := ix.db.Exec(
		`UPDATE memory_vectors SET tier = CASE
			WHEN ? - id <= 30 THEN 'short'
			WHEN ? - id <= 200 THEN 'mid'
			WHEN ? - id <= 1200 THEN 'long'
			ELSE 'crystal' END`,
		maxID.Int64, maxID.Int64, maxID.Int64); err != nil {
		return fmt.Errorf("lifecycle tier vectors: %w", err)
	}

	var maxFactEvent sql.NullInt64
	if err := ix.db.QueryRow("SELECT MAX(last_seen_event_id) FROM fact_memory").Scan(&maxFactEvent); err != nil {
		return fmt.Errorf("lifecycle max fact event: %w", err)
	}

	rows, err := ix.db.Query("SELECT id, support_count, conflict_count, last_seen_event_id FROM fact_memory")
	if err != nil {
		return fmt.Errorf("lifecycle read facts: %w", err)
	}
	type tierUpdate struct {
		id    int64
		tier  string
		score float64
	}
	var updates []tierUpdate
	for rows.Next() {
		var id, lastSeen int64
		var support, conflict int
		if err := rows.Scan(&id, &support, &conflict, &lastSeen); err != nil {
			rows.Close()
			return err
		}
		age := maxFactEvent.Int64 - lastSeen
		if age < 0 {
			age = 0
		}
		lifecycle := float64(support) - 0.6*float64(conflict) - 0.002*float64(age)
		tier := "archive"
		switch {
		case lifecycle >= 3.0:
			tier = "hot"
		case lifecycle >= 1.0:
			tier = "warm"
		case lifecycle >= -0.5:
			tier = "cold"
		}
		updates = append(updates, tierUpdate{id: id, tier: tier, score: lifecycle})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, u := range updates {
		if _, err := ix.db.Exec(
			"UPDATE fact_memory SET tier=?, lifecycle_score=? WHERE id=?",
			u.tier, u.score, u.id); err != nil {
			return fmt.Errorf("lifecycle update fact: %w", err)
		}
	}
	return nil
}
