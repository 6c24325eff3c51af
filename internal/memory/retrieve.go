package memory

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

const vectorDim = 64

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05")
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_\x{4e00}-\x{9fff}]+`)

// Tokenize lowercases and extracts word and CJK runs.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// TextToVector hashes tokens into a signed 64-dim bag-of-words vector,
// L2-normalized.
func TextToVector(text string) []float64 {
	vec := make([]float64, vectorDim)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return vec
	}
	for _, token := range tokens {
		sum := md5.Sum([]byte(token))
		h := binary.BigEndian.Uint64(sum[8:])
		idx := h % vectorDim
		sign := 1.0
		if (h>>1)&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine over two already-normalized vectors.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func (ix *Index) indexVector(eventID int64, source, content string) error {
	vec := TextToVector(content)
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	_, err = ix.db.Exec(
		`INSERT INTO memory_vectors(event_id, source, content, vector_json, norm, score, tier, ts)
		 VALUES(?, ?, ?, ?, ?, 0.0, 'short', ?)`,
		eventID, source, truncRunes(content, 2000), string(vecJSON), math.Sqrt(norm), nowISO())
	if err != nil {
		return fmt.Errorf("index vector: %w", err)
	}
	return nil
}

// Fact is one retrieved claim with its combined score.
type Fact struct {
	ID              int64   `json:"id"`
	ClaimText       string  `json:"claim_text"`
	Confidence      float64 `json:"confidence"`
	Source          string  `json:"source"`
	SupportCount    int     `json:"support_count"`
	ConflictCount   int     `json:"conflict_count"`
	LastSeenEventID int64   `json:"last_seen_event_id"`
	TrustScore      float64 `json:"trust_score"`
	Score           float64 `json:"score"`
}

// VectorHit is one retrieved vector row with its similarity.
type VectorHit struct {
	ID      int64   `json:"id"`
	EventID int64   `json:"event_id"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Tier    string  `json:"tier"`
	Score   float64 `json:"score"`
}

// Retrieval bundles the two retrieval channels.
type Retrieval struct {
	Facts   []Fact      `json:"facts"`
	Vectors []VectorHit `json:"vectors"`
}

// FactFirstRetrieve ranks recent non-archived facts by token overlap,
// confidence, and source trust.
func (ix *Index) FactFirstRetrieve(query string, topK int) ([]Fact, error) {
	qTokens := map[string]bool{}
	for _, t := range Tokenize(query) {
		qTokens[t] = true
	}
	rows, err := ix.db.Query(
		`SELECT f.id, f.claim_text, f.confidence, f.support_count, f.conflict_count,
		        f.source, f.last_seen_event_id, COALESCE(s.trust_score, 0.5)
		 FROM fact_memory AS f
		 LEFT JOIN source_trust AS s ON s.source = f.source
		 WHERE f.tier IN ('hot','warm','cold')
		 ORDER BY f.last_seen_event_id DESC
		 LIMIT 800`)
	if err != nil {
		return nil, fmt.Errorf("fact retrieve: %w", err)
	}
	defer rows.Close()

	var scored []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.ClaimText, &f.Confidence, &f.SupportCount,
			&f.ConflictCount, &f.Source, &f.LastSeenEventID, &f.TrustScore); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		overlap := 0.0
		if len(qTokens) > 0 {
			claimTokens := map[string]bool{}
			for _, t := range Tokenize(f.ClaimText) {
				claimTokens[t] = true
			}
			hits := 0
			for t := range qTokens {
				if claimTokens[t] {
					hits++
				}
			}
			overlap = float64(hits) / float64(len(qTokens))
		}
		f.Score = 0.50*overlap + 0.30*f.Confidence + 0.20*f.TrustScore
		scored = append(scored, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK < 1 {
		topK = 1
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// VectorRetrieve ranks the last 1000 vectors by cosine similarity.
func (ix *Index) VectorRetrieve(query string, topK int) ([]VectorHit, error) {
	q := TextToVector(query)
	rows, err := ix.db.Query(
		`SELECT id, event_id, source, content, vector_json, tier
		 FROM memory_vectors
		 WHERE tier IN ('short','mid','long','crystal')
		 ORDER BY id DESC
		 LIMIT 1000`)
	if err != nil {
		return nil, fmt.Errorf("vector retrieve: %w", err)
	}
	defer rows.Close()

	var scored []VectorHit
	for rows.Next() {
		var hit VectorHit
		var vecJSON string
		if err := rows.Scan(&hit.ID, &hit.EventID, &hit.Source, &hit.Content, &vecJSON, &hit.Tier); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			continue
		}
		if len(vec) > vectorDim {
			vec = vec[:vectorDim]
		}
		hit.Score = Cosine(q, vec)
		scored = append(scored, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK < 1 {
		topK = 1
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// HybridRetrieve runs both retrieval channels.
func (ix *Index) HybridRetrieve(query string, topK int) (Retrieval, error) {
	facts, err := ix.FactFirstRetrieve(query, topK)
	if err != nil {
		return Retrieval{}, err
	}
	vectors, err := ix.VectorRetrieve(query, topK)
	if err != nil {
		return Retrieval{}, err
	}
	return Retrieval{Facts: facts, Vectors: vectors}, nil
}
