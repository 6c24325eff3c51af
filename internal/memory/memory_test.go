package memory

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/store"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestExtractClaims(t *testing.T) {
	claims := ExtractClaims("disk usage is high。need cleanup soon！ok\nmonitoring looks stable; hi")
	require.Equal(t, []string{"disk usage is high", "need cleanup soon", "monitoring looks stable"}, claims)
}

func TestSplitClaimTriplet(t *testing.T) {
	s, p, o := SplitClaimTriplet("low disk -> alert fires")
	require.Equal(t, "low disk", s)
	require.Equal(t, "leads_to", p)
	require.Equal(t, "alert fires", o)

	s, p, o = SplitClaimTriplet("内存泄漏导致服务重启")
	require.Equal(t, "内存泄漏", s)
	require.Equal(t, "causes", p)
	require.Equal(t, "服务重启", o)

	s, p, o = SplitClaimTriplet("因为磁盘满了所以写入失败")
	require.Equal(t, "磁盘满了", s)
	require.Equal(t, "therefore", p)
	require.Equal(t, "写入失败", o)

	s, p, o = SplitClaimTriplet("这是一个测试")
	require.Equal(t, "这", s)
	require.Equal(t, "is", p)
	require.Equal(t, "一个测试", o)

	_, p, _ = SplitClaimTriplet("short")
	require.Equal(t, "states", p)
}

func TestNormalizeClaimAndConfidence(t *testing.T) {
	require.Equal(t, "disk usage high", NormalizeClaim("  Disk   usage, HIGH!  "))

	plain := claimConfidence("the backup completed without issues")
	hedged := claimConfidence("the backup maybe completed")
	require.Greater(t, plain, hedged)
	require.GreaterOrEqual(t, hedged, 0.1)
	require.LessOrEqual(t, plain, 0.95)
}

func TestTextToVectorNormalized(t *testing.T) {
	vec := TextToVector("memory pressure rising in the cache layer")
	require.Len(t, vec, 64)
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	require.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)

	require.InDelta(t, 1.0, Cosine(vec, vec), 1e-9)
	require.Zero(t, Cosine(vec, nil))

	empty := TextToVector("!!! ...")
	require.Zero(t, Cosine(vec, empty))
}

func TestIngestAndRetrieve(t *testing.T) {
	ix := openIndex(t)

	stats, err := ix.IngestEvent(1, "manual", "disk usage is high -> cleanup needed。monitoring looks stable", nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Facts)
	require.Equal(t, 1, stats.Vectors)
	require.Equal(t, 1, stats.Edges)

	got, err := ix.HybridRetrieve("disk usage cleanup", 8)
	require.NoError(t, err)
	require.NotEmpty(t, got.Facts)
	require.NotEmpty(t, got.Vectors)
	require.Contains(t, got.Facts[0].ClaimText, "disk usage")
	require.Greater(t, got.Vectors[0].Score, 0.0)

	// Blank content is a no-op.
	stats, err = ix.IngestEvent(2, "manual", "   ", nil)
	require.NoError(t, err)
	require.Zero(t, stats.Vectors)
}

func TestConflictDetection(t *testing.T) {
	ix := openIndex(t)

	_, err := ix.IngestEvent(1, "manual", "primary db 是 healthy right now", nil)
	require.NoError(t, err)
	// Same subject and predicate, different object wording lands on a
	// different key, so force a same-key restatement instead.
	_, err = ix.IngestEvent(2, "manual", "primary db 是 healthy right now!!", nil)
	require.NoError(t, err)

	var conflicts int
	require.NoError(t, ix.db.QueryRow("SELECT COUNT(1) FROM fact_conflicts").Scan(&conflicts))
	require.Zero(t, conflicts, "punctuation-only restatement should not conflict")

	var support int
	require.NoError(t, ix.db.QueryRow("SELECT support_count FROM fact_memory").Scan(&support))
	require.Equal(t, 2, support)
}

func TestSourceTrustEMA(t *testing.T) {
	ix := openIndex(t)

	require.NoError(t, ix.UpdateSourceTrust("web_probe", 0.55))
	require.InDelta(t, 0.55, ix.SourceTrust("web_probe"), 1e-9)

	// Second sample blends with alpha 1/3.
	require.NoError(t, ix.UpdateSourceTrust("web_probe", 1.0))
	require.InDelta(t, 0.55+(1.0-0.55)/3.0, ix.SourceTrust("web_probe"), 1e-9)

	// Unknown sources read as the 0.6 baseline.
	require.InDelta(t, 0.6, ix.SourceTrust("nobody"), 1e-9)
}

func TestLifecycleTiers(t *testing.T) {
	ix := openIndex(t)

	for i := 0; i < 5; i++ {
		_, err := ix.IngestEvent(int64(i+1), "manual", "repeated observation about service load", nil)
		require.NoError(t, err)
	}
	var tier string
	var score float64
	require.NoError(t, ix.db.QueryRow("SELECT tier, lifecycle_score FROM fact_memory").Scan(&tier, &score))
	require.Equal(t, "hot", tier)
	require.GreaterOrEqual(t, score, 3.0)
}
