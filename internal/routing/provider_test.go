package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/config"
)

func TestCandidateURLs(t *testing.T) {
	cases := []struct {
		endpoint string
		want     []string
	}{
		{"https://api.example.com/v1/chat/completions",
			[]string{"https://api.example.com/v1/chat/completions"}},
		{"https://api.example.com/v1/responses/",
			[]string{"https://api.example.com/v1/responses"}},
		{"https://api.example.com/v1",
			[]string{"https://api.example.com/v1/chat/completions", "https://api.example.com/v1/responses"}},
		{"https://api.example.com",
			[]string{"https://api.example.com/v1/chat/completions", "https://api.example.com/v1/responses"}},
		{"", nil},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, candidateURLs(tc.endpoint), tc.endpoint)
	}
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    string
	}{
		{"chat choices", map[string]any{"choices": []any{
			map[string]any{"message": map[string]any{"content": "hello"}},
		}}, "hello"},
		{"legacy text", map[string]any{"choices": []any{
			map[string]any{"text": "legacy"},
		}}, "legacy"},
		{"output_text", map[string]any{"output_text": "direct"}, "direct"},
		{"responses output", map[string]any{"output": []any{
			map[string]any{"content": []any{
				map[string]any{"text": "part one"},
				map[string]any{"text": "part two"},
			}},
		}}, "part one\npart two"},
		{"loose answer", map[string]any{"answer": "loose"}, "loose"},
		{"plain string", "raw", "raw"},
		{"empty", map[string]any{"usage": map[string]any{}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, extractText(tc.payload))
		})
	}
}

func TestEstimateCostUSD(t *testing.T) {
	// glm-4.5 tier matches before the shorter glm-4 prefix.
	prompt := strings.Repeat("a", 4000)
	output := strings.Repeat("b", 1000)
	require.InDelta(t, 0.0013, EstimateCostUSD("glm-4.5-air", prompt, output), 1e-9)

	// Unknown models fall back to the default rates.
	require.InDelta(t, 0.00032, EstimateCostUSD("mystery-model",
		strings.Repeat("a", 400), strings.Repeat("b", 400)), 1e-9)

	// Minimum one token each side.
	require.Greater(t, EstimateCostUSD("qwen-max", "", ""), 0.0)
}

func TestGenerateStructuredResponseFallback(t *testing.T) {
	cfg := config.LLMConfig{
		APILiveEnabled: false,
		ProviderGroups: map[string][]string{"shallow_chain": {"shallow"}},
	}
	p := GenerateStructuredResponse(context.Background(), "shallow_chain",
		"check disk usage on node-3", "", cfg, TaskShallowReaction)

	require.False(t, p.LiveAPI)
	require.Equal(t, "fallback-local", p.Provider)
	require.Equal(t, "-", p.Model)
	require.Equal(t, "check disk usage on node-3", p.Summary)
	require.Equal(t, "Use shallow_chain to execute: check disk usage on node-3", p.NextStep)
	require.Equal(t, "[shallow_chain] check disk usage on node-3", p.Raw)
	require.Empty(t, p.Error)
	require.Equal(t, TaskShallowReaction, p.TaskType)

	out := p.Outcome()
	require.Equal(t, "fallback-local", out.Provider)
	require.False(t, out.LiveAPI)
}

func TestGenerateStructuredResponseLive(t *testing.T) {
	t.Setenv("AZIMIND_TEST_GUARD", "")
	t.Setenv("PYTEST_CURRENT_TEST", "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "m1", body["model"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{"content": "Scale the cache tier first."},
			}},
		})
	}))
	defer srv.Close()

	cfg := config.LLMConfig{
		APILiveEnabled: true,
		ProviderGroups: map[string][]string{"fast_chain": {"fast"}},
		Providers: map[string]config.ProviderConfig{
			"fast": {Provider: "api", Endpoint: srv.URL + "/v1/chat/completions",
				Model: "m1", APIKey: "test-key"},
		},
	}
	p := GenerateStructuredResponse(context.Background(), "fast_chain",
		"cache latency rising", "stabilize latency", cfg, TaskAnalysis)

	require.True(t, p.LiveAPI)
	require.Equal(t, "fast", p.Provider)
	require.Equal(t, "m1", p.Model)
	require.Equal(t, "Scale the cache tier first.", p.Summary)
	require.Equal(t, "Use fast(m1) to execute: Scale the cache tier first.", p.NextStep)
	require.True(t, strings.HasPrefix(p.Raw, "[fast:m1] "))
	require.Greater(t, p.EstimatedCostUSD, 0.0)
	require.Empty(t, p.Error)
}

func TestGenerateStructuredResponseLiveErrorsFallBack(t *testing.T) {
	t.Setenv("AZIMIND_TEST_GUARD", "")
	t.Setenv("PYTEST_CURRENT_TEST", "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.LLMConfig{
		APILiveEnabled: true,
		ProviderGroups: map[string][]string{"fast_chain": {"fast", "missing", "nokey"}},
		Providers: map[string]config.ProviderConfig{
			"fast": {Provider: "api", Endpoint: srv.URL + "/v1/chat/completions",
				Model: "m1", APIKey: "test-key"},
			"nokey": {Provider: "api", Endpoint: srv.URL + "/v1/chat/completions",
				Model: "m2", KeyEnv: "AZIMIND_NO_SUCH_KEY"},
		},
	}
	p := GenerateStructuredResponse(context.Background(), "fast_chain",
		"cache latency rising", "", cfg, TaskAnalysis)

	require.False(t, p.LiveAPI)
	require.Equal(t, "fallback-local", p.Provider)
	require.Contains(t, p.Error, "http_503@")
	require.Contains(t, p.Error, "provider_not_found:missing")
	require.Contains(t, p.Error, "provider_key_missing:nokey:AZIMIND_NO_SUCH_KEY")
}

func TestCallProviderGuards(t *testing.T) {
	ctx := context.Background()
	disabled := false
	res := callProvider(ctx, httpClient, "p1", config.ProviderConfig{Enabled: &disabled}, "x", "")
	require.Equal(t, "provider_disabled:p1", res.err)

	res = callProvider(ctx, httpClient, "p2", config.ProviderConfig{Provider: "quantum"}, "x", "")
	require.Equal(t, "provider_not_supported:p2:quantum", res.err)

	res = callProvider(ctx, httpClient, "p3", config.ProviderConfig{Provider: "api"}, "x", "")
	require.Equal(t, "provider_incomplete:p3", res.err)
}

func TestHTMLResponseRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<!doctype html><html>login</html>"))
	}))
	defer srv.Close()

	res := callHTTPProvider(context.Background(), httpClient, "p", config.ProviderConfig{
		Endpoint: srv.URL + "/v1/chat/completions", Model: "m", APIKey: "k",
	}, "prompt", "")
	require.False(t, res.ok)
	require.Contains(t, res.err, "html_response@")
}
