package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"azimind/internal/config"
	"azimind/internal/logging"
	"azimind/internal/state"
)

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05")
}

func truncRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// Payload is the structured response handed back to the caller, whether a
// live provider answered or the local fallback did.
type Payload struct {
	Group            string  `json:"group"`
	GeneratedAt      string  `json:"generated_at"`
	Summary          string  `json:"summary"`
	NextStep         string  `json:"next_step"`
	Raw              string  `json:"raw"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	LiveAPI          bool    `json:"live_api"`
	LatencyMS        int64   `json:"latency_ms"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	TaskType         string  `json:"task_type"`
	Error            string  `json:"error,omitempty"`
}

// Outcome converts the payload into the state-layer observation record.
func (p Payload) Outcome() state.RouteOutcome {
	return state.RouteOutcome{
		Provider:  p.Provider,
		Model:     p.Model,
		LiveAPI:   p.LiveAPI,
		Error:     p.Error,
		LatencyMS: float64(p.LatencyMS),
		CostUSD:   p.EstimatedCostUSD,
		Summary:   p.Summary,
	}
}

type callResult struct {
	ok        bool
	provider  string
	model     string
	text      string
	latencyMS int64
	err       string
}

func coerceTimeout(sec float64) time.Duration {
	if sec <= 0 {
		sec = 20
	}
	if sec < 3 {
		sec = 3
	}
	if sec > 90 {
		sec = 90
	}
	return time.Duration(sec * float64(time.Second))
}

// candidateURLs derives the concrete endpoint(s) to try from a configured
// base URL. Bare hosts get both the chat and responses shapes.
func candidateURLs(endpoint string) []string {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		return nil
	}
	if strings.HasSuffix(ep, "/chat/completions") || strings.HasSuffix(ep, "/responses") {
		return []string{ep}
	}
	if strings.HasSuffix(ep, "/v1") {
		return []string{ep + "/chat/completions", ep + "/responses"}
	}
	return []string{ep + "/v1/chat/completions", ep + "/v1/responses"}
}

// extractText pulls the answer out of the many response shapes providers
// use: chat choices, responses output, or loose answer/result fields.
func extractText(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case map[string]any:
		if choices, ok := v["choices"].([]any); ok && len(choices) > 0 {
			if ch0, ok := choices[0].(map[string]any); ok {
				if msg, ok := ch0["message"].(map[string]any); ok {
					if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
						return content
					}
				}
				if txt, ok := ch0["text"].(string); ok && strings.TrimSpace(txt) != "" {
					return txt
				}
			}
		}
		if out, ok := v["output_text"].(string); ok && strings.TrimSpace(out) != "" {
			return out
		}
		if output, ok := v["output"].([]any); ok {
			var chunks []string
			for _, item := range output {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				content, ok := m["content"].([]any)
				if !ok {
					continue
				}
				for _, part := range content {
					pm, ok := part.(map[string]any)
					if !ok {
						continue
					}
					if txt, ok := pm["text"].(string); ok && strings.TrimSpace(txt) != "" {
						chunks = append(chunks, txt)
					}
				}
			}
			if len(chunks) > 0 {
				return strings.Join(chunks, "\n")
			}
		}
		for _, key := range []string{"answer", "result", "content", "text"} {
			if val, ok := v[key].(string); ok && strings.TrimSpace(val) != "" {
				return val
			}
		}
	}
	return ""
}

func callHTTPProvider(ctx context.Context, client *http.Client, name string, cfg config.ProviderConfig, prompt, objective string) callResult {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	model := strings.TrimSpace(cfg.Model)
	if endpoint == "" || model == "" {
		return callResult{err: "provider_incomplete:" + name}
	}
	apiKey := cfg.ResolveKey()
	if apiKey == "" {
		keyEnv := cfg.KeyEnv
		if keyEnv == "" {
			keyEnv = "-"
		}
		return callResult{err: fmt.Sprintf("provider_key_missing:%s:%s", name, keyEnv)}
	}
	if objective == "" {
		objective = "Provide concise structured guidance."
	}

	var errs []string
	for _, url := range candidateURLs(endpoint) {
		started := time.Now()
		var body map[string]any
		if strings.HasSuffix(url, "/responses") {
			body = map[string]any{
				"model":        model,
				"input":        prompt,
				"instructions": objective,
			}
		} else {
			body = map[string]any{
				"model": model,
				"messages": []map[string]string{
					{"role": "system", "content": objective},
					{"role": "user", "content": prompt},
				},
				"temperature": 0.35,
			}
		}
		raw, err := json.Marshal(body)
		if err != nil {
			errs = append(errs, fmt.Sprintf("marshal@%s:%v", url, err))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, coerceTimeout(cfg.TimeoutSec))
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			cancel()
			errs = append(errs, fmt.Sprintf("request@%s:%v", url, err))
			continue
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			cancel()
			errs = append(errs, fmt.Sprintf("url_error@%s:%v", url, err))
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		cancel()
		if readErr != nil {
			errs = append(errs, fmt.Sprintf("read@%s:%v", url, readErr))
			continue
		}
		text := string(data)
		if resp.StatusCode >= 400 {
			errs = append(errs, fmt.Sprintf("http_%d@%s:%s", resp.StatusCode, url, truncRunes(text, 160)))
			continue
		}

		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			parsed = text
		}
		outText := strings.TrimSpace(extractText(parsed))
		probe := outText
		if probe == "" {
			probe = text
		}
		low := strings.ToLower(strings.TrimLeft(probe, " \t\r\n"))
		contentType := strings.ToLower(resp.Header.Get("Content-Type"))
		if strings.Contains(contentType, "text/html") ||
			strings.HasPrefix(low, "<!doctype html") || strings.HasPrefix(low, "<html") {
			errs = append(errs, "html_response@"+url)
			continue
		}
		if outText == "" {
			outText = strings.TrimSpace(text)
		}
		if outText == "" {
			errs = append(errs, "empty_response@"+url)
			continue
		}
		return callResult{
			ok:        true,
			provider:  name,
			model:     model,
			text:      outText,
			latencyMS: time.Since(started).Milliseconds(),
		}
	}
	joined := strings.Join(errs, " ; ")
	if joined == "" {
		joined = "all_attempts_failed:" + name
	}
	return callResult{err: truncRunes(joined, 1200)}
}

func callGeminiProvider(ctx context.Context, name string, cfg config.ProviderConfig, prompt, objective string) callResult {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return callResult{err: "provider_incomplete:" + name}
	}
	apiKey := cfg.ResolveKey()
	if apiKey == "" {
		keyEnv := cfg.KeyEnv
		if keyEnv == "" {
			keyEnv = "-"
		}
		return callResult{err: fmt.Sprintf("provider_key_missing:%s:%s", name, keyEnv)}
	}
	if objective == "" {
		objective = "Provide concise structured guidance."
	}

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, coerceTimeout(cfg.TimeoutSec))
	defer cancel()

	client, err := genai.NewClient(callCtx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return callResult{err: fmt.Sprintf("genai_client@%s:%v", name, err)}
	}
	resp, err := client.Models.GenerateContent(callCtx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(objective, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.35),
	})
	if err != nil {
		return callResult{err: fmt.Sprintf("genai_generate@%s:%v", name, err)}
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return callResult{err: "empty_response@genai:" + name}
	}
	return callResult{
		ok:        true,
		provider:  name,
		model:     model,
		text:      text,
		latencyMS: time.Since(started).Milliseconds(),
	}
}

func callProvider(ctx context.Context, client *http.Client, name string, cfg config.ProviderConfig, prompt, objective string) callResult {
	if !cfg.IsEnabled() {
		return callResult{err: "provider_disabled:" + name}
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch kind {
	case "", "api", "zhipu":
		return callHTTPProvider(ctx, client, name, cfg, prompt, objective)
	case "gemini":
		return callGeminiProvider(ctx, name, cfg, prompt, objective)
	default:
		return callResult{err: fmt.Sprintf("provider_not_supported:%s:%s", name, kind)}
	}
}

var httpClient = &http.Client{}

// GenerateStructuredResponse walks the group's providers in order when live
// calls are enabled, falling back to a deterministic local payload.
func GenerateStructuredResponse(ctx context.Context, group, prompt, objective string, cfg config.LLMConfig, taskType string) Payload {
	log := logging.Get(logging.CategoryRouting)
	text := strings.TrimSpace(prompt)
	obj := strings.TrimSpace(objective)
	summary := obj
	if summary == "" {
		summary = text
	}
	summary = truncRunes(summary, 220)

	liveEnabled := cfg.APILiveEnabled && !config.TestGuardActive()

	var errs []string
	if liveEnabled {
		for _, name := range cfg.ProviderGroups[group] {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			pCfg, ok := cfg.Providers[name]
			if !ok {
				errs = append(errs, "provider_not_found:"+name)
				continue
			}
			called := callProvider(ctx, httpClient, name, pCfg, text, obj)
			if !called.ok {
				log.Warn("provider %s failed: %s", name, called.err)
				errs = append(errs, called.err)
				continue
			}
			generated := strings.TrimSpace(called.text)
			generatedSummary := truncRunes(generated, 220)
			if generatedSummary == "" {
				generatedSummary = summary
			}
			log.Info("group %s answered via %s(%s) in %dms", group, called.provider, called.model, called.latencyMS)
			return Payload{
				Group:            group,
				GeneratedAt:      nowISO(),
				Summary:          generatedSummary,
				NextStep:         fmt.Sprintf("Use %s(%s) to execute: %s", called.provider, called.model, truncRunes(generatedSummary, 120)),
				Raw:              fmt.Sprintf("[%s:%s] %s", called.provider, called.model, truncRunes(generated, 1000)),
				Provider:         called.provider,
				Model:            called.model,
				LiveAPI:          true,
				LatencyMS:        called.latencyMS,
				EstimatedCostUSD: EstimateCostUSD(called.model, text, generated),
				TaskType:         taskType,
			}
		}
	}

	return Payload{
		Group:       group,
		GeneratedAt: nowISO(),
		Summary:     summary,
		NextStep:    fmt.Sprintf("Use %s to execute: %s", group, truncRunes(summary, 120)),
		Raw:         fmt.Sprintf("[%s] %s", group, truncRunes(text, 260)),
		Provider:    "fallback-local",
		Model:       "-",
		TaskType:    taskType,
		Error:       truncRunes(strings.Join(errs, "; "), 1000),
	}
}

var costTiers = []struct {
	key     string
	inRate  float64
	outRate float64
}{
	{"gpt-5.3-codex-xhigh", 0.015, 0.06},
	{"gpt-5.2-codex-high", 0.012, 0.05},
	{"claude-opus", 0.015, 0.075},
	{"deepseek", 0.002, 0.008},
	{"gemini", 0.0012, 0.004},
	{"glm-4.5", 0.0008, 0.002},
	{"glm-4", 0.0006, 0.0018},
	{"nano", 0.00015, 0.0006},
	{"qwen", 0.0004, 0.0012},
}

// EstimateCostUSD approximates call cost from text lengths and a per-model
// rate ladder. Tokens are estimated at four characters each.
func EstimateCostUSD(model, promptText, outputText string) float64 {
	name := strings.ToLower(model)
	inRate, outRate := 0.0008, 0.0024
	for _, tier := range costTiers {
		if strings.Contains(name, tier.key) {
			inRate, outRate = tier.inRate, tier.outRate
			break
		}
	}
	inTokens := math.Max(1, float64(len(promptText))/4.0)
	outTokens := math.Max(1, float64(len(outputText))/4.0)
	cost := (inTokens/1000.0)*inRate + (outTokens/1000.0)*outRate
	return math.Round(cost*1e6) / 1e6
}
