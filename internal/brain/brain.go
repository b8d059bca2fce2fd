// Package brain implements the LM client: a single generateTurn call
// against an external brain endpoint, with bounded retry/backoff and a
// strict parse-then-sanitize pipeline that never returns an error — only
// a TurnOutput whose Integrity reports "ok" or "malformed".
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/aethernet/core/internal/pricing"
)

const (
	IntegrityOK        = "ok"
	IntegrityMalformed = "malformed"
)

// AllowedActionTypes is the closed set of action types a brain-produced
// plan may use; anything else is dropped during sanitize. The validator
// (C4) re-applies this same allowlist against policy configuration, so
// this is the provider-facing mirror of it, not the sole enforcement
// point.
var AllowedActionTypes = map[string]bool{
	"send_message":   true,
	"replicate":      true,
	"self_modify":    true,
	"record_fact":    true,
	"record_episode": true,
	"invoke_tool":    true,
	"sleep":          true,
	"noop":           true,
}

var retryableStatuses = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// TurnInput is the JSON-serialized context sent as the user message.
type TurnInput struct {
	AgentAddress string         `json:"agentAddress"`
	ChainDefault string         `json:"chainDefault"`
	SurvivalTier string         `json:"survivalTier"`
	QueueDepth   int            `json:"queueDepth"`
	Messages     []TurnMessage  `json:"messages"`
	MemoryFacts  []TurnFact     `json:"memoryFacts"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type TurnMessage struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

type TurnFact struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Action is one item in a TurnOutput's next-actions list.
type Action struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// MemoryWrite is a memory fact the brain asks the orchestrator to persist.
type MemoryWrite struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// TurnOutput is the brain's structured plan for one tick.
type TurnOutput struct {
	Summary      string        `json:"summary"`
	NextActions  []Action      `json:"nextActions"`
	MemoryWrites []MemoryWrite `json:"memoryWrites,omitempty"`
	SleepMs      *int64        `json:"sleepMs,omitempty"`
	Integrity    string        `json:"integrity"`

	// PromptTokens/CompletionTokens/EstimatedCostUSD are zero-valued on
	// malformed outputs (no usage block to read from).
	PromptTokens     int     `json:"promptTokens,omitempty"`
	CompletionTokens int     `json:"completionTokens,omitempty"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd,omitempty"`
}

// Config configures the HTTP transport and retry cadence.
type Config struct {
	Endpoint        string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	APIKeyEnv       string
	TimeoutMs       int
	MaxRetries      int
	RetryBackoffMs  int
	// Mode selects the transport: "direct" (default, POST to Endpoint) or
	// "managed" (routed through Genkit's GoogleAI plugin).
	Mode string
}

// Client calls the configured brain endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client

	genkitOnce sync.Once
	g          *genkit.Genkit
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg, httpClient: &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

type envelopeRequest struct {
	Model           string          `json:"model"`
	Temperature     float64         `json:"temperature"`
	MaxOutputTokens int             `json:"max_output_tokens"`
	Input           []envelopeInput `json:"input"`
}

type envelopeInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type envelopeResponse struct {
	Text   string `json:"text"`
	Output []struct {
		Text string `json:"text"`
	} `json:"output"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func malformed(reason string) TurnOutput {
	return TurnOutput{
		Integrity:   IntegrityMalformed,
		NextActions: []Action{{Type: "noop", Reason: reason}},
	}
}

// GenerateTurn calls the brain endpoint and returns a sanitized
// TurnOutput. It never returns a Go error: every transport or parsing
// failure is represented as a malformed TurnOutput so the orchestrator
// has a single downstream path to exercise.
func (c *Client) GenerateTurn(ctx context.Context, in TurnInput) TurnOutput {
	if c.cfg.APIKeyEnv == "" || os.Getenv(c.cfg.APIKeyEnv) == "" {
		return malformed("missing_api_key")
	}

	if c.cfg.Mode == "managed" {
		return c.generateTurnManaged(ctx, in)
	}

	systemMsg := buildSystemMessage()
	userJSON, err := json.Marshal(in)
	if err != nil {
		return malformed("invalid_json")
	}

	reqBody := envelopeRequest{
		Model:           c.cfg.Model,
		Temperature:     c.cfg.Temperature,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
		Input: []envelopeInput{
			{Role: "system", Content: systemMsg},
			{Role: "user", Content: string(userJSON)},
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return malformed("invalid_json")
	}

	respBytes, err := c.doWithRetry(ctx, bodyBytes)
	if err != nil {
		return malformed("transport_error")
	}

	text := extractText(respBytes)
	parsed, err := parseJSONLoose(text)
	if err != nil {
		return malformed("invalid_json")
	}
	if !validateStructure(parsed) {
		return malformed("invalid_json")
	}

	out := sanitize(parsed)
	promptTokens, completionTokens := extractUsage(respBytes)
	out.PromptTokens = promptTokens
	out.CompletionTokens = completionTokens
	out.EstimatedCostUSD = pricing.EstimateCost(c.cfg.Model, promptTokens, completionTokens)
	return out
}

// generateTurnManaged routes the turn through Genkit's GoogleAI plugin
// instead of the direct HTTP envelope. The Genkit instance is built once,
// lazily, from the same API key env var as the direct path.
func (c *Client) generateTurnManaged(ctx context.Context, in TurnInput) TurnOutput {
	c.genkitOnce.Do(func() {
		_ = os.Setenv("GEMINI_API_KEY", os.Getenv(c.cfg.APIKeyEnv))
		c.g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	})
	if c.g == nil {
		return malformed("transport_error")
	}

	systemMsg := buildSystemMessage()
	userJSON, err := json.Marshal(in)
	if err != nil {
		return malformed("invalid_json")
	}

	modelID := c.cfg.Model
	if modelID == "" {
		modelID = "gemini-2.0-flash"
	}

	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName("googleai/"+modelID),
		ai.WithSystem(systemMsg),
		ai.WithPrompt(string(userJSON)),
	)
	if err != nil {
		return malformed("transport_error")
	}

	parsed, err := parseJSONLoose(resp.Text())
	if err != nil {
		return malformed("invalid_json")
	}
	if !validateStructure(parsed) {
		return malformed("invalid_json")
	}
	return sanitize(parsed)
}

func extractUsage(respBytes []byte) (promptTokens, completionTokens int) {
	var env envelopeResponse
	if err := json.Unmarshal(respBytes, &env); err != nil {
		return 0, 0
	}
	return env.Usage.PromptTokens, env.Usage.CompletionTokens
}

func buildSystemMessage() string {
	var b strings.Builder
	b.WriteString("You plan the next actions for an autonomous wallet-native agent. ")
	b.WriteString("Respond with strict JSON: {summary, nextActions[], memoryWrites?, sleepMs?}. ")
	b.WriteString("Allowed action types: ")
	first := true
	for t := range AllowedActionTypes {
		if !first {
			b.WriteString(", ")
		}
		b.WriteString(t)
		first = false
	}
	b.WriteString(". Shell commands and arbitrary code execution are forbidden.")
	return b.String()
}

func (c *Client) doWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	timeout := time.Duration(c.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := c.cfg.MaxRetries

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+os.Getenv(c.cfg.APIKeyEnv))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if attempt <= maxRetries {
				c.sleepBackoff(ctx, attempt)
				continue
			}
			return nil, lastErr
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()

		if readErr != nil {
			lastErr = readErr
			if attempt <= maxRetries {
				c.sleepBackoff(ctx, attempt)
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		lastErr = fmt.Errorf("brain endpoint returned status %d", resp.StatusCode)
		if !retryableStatuses[resp.StatusCode] || attempt > maxRetries {
			return nil, lastErr
		}
		c.sleepBackoff(ctx, attempt)
	}
	return nil, lastErr
}

// sleepBackoff implements backoff = max(100, retryBackoffMs) * 2^(attempt-1),
// capped at 30000ms.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	base := c.cfg.RetryBackoffMs
	if base < 100 {
		base = 100
	}
	delayMs := base << uint(attempt-1)
	if delayMs > 30000 {
		delayMs = 30000
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
	}
}

func extractText(respBytes []byte) string {
	var env envelopeResponse
	if err := json.Unmarshal(respBytes, &env); err != nil {
		return ""
	}
	if env.Text != "" {
		return env.Text
	}
	var b strings.Builder
	for _, seg := range env.Output {
		b.WriteString(seg.Text)
	}
	return b.String()
}

var braceBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseJSONLoose parses text strictly as JSON; on failure it extracts the
// first {...} block and retries once.
func parseJSONLoose(text string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	block := braceBlockRe.FindString(text)
	if block == "" {
		return nil, fmt.Errorf("no json object found")
	}
	if err := json.Unmarshal([]byte(block), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sanitize coerces a loosely-parsed map into a TurnOutput, dropping
// unknown action types and defaulting missing fields, then decides
// integrity based on whether a usable plan survived.
func sanitize(parsed map[string]any) TurnOutput {
	out := TurnOutput{}

	if s, ok := parsed["summary"].(string); ok {
		out.Summary = s
	}

	if rawActions, ok := parsed["nextActions"].([]any); ok {
		for _, ra := range rawActions {
			m, ok := ra.(map[string]any)
			if !ok {
				continue
			}
			typ, _ := m["type"].(string)
			if !AllowedActionTypes[typ] {
				continue
			}
			action := Action{Type: typ}
			if reason, ok := m["reason"].(string); ok {
				action.Reason = reason
			}
			if params, ok := m["params"].(map[string]any); ok {
				action.Params = params
			}
			out.NextActions = append(out.NextActions, action)
		}
	}

	if rawWrites, ok := parsed["memoryWrites"].([]any); ok {
		for _, rw := range rawWrites {
			m, ok := rw.(map[string]any)
			if !ok {
				continue
			}
			key, _ := m["key"].(string)
			if key == "" {
				continue
			}
			value, _ := m["value"].(string)
			confidence, _ := m["confidence"].(float64)
			out.MemoryWrites = append(out.MemoryWrites, MemoryWrite{Key: key, Value: value, Confidence: confidence})
		}
	}

	if sleepMs, ok := parsed["sleepMs"].(float64); ok {
		v := int64(sleepMs)
		out.SleepMs = &v
	}

	if out.Summary != "" && len(out.NextActions) > 0 {
		out.Integrity = IntegrityOK
	} else {
		out.Integrity = IntegrityMalformed
		if len(out.NextActions) == 0 {
			out.NextActions = []Action{{Type: "noop", Reason: "empty_plan"}}
		}
	}
	return out
}
