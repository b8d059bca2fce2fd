package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ReadonlyAPIAdapter permits only GET requests against an external
// source's baseUrl, under a fixed URL shape.
type ReadonlyAPIAdapter struct {
	Client *http.Client
}

// NewReadonlyAPIAdapter constructs an adapter with a bounded-timeout
// client.
func NewReadonlyAPIAdapter() *ReadonlyAPIAdapter {
	return &ReadonlyAPIAdapter{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *ReadonlyAPIAdapter) Invoke(ctx context.Context, src Source, inv Invocation) Result {
	if src.BaseURL == "" {
		return Result{OK: false, Error: "missing_base_url"}
	}

	q := url.Values{}
	for k, v := range inv.Input {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	reqURL := fmt.Sprintf("%s/v1/tools/%s", strings.TrimRight(src.BaseURL, "/"), inv.ToolName)
	if encoded := q.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}
	if src.TokenEnv != "" {
		if token := os.Getenv(src.TokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			OK:       false,
			Error:    "api_error",
			Metadata: map[string]any{"status": resp.StatusCode, "body": string(body)},
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return Result{OK: true, Output: parsed}
		}
	}
	return Result{OK: true, Output: string(body)}
}
