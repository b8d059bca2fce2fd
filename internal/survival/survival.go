// Package survival computes the runtime's survival tier from a liquidity
// estimate and evaluates alert candidates after each tick, deduplicating
// and routing them per the configured alert sink.
package survival

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aethernet/core/internal/state"
)

// Tier names, in increasing order of severity.
const (
	TierNormal     = "normal"
	TierLowCompute = "low_compute"
	TierCritical   = "critical"
	TierDead       = "dead"
)

// Thresholds configures both tier computation and alert evaluation.
type Thresholds struct {
	DeadUsd                   float64
	CriticalUsd               float64
	LowComputeUsd             float64
	EvaluationWindowMinutes   int
	CriticalIncidentThreshold int
	BrainFailureThreshold     int
	QueueDepthThreshold       int
}

// ComputeTier classifies a liquidity estimate into a survival tier.
func ComputeTier(estimatedUsd float64, t Thresholds) string {
	switch {
	case estimatedUsd <= t.DeadUsd:
		return TierDead
	case estimatedUsd <= t.CriticalUsd:
		return TierCritical
	case estimatedUsd <= t.LowComputeUsd:
		return TierLowCompute
	default:
		return TierNormal
	}
}

// TickContext carries the values the alert evaluation needs from the
// orchestrator's current tick.
type TickContext struct {
	SurvivalTier          string
	QueueDepth            int
	BrainFailureStreak    int
	CriticalIncidentCount int
}

// candidate is an alert condition that fired, before deduplication.
type candidate struct {
	Severity string
	Message  string
}

// candidates returns every alert condition that fired this tick, per the
// fixed evaluation order (tier first, then incidents, then brain, then
// queue depth).
func candidates(tc TickContext, t Thresholds) []candidate {
	var out []candidate
	if tc.SurvivalTier == TierDead {
		out = append(out, candidate{Severity: state.SeverityCritical, Message: "survival tier is dead"})
	}
	if tc.CriticalIncidentCount >= t.CriticalIncidentThreshold {
		out = append(out, candidate{
			Severity: state.SeverityCritical,
			Message:  fmt.Sprintf("critical incident count %d reached threshold %d", tc.CriticalIncidentCount, t.CriticalIncidentThreshold),
		})
	}
	if tc.BrainFailureStreak >= t.BrainFailureThreshold {
		out = append(out, candidate{
			Severity: state.SeverityCritical,
			Message:  fmt.Sprintf("brain failure streak %d reached threshold %d", tc.BrainFailureStreak, t.BrainFailureThreshold),
		})
	}
	if tc.QueueDepth >= t.QueueDepthThreshold {
		out = append(out, candidate{
			Severity: state.SeverityWarning,
			Message:  fmt.Sprintf("queue depth %d reached threshold %d", tc.QueueDepth, t.QueueDepthThreshold),
		})
	}
	return out
}

const dedupWindow = 60 * time.Second

// Store is the narrow state-store surface the evaluator consumes.
type Store interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
	InsertAlert(ctx context.Context, a state.Alert) (string, error)
	InsertIncident(ctx context.Context, inc state.Incident) (string, error)
}

// Evaluator runs alert evaluation and routes non-suppressed alerts.
type Evaluator struct {
	store      Store
	thresholds Thresholds
	route      string
	webhookURL string
	httpClient *http.Client
}

func NewEvaluator(store Store, thresholds Thresholds, route, webhookURL string) *Evaluator {
	return &Evaluator{
		store:      store,
		thresholds: thresholds,
		route:      route,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate computes alert candidates for this tick and routes every one
// that isn't suppressed by the 60-second (severity,message) dedup
// window.
func (e *Evaluator) Evaluate(ctx context.Context, tc TickContext) error {
	for _, c := range candidates(tc, e.thresholds) {
		suppressed, err := e.isDuplicate(ctx, c)
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if suppressed {
			continue
		}
		if err := e.fire(ctx, c); err != nil {
			return fmt.Errorf("fire alert: %w", err)
		}
	}
	return nil
}

func dedupKey(c candidate) string {
	return "alert_dedup_v1:" + c.Severity + ":" + c.Message
}

func (e *Evaluator) isDuplicate(ctx context.Context, c candidate) (bool, error) {
	raw, ok, err := e.store.GetKV(ctx, dedupKey(c))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	lastFired, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false, nil
	}
	return time.Since(lastFired) < dedupWindow, nil
}

func (e *Evaluator) fire(ctx context.Context, c candidate) error {
	now := time.Now()
	if err := e.store.SetKV(ctx, dedupKey(c), now.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	if _, err := e.store.InsertAlert(ctx, state.Alert{
		Code:      "ALERT_TRIGGERED",
		Severity:  c.Severity,
		Route:     e.route,
		Message:   c.Message,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("persist alert: %w", err)
	}
	if _, err := e.store.InsertIncident(ctx, state.Incident{
		Code:      "ALERT_TRIGGERED",
		Severity:  c.Severity,
		Category:  "survival",
		Message:   c.Message,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("mirror alert as incident: %w", err)
	}

	switch e.route {
	case state.RouteStdout:
		e.writeStdout(c)
	case state.RouteWebhook:
		e.postWebhook(ctx, c)
	case state.RouteDB:
		// persisted above; nothing further to do.
	}
	return nil
}

func (e *Evaluator) writeStdout(c candidate) {
	line := fmt.Sprintf("[alert] severity=%s message=%s\n", c.Severity, c.Message)
	if c.Severity == state.SeverityCritical {
		fmt.Fprint(os.Stderr, line)
		return
	}
	fmt.Fprint(os.Stdout, line)
}

type webhookEnvelope struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Evaluator) postWebhook(ctx context.Context, c candidate) {
	body, err := json.Marshal(webhookEnvelope{Severity: c.Severity, Message: c.Message, Timestamp: time.Now()})
	if err != nil {
		e.recordProviderFailure(ctx, "marshal webhook body: "+err.Error())
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
	if err != nil {
		e.recordProviderFailure(ctx, "build webhook request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.recordProviderFailure(ctx, "webhook request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.recordProviderFailure(ctx, fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}
}

func (e *Evaluator) recordProviderFailure(ctx context.Context, message string) {
	_, _ = e.store.InsertIncident(ctx, state.Incident{
		Code:      "PROVIDER_FAILURE",
		Severity:  state.SeverityWarning,
		Category:  "survival_webhook",
		Message:   message,
		Timestamp: time.Now(),
	})
}
