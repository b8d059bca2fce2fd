// Package tui is the operator console: a read-only bubbletea view over
// the agent's own HTTP collaborator surface (internal/apiserver). It
// never talks to the state store directly, so it works the same way
// whether it runs alongside the daemon or against a remote one.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is what the console renders each tick.
type Snapshot struct {
	AgentState       string
	EmergencyStopped bool
	QueueDepth       int
	WalletUnlocked   bool
	SurvivalTier     string
	EstimatedUSD     string
	IncidentCount    int
	LastIncident     string
	AlertCount       int
	LastAlert        string
	Err              string
}

// Client fetches a Snapshot from a running agent's HTTP surface.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{baseURL: baseURL, authToken: authToken, httpClient: &http.Client{Timeout: 3 * time.Second}}
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *Client) Fetch(ctx context.Context) Snapshot {
	var snap Snapshot

	var status map[string]any
	if err := c.get(ctx, "/status", &status); err != nil {
		snap.Err = err.Error()
		return snap
	}
	snap.AgentState, _ = status["agentState"].(string)
	snap.EmergencyStopped, _ = status["emergencyStopped"].(bool)
	snap.WalletUnlocked, _ = status["walletUnlocked"].(bool)
	if qd, ok := status["queueDepth"].(float64); ok {
		snap.QueueDepth = int(qd)
	}
	snap.SurvivalTier, _ = status["survivalTier"].(string)
	if usd, ok := status["estimatedUsd"].(string); ok {
		snap.EstimatedUSD = usd
	}

	var incidentsResp struct {
		Incidents []map[string]any `json:"incidents"`
	}
	if err := c.get(ctx, "/incidents?limit=1", &incidentsResp); err == nil {
		snap.IncidentCount = len(incidentsResp.Incidents)
		if len(incidentsResp.Incidents) > 0 {
			if s, ok := incidentsResp.Incidents[0]["summary"].(string); ok {
				snap.LastIncident = s
			}
		}
	}

	var alertsResp struct {
		Alerts []map[string]any `json:"alerts"`
	}
	if err := c.get(ctx, "/alerts?limit=1", &alertsResp); err == nil {
		snap.AlertCount = len(alertsResp.Alerts)
		if len(alertsResp.Alerts) > 0 {
			if m, ok := alertsResp.Alerts[0]["message"].(string); ok {
				snap.LastAlert = m
			}
		}
	}

	return snap
}

type model struct {
	client *Client
	snap   Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.client.Fetch(context.Background())
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("77"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func (m model) View() string {
	if m.snap.Err != "" {
		return titleStyle.Render("aethernet console") + "\n\n" + errStyle.Render("unreachable: "+m.snap.Err) + "\n\nPress q to quit.\n"
	}

	stopLine := okStyle.Render("running")
	if m.snap.EmergencyStopped {
		stopLine = errStyle.Render("EMERGENCY STOP")
	}
	walletLine := warnStyle.Render("locked")
	if m.snap.WalletUnlocked {
		walletLine = okStyle.Render("unlocked")
	}
	lastIncident := m.snap.LastIncident
	if lastIncident == "" {
		lastIncident = "(none)"
	}
	lastAlert := m.snap.LastAlert
	if lastAlert == "" {
		lastAlert = "(none)"
	}

	return fmt.Sprintf(
		"%s\n\nAgent state: %s\nDaemon: %s\nWallet: %s\nQueue depth: %d\nSurvival tier: %s (%s)\nIncidents seen: %d\n  last: %s\nAlerts seen: %d\n  last: %s\n\nPress q to quit.\n",
		titleStyle.Render("aethernet console"),
		m.snap.AgentState,
		stopLine,
		walletLine,
		m.snap.QueueDepth,
		valueOr(m.snap.SurvivalTier, "unknown"),
		valueOr(m.snap.EstimatedUSD, "?"),
		m.snap.IncidentCount,
		lastIncident,
		m.snap.AlertCount,
		lastAlert,
	)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Run starts the console and blocks until the user quits or ctx is
// cancelled.
func Run(ctx context.Context, client *Client) error {
	m := model{client: client, snap: client.Fetch(ctx)}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
