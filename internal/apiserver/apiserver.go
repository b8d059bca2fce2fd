// Package apiserver is the thin local HTTP collaborator surface:
// read-only status/incident/alert/identity visibility plus the
// emergency-stop and wallet lock/unlock/rotate mutations. It never runs
// the orchestrator itself; it only reads and writes the shared state
// store the daemon also touches.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aethernet/core/internal/bus"
	"github.com/aethernet/core/internal/chainrpc"
	"github.com/aethernet/core/internal/orchestrator"
	"github.com/aethernet/core/internal/state"
)

// Store is the state-store surface the API reads and writes.
type Store interface {
	GetEmergencyState(ctx context.Context) (state.EmergencyState, error)
	SetEmergencyStop(ctx context.Context, enabled bool, reason *string) error
	RecentIncidents(ctx context.Context, limit int) ([]state.Incident, error)
	RecentAlerts(ctx context.Context, limit int) ([]state.Alert, error)
	GetLatestSurvivalSnapshot(ctx context.Context) (state.SurvivalSnapshot, bool, error)
	CountMessages(ctx context.Context) (int, error)
	AgentState(ctx context.Context) (string, error)
	InsertMessage(ctx context.Context, m state.Message) (string, error)
}

// WalletManager is the subset of internal/wallet.Manager exposed over
// HTTP.
type WalletManager interface {
	Unlock(ctx context.Context, passphrase string, ttl time.Duration) error
	Lock(ctx context.Context) error
	Rotate(ctx context.Context, oldPassphrase, newPassphrase string) error
	IsUnlocked() bool
}

// Config wires the server's collaborators.
type Config struct {
	Store        Store
	Wallet       WalletManager
	Events       *bus.Bus // optional: backs /events (server-sent tick/incident/alert feed)
	Identity     chainrpc.Client // optional: backs /identity; defaults to chainrpc.NoopClient
	AgentAddress string
	ChainDefault string
	AuthToken    string // if non-empty, required as "Bearer <token>"
	Logger       *slog.Logger
}

// Server is the thin HTTP collaborator. It holds no long-lived state of
// its own beyond its collaborators.
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Identity == nil {
		cfg.Identity = chainrpc.NoopClient{}
	}
	return &Server{cfg: cfg}
}

// Handler builds the mux: a flat mux.HandleFunc-per-route
// registration, one handler per collaborator-facing operation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/incidents", s.withAuth(s.handleIncidents))
	mux.HandleFunc("/alerts", s.withAuth(s.handleAlerts))
	mux.HandleFunc("/emergency-stop", s.withAuth(s.handleEmergencyStop))
	mux.HandleFunc("/wallet/unlock", s.withAuth(s.handleWalletUnlock))
	mux.HandleFunc("/wallet/lock", s.withAuth(s.handleWalletLock))
	mux.HandleFunc("/wallet/rotate", s.withAuth(s.handleWalletRotate))
	mux.HandleFunc("/operator/command", s.withAuth(s.handleOperatorCommand))
	mux.HandleFunc("/events", s.withAuth(s.handleEvents))
	mux.HandleFunc("/identity", s.withAuth(s.handleIdentity))
	return otelhttp.NewHandler(mux, "apiserver")
}

// handleIdentity resolves this agent's on-chain identity record for the
// requested (or default) chain. Backed by chainrpc.NoopClient unless a
// real per-chain adapter is configured.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	caip2 := r.URL.Query().Get("chain")
	if caip2 == "" {
		caip2 = s.cfg.ChainDefault
	}
	record, err := s.cfg.Identity.ResolveIdentity(r.Context(), caip2, s.cfg.AgentAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleEvents streams turn/incident/alert/daemon events as they are
// published, one JSON object per line. A nil event bus makes this
// endpoint unavailable rather than hanging forever.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.cfg.Events.Subscribe("")
	defer s.cfg.Events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			line, err := json.Marshal(map[string]any{"topic": evt.Topic, "payload": evt.Payload})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + s.cfg.AuthToken
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	es, err := s.cfg.Store.GetEmergencyState(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agentState, err := s.cfg.Store.AgentState(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	queueDepth, err := s.cfg.Store.CountMessages(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap, ok, err := s.cfg.Store.GetLatestSurvivalSnapshot(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := map[string]any{
		"agentState":       agentState,
		"emergencyStopped": es.Enabled,
		"queueDepth":       queueDepth,
		"walletUnlocked":   s.cfg.Wallet != nil && s.cfg.Wallet.IsUnlocked(),
	}
	if ok {
		payload["survivalTier"] = snap.SurvivalTier
		payload["estimatedUsd"] = snap.EstimatedUSD
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	incidents, err := s.cfg.Store.RecentIncidents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	alerts, err := s.cfg.Store.RecentAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type emergencyStopRequest struct {
	Enabled bool    `json:"enabled"`
	Reason  *string `json:"reason,omitempty"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Store.SetEmergencyStop(r.Context(), req.Enabled, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": req.Enabled})
}

type walletUnlockRequest struct {
	Passphrase string `json:"passphrase"`
	TTLSec     int    `json:"ttlSec"`
}

func (s *Server) handleWalletUnlock(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, "wallet not configured")
		return
	}
	var req walletUnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := time.Duration(req.TTLSec) * time.Second
	if err := s.cfg.Wallet.Unlock(r.Context(), req.Passphrase, ttl); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": true})
}

func (s *Server) handleWalletLock(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, "wallet not configured")
		return
	}
	if err := s.cfg.Wallet.Lock(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": false})
}

type walletRotateRequest struct {
	OldPassphrase string `json:"oldPassphrase"`
	NewPassphrase string `json:"newPassphrase"`
}

func (s *Server) handleWalletRotate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Wallet == nil {
		writeError(w, http.StatusServiceUnavailable, "wallet not configured")
		return
	}
	var req walletRotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Wallet.Rotate(r.Context(), req.OldPassphrase, req.NewPassphrase); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotated": true})
}

type operatorCommandRequest struct {
	Content string `json:"content"`
}

// handleOperatorCommand lets an operator drive the agent with a
// recognized "/name args" directive or free text; either is injected as
// an ordinary inbound message. The named-command parse is informational
// only in the response payload.
func (s *Server) handleOperatorCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req operatorCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "missing content")
		return
	}
	msgID, err := s.cfg.Store.InsertMessage(r.Context(), state.Message{
		From:       "operator",
		To:         s.cfg.AgentAddress,
		Content:    req.Content,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cmd, recognized := orchestrator.ParseInboundCommand(req.Content)
	resp := map[string]any{"messageId": msgID, "recognizedCommand": recognized}
	if recognized {
		resp["commandName"] = cmd.Name
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
