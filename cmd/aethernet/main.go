// Command aethernet runs the autonomous agent runtime: config load,
// state store, brain/tool/policy wiring, the turn orchestrator, the
// daemon tick loop, and the local HTTP operator surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aethernet/core/internal/apiserver"
	"github.com/aethernet/core/internal/audit"
	"github.com/aethernet/core/internal/brain"
	"github.com/aethernet/core/internal/bus"
	"github.com/aethernet/core/internal/chainrpc"
	"github.com/aethernet/core/internal/compute"
	"github.com/aethernet/core/internal/config"
	"github.com/aethernet/core/internal/daemon"
	"github.com/aethernet/core/internal/executor"
	"github.com/aethernet/core/internal/mcp"
	"github.com/aethernet/core/internal/messaging"
	"github.com/aethernet/core/internal/orchestrator"
	"github.com/aethernet/core/internal/payments"
	"github.com/aethernet/core/internal/policy"
	"github.com/aethernet/core/internal/selfmod"
	"github.com/aethernet/core/internal/state"
	"github.com/aethernet/core/internal/survival"
	"github.com/aethernet/core/internal/telemetry"
	tracepkg "github.com/aethernet/core/internal/telemetry/trace"
	"github.com/aethernet/core/internal/tools"
	"github.com/aethernet/core/internal/wallet"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the daemon (default)
  %s setup           Provision a keystore and write agent_address to config.yaml
  %s status          Check daemon health (/healthz)
  %s doctor [-json]  Run startup diagnostics
  %s console         Live operator console over the HTTP surface

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "setup":
			os.Exit(runSetupCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "console":
			os.Exit(runConsoleCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if cfg.AgentAddress == "" {
		logger.Warn("agent_address is unset; run 'aethernet setup' to provision a keystore")
	}

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STATE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	pol := policy.NewLivePolicy(cfg.ToPolicy(), cfg.ConstitutionPolicy.ConstitutionPath)
	logger.Info("startup phase", "phase", "policy_loaded", "version", pol.PolicyVersion())

	tracer, err := tracepkg.Init(ctx, tracepkg.Config{Enabled: false})
	if err != nil {
		// Init only fails when tracing is enabled and the exporter can't be
		// built; the disabled path above never errors, so this fallback is
		// itself infallible.
		tracer, _ = tracepkg.Init(ctx, tracepkg.Config{Enabled: false})
	}
	defer tracer.Shutdown(context.Background())

	eventBus := bus.New()

	brainClient := brain.New(brain.Config{
		Endpoint:        cfg.Brain.APIURL,
		Model:           cfg.Brain.Model,
		Temperature:     cfg.Brain.Temperature,
		MaxOutputTokens: cfg.Brain.MaxOutputTokens,
		APIKeyEnv:       cfg.Brain.APIKeyEnv,
		TimeoutMs:       cfg.Brain.TimeoutMs,
		MaxRetries:      cfg.Brain.MaxRetries,
		RetryBackoffMs:  cfg.Brain.RetryBackoffMs,
		Mode:            cfg.Brain.Mode,
	})

	registry := buildToolRegistry(ctx, cfg, store, pol, logger)

	walletManager := wallet.New(keystorePath(cfg), store)

	messageRouter := messaging.NewRouter()
	if token := os.Getenv("AETHERNET_TELEGRAM_TOKEN"); token != "" {
		tg, err := messaging.NewTelegramTransport(token)
		if err != nil {
			logger.Warn("telegram transport unavailable, falling back to loopback", "error", err)
		} else {
			messageRouter.RegisterScheme("telegram", tg)
		}
	}

	var computeProvider executor.ComputeProvider
	dockerProvider, err := compute.NewDockerProvider(compute.Config{})
	if err != nil {
		logger.Warn("docker compute provider unavailable, replicate actions will fail", "error", err)
	} else {
		computeProvider = dockerProvider
		defer dockerProvider.Close()
	}

	var funder executor.Funder = payments.NoopFunder{}
	if endpoint := os.Getenv("AETHERNET_PAYMENTS_ENDPOINT"); endpoint != "" {
		funder = payments.New(payments.Config{Endpoint: endpoint})
	}

	selfmodEngine := selfmod.New(selfmod.Config{
		Enabled: cfg.Autonomy.AllowSelfModifyAction,
		DataDir: cfg.DataDir,
		WorkDir: cfg.HomeDir,
		HomeDir: cfg.HomeDir,
	}, pol, store, store).WithTracer(tracer)

	exec := executor.New(executor.Config{
		MaxSleepMs:           int64(cfg.Autonomy.MaxSleepMs),
		DefaultChain:         cfg.ChainDefault,
		DefaultGenesisPrompt: "You are a freshly replicated agent. Introduce yourself and await instructions.",
		StrictAllowlist:      cfg.Autonomy.StrictActionAllowlist,
	}, store, pol, nil).
		WithMessenger(messageRouter).
		WithCompute(computeProvider).
		WithSigner(walletManager).
		WithFunder(funder).
		WithSelfMod(selfmodEngine).
		WithTools(registry)

	alertEvaluator := survival.NewEvaluator(store, survival.Thresholds{
		DeadUsd:                   cfg.Survival.DeadUsd,
		CriticalUsd:               cfg.Survival.CriticalUsd,
		LowComputeUsd:             cfg.Survival.LowComputeUsd,
		EvaluationWindowMinutes:   cfg.Alerting.EvaluationWindowMinutes,
		CriticalIncidentThreshold: cfg.Alerting.CriticalIncidentThreshold,
		BrainFailureThreshold:     cfg.Alerting.BrainFailureThreshold,
		QueueDepthThreshold:       cfg.Alerting.QueueDepthThreshold,
	}, cfg.Alerting.Route, cfg.Alerting.WebhookURL)

	orch := orchestrator.New(orchestrator.Config{
		AgentAddress:               cfg.AgentAddress,
		ChainDefault:               cfg.ChainDefault,
		MaxActionsPerTurn:          cfg.Autonomy.MaxActionsPerTurn,
		MaxSleepMs:                 int64(cfg.Autonomy.MaxSleepMs),
		DefaultIntervalMs:          int64(cfg.Autonomy.DefaultIntervalMs),
		MaxBrainFailuresBeforeStop: cfg.Autonomy.MaxBrainFailuresBeforeStop,
		StrictAllowlist:            cfg.Autonomy.StrictActionAllowlist,
		LiquidityEstimateUsd:       cfg.Survival.LiquidityEstimateUsd,
		SurvivalThresholds: survival.Thresholds{
			DeadUsd:       cfg.Survival.DeadUsd,
			CriticalUsd:   cfg.Survival.CriticalUsd,
			LowComputeUsd: cfg.Survival.LowComputeUsd,
		},
		Skills:        cfg.EnabledSkillIDs,
		ToolSourceIDs: toolSourceIDs(cfg),
	}, store, brainClient, exec, alertEvaluator, logger)

	seedSchedules(ctx, store, cfg, logger)

	d := daemon.New(daemon.Config{
		IntervalMs:           int64(cfg.Autonomy.DefaultIntervalMs),
		MaxSleepMs:           int64(cfg.Autonomy.MaxSleepMs),
		MaxConsecutiveErrors: cfg.Autonomy.MaxConsecutiveErrors,
	}, store, orch, logger).
		WithScheduleRunner(daemon.NewScheduleRunner(store, cfg.AgentAddress, logger)).
		WithEventBus(eventBus).
		WithTracer(tracer)

	d.Start(ctx)

	apiHandler := apiserver.New(apiserver.Config{
		Store:        store,
		Wallet:       walletManager,
		Events:       eventBus,
		AgentAddress: cfg.AgentAddress,
		ChainDefault: cfg.ChainDefault,
		Identity:     chainrpc.NoopClient{},
		AuthToken:    os.Getenv("AETHERNET_API_TOKEN"),
		Logger:       logger,
	})

	httpServer := &http.Server{Addr: cfg.HTTPBindAddr, Handler: apiHandler.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.HTTPBindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("api server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	d.Stop()
	logger.Info("shutdown complete")
}

func keystorePath(cfg config.Config) string {
	return cfg.DataDir + "/keystore.json"
}

// buildToolRegistry wires the internal/readonly-api/mcp/wasm adapters
// against cfg.ToolSources, gated by the tooling policy's external-
// sources toggle.
func buildToolRegistry(ctx context.Context, cfg config.Config, store *state.Store, pol *policy.LivePolicy, logger *slog.Logger) *tools.Registry {
	gate := toolingPolicyGate{pol: pol}
	registry := tools.New(gate)

	registry.RegisterAdapter("internal", &tools.InternalAdapter{Store: store})
	registry.RegisterAdapter("api", tools.NewReadonlyAPIAdapter())
	registry.RegisterAdapter("wasm", tools.NewWASMAdapter(ctx))

	var mcpServers []mcp.ServerConfig
	for _, src := range cfg.ToolSources {
		registry.RegisterSource(tools.Source{
			ID:       src.ID,
			Type:     src.Type,
			Enabled:  src.Enabled,
			BaseURL:  src.BaseURL,
			TokenEnv: src.AuthEnv,
			Metadata: src.Metadata,
		})
		if src.Type == "mcp" && src.Enabled {
			mcpServers = append(mcpServers, mcpServerConfigFrom(src))
		}
	}
	if len(mcpServers) > 0 {
		manager := mcp.NewManager(mcpServers, logger)
		if err := manager.Start(ctx); err != nil {
			logger.Warn("mcp manager failed to start one or more servers", "error", err)
		}
		registry.RegisterAdapter("mcp", &tools.MCPAdapter{Manager: manager})
	}
	return registry
}

func mcpServerConfigFrom(src config.ToolSourceConfig) mcp.ServerConfig {
	command, _ := src.Metadata["command"].(string)
	var args []string
	if raw, ok := src.Metadata["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	env := map[string]string{}
	if src.AuthEnv != "" {
		env["AUTH_TOKEN"] = os.Getenv(src.AuthEnv)
	}
	return mcp.ServerConfig{Name: src.ID, Command: command, Args: args, Env: env, Enabled: src.Enabled}
}

func toolSourceIDs(cfg config.Config) []string {
	ids := make([]string, 0, len(cfg.ToolSources))
	for _, src := range cfg.ToolSources {
		if src.Enabled {
			ids = append(ids, src.ID)
		}
	}
	return ids
}

// toolingPolicyGate adapts *policy.LivePolicy's external-sources toggle
// to tools.PolicyGate.
type toolingPolicyGate struct {
	pol *policy.LivePolicy
}

func (g toolingPolicyGate) AllowExternalTools() bool {
	return g.pol.Snapshot().AllowExternalSources
}

// seedSchedules inserts cfg.Schedules into the store on first run only
// (guarded by a KV marker), so config-driven schedules aren't
// re-inserted as duplicates on every restart.
func seedSchedules(ctx context.Context, store *state.Store, cfg config.Config, logger *slog.Logger) {
	const seededKey = "schedules_seeded_v1"
	if _, ok, _ := store.GetKV(ctx, seededKey); ok {
		return
	}
	now := time.Now()
	for _, sched := range cfg.Schedules {
		nextRun, err := daemon.NextRunTime(sched.CronExpr, now)
		if err != nil {
			logger.Warn("skipping schedule with invalid cron expression", "name", sched.Name, "error", err)
			continue
		}
		if _, err := store.InsertSchedule(ctx, state.Schedule{
			Name:      sched.Name,
			CronExpr:  sched.CronExpr,
			Prompt:    sched.Prompt,
			Enabled:   true,
			NextRunAt: &nextRun,
		}); err != nil {
			logger.Warn("failed to seed schedule", "name", sched.Name, "error", err)
		}
	}
	_ = store.SetKV(ctx, seededKey, "1")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// runSetupCommand provisions a fresh keystore under a passphrase read
// from stdin and persists the resulting address into config.yaml.
func runSetupCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.AgentAddress != "" {
		fmt.Fprintf(os.Stderr, "agent_address already set to %s; remove it from config.yaml to re-provision\n", cfg.AgentAddress)
		return 1
	}

	fmt.Print("Enter a new wallet passphrase: ")
	reader := bufio.NewReader(os.Stdin)
	passphrase, _ := reader.ReadString('\n')
	passphrase = strings.TrimSpace(passphrase)

	address, err := wallet.CreateKeystore(keystorePath(cfg), passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create keystore: %v\n", err)
		return 1
	}

	cfg.AgentAddress = address
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "save config: %v\n", err)
		return 1
	}
	fmt.Printf("Provisioned agent address %s\n", address)
	return 0
}

func runStatusCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	addr := strings.TrimSpace(cfg.HTTPBindAddr)
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	healthURL := "http://" + addr + "/healthz"

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	fmt.Printf("status: %s\n", resp.Status)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
