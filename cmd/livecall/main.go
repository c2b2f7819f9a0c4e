// Command livecall holds a live spoken conversation with a CRM voice agent
// from the terminal.
//
// Usage:
//
//	livecall -config config.yaml -list
//	livecall -config config.yaml -agent sdr
//	livecall -config config.yaml -history 10
//
// The session runs until the agent ends it or Ctrl+C is pressed. A session that
// closed normally is followed by the post-call analysis.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livecall/internal/app"
	"github.com/MrWong99/livecall/internal/calllog"
	"github.com/MrWong99/livecall/internal/config"
	"github.com/MrWong99/livecall/internal/crm"
	"github.com/MrWong99/livecall/internal/observe"
	"github.com/MrWong99/livecall/internal/session"
	"github.com/MrWong99/livecall/pkg/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	agentID := flag.String("agent", "", "id of the agent to call")
	list := flag.Bool("list", false, "list the available agents and exit")
	history := flag.Int("history", 0, "print the last N calls (filtered by -agent) and exit")
	watch := flag.Bool("watch", false, "reload the config file for subsequent sessions")
	yes := flag.Bool("yes", false, "grant microphone access without asking")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livecall: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var logLevel slog.LevelVar
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&logLevel))
	slog.Info("livecall starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{app.WithMetrics(observe.DefaultMetrics())}
	if !*yes {
		opts = append(opts, app.WithCapturePrompt(terminalPrompt))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if *history > 0 {
		return printHistory(ctx, application.CallLog(), *agentID, *history)
	}

	// ── Ops listener (optional) ───────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		srv := startOpsServer(cfg.Server, application)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// ── Config hot-reload (optional) ──────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(c config.Change) {
			logLevel.Set(slogLevel(c.New.Server.LogLevel))
			application.Reload(c.New)
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	// ── Agent directory ───────────────────────────────────────────────────────
	boot, err := application.Sessions().Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		return 1
	}
	if *list || *agentID == "" {
		printAgents(boot.Agents)
		if !*list {
			fmt.Fprintln(os.Stderr, "livecall: choose an agent with -agent <id>")
			return 2
		}
		return 0
	}
	if !boot.KeyConfigured {
		fmt.Fprintln(os.Stderr, "livecall: the voice agent API key is not configured in the CRM")
		return 1
	}
	agent, ok := findAgent(boot.Agents, *agentID)
	if !ok {
		fmt.Fprintf(os.Stderr, "livecall: unknown agent %q\n", *agentID)
		printAgents(boot.Agents)
		return 1
	}

	printStartupSummary(application, agent)
	return converse(ctx, application.Sessions(), agent)
}

// converse runs one session with agent and requests its analysis afterwards.
func converse(ctx context.Context, sm *app.SessionManager, agent crm.Agent) int {
	info, err := sm.Start(ctx, agent, terminalObserver())
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		return 1
	}
	fmt.Printf("Session %s started, press Ctrl+C to hang up.\n", info.SessionID)

	if err := sm.Wait(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sm.Stop(stopCtx); err != nil {
			slog.Warn("stop error", "err", err)
		}
	}

	if se := sm.Err(); se != nil {
		fmt.Fprintf(os.Stderr, "livecall: session failed: %v\n", se)
		return 1
	}

	fmt.Println("Requesting post-call analysis…")
	analyseCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	a, err := sm.Analyse(analyseCtx)
	switch {
	case types.KindOf(err) == types.KindRateLimited:
		msg := "The analysis service is busy, try again later."
		var se *crm.StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			msg = fmt.Sprintf("The analysis service is busy, try again in %s.", se.RetryAfter.Round(time.Second))
		}
		fmt.Println(msg)
		return 0
	case err != nil:
		fmt.Fprintf(os.Stderr, "livecall: analysis failed: %v\n", err)
		return 1
	}
	fmt.Println()
	fmt.Println(a.Analysis)
	return 0
}

// ── Terminal output ───────────────────────────────────────────────────────────

func terminalObserver() session.Observer {
	return session.Observer{
		OnStateChange: func(_, to session.State) {
			fmt.Printf("  [%s]\n", to)
		},
		OnMessage: func(tr types.Transcript) {
			if !tr.Final {
				return
			}
			who := "You"
			if tr.Role == types.RoleAgent {
				who = "Agent"
			}
			fmt.Printf("%6s: %s\n", who, tr.Text)
		},
		OnInterrupted: func() {
			slog.Debug("agent interrupted")
		},
		OnError: func(err *types.SessionError) {
			slog.Error("session error", "kind", err.Kind.String(), "err", err.Message)
		},
	}
}

// terminalPrompt asks for microphone consent on stdin.
func terminalPrompt(ctx context.Context) (bool, error) {
	fmt.Print("Allow livecall to use the microphone? [y/N] ")
	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()
	select {
	case a := <-answer:
		return a == "y" || a == "yes", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func printAgents(agents []crm.Agent) {
	if len(agents) == 0 {
		fmt.Println("No agents configured.")
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		voice := types.VoiceConfig{VoiceName: a.VoiceName, LanguageCode: a.LanguageCode}
		fmt.Printf("  %-16s %-24s %s\n", a.ID, a.Name, voice)
	}
}

func printHistory(ctx context.Context, store calllog.Store, agentID string, n int) int {
	recs, err := store.List(ctx, calllog.ListOptions{AgentID: agentID, Limit: n})
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecall: %v\n", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Println("No calls recorded.")
		return 0
	}
	for _, r := range recs {
		outcome := r.FinalState
		if r.ErrorKind != "" {
			outcome += " (" + r.ErrorKind + ")"
		}
		fmt.Printf("%s  %-12s %-8s %-22s %d lines\n",
			r.StartedAt.Local().Format(time.DateTime), r.AgentID,
			r.Duration().Round(time.Second), outcome, len(r.Lines))
	}
	return 0
}

func findAgent(agents []crm.Agent, id string) (crm.Agent, bool) {
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	return crm.Agent{}, false
}

func printStartupSummary(application *app.App, agent crm.Agent) {
	cfg := application.Config()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livecall — session setup       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Agent", agent.Name)
	printRow("Backend", cfg.Provider.Name)
	if p := application.Provider(); p != nil {
		printRow("Uplink", p.Capabilities().InputFormat.String())
	}
	printRow("Microphone", cfg.Audio.Input.Device)
	printRow("Speaker", cfg.Audio.Output.Device)
	switch {
	case cfg.CallLog.PostgresDSN != "":
		printRow("Call log", "postgres")
	case cfg.CallLog.Path != "":
		printRow("Call log", cfg.CallLog.Path)
	default:
		printRow("Call log", "memory")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Ops listener", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not set)"
	}
	if len(value) > 22 {
		value = value[:19] + "…"
	}
	fmt.Printf("║  %-12s : %-22s ║\n", key, value)
}

// ── Ops listener ──────────────────────────────────────────────────────────────

func startOpsServer(cfg config.ServerConfig, application *app.App) *http.Server {
	mux := http.NewServeMux()
	application.Health().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics(), observe.WithQuietRoutes("GET /healthz", "GET /readyz", "GET /metrics"))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		var err error
		if cfg.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener error", "addr", cfg.ListenAddr, "err", err)
		}
	}()
	slog.Info("ops listener started", "addr", cfg.ListenAddr, "tls", cfg.TLS != nil)
	return srv
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
