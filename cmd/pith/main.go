// pith - a self-extending conversational agent runtime
// License: MIT
//
// Copyright (c) 2026 pith contributors

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/pithrun/pith/pkg/api"
	"github.com/pithrun/pith/pkg/bus"
	"github.com/pithrun/pith/pkg/channels"
	"github.com/pithrun/pith/pkg/config"
	pithcontext "github.com/pithrun/pith/pkg/context"
	"github.com/pithrun/pith/pkg/logging"
	"github.com/pithrun/pith/pkg/model"
	"github.com/pithrun/pith/pkg/runtime"
	"github.com/pithrun/pith/pkg/scheduler"
	"github.com/pithrun/pith/pkg/store"
	"github.com/pithrun/pith/pkg/tools"
)

const appName = "pith"

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "pith is a self-extending conversational agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the server (HTTP/SSE API, channels, scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCmd()
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "chat",
		Short: "Start an interactive local REPL against an in-process runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			chatCmd()
			return nil
		},
	})
	return root
}

// build assembles every component from Config and returns the pieces main
// needs to drive a server or a local chat session.
type app struct {
	cfg        *config.Config
	st         *store.SQLiteStore
	registry   *tools.Registry
	assembler  *pithcontext.Assembler
	mdl        model.Model
	events     *bus.EventBus
	rt         *runtime.Runtime
	loader     *tools.ExtensionLoader
	mcpClients []*tools.MCPClient
}

func build(cfg *config.Config) (*app, error) {
	if err := logging.Configure(cfg.Runtime.LogDir, false); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	st, err := store.Open(cfg.Runtime.MemoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := tools.NewRegistry()
	registry.OnReload = func(ev tools.ReloadEvent) {
		logging.InfoCF("tools", "reload event", map[string]interface{}{"name": ev.Name, "success": ev.Success, "detail": ev.Detail})
	}
	if err := tools.RegisterFileTools(registry, cfg.Runtime.WorkspacePath); err != nil {
		return nil, fmt.Errorf("register file tools: %w", err)
	}
	if err := tools.RegisterRunPython(registry, cfg.Runtime.WorkspacePath, 30); err != nil {
		return nil, fmt.Errorf("register run_python: %w", err)
	}
	if err := tools.RegisterMemoryTools(registry, st); err != nil {
		return nil, fmt.Errorf("register memory tools: %w", err)
	}
	if err := tools.RegisterProfileTool(registry, st); err != nil {
		return nil, fmt.Errorf("register set_profile: %w", err)
	}
	if err := tools.RegisterToolCall(registry); err != nil {
		return nil, fmt.Errorf("register tool_call: %w", err)
	}

	extDir := filepath.Join(cfg.Runtime.WorkspacePath, "extensions", "tools")
	loader, err := tools.NewExtensionLoader(registry, extDir)
	if err != nil {
		return nil, fmt.Errorf("init extension loader: %w", err)
	}
	loader.LoadAll()

	var mcpClients []*tools.MCPClient
	for _, srv := range cfg.MCP.Servers {
		client, err := tools.NewMCPClient(srv)
		if err != nil {
			logging.ErrorCF("mcp", "invalid server config, skipping", map[string]interface{}{"server": srv.Name, "error": err.Error()})
			continue
		}
		if err := tools.RefreshMCPServer(context.Background(), registry, st, client); err != nil {
			logging.WarnCF("mcp", "server unreachable at startup, will retry on schedule", map[string]interface{}{"server": srv.Name, "error": err.Error()})
		}
		mcpClients = append(mcpClients, client)
	}

	mdl, err := model.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	assembler := pithcontext.NewAssembler(st, cfg.Runtime.WorkspacePath, cfg.Runtime.Context.WindowMessages, cfg.Runtime.Context.MemoryTopK, 32000)
	events := bus.NewEventBus()
	rt := runtime.New(st, registry, assembler, mdl, events, runtime.Config{
		MaxToolIterations: cfg.Runtime.Turn.MaxToolIterations,
		TurnDeadline:      time.Duration(cfg.Runtime.Turn.DeadlineSeconds) * time.Second,
		Temperature:       cfg.Model.Temperature,
		ModelName:         cfg.Model.Model,
	})

	return &app{cfg: cfg, st: st, registry: registry, assembler: assembler, mdl: mdl, events: events, rt: rt, loader: loader, mcpClients: mcpClients}, nil
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(config.DefaultPath())
}

func runCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("error loading config: %v\n", err)
		os.Exit(1)
	}

	a, err := build(cfg)
	if err != nil {
		fmt.Printf("error initializing %s: %v\n", appName, err)
		os.Exit(1)
	}
	defer a.st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCtx, watchCancel := context.WithCancel(ctx)
	go func() {
		if err := a.loader.Watch(watchCtx); err != nil {
			logging.ErrorCF("tools", "extension watcher stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	defer watchCancel()

	sched := scheduler.New(a.st, a.rt, cfg.Scheduler.CompactionIntervalCron)
	for _, client := range a.mcpClients {
		client := client
		sched.RegisterMCPRefresh(cfg.Scheduler.MCPRefreshIntervalCron, func(ctx context.Context) error {
			return tools.RefreshMCPServer(ctx, a.registry, a.st, client)
		})
	}
	go sched.Run(ctx)

	healthPath := filepath.Join(cfg.Runtime.WorkspacePath, ".pith", "healthy")
	go runHealthSentinel(ctx, a.st, healthPath)
	defer os.Remove(healthPath)

	manager := channels.NewManager()
	if cfg.Channels.Discord.TokenEnv != "" {
		if token := cfg.DiscordToken(); token != "" {
			discordCh, err := channels.NewDiscordChannel(cfg.Channels.Discord, token, a.rt, a.events)
			if err != nil {
				logging.ErrorCF("channels", "discord init failed", map[string]interface{}{"error": err.Error()})
			} else {
				manager.RegisterChannel("discord", discordCh)
			}
		}
	}
	if cfg.Channels.LongPoll.URL != "" {
		lp := channels.NewLongPollChannel(cfg.Channels.LongPoll, cfg.LongPollToken(), a.st, a.rt, a.events)
		manager.RegisterChannel("longpoll", lp)
	}
	if err := manager.StartAll(ctx); err != nil {
		logging.ErrorCF("channels", "failed to start channels", map[string]interface{}{"error": err.Error()})
	}

	srv := api.New(a.rt, a.st, a.registry, a.events)
	addr := fmt.Sprintf("%s:%d", cfg.Runtime.APIHost, cfg.Runtime.APIPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
	httpDone := make(chan error, 1)
	go func() {
		logging.InfoCF("api", "listening", map[string]interface{}{"addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpDone <- err
			return
		}
		httpDone <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	select {
	case <-sigChan:
		fmt.Println("\nshutting down...")
	case err := <-httpDone:
		if err != nil {
			logging.ErrorCF("api", "server exited", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	_ = manager.StopAll(context.Background())
}

// runHealthSentinel touches healthPath every 10s as long as the store
// answers, per the persisted-state layout's ".pith/healthy sentinel file
// (touched while healthy)". It never removes the file itself on failure, it
// only stops touching it; runCmd removes it on a clean shutdown. A missing
// file therefore means "not running", while a file whose mtime has stopped
// advancing means the store stopped answering (or the process exited
// without cleanup).
func runHealthSentinel(ctx context.Context, st *store.SQLiteStore, healthPath string) {
	if err := os.MkdirAll(filepath.Dir(healthPath), 0o755); err != nil {
		logging.ErrorCF("health", "failed to create .pith dir", map[string]interface{}{"error": err.Error()})
		return
	}
	touch := func() {
		if _, err := st.ListSessions(ctx); err != nil {
			logging.WarnCF("health", "store unreachable, skipping sentinel touch", map[string]interface{}{"error": err.Error()})
			return
		}
		now := time.Now()
		if err := os.Chtimes(healthPath, now, now); err != nil {
			f, ferr := os.OpenFile(healthPath, os.O_CREATE|os.O_WRONLY, 0o644)
			if ferr != nil {
				logging.ErrorCF("health", "failed to touch sentinel", map[string]interface{}{"error": ferr.Error()})
				return
			}
			f.Close()
		}
	}
	touch()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			touch()
		}
	}
}

func chatCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("error loading config: %v\n", err)
		os.Exit(1)
	}
	a, err := build(cfg)
	if err != nil {
		fmt.Printf("error initializing %s: %v\n", appName, err)
		os.Exit(1)
	}
	defer a.st.Close()

	sessionID, err := a.rt.NewSession(context.Background())
	if err != nil {
		fmt.Printf("error creating session: %v\n", err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       fmt.Sprintf("%s> ", appName),
		HistoryFile:  filepath.Join(os.TempDir(), ".pith_history"),
		HistoryLimit: 200,
	})
	if err != nil {
		fmt.Printf("error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\ngoodbye")
				return
			}
			continue
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return
		}
		printTurn(a, sessionID, text)
	}
}

func printTurn(a *app, sessionID, text string) {
	ch, cancel := a.events.Subscribe(sessionID)
	defer cancel()

	turnID, err := a.rt.SubmitTurn(sessionID, text, 0)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	timeout := time.After(5 * time.Minute)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.TurnID != "" && ev.TurnID != turnID {
				continue
			}
			switch ev.Type {
			case bus.EventAssistantDelta:
				if t, ok := ev.Data["text"].(string); ok {
					fmt.Print(t)
				}
			case bus.EventTurnFinished:
				fmt.Println()
				return
			}
		case <-timeout:
			fmt.Println("\n(timed out waiting for a reply)")
			return
		}
	}
}
