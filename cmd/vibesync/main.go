package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"VibeSync/internal/cache"
	"VibeSync/internal/config"
	"VibeSync/internal/engine"
	"VibeSync/internal/link"
	"VibeSync/internal/state"
	"VibeSync/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", config.DefaultPath(), "Path to config file")
		serverURL  = flag.String("server", "", "Backend websocket URL (overrides config)")
		cachePath  = flag.String("cache", "", "Path to local state database (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *cachePath != "" {
		cfg.CachePath = *cachePath
	}
	if *debug {
		cfg.Debug = true
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	db, err := cache.Open(cfg.CachePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open state cache: %w", err)
	}
	defer db.Close()

	store := state.NewStore(logger)
	lk := link.New(cfg.ServerURL, cfg.ReconnectDelay, logger)
	eng, err := engine.New(store, db, lk, logger, tracer, meter)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	lk.SetHandler(eng)
	defer lk.Close()

	if err := eng.RestoreFromCache(); err != nil {
		logger.Warn("starting with empty state", "error", err)
	}

	store.Subscribe(func(c state.Change) {
		logger.Debug("state changed", "kind", string(c.Kind),
			"session_id", c.SessionID, "conversation_id", c.ConversationID, "widget_id", c.WidgetID)
	})

	// A failed first dial is not fatal; the link keeps retrying.
	if err := lk.Connect(); err != nil {
		fmt.Printf("Not connected yet (%v), retrying every %s\n", err, cfg.ReconnectDelay)
	}

	fmt.Println("=== VibeSync ===")
	fmt.Printf("Server: %s\n", cfg.ServerURL)
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		quit, err := handleCommand(eng, cfg, input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			logger.Error("command error", "input", input, "error", err)
		}
		if quit {
			break
		}
	}

	if err := eng.Shutdown(); err != nil {
		logger.Error("failed to save state on exit", "error", err)
		return err
	}
	fmt.Println("Goodbye!")
	return nil
}

func handleCommand(eng *engine.Engine, cfg config.Config, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	store := eng.Store()

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/sessions":
		sessions := store.Sessions()
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return false, nil
		}
		for _, s := range sessions {
			elapsed := ""
			if s.BusyStartedAt != nil {
				elapsed = fmt.Sprintf(" (busy %s)", time.Since(*s.BusyStartedAt).Round(time.Second))
			}
			fmt.Printf("%s  %-12s %-8s%s  %d messages, %d queued\n",
				s.ID, s.Name, s.State, elapsed, len(s.Messages), len(s.QueuedMessages))
		}
		return false, nil

	case "/widgets":
		widgets := store.Widgets()
		if len(widgets) == 0 {
			fmt.Println("No widgets.")
			return false, nil
		}
		for _, w := range widgets {
			col, row := w.Position()
			target := w.SessionID
			if w.Type == state.WidgetChat {
				target = w.ConversationID
			}
			fmt.Printf("%s  %-7s slot=%d (%d,%d) -> %s  name=%q min=%v stream=%v\n",
				w.ID, w.Type, w.Slot, col, row, target, w.CustomName, w.Minimized, w.ShowStreaming)
		}
		return false, nil

	case "/new":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /new <name> [cwd] [prompt...]")
		}
		name := parts[1]
		cwd := ""
		prompt := ""
		if len(parts) > 2 {
			cwd = parts[2]
		} else if saved, ok := store.CwdConfig(name); ok {
			cwd = saved
		}
		if len(parts) > 3 {
			prompt = strings.Join(parts[3:], " ")
		}
		w := store.AddWidget(state.WidgetSession)
		if err := eng.CreateSession(w.ID, name, cwd, prompt, state.ExecutionMode(cfg.ExecutionMode)); err != nil {
			return false, err
		}
		fmt.Printf("Requested session %q, widget %s\n", name, w.ID)
		return false, nil

	case "/newchat":
		w, conv := store.AddChatWidget()
		fmt.Printf("Created chat widget %s with conversation %s\n", w.ID, conv.ID)
		return false, nil

	case "/chat":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /chat <sessionId> <message...>")
		}
		if err := eng.SendChat(parts[1], strings.Join(parts[2:], " ")); err != nil {
			return false, err
		}
		return false, nil

	case "/dchat":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /dchat <conversationId> <message...>")
		}
		if err := eng.SendDirectChat(parts[1], strings.Join(parts[2:], " "), nil); err != nil {
			return false, err
		}
		return false, nil

	case "/log":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /log <sessionId|conversationId>")
		}
		var msgs []state.Message
		if s, ok := store.Session(parts[1]); ok {
			msgs = s.Messages
		} else if c, ok := store.Conversation(parts[1]); ok {
			msgs = c.Messages
		} else {
			return false, fmt.Errorf("no session or conversation %s", parts[1])
		}
		for _, m := range msgs {
			tag := ""
			if m.ToolUse != nil {
				tag = fmt.Sprintf(" [tool %s]", m.ToolUse.Name)
			}
			fmt.Printf("%s %-9s%s %s\n", m.Timestamp.Format("15:04:05"), m.Role, tag, m.Content)
		}
		return false, nil

	case "/queue":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /queue <sessionId>")
		}
		s, ok := store.Session(parts[1])
		if !ok {
			return false, fmt.Errorf("no session %s", parts[1])
		}
		if len(s.QueuedMessages) == 0 {
			fmt.Println("Queue empty.")
			return false, nil
		}
		for i, q := range s.QueuedMessages {
			fmt.Printf("%d. %s  %s\n", i+1, q.ID, q.Content)
		}
		return false, nil

	case "/interrupt":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /interrupt <sessionId>")
		}
		return false, eng.Interrupt(parts[1])

	case "/mode":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /mode <sessionId> <local|remote>")
		}
		mode := state.ExecutionMode(parts[2])
		if mode != state.ModeLocal && mode != state.ModeRemote {
			return false, fmt.Errorf("unknown execution mode: %s", parts[2])
		}
		return false, eng.SetExecutionMode(parts[1], mode)

	case "/close":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /close <sessionId>")
		}
		return false, eng.CloseSession(parts[1])

	case "/bind":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /bind <widgetId> <sessionId>")
		}
		if !store.SetWidgetSession(parts[1], parts[2]) {
			return false, fmt.Errorf("no widget %s", parts[1])
		}
		return false, nil

	case "/rm":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /rm <widgetId>")
		}
		eng.RemoveWidget(parts[1])
		return false, nil

	case "/rename":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /rename <widgetId> <name...>")
		}
		if !store.RenameWidget(parts[1], strings.Join(parts[2:], " ")) {
			return false, fmt.Errorf("no widget %s", parts[1])
		}
		return false, nil

	case "/min":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /min <widgetId>")
		}
		if !store.ToggleWidgetMinimized(parts[1]) {
			return false, fmt.Errorf("no widget %s", parts[1])
		}
		return false, nil

	case "/stream":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /stream <widgetId>")
		}
		if !store.ToggleShowStreaming(parts[1]) {
			return false, fmt.Errorf("no widget %s", parts[1])
		}
		return false, nil

	case "/names":
		for _, n := range store.NameHistory() {
			if cwd, ok := store.CwdConfig(n); ok {
				fmt.Printf("%s  (%s)\n", n, cwd)
			} else {
				fmt.Println(n)
			}
		}
		return false, nil

	case "/prune":
		removed := eng.Prune()
		fmt.Printf("Pruned %d disconnected sessions\n", len(removed))
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /sessions                      - List sessions")
		fmt.Println("  /widgets                       - List widgets")
		fmt.Println("  /new <name> [cwd] [prompt]     - Create a session in a new widget")
		fmt.Println("  /newchat                       - Create a chat widget + conversation")
		fmt.Println("  /chat <sessionId> <msg>        - Send (or queue) a session message")
		fmt.Println("  /dchat <conversationId> <msg>  - Send a direct chat message")
		fmt.Println("  /log <id>                      - Show message history")
		fmt.Println("  /queue <sessionId>             - Show pending queued messages")
		fmt.Println("  /interrupt <sessionId>         - Ask a busy session to stop")
		fmt.Println("  /mode <sessionId> <mode>       - Switch execution mode (local|remote)")
		fmt.Println("  /close <sessionId>             - Terminate a session")
		fmt.Println("  /bind <widgetId> <sessionId>   - Bind a session to a widget")
		fmt.Println("  /rm <widgetId>                 - Remove a widget")
		fmt.Println("  /rename <widgetId> <name>      - Rename a widget")
		fmt.Println("  /min <widgetId>                - Toggle minimized")
		fmt.Println("  /stream <widgetId>             - Toggle streaming display")
		fmt.Println("  /names                         - Show session-name history")
		fmt.Println("  /prune                         - Drop unreferenced disconnected sessions")
		fmt.Println("  /quit, /exit                   - Exit")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}
