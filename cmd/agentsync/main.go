// Package main provides an interactive CLI client for the session sync
// engine: tabs, streamed transcripts, stop, and checkpoint rewind.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Quickkill0/agentsync/internal/backend"
	"github.com/Quickkill0/agentsync/internal/config"
	"github.com/Quickkill0/agentsync/internal/conn"
	"github.com/Quickkill0/agentsync/internal/protocol"
	"github.com/Quickkill0/agentsync/internal/rewind"
	"github.com/Quickkill0/agentsync/internal/stubserver"
	"github.com/Quickkill0/agentsync/internal/tabs"
)

func main() {
	serverURL := flag.String("server", "", "backend REST base URL")
	wsURL := flag.String("ws", "", "backend WebSocket URL")
	apiKey := flag.String("api-key", "", "API key for authentication")
	sessionID := flag.String("session", "", "open a specific session on startup")
	stub := flag.Bool("stub", false, "run against an in-process stub backend")
	flag.Parse()

	log.SetFlags(log.Ltime)

	cfg := config.Load()
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}

	if *stub {
		store, err := stubserver.NewStore(":memory:")
		if err != nil {
			log.Fatalf("stub store: %v", err)
		}
		srv := stubserver.New(store, nil)
		go func() {
			if err := srv.Start("127.0.0.1:8099"); err != nil {
				log.Fatalf("stub server: %v", err)
			}
		}()
		cfg.ServerURL = "http://127.0.0.1:8099"
		cfg.WSURL = "ws://127.0.0.1:8099/ws"
		time.Sleep(100 * time.Millisecond)
		fmt.Println("Running against in-process stub backend.")
	}

	client := backend.NewClient(cfg.ServerURL, cfg.APIKey)
	device := deviceID()

	mux := tabs.New(tabs.Config{
		WSURL:         cfg.WSURL,
		DeviceID:      device,
		SaveDebounce:  cfg.SaveDebounce,
		DuplexTimeout: cfg.DuplexTimeout,
		PollInterval:  cfg.PollInterval,
		Conn: conn.Config{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			BackoffFloor:      cfg.BackoffFloor,
			BackoffCap:        cfg.BackoffCap,
		},
		OnUpdate:    render,
		OnConnState: func(tabID string, s conn.State) { log.Printf("tab %s: %s", tabID[:8], s) },
	}, client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := mux.RestoreLayout(ctx); err != nil {
		log.Printf("restore layout: %v (starting fresh)", err)
		mux.CreateTab("")
	}
	cancel()
	if *sessionID != "" {
		mux.OpenSession(*sessionID)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mux.Shutdown(shutdownCtx)
		os.Exit(0)
	}()

	fmt.Println("Type a message and press Enter to send.")
	fmt.Println("Commands: /tabs, /new, /open <session>, /close, /switch <n>, /stop, /checkpoints, /rewind <n>, /quit")

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
		if input == "/quit" {
			break
		}
		if strings.HasPrefix(input, "/") {
			runCommand(mux, client, input)
			continue
		}

		tab := mux.ActiveTab()
		if tab == nil {
			fmt.Println("No active tab.")
			continue
		}
		if err := tab.SendQuery(input); err != nil {
			log.Printf("Send error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mux.Shutdown(shutdownCtx)
	fmt.Println("Bye!")
}

func runCommand(mux *tabs.Multiplexer, client *backend.Client, input string) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/tabs":
		active := mux.ActiveTab()
		for i, t := range mux.Tabs() {
			marker := " "
			if active != nil && t.ID == active.ID {
				marker = "*"
			}
			fmt.Printf("%s %d. %s (session: %s, %s)\n", marker, i+1, t.Title, t.SessionID(), t.ConnState())
		}
	case "/new":
		mux.CreateTab("")
		fmt.Println("New tab created.")
	case "/open":
		if len(args) != 1 {
			fmt.Println("Usage: /open <session-id>")
			return
		}
		mux.OpenSession(args[0])
	case "/close":
		tab := mux.ActiveTab()
		if tab == nil {
			return
		}
		if err := mux.CloseTab(tab.ID); err != nil {
			fmt.Printf("Close failed: %v\n", err)
		}
	case "/switch":
		if len(args) != 1 {
			fmt.Println("Usage: /switch <n>")
			return
		}
		n, err := strconv.Atoi(args[0])
		all := mux.Tabs()
		if err != nil || n < 1 || n > len(all) {
			fmt.Println("No such tab.")
			return
		}
		mux.SetActive(all[n-1].ID)
	case "/stop":
		if tab := mux.ActiveTab(); tab != nil {
			if err := tab.Stop(); err != nil {
				log.Printf("Stop error: %v", err)
			}
		}
	case "/checkpoints":
		listCheckpoints(mux, client)
	case "/rewind":
		if len(args) != 1 {
			fmt.Println("Usage: /rewind <checkpoint-number>")
			return
		}
		executeRewind(mux, client, args[0])
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
	}
}

func newController(mux *tabs.Multiplexer, client *backend.Client) (*rewind.Controller, *tabs.Tab) {
	tab := mux.ActiveTab()
	if tab == nil || tab.SessionID() == "" {
		fmt.Println("Active tab has no session yet.")
		return nil, nil
	}
	ctl := rewind.New(client, tab.SessionID(), func() {
		if err := tab.Reload(); err != nil {
			log.Printf("reload after rewind: %v", err)
		}
	})
	return ctl, tab
}

func listCheckpoints(mux *tabs.Multiplexer, client *backend.Client) {
	ctl, _ := newController(mux, client)
	if ctl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctl.Load(ctx); err != nil {
		log.Printf("Load checkpoints: %v", err)
		return
	}
	for _, cp := range ctl.Checkpoints() {
		snapshot := ""
		if cp.HasSnapshot {
			snapshot = " [snapshot]"
		}
		fmt.Printf("%d. %s%s\n", cp.Index, cp.Preview, snapshot)
	}
}

func executeRewind(mux *tabs.Multiplexer, client *backend.Client, arg string) {
	ctl, _ := newController(mux, client)
	if ctl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctl.Load(ctx); err != nil {
		log.Printf("Load checkpoints: %v", err)
		return
	}

	index, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Println("Checkpoint number must be an integer.")
		return
	}
	var target string
	for _, cp := range ctl.Checkpoints() {
		if cp.Index == index {
			target = cp.ID
		}
	}
	if target == "" {
		fmt.Println("No such checkpoint.")
		return
	}
	if err := ctl.Select(target); err != nil {
		log.Printf("Select checkpoint: %v", err)
		return
	}

	opts := rewind.Options{RestoreConversation: true}
	estimate, _ := ctl.EstimateRemoved(opts)
	fmt.Printf("Rewinding, about %d messages will be removed...\n", estimate)

	resp, err := ctl.Execute(ctx, opts)
	if err != nil {
		log.Printf("Rewind failed: %v", err)
		return
	}
	fmt.Printf("Rewound: %d messages removed.\n", resp.MessagesRemoved)
}

// render prints streamed events for whichever tab they land on.
func render(tabID string, ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.StartEvent:
		if e.Prompt != "" && e.SourceDeviceID != "" {
			fmt.Printf("\n[%s] (other device) > %s\n", tabID[:8], e.Prompt)
		}
	case *protocol.ChunkEvent:
		fmt.Print(e.Text)
	case *protocol.ToolInvocationEvent:
		fmt.Printf("\n[tool: %s]\n", e.Name)
	case *protocol.ToolResultEvent:
		fmt.Printf("[tool result: %s]\n", e.Output)
	case *protocol.SubagentStartEvent:
		fmt.Printf("\n[subagent %s: %s]\n", e.AgentType, e.Description)
	case *protocol.SubagentDoneEvent:
		fmt.Printf("[subagent done: %s]\n", e.Result)
	case *protocol.DoneEvent:
		fmt.Printf("\n(turn done, %d tokens)\n", e.Usage.TotalTokens)
	case *protocol.StoppedEvent, *protocol.InterruptedEvent:
		fmt.Println("\n(stopped)")
	case *protocol.ErrorEvent:
		fmt.Printf("\n(error: %s)\n", e.Message)
	case *protocol.HistoryEvent:
		fmt.Printf("\n(history loaded: %d messages)\n", len(e.Messages))
	}
}

// deviceID returns this device's stable identifier, creating it on first
// run. The id only disambiguates echoes in multi-device sessions.
func deviceID() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return uuid.New().String()
	}
	path := filepath.Join(dir, "agentsync", "device_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		os.WriteFile(path, []byte(id+"\n"), 0o644)
	}
	return id
}
