// ABOUTME: Entry point for the tarsy-console terminal client
// ABOUTME: Watches alert-processing sessions and drives follow-up chats

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/tarsy-console/internal/api"
	"github.com/codeready-toolchain/tarsy-console/internal/config"
	"github.com/codeready-toolchain/tarsy-console/internal/conversation"
	"github.com/codeready-toolchain/tarsy-console/internal/journal"
	"github.com/codeready-toolchain/tarsy-console/internal/stream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _
| |_ __ _ _ __ ___ _   _        ___ ___  _ __  ___  ___ | | ___
| __/ _' | '__/ __| | | |_____ / __/ _ \| '_ \/ __|/ _ \| |/ _ \
| || (_| | |  \__ \ |_| |_____| (_| (_) | | | \__ \ (_) | |  __/
 \__\__,_|_|  |___/\__, |      \___\___/|_| |_|___/\___/|_|\___|
                   |___/
`

// getConfigPath returns the path to the console config file.
// Priority: TARSY_CONSOLE_CONFIG env var > XDG_CONFIG_HOME/tarsy/console.yaml > ~/.config/tarsy/console.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TARSY_CONSOLE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "console.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tarsy", "console.yaml")
}

func main() {
	// Local .env files hold tokens during development; missing is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: tarsy-console <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  watch <session-id>    Follow a session's processing status live")
		fmt.Println("  chat <session-id>     Open the follow-up chat for a completed session")
		fmt.Println("  journal <session-id>  Show locally journaled events for a session")
		fmt.Println("  health                Check backend health")
		fmt.Println("  init                  Create a new config file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "watch":
		err = runWatch(ctx)
	case "chat":
		err = runChat(ctx)
	case "journal":
		err = runJournal(ctx)
	case "health":
		err = runHealth(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// sessionArg returns the required session id argument for watch/chat/journal.
func sessionArg() (string, error) {
	if len(os.Args) < 3 || os.Args[2] == "" {
		return "", fmt.Errorf("%s requires a session id", os.Args[1])
	}
	return os.Args[2], nil
}

// console bundles the wired-up client components for one invocation.
type console struct {
	cfg        *config.Config
	logger     *slog.Logger
	client     *api.Client
	transport  *stream.WebSocketTransport
	subscriber *stream.Subscriber
	journal    *journal.SQLiteJournal
	store      *conversation.Store
}

// setup loads config and wires the REST client, event stream and store.
func setup(ctx context.Context) (*console, error) {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	client := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, logger)

	transport := stream.NewWebSocketTransport(streamURL(cfg), stream.WebSocketOptions{
		DialAttempts: cfg.Stream.DialAttempts,
		PingInterval: cfg.Stream.PingInterval,
		ReconnectMin: cfg.Stream.ReconnectMin,
		ReconnectMax: cfg.Stream.ReconnectMax,
	}, logger)
	subscriber := stream.New(transport, logger)

	var jrnl *journal.SQLiteJournal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
	}

	opts := conversation.StoreOptions{Logger: logger}
	if jrnl != nil {
		opts.Journal = jrnl
	}
	store := conversation.NewStore(subscriber, client, opts)

	if err := subscriber.Connect(ctx); err != nil {
		store.Close()
		if jrnl != nil {
			jrnl.Close()
		}
		return nil, err
	}

	return &console{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		transport:  transport,
		subscriber: subscriber,
		journal:    jrnl,
		store:      store,
	}, nil
}

func (c *console) close() {
	c.store.Close()
	c.transport.Close()
	if c.journal != nil {
		c.journal.Close()
	}
}

// streamURL derives the WebSocket endpoint from the backend base URL when the
// config does not name one explicitly.
func streamURL(cfg *config.Config) string {
	if cfg.Stream.URL != "" {
		return cfg.Stream.URL
	}
	base := cfg.Backend.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return strings.TrimSuffix(base, "/") + "/ws"
}

func runWatch(ctx context.Context) error {
	sessionID, err := sessionArg()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	c, err := setup(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	done := make(chan struct{})
	printStatusUpdates(c.store.Status(), done)

	c.store.Watch(sessionID)

	select {
	case <-ctx.Done():
		return nil
	case <-done:
		return nil
	}
}

// printStatusUpdates wires colored terminal output to status transitions and
// closes done shortly after the session reaches a terminal state.
func printStatusUpdates(tracker *conversation.StatusTracker, done chan struct{}) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	var mu sync.Mutex
	lastStep := ""
	tracker.OnChange(func(st conversation.ProcessingStatus) {
		mu.Lock()
		defer mu.Unlock()
		if st.CurrentStep != "" && st.CurrentStep != lastStep {
			lastStep = st.CurrentStep
			gray.Print("  ▶ ")
			fmt.Println(st.CurrentStep)
		}
	})

	tracker.SetCompletionFunc(func(st conversation.ProcessingStatus) {
		switch st.Status {
		case conversation.StatusCompleted:
			green.Println("\n  Session completed")
			if st.Result != "" {
				fmt.Println()
				fmt.Println(st.Result)
			}
		case conversation.StatusError:
			red.Printf("\n  Session failed: %s\n", st.Error)
		}
		close(done)
	})
}

func runChat(ctx context.Context) error {
	sessionID, err := sessionArg()
	if err != nil {
		return err
	}

	c, err := setup(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	c.store.Watch(sessionID)

	author := c.cfg.Chat.Author
	if author == "" {
		author = "console"
	}

	transcript, err := c.store.OpenChat(ctx, author)
	if err != nil {
		return fmt.Errorf("opening chat: %w", err)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Printf("Chat open for session %s. Type a message, or Ctrl-D to quit.\n", sessionID)

	// Print entries as they land; the transcript dedups and orders them.
	var mu sync.Mutex
	printed := 0
	render := func() {
		mu.Lock()
		defer mu.Unlock()
		entries := transcript.Snapshot()
		for ; printed < len(entries); printed++ {
			printEntry(entries[printed])
		}
	}
	transcript.OnChange(render)
	render()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := transcript.Send(ctx, line, author); err != nil {
				color.Red("  send failed: %v", err)
				continue
			}
			gray.Println("  (sent)")
		}
	}
}

// printEntry renders one transcript entry to the terminal.
func printEntry(e conversation.Entry) {
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	switch e.Kind {
	case conversation.EntryUserMessage:
		yellow.Printf("%s: ", e.User.Author)
		fmt.Println(e.User.Content)
		if e.Pending {
			gray.Println("  (sending...)")
		}
	case conversation.EntryAssistantTurn:
		st := e.Assistant
		switch st.Status {
		case "failed":
			color.Red("assistant (%s): %s", st.StageName, st.ErrorMessage)
		default:
			cyan.Printf("assistant (%s, %s)\n", st.StageName, st.Status)
			for _, li := range st.LLMInteractions {
				if li.Response != "" {
					fmt.Println(li.Response)
				}
			}
		}
	}
}

func runJournal(ctx context.Context) error {
	sessionID, err := sessionArg()
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is not enabled in config")
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	entries, err := j.Events(ctx, sessionID, 500)
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no journaled events for session", sessionID)
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, entry := range entries {
		ts := time.UnixMicro(entry.TimestampUs).UTC().Format("15:04:05.000")
		gray.Printf("%s ", ts)
		fmt.Printf("%-20s %s\n", entry.Type, entry.Payload)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := strings.TrimSuffix(cfg.Backend.BaseURL, "/") + "/api/v1/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if cfg.Backend.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Backend.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tarsy-console configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Backend Configuration ---")
	baseURL := prompt(reader, "Backend base URL", "http://localhost:8000")
	token := prompt(reader, "API token (leave empty to use TARSY_API_TOKEN)", "")

	fmt.Println("\n--- Journal Configuration ---")
	journalStr := prompt(reader, "Enable local event journal?", "no")
	journalEnabled := strings.ToLower(journalStr) == "yes" || strings.ToLower(journalStr) == "y"
	var journalPath string
	if journalEnabled {
		journalPath = prompt(reader, "Journal database path", "events.db")
	}

	fmt.Println("\n--- Chat Configuration ---")
	author := prompt(reader, "Chat author name", "console")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# tarsy-console configuration\n")
	cfg.WriteString("# Generated by tarsy-console init\n\n")

	cfg.WriteString("backend:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	if token != "" {
		cfg.WriteString(fmt.Sprintf("  token: \"%s\"\n", token))
	} else {
		cfg.WriteString("  token: \"${TARSY_API_TOKEN}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("stream:\n")
	cfg.WriteString("  ping_interval: \"30s\"\n")
	cfg.WriteString("  reconnect_min: \"1s\"\n")
	cfg.WriteString("  reconnect_max: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("journal:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", journalEnabled))
	if journalEnabled {
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", journalPath))
	}
	cfg.WriteString("\n")

	cfg.WriteString("chat:\n")
	cfg.WriteString(fmt.Sprintf("  author: \"%s\"\n", author))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo watch a session:")
	fmt.Printf("  tarsy-console watch <session-id>\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
