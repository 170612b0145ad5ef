// ABOUTME: Entry point for the teamwire hub server
// ABOUTME: Hosts the session socket, task graph, and plan approval for one team

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/teamwire/teamwire/internal/auth"
	"github.com/teamwire/teamwire/internal/config"
	"github.com/teamwire/teamwire/internal/orchestrator"
	"github.com/teamwire/teamwire/internal/session"
	"github.com/teamwire/teamwire/internal/store"
	"github.com/teamwire/teamwire/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                                   _
| |_ ___  __ _ _ __ _____      _(_)_ __ ___
| __/ _ \/ _' | '_ ' _ \ \ /\ / / | '__/ _ \
| ||  __/ (_| | | | | | \ V  V /| | | |  __/
 \__\___|\__,_|_| |_| |_|\_/\_/ |_|_|  \___|
`

// getConfigPath returns the path to the hub config file.
// Priority: TEAMWIRE_CONFIG env var > XDG_CONFIG_HOME/teamwire/hub.yaml > ~/.config/teamwire/hub.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TEAMWIRE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "teamwire", "hub.yaml")
}

// getDataPath returns the path to the teamwire data directory.
// Priority: XDG_DATA_HOME/teamwire > ~/.local/share/teamwire
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "teamwire")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: teamwire-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the hub server")
		fmt.Println("  init                  Create a new config file interactively")
		fmt.Println("  token --agent ID      Mint a join token for an agent")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	secret, err := cfg.SecretBytes()
	if err != nil {
		return fmt.Errorf("decoding session secret: %w", err)
	}
	if len(secret) == 0 {
		secret, err = wire.NewSecret()
		if err != nil {
			return err
		}
		logger.Warn("no session secret configured, generated an ephemeral one",
			"secret", hex.EncodeToString(secret))
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Socket:  %s\n", cfg.Session.SocketPath)
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("DB:      %s\n", cfg.Database.Path)
	}
	fmt.Println()

	// Optional task persistence
	var taskStore *store.SQLiteStore
	var graphEvents orchestrator.Events
	if cfg.Database.Path != "" {
		taskStore, err = store.NewSQLiteStore(cfg.Database.Path, logger.With("component", "store"))
		if err != nil {
			return fmt.Errorf("opening task store: %w", err)
		}
		graphEvents = store.NewMirror(taskStore, logger.With("component", "store"))
	}

	var verifier auth.TokenVerifier
	if cfg.Session.JoinSecret != "" {
		verifier = auth.NewJoinVerifier([]byte(cfg.Session.JoinSecret))
	}

	sess := session.New(session.Config{
		SocketPath:  cfg.Session.SocketPath,
		Secret:      secret,
		Verifier:    verifier,
		LeaderID:    cfg.Session.LeaderID,
		PlanTimeout: cfg.Session.PlanTimeout,
		GraphEvents: graphEvents,
	}, logger)

	if taskStore != nil {
		persisted, err := taskStore.LoadTasks()
		if err != nil {
			return fmt.Errorf("loading persisted tasks: %w", err)
		}
		for _, task := range persisted {
			sess.Graph.Restore(task)
		}
		if len(persisted) > 0 {
			logger.Info("restored task snapshot", "tasks", len(persisted))
		}
	}

	if err := sess.Start(); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}

	logger.Info("teamwire hub running", "session", cfg.Session.Name, "leader", cfg.Session.LeaderID)
	<-ctx.Done()
	logger.Info("shutting down")

	var errs []error
	if err := sess.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("stopping session: %w", err))
	}
	if taskStore != nil {
		if err := taskStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing task store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent id the token is issued for")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" {
		return fmt.Errorf("--agent is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Session.JoinSecret == "" {
		return fmt.Errorf("session.join_secret is not configured")
	}

	token, err := auth.NewJoinVerifier([]byte(cfg.Session.JoinSecret)).Generate(*agentID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("teamwire hub configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "tasks.db")
	defaultSocket := filepath.Join(defaultDataPath, "hub.sock")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Session Configuration ---")
	sessionName := prompt(reader, "Session name", "default")
	socketPath := prompt(reader, "Socket path", defaultSocket)
	leaderID := prompt(reader, "Leader agent id", "lead")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := wire.NewSecret()
	if err != nil {
		return err
	}
	joinSecret, err := wire.NewSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# teamwire hub configuration\n")
	cfg.WriteString("# Generated by teamwire-hub init\n\n")

	cfg.WriteString("session:\n")
	cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n", sessionName))
	cfg.WriteString(fmt.Sprintf("  socket_path: \"%s\"\n", socketPath))
	cfg.WriteString(fmt.Sprintf("  secret: \"%s\"\n", hex.EncodeToString(secret)))
	cfg.WriteString(fmt.Sprintf("  join_secret: \"%s\"\n", hex.EncodeToString(joinSecret)))
	cfg.WriteString(fmt.Sprintf("  leader_id: \"%s\"\n", leaderID))
	cfg.WriteString("  heartbeat_interval: \"15s\"\n")
	cfg.WriteString("  request_timeout: \"30s\"\n")
	cfg.WriteString("  plan_timeout: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the hub:")
	fmt.Printf("  teamwire-hub serve\n")
	fmt.Println("\nTo invite an agent:")
	fmt.Printf("  teamwire-hub token --agent <id>\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
