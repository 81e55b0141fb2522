// ABOUTME: Entry point for the coven-workbench server and its admin commands
// ABOUTME: serve runs the session runtime; the rest manage users, projects and sessions

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
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-workbench/internal/config"
	"github.com/2389/coven-workbench/internal/gateway"
	"github.com/2389/coven-workbench/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                   _     _                     _
  ___ _____   _____ _ __     __      _____  _ __| | __| |__   ___ _ __   ___| |__
 / __/ _ \ \ / / _ \ '_ \____\ \ /\ / / _ \| '__| |/ /| '_ \ / _ \ '_ \ / __| '_ \
| (_| (_) \ V /  __/ | | |____\ V  V / (_) | |  |   < | |_) |  __/ | | | (__| | | |
 \___\___/ \_/ \___|_| |_|     \_/\_/ \___/|_|  |_|\_\|_.__/ \___|_| |_|\___|_| |_|
`

// getConfigPath returns the path to the workbench config file.
// Priority: COVEN_WORKBENCH_CONFIG env var > XDG_CONFIG_HOME/coven-workbench/config.yaml > ~/.config/coven-workbench/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_WORKBENCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven-workbench", "config.yaml")
}

// getDataPath returns the path to the workbench data directory.
// Priority: XDG_DATA_HOME/coven-workbench > ~/.local/share/coven-workbench
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-workbench")
}

func usage() {
	fmt.Println("Usage: coven-workbench <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                          Start the server")
	fmt.Println("  init                                           Create a new config file interactively")
	fmt.Println("  bootstrap --username U --password P            Create the config (if missing) and a user")
	fmt.Println("  project add --owner U --name N --path DIR      Register a project directory")
	fmt.Println("  session new --project ID [--name N] [--agent A] [--model M]")
	fmt.Println("                                                 Create a session in a project")
	fmt.Println("  token --username U --password P                Issue a WebSocket token")
	fmt.Println("  health                                         Check server readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx, args)
	case "project":
		err = runProject(ctx, args)
	case "session":
		err = runSession(ctx, args)
	case "token":
		err = runToken(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
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

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agents.Default)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-workbench",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grace_period", cfg.Sessions.ReconnectGracePeriod,
		"message_timeout", cfg.Sessions.MessageTimeout,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not set; check the tailnet address instead")
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(body)
	return nil
}

// loadStore loads the config and opens its database. COVEN_DB_PATH overrides
// the configured path, as it does for serve.
func loadStore() (*config.Config, store.Store, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func readBody(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
