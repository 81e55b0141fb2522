// ABOUTME: First-run commands: interactive init and one-shot bootstrap
// ABOUTME: Both write a YAML config with a freshly generated JWT secret

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/store"
)

// configFile is the subset of the config written by init and bootstrap.
type configFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr,omitempty"`
	} `yaml:"server"`
	Tailscale struct {
		Enabled   bool   `yaml:"enabled"`
		Hostname  string `yaml:"hostname,omitempty"`
		AuthKey   string `yaml:"auth_key,omitempty"`
		Ephemeral bool   `yaml:"ephemeral,omitempty"`
		HTTPS     bool   `yaml:"https,omitempty"`
	} `yaml:"tailscale"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		TokenTTL  string `yaml:"token_ttl"`
	} `yaml:"auth"`
	Sessions struct {
		ReconnectGracePeriod string `yaml:"reconnect_grace_period"`
		MessageTimeout       string `yaml:"message_timeout"`
	} `yaml:"sessions"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func defaultConfigFile(dbPath string) (*configFile, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	var cf configFile
	cf.Server.HTTPAddr = "127.0.0.1:3001"
	cf.Database.Path = dbPath
	cf.Auth.JWTSecret = secret
	cf.Auth.TokenTTL = "168h"
	cf.Sessions.ReconnectGracePeriod = "30s"
	cf.Sessions.MessageTimeout = "30m"
	cf.Logging.Level = "info"
	cf.Logging.Format = "text"
	return &cf, nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// writeConfigFile writes cf to path with owner-only permissions, since it holds the JWT secret.
func writeConfigFile(path string, cf *configFile) error {
	data, err := yaml.Marshal(cf)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	header := "# coven-workbench configuration\n# Generated by coven-workbench\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// createUser adds a local account.
func createUser(ctx context.Context, st store.Store, username, password string) (*store.User, error) {
	if len(username) > 64 {
		return nil, fmt.Errorf("username exceeds maximum length of 64 characters")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("user %q already exists", username)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

// runBootstrap performs first-time setup:
// 1. Creates the config file with a random JWT secret (if it does not exist)
// 2. Creates the database and a user
// 3. Prints a token for that user
//
// coven-workbench bootstrap --username alice --password s3cret
func runBootstrap(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "username", "password")
	if err != nil {
		return err
	}
	if err := required(flags, "username", "password"); err != nil {
		return err
	}

	configPath := getConfigPath()
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		cf, err := defaultConfigFile(filepath.Join(getDataPath(), "workbench.db"))
		if err != nil {
			return err
		}
		if err := writeConfigFile(configPath, cf); err != nil {
			return err
		}
		green.Print("  ✓ ")
		fmt.Printf("Created config: %s\n", configPath)
	} else {
		green.Print("  ✓ ")
		fmt.Printf("Using config:   %s\n", configPath)
	}

	cfg, st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := createUser(ctx, st, flags["username"], flags["password"])
	if err != nil {
		return err
	}
	green.Print("  ✓ ")
	fmt.Printf("Created user:   %s\n", user.Username)

	token, err := issueToken(ctx, st, cfg, flags["username"], flags["password"])
	if err != nil {
		return err
	}

	fmt.Println()
	cyan.Println("  User")
	cyan.Println("  ----")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Token:    %s\n", token)
	fmt.Println()

	yellow.Println("  Next:")
	fmt.Printf("    coven-workbench project add --owner %s --name NAME --path DIR\n", user.Username)
	fmt.Println("    coven-workbench serve")
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-workbench configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cf, err := defaultConfigFile(filepath.Join(getDataPath(), "workbench.db"))
	if err != nil {
		return err
	}

	fmt.Println("\n--- Server Configuration ---")
	cf.Server.HTTPAddr = prompt(reader, "HTTP address", cf.Server.HTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	cf.Database.Path = prompt(reader, "SQLite database path", cf.Database.Path)

	fmt.Println("\n--- Tailscale Configuration ---")
	cf.Tailscale.Enabled = yes(prompt(reader, "Enable Tailscale?", "no"))
	if cf.Tailscale.Enabled {
		cf.Tailscale.Hostname = prompt(reader, "Tailscale hostname", "coven-workbench")
		cf.Tailscale.AuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		cf.Tailscale.Ephemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		cf.Tailscale.HTTPS = yes(prompt(reader, "Serve HTTPS on the tailnet?", "no"))
		cf.Server.HTTPAddr = "" // the tailnet listener replaces it
	}

	fmt.Println("\n--- Sessions ---")
	cf.Sessions.ReconnectGracePeriod = prompt(reader, "Reconnect grace period", cf.Sessions.ReconnectGracePeriod)
	cf.Sessions.MessageTimeout = prompt(reader, "Message timeout", cf.Sessions.MessageTimeout)

	fmt.Println("\n--- Logging Configuration ---")
	cf.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cf.Logging.Level)
	cf.Logging.Format = prompt(reader, "Log format (text/json)", cf.Logging.Format)

	if err := writeConfigFile(outputFile, cf); err != nil {
		return err
	}
	dataDir := filepath.Dir(cf.Database.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext:")
	fmt.Println("  coven-workbench bootstrap --username NAME --password PASSWORD")

	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
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
