// Package config handles configuration loading for coven-workbench.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file ends in
// .toml) with environment variable expansion, then defaults are applied and
// the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_WORKBENCH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-workbench/config.yaml
//  3. ~/.config/coven-workbench/config.yaml
//
// COVEN_DB_PATH, when set, replaces database.path.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:3001"
//	  allowed_origins: ["http://localhost:5173"]
//
//	tailscale:
//	  enabled: false
//	  hostname: "workbench"  # required when enabled
//	  https: true            # :443 with a tailnet certificate instead of :80
//
//	database:
//	  path: "/home/me/.local/share/coven-workbench/workbench.db"
//
//	auth:
//	  jwt_secret: "..."  # at least 32 bytes
//	  token_ttl: "168h"
//
//	sessions:
//	  reconnect_grace_period: "30s"  # how long a dropped user's sessions survive
//	  message_timeout: "30m"         # hard deadline for one agent run
//	  temp_dir: "/tmp/coven-workbench"
//	  auto_name: true
//
//	agents:
//	  default: "claude"
//	  profiles:
//	    claude:
//	      binary: "claude"
//	      args: "--verbose --output-format stream-json"
//
//	shell:
//	  command: "zsh -l"  # split with shlex; defaults to $SHELL
//
//	shutdown:
//	  kill_timeout: "5s"  # per process
//	  timeout: "10s"      # whole teardown
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
