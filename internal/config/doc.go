// Package config handles configuration loading for parley-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/parley/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. The same
// keys are used in both formats. "parley-gateway init" writes a starter file.
//
// # Environment
//
// A .env file next to the config file is loaded first; it never overrides
// variables already set. Values can then reference the environment:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// PARLEY_DB_PATH, when set, replaces database.path.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health service
//	  http_addr: "0.0.0.0:8080"   # REST API and websocket
//
//	database:
//	  driver: "sqlite"            # sqlite, sqlite3 (cgo), badger, memory
//	  path: "/var/lib/parley/gateway.db"
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"  # at least 32 bytes
//	  token_ttl: "24h"
//
//	chat:
//	  typing_ttl: "2s"      # typing window after the last keystroke
//	  write_timeout: "5s"   # bound on every store write
//	  dedupe_ttl: "10m"     # how long retried sends are recognized
//	  dedupe_size: 10000
//
//	websocket:
//	  ping_interval: "30s"
//	  read_timeout: "60s"   # must exceed ping_interval
//	  write_timeout: "10s"
//	  max_message_size: 65536
//
//	tailscale:
//	  enabled: false
//	  hostname: "parley"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Durations use time.ParseDuration syntax and must be positive. Unset
// optional values take the defaults shown above.
package config
