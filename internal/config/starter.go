// ABOUTME: Starter configuration written by "parley-gateway init"
// ABOUTME: Produces a YAML file with a generated JWT secret and local defaults

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

var starterTemplate = template.Must(template.New("starter").Parse(`# parley-gateway configuration

server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"

tailscale:
  enabled: false
  hostname: "parley"
  # auth_key: "${TS_AUTHKEY}"
  # https: true

database:
  driver: "sqlite"   # sqlite | sqlite3 | badger | memory
  path: "{{.DBPath}}"

auth:
  jwt_secret: "{{.Secret}}"
  token_ttl: "24h"

chat:
  typing_ttl: "2s"
  write_timeout: "5s"
  dedupe_ttl: "10m"
  dedupe_size: 10000

websocket:
  ping_interval: "30s"
  read_timeout: "60s"
  write_timeout: "10s"
  max_message_size: 65536

logging:
  level: "info"
  format: "text"
`))

// GenerateSecret returns a random hex secret suitable for auth.jwt_secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, MinJWTSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// WriteStarter writes a starter config to path. It refuses to overwrite an
// existing file unless force is set.
func WriteStarter(path, dbPath string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	secret, err := GenerateSecret()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	return starterTemplate.Execute(f, struct{ DBPath, Secret string }{dbPath, secret})
}
