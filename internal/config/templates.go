package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrTemplateCreated is returned by Load when a missing config file was replaced by a template.
var ErrTemplateCreated = errors.New("config file not found, template created")

const configTemplate = `# Auto Trader Configuration

[broker]
# Custom REST host; leave empty for the broker default
host = ""
port = 0
# Client id, also used to tag orders placed by this process
client_id = 1
# Default exchange: NSE, BSE, NFO, MCX
exchange = "NSE"
# Per-call timeout
timeout = "30s"
# Reconnection attempts before giving up
reconnect_attempts = 5
reconnect_base_delay = "1s"
# Wait for in-flight calls on shutdown
graceful_shutdown = true
# Paper trading simulates fills locally
paper = true

[circuit_breaker]
# Consecutive failures before the breaker opens
failure_threshold = 5
# Time the breaker stays open before a trial call
reset_timeout = "60s"
state_file = "~/.config/auto-trader/state/circuit_breaker_state.json"

[market_data]
# Bars priced above this are rejected as extreme
max_reasonable_price = 10000.0
# Allowed clock skew for bar timestamps
future_timestamp_tolerance_seconds = 1
# Tick aggregation interval
bar_interval = "1m"

[store]
path = "~/.config/auto-trader/trader.db"

[logging]
level = "info"
console = true
file = true
file_path = "~/.config/auto-trader/logs/trader.log"
max_size = 100
max_backups = 7
max_age = 30

[notifications]
enabled = false
webhook_url = ""
# all, trades_only or errors_only
level = "all"
`

const credentialsTemplate = `# Broker API Credentials
# Keep this file secure. Environment variables KITE_API_KEY,
# KITE_API_SECRET and KITE_ACCESS_TOKEN take precedence.

api_key = ""
api_secret = ""
access_token = ""
`

const plansTemplate = `# Trade plans. Import with: autotrader plans import plans.toml

[[plans]]
id = "infy-breakout"
symbol = "INFY"
exchange = "NSE"
side = "long"
quantity = 10

[plans.entry]
type = "close_above"
params = { threshold = 1500.0, min_volume = 1000 }

[plans.exit]
type = "trailing_stop"
params = { trail_percent = 2.0 }

[plans.risk]
stop_loss = 1450.0
max_position_size = 50
`

func createTemplateConfig(configDir, name string) error {
	path, err := writeTemplate(configDir, name+".toml", configTemplate, 0644)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w at %s", ErrTemplateCreated, path)
}

// WriteTemplates writes config and credentials templates into configDir,
// leaving existing files untouched. It returns the paths written.
func WriteTemplates(configDir string) ([]string, error) {
	var written []string
	for _, tpl := range []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{"config.toml", configTemplate, 0644},
		// Use restricted permissions for credentials file
		{"credentials.toml", credentialsTemplate, 0600},
		{"plans.toml", plansTemplate, 0644},
	} {
		if _, err := os.Stat(filepath.Join(configDir, tpl.name)); err == nil {
			continue
		}
		path, err := writeTemplate(configDir, tpl.name, tpl.content, tpl.perm)
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func writeTemplate(configDir, file, content string, perm os.FileMode) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, file)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return "", fmt.Errorf("writing %s template: %w", file, err)
	}
	return path, nil
}
