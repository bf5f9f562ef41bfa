package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"go.flowcatalyst.tech/router/internal/router/model"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP         TOMLHTTPConfig         `toml:"http"`
	Queue        TOMLQueueConfig        `toml:"queue"`
	Notification TOMLNotificationConfig `toml:"notification"`
	Router       string                 `toml:"router_config_path"`
	DataDir      string                 `toml:"data_dir"`
	DevMode      bool                   `toml:"dev_mode"`
}

// TOMLNotificationConfig represents operator-notification configuration in TOML.
type TOMLNotificationConfig struct {
	MinSeverity        string `toml:"min_severity"`
	BatchWindowSeconds int    `toml:"batch_window_seconds"`
	Email              struct {
		Enabled     bool   `toml:"enabled"`
		SMTPHost    string `toml:"smtp_host"`
		SMTPPort    int    `toml:"smtp_port"`
		Username    string `toml:"username"`
		Password    string `toml:"password"`
		FromAddress string `toml:"from_address"`
		ToAddress   string `toml:"to_address"`
	} `toml:"email"`
	Teams struct {
		Enabled    bool   `toml:"enabled"`
		WebhookURL string `toml:"webhook_url"`
	} `toml:"teams"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type string         `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
	SQS  TOMLSQSConfig  `toml:"sqs"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg), nil
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Notification: NotificationConfig{
			MinSeverity:        tc.Notification.MinSeverity,
			BatchWindowSeconds: tc.Notification.BatchWindowSeconds,
			Email: EmailConfig{
				Enabled:     tc.Notification.Email.Enabled,
				SMTPHost:    tc.Notification.Email.SMTPHost,
				SMTPPort:    tc.Notification.Email.SMTPPort,
				Username:    tc.Notification.Email.Username,
				Password:    tc.Notification.Email.Password,
				FromAddress: tc.Notification.Email.FromAddress,
				ToAddress:   tc.Notification.Email.ToAddress,
			},
			Teams: TeamsConfig{
				Enabled:    tc.Notification.Teams.Enabled,
				WebhookURL: tc.Notification.Teams.WebhookURL,
			},
		},
		RouterConfigPath: tc.Router,
		DataDir:          tc.DataDir,
		DevMode:          tc.DevMode,
	}
}

// mergeConfigs merges two configs. Override takes precedence for non-empty
// values, except that HTTP port, queue type and data dir are taken only when
// they also differ from their defaults (8080, "embedded", "./data"), and the
// Notification block is taken from override only when base has no MinSeverity.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.Queue.Type != "" && override.Queue.Type != "embedded" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.NATS.URL != "" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.NATS.DataDir != "" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}

	if override.RouterConfigPath != "" {
		result.RouterConfigPath = override.RouterConfigPath
	}
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	if result.Notification.MinSeverity == "" {
		result.Notification = override.Notification
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst router configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[queue]
type = "embedded"  # embedded, nats, or sqs

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

# Path to a RouterConfig snapshot (pools + queue mappings), see
# router-config.toml.example. Used when the control plane is unreachable.
router_config_path = ""

data_dir = "./data"
dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}

// routerConfigFile is the on-disk shape of a RouterConfig snapshot. It
// mirrors model.RouterConfig field-for-field so env/file consumers never
// need a separate translation layer.
type routerConfigFile struct {
	Pools []struct {
		Code               string `toml:"code"`
		Concurrency        int    `toml:"concurrency"`
		RateLimitPerMinute *int   `toml:"rate_limit_per_minute"`
		MaxQueueDepth      int    `toml:"max_queue_depth"`
	} `toml:"pools"`
	Queues []struct {
		QueueID string `toml:"queue_id"`
		Kind    string `toml:"kind"`
		URL     string `toml:"url"`
	} `toml:"queues"`
}

// LoadRouterConfigSnapshot reads a RouterConfig from a local TOML file, for
// reconciliation through the same path a control-plane push would use.
func LoadRouterConfigSnapshot(path string) (*model.RouterConfig, error) {
	var file routerConfigFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to parse router config snapshot %s: %w", path, err)
	}

	cfg := &model.RouterConfig{
		Pools:  make([]model.PoolConfig, 0, len(file.Pools)),
		Queues: make([]model.QueueMapping, 0, len(file.Queues)),
	}
	for _, p := range file.Pools {
		cfg.Pools = append(cfg.Pools, model.PoolConfig{
			Code:               p.Code,
			Concurrency:        p.Concurrency,
			RateLimitPerMinute: p.RateLimitPerMinute,
			MaxQueueDepth:      p.MaxQueueDepth,
		})
	}
	for _, q := range file.Queues {
		cfg.Queues = append(cfg.Queues, model.QueueMapping{
			QueueID: q.QueueID,
			Kind:    model.QueueKind(q.Kind),
			URL:     q.URL,
		})
	}
	return cfg, nil
}
