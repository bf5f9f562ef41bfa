package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the router binary.
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Queue configuration (embedded NATS, standalone NATS, or SQS)
	Queue QueueConfig

	// RouterConfigPath, if set, points at a local TOML snapshot of pool
	// and queue mappings to reconcile on startup and on SIGHUP, for
	// operating without a reachable control plane.
	RouterConfigPath string

	// DataDir is the data directory for embedded services (e.g. the
	// embedded NATS JetStream store).
	DataDir string

	// DevMode enables verbose, human-readable logging.
	DevMode bool

	// Notification configures the operator-warning delegates (email,
	// Teams webhook) and the batching window/severity gate in front of
	// them.
	Notification NotificationConfig
}

// NotificationConfig configures the operator-notification delegates a
// Warning fans out to, and the batching policy in front of them.
type NotificationConfig struct {
	MinSeverity        string
	BatchWindowSeconds int

	Email EmailConfig
	Teams TeamsConfig
}

// EmailConfig configures the SMTP notification delegate.
type EmailConfig struct {
	Enabled     bool
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	ToAddress   string
}

// TeamsConfig configures the Teams-webhook notification delegate.
type TeamsConfig struct {
	Enabled    bool
	WebhookURL string
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// QueueConfig holds queue configuration.
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration.
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		RouterConfigPath: getEnv("ROUTER_CONFIG_PATH", ""),
		DataDir:          getEnv("DATA_DIR", "./data"),
		DevMode:          getEnvBool("FLOWCATALYST_DEV", false),

		Notification: NotificationConfig{
			MinSeverity:        getEnv("NOTIFICATION_MIN_SEVERITY", "WARNING"),
			BatchWindowSeconds: getEnvInt("NOTIFICATION_BATCH_WINDOW_SECONDS", 300),
			Email: EmailConfig{
				Enabled:     getEnvBool("NOTIFICATION_EMAIL_ENABLED", false),
				SMTPHost:    getEnv("SMTP_HOST", ""),
				SMTPPort:    getEnvInt("SMTP_PORT", 587),
				Username:    getEnv("SMTP_USERNAME", ""),
				Password:    getEnv("SMTP_PASSWORD", ""),
				FromAddress: getEnv("NOTIFICATION_EMAIL_FROM", ""),
				ToAddress:   getEnv("NOTIFICATION_EMAIL_TO", ""),
			},
			Teams: TeamsConfig{
				Enabled:    getEnvBool("NOTIFICATION_TEAMS_ENABLED", false),
				WebhookURL: getEnv("NOTIFICATION_TEAMS_WEBHOOK_URL", ""),
			},
		},
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
