package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Database DatabaseConfig
	Broker   BrokerConfig
	Storage  StorageConfig
	Email    EmailConfig
	Capture  CaptureConfig
	Worker   WorkerConfig
	Agent    AgentConfig
	Frontend FrontendConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/rivora?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// BrokerConfig holds the durable job broker connection settings.
type BrokerConfig struct {
	URL      string // redis:// or rediss:// connection string; takes precedence over Addr
	Addr     string
	Password string
	DB       int
}

// StorageConfig holds the remote object store credentials and bucket.
type StorageConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SegmentsBucket  string
}

// EmailConfig holds SMTP settings for the notification sender.
type EmailConfig struct {
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
}

// CaptureConfig holds segment recorder settings for the capture agent.
type CaptureConfig struct {
	SegmentDuration   time.Duration // length of each recorded segment
	EmptySegmentRetry time.Duration // delay before the next cycle after an empty segment
	InputFormat       string        // ffmpeg input format, e.g. v4l2, avfoundation
	Input             string        // ffmpeg input, e.g. /dev/video0 or ":default"
	MimeType          string        // MIME descriptor attached to produced segments
}

// WorkerConfig holds merge worker consumption and rate limit settings.
type WorkerConfig struct {
	MaxPerWindow    int           // max job starts per window, system-wide
	Window          time.Duration // rate limit window
	PollInterval    time.Duration // broker poll interval when the queue is idle
	StallThreshold  time.Duration // unacknowledged jobs older than this are redelivered
	MergeServiceURL string        // base URL of the merge service
}

// AgentConfig holds the capture agent control server settings.
type AgentConfig struct {
	Addr      string
	SessionID string
	Role      string // participant role: host or guest
}

// FrontendConfig holds the frontend base URL used to build session links.
type FrontendConfig struct {
	BaseURL string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/rivora?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "rivora"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Broker: BrokerConfig{
			URL:      getEnv("BROKER_URL", ""),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SegmentsBucket:  getEnv("AWS_S3_SEGMENTS_BUCKET", "rivora-segments"),
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@example.com"),
			FromName:    getEnv("EMAIL_FROM_NAME", "Rivora Studio"),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
		},
		Capture: CaptureConfig{
			SegmentDuration:   getEnvDuration("SEGMENT_DURATION", 5*time.Second),
			EmptySegmentRetry: getEnvDuration("EMPTY_SEGMENT_RETRY", 100*time.Millisecond),
			InputFormat:       getEnv("CAPTURE_FORMAT", "v4l2"),
			Input:             getEnv("CAPTURE_INPUT", "/dev/video0"),
			MimeType:          getEnv("CAPTURE_MIME_TYPE", "video/webm;codecs=vp8,opus"),
		},
		Worker: WorkerConfig{
			MaxPerWindow:    getEnvInt("WORKER_MAX_PER_WINDOW", 5),
			Window:          getEnvDuration("WORKER_WINDOW", time.Second),
			PollInterval:    getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			StallThreshold:  getEnvDuration("WORKER_STALL_THRESHOLD", 30*time.Second),
			MergeServiceURL: getEnv("MERGE_SERVICE_URL", "http://localhost:9100"),
		},
		Agent: AgentConfig{
			Addr:      getEnv("AGENT_ADDR", ":8090"),
			SessionID: getEnv("AGENT_SESSION_ID", ""),
			Role:      getEnv("AGENT_ROLE", "host"),
		},
		Frontend: FrontendConfig{
			BaseURL: getEnv("FRONTEND_URL", "http://localhost:3000"),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
