package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration, loaded once at startup and
// immutable for the process lifetime.
type Config struct {
	LogLevel   string
	LedgerPath string
	StatusAddr string

	// Polling
	PollInterval     time.Duration
	DefaultImagePath string

	Mailbox MailboxConfig
	Notify  NotifyConfig
	Vision  VisionConfig
	Extract ExtractConfig
	Kaipoke KaipokeConfig
}

// MailboxConfig holds IMAP settings for the monitored account.
type MailboxConfig struct {
	Host             string
	Port             int
	Username         string
	Password         string
	Folder           string // fallback folder when the processing folder cannot be used
	ProcessingFolder string
	Timeout          time.Duration
	ReconnectTries   int
	ReconnectBackoff time.Duration
}

// NotifyConfig holds optional SMTP settings for outcome summaries.
// Notifications are disabled when To is empty.
type NotifyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	To       string
}

// VisionConfig holds settings for the text-recognition service.
type VisionConfig struct {
	APIKey   string
	Endpoint string
}

// ExtractConfig holds settings for the field-extraction model.
type ExtractConfig struct {
	APIKey   string
	Model    string
	Endpoint string
}

// KaipokeConfig holds credentials and URLs for the target application.
type KaipokeConfig struct {
	CorporateCode string
	Username      string
	Password      string
	LoginURL      string
	RegisterURL   string
	Headless      bool
	StepTimeout   time.Duration
}

// Load loads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LedgerPath:       getEnv("LEDGER_PATH", "data/relay.db"),
		StatusAddr:       getEnv("STATUS_ADDR", ""),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 30*time.Second),
		DefaultImagePath: getEnv("DEFAULT_IMAGE_PATH", ""),
		Mailbox: MailboxConfig{
			Host:             getEnv("EMAIL_SERVER", "imap.gmail.com"),
			Port:             getEnvInt("EMAIL_PORT", 993),
			Username:         getEnv("EMAIL_ADDRESS", ""),
			Password:         getEnv("EMAIL_PASSWORD", ""),
			Folder:           getEnv("EMAIL_FOLDER", "INBOX"),
			ProcessingFolder: getEnv("EMAIL_PROCESSING_FOLDER", "OCR_Processing"),
			Timeout:          getEnvDuration("EMAIL_TIMEOUT", 30*time.Second),
			ReconnectTries:   getEnvInt("EMAIL_RECONNECT_TRIES", 2),
			ReconnectBackoff: getEnvDuration("EMAIL_RECONNECT_BACKOFF", 5*time.Second),
		},
		Notify: NotifyConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			To:       getEnv("NOTIFY_TO", ""),
		},
		Vision: VisionConfig{
			APIKey:   getEnv("GOOGLE_VISION_API_KEY", ""),
			Endpoint: getEnv("GOOGLE_VISION_ENDPOINT", "https://vision.googleapis.com/v1/images:annotate"),
		},
		Extract: ExtractConfig{
			APIKey:   getEnv("OPENAI_API_KEY", ""),
			Model:    getEnv("OPENAI_MODEL", "gpt-4o"),
			Endpoint: getEnv("OPENAI_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
		},
		Kaipoke: KaipokeConfig{
			CorporateCode: getEnv("KAIPOKE_CORPORATE_CODE", ""),
			Username:      getEnv("KAIPOKE_USERNAME", ""),
			Password:      getEnv("KAIPOKE_PASSWORD", ""),
			LoginURL:      getEnv("KAIPOKE_LOGIN_URL", "https://r.kaipoke.biz/kaipokebiz/login/COM020102.do"),
			RegisterURL:   getEnv("KAIPOKE_REGISTER_URL", "https://r.kaipoke.biz/kaipokebiz/business/plan_actual/MEM087101.do?conversationContext=3"),
			Headless:      getEnvBool("KAIPOKE_HEADLESS", true),
			StepTimeout:   getEnvDuration("KAIPOKE_STEP_TIMEOUT", 30*time.Second),
		},
	}

	return cfg, nil
}

// Validate checks that every required setting is present and sane.
func (c *Config) Validate() error {
	if c.Mailbox.Username == "" || c.Mailbox.Password == "" {
		return fmt.Errorf("EMAIL_ADDRESS and EMAIL_PASSWORD are required")
	}
	if c.Mailbox.Port < 1 || c.Mailbox.Port > 65535 {
		return fmt.Errorf("invalid EMAIL_PORT: %d", c.Mailbox.Port)
	}
	if c.Mailbox.Folder == "" {
		return fmt.Errorf("EMAIL_FOLDER must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Mailbox.ReconnectTries < 1 {
		return fmt.Errorf("EMAIL_RECONNECT_TRIES must be at least 1")
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("LEDGER_PATH is required")
	}
	if c.Vision.APIKey == "" {
		return fmt.Errorf("GOOGLE_VISION_API_KEY is required")
	}
	if c.Extract.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.Kaipoke.CorporateCode == "" || c.Kaipoke.Username == "" || c.Kaipoke.Password == "" {
		return fmt.Errorf("KAIPOKE_CORPORATE_CODE, KAIPOKE_USERNAME and KAIPOKE_PASSWORD are required")
	}
	if c.Notify.To != "" && c.Notify.Host == "" {
		return fmt.Errorf("SMTP_HOST is required when NOTIFY_TO is set")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
