package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("EMAIL_ADDRESS", "relay@example.com")
	t.Setenv("EMAIL_PASSWORD", "secret")
	t.Setenv("GOOGLE_VISION_API_KEY", "vision-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("KAIPOKE_CORPORATE_CODE", "1234")
	t.Setenv("KAIPOKE_USERNAME", "operator")
	t.Setenv("KAIPOKE_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, "imap.gmail.com", cfg.Mailbox.Host)
	assert.Equal(t, 993, cfg.Mailbox.Port)
	assert.Equal(t, "INBOX", cfg.Mailbox.Folder)
	assert.Equal(t, "OCR_Processing", cfg.Mailbox.ProcessingFolder)
	assert.Equal(t, 2, cfg.Mailbox.ReconnectTries)
	assert.Equal(t, "gpt-4o", cfg.Extract.Model)
	assert.True(t, cfg.Kaipoke.Headless)
	assert.Contains(t, cfg.Kaipoke.LoginURL, "COM020102.do")
	assert.Contains(t, cfg.Kaipoke.RegisterURL, "MEM087101.do")
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL", "1m")
	t.Setenv("EMAIL_PROCESSING_FOLDER", "Sheets")
	t.Setenv("KAIPOKE_HEADLESS", "false")
	t.Setenv("EMAIL_PORT", "1143")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, "Sheets", cfg.Mailbox.ProcessingFolder)
	assert.False(t, cfg.Kaipoke.Headless)
	assert.Equal(t, 1143, cfg.Mailbox.Port)
}

func TestValidateMissingRequired(t *testing.T) {
	cases := map[string]func(*Config){
		"email credentials": func(c *Config) { c.Mailbox.Password = "" },
		"vision key":        func(c *Config) { c.Vision.APIKey = "" },
		"openai key":        func(c *Config) { c.Extract.APIKey = "" },
		"kaipoke login":     func(c *Config) { c.Kaipoke.CorporateCode = "" },
		"bad port":          func(c *Config) { c.Mailbox.Port = 0 },
		"bad interval":      func(c *Config) { c.PollInterval = 0 },
		"no reconnects":     func(c *Config) { c.Mailbox.ReconnectTries = 0 },
		"ledger path":       func(c *Config) { c.LedgerPath = "" },
		"notify no host":    func(c *Config) { c.Notify.To = "ops@example.com"; c.Notify.Host = "" },
	}
	for name, mutate := range cases {
		setRequired(t)
		cfg, err := Load()
		require.NoError(t, err, name)
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
