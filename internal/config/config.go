package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Storage. DATABASE_URL selects PostgreSQL; when empty the embedded
	// SQLite database at SQLITE_PATH is used.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/remindme.db"`

	// Transports. The bot token is checked on the service path only;
	// bulk imports run without one.
	TelegramToken      string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TwilioAccountSID   string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppFrom string `envconfig:"TWILIO_WHATSAPP_NUMBER"`

	// Message composition.
	OpenAIKey string `envconfig:"OPENAI_API_KEY"`

	// Dispatch tuning.
	TickInterval        time.Duration `envconfig:"TICK_INTERVAL" default:"1m"`
	GraceWindow         time.Duration `envconfig:"GRACE_WINDOW" default:"5m"`
	MaxAttempts         int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay      time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2m"`
	DispatchConcurrency int           `envconfig:"DISPATCH_CONCURRENCY" default:"8"`
	DeliverTimeout      time.Duration `envconfig:"DELIVER_TIMEOUT" default:"30s"`

	// All slot computation happens in this one location. Per-user
	// timezones are not supported.
	Timezone string `envconfig:"TZ_LOCATION" default:"Local"`

	SchedulerAutostart bool   `envconfig:"SCHEDULER_AUTOSTART" default:"true"`
	AdminChatIDs       string `envconfig:"ADMIN_CHAT_IDS"` // comma-separated Telegram chat IDs
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads environment variables into Config.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts < 1 {
		return cfg, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.DispatchConcurrency < 1 {
		return cfg, fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1, got %d", cfg.DispatchConcurrency)
	}
	return cfg, nil
}

// Location resolves the configured timezone name.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ_LOCATION %q: %w", c.Timezone, err)
	}
	return loc, nil
}
