package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Record store: memory, postgres or sqlite
	DBDriver          string        `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN             string        `envconfig:"DB_DSN"`
	DBMaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns        int32         `envconfig:"DB_MIN_CONNS" default:"0"`
	DBMaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"1h"`
	DBMaxConnIdle     time.Duration `envconfig:"DB_MAX_CONN_IDLE" default:"15m"`
	SQLitePath        string        `envconfig:"SQLITE_PATH" default:"data/campaignd.db"`
	SQLiteBusyTimeout time.Duration `envconfig:"SQLITE_BUSY_TIMEOUT" default:"5s"`

	// Transport: log, smtp, resend or twilio
	Transport      string  `envconfig:"TRANSPORT" default:"log"`
	TransportRPS   float64 `envconfig:"TRANSPORT_RPS" default:"5"`
	TransportBurst int     `envconfig:"TRANSPORT_BURST" default:"10"`

	BreakerFailures    uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"5"`
	BreakerTimeout     time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
	BreakerMaxRequests uint32        `envconfig:"BREAKER_MAX_REQUESTS" default:"1"`

	SMTPHost     string        `envconfig:"SMTP_HOST"`
	SMTPPort     int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string        `envconfig:"SMTP_FROM"`
	SMTPFromName string        `envconfig:"SMTP_FROM_NAME"`
	SMTPStartTLS bool          `envconfig:"SMTP_STARTTLS" default:"true"`
	SMTPTimeout  time.Duration `envconfig:"SMTP_TIMEOUT" default:"30s"`

	ResendAPIKey string `envconfig:"RESEND_API_KEY"`
	ResendFrom   string `envconfig:"RESEND_FROM"`

	TwilioAccountSID          string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`

	// Rate governor, applied per sending account
	GovernorPerHour        int           `envconfig:"GOVERNOR_PER_HOUR" default:"500"`
	GovernorPerMinute      int           `envconfig:"GOVERNOR_PER_MINUTE" default:"30"`
	GovernorBaseDelay      time.Duration `envconfig:"GOVERNOR_BASE_DELAY" default:"2s"`
	GovernorMaxDelay       time.Duration `envconfig:"GOVERNOR_MAX_DELAY" default:"10s"`
	GovernorBurstSize      int           `envconfig:"GOVERNOR_BURST_SIZE" default:"10"`
	GovernorBurstCooldown  time.Duration `envconfig:"GOVERNOR_BURST_COOLDOWN" default:"30s"`
	GovernorProgressFactor float64       `envconfig:"GOVERNOR_PROGRESS_FACTOR" default:"0.5"`

	RetryMax           int           `envconfig:"RETRY_MAX" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RetryMultiplier    float64       `envconfig:"RETRY_MULTIPLIER" default:"1.5"`
	RetrySkipPermanent bool          `envconfig:"RETRY_SKIP_PERMANENT" default:"false"`

	CheckpointEvery  int           `envconfig:"CHECKPOINT_EVERY" default:"5"`
	SaveTimeout      time.Duration `envconfig:"SAVE_TIMEOUT" default:"10s"`
	UnsubscribeURL   string        `envconfig:"UNSUBSCRIBE_URL"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"2s"`

	// AWS / SQS progress events, off unless PROGRESS_QUEUE_URL is set
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	ProgressQueueURL   string `envconfig:"PROGRESS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

var ErrInvalid = errors.New("invalid config")

// Validate checks the settings the selected driver and transport need.
func (c APIConfig) Validate() error {
	switch strings.ToLower(c.DBDriver) {
	case "memory", "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("%w: DB_DSN is required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown DB_DRIVER %q", ErrInvalid, c.DBDriver)
	}

	switch strings.ToLower(c.Transport) {
	case "log":
	case "smtp":
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			return fmt.Errorf("%w: SMTP_HOST and SMTP_FROM are required for smtp", ErrInvalid)
		}
	case "resend":
		if c.ResendAPIKey == "" || c.ResendFrom == "" {
			return fmt.Errorf("%w: RESEND_API_KEY and RESEND_FROM are required for resend", ErrInvalid)
		}
	case "twilio":
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			return fmt.Errorf("%w: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for twilio", ErrInvalid)
		}
		if c.TwilioMessagingServiceSID == "" && c.TwilioFromNumber == "" {
			return fmt.Errorf("%w: twilio needs TWILIO_MESSAGING_SERVICE_SID or TWILIO_FROM_NUMBER", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown TRANSPORT %q", ErrInvalid, c.Transport)
	}

	if c.TransportRPS <= 0 || c.TransportBurst <= 0 {
		return fmt.Errorf("%w: TRANSPORT_RPS and TRANSPORT_BURST must be positive", ErrInvalid)
	}
	return nil
}

func Load() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}
