package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	HTTP         HTTPConfig         `json:"http"`
	Session      SessionConfig      `json:"session"`
	AI           AIConfig           `json:"ai"`
	Relay        RelayConfig        `json:"relay"`
	Conversation ConversationConfig `json:"conversation"`
	Directory    DirectoryConfig    `json:"directory"`
	Email        EmailConfig        `json:"email"`
	Messaging    MessagingConfig    `json:"messaging"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`
}

// HTTPConfig holds the listen configuration for the front door and metrics
type HTTPConfig struct {
	ListenAddr string `json:"listen_addr" env:"HTTP_LISTEN_ADDR" default:":8080"`
}

// SessionConfig holds admission and timeout policy for call sessions
type SessionConfig struct {
	// MaxConcurrentSessions bounds simultaneously active calls
	MaxConcurrentSessions int `json:"max_concurrent_sessions" env:"MAX_CONCURRENT_SESSIONS" default:"2"`

	// SessionTimeout is the hard wall-clock budget per call (bill-shock prevention)
	SessionTimeout time.Duration `json:"session_timeout" env:"SESSION_TIMEOUT" default:"90s"`

	// SweepInterval is how often expired sessions are force-terminated
	SweepInterval time.Duration `json:"sweep_interval" env:"SESSION_SWEEP_INTERVAL" default:"10s"`

	// ForceHangupTimeout bounds a single force-termination hangup call
	ForceHangupTimeout time.Duration `json:"force_hangup_timeout" env:"FORCE_HANGUP_TIMEOUT" default:"5s"`
}

// AIConfig holds the realtime speech AI service configuration
type AIConfig struct {
	APIKey       string        `json:"-" env:"AI_API_KEY"`
	RealtimeURL  string        `json:"realtime_url" env:"AI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	Model        string        `json:"model" env:"AI_MODEL" default:"gpt-4o-realtime-preview"`
	Voice        string        `json:"voice" env:"AI_VOICE" default:"alloy"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"AI_DIAL_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `json:"write_timeout" env:"AI_WRITE_TIMEOUT" default:"5s"`
	Instructions string        `json:"instructions" env:"AI_INSTRUCTIONS"`
}

// RelayConfig holds audio relay configuration
type RelayConfig struct {
	// PreReadyBufferFrames bounds audio queued before the AI session is ready.
	// On overflow the oldest frame is evicted: bounded staleness over data loss.
	PreReadyBufferFrames int `json:"pre_ready_buffer_frames" env:"PRE_READY_BUFFER_FRAMES" default:"100"`
}

// ConversationConfig holds goodbye-timing policy for the conversation router
type ConversationConfig struct {
	// EstimatedFarewellDuration approximates a spoken goodbye sentence.
	// The event protocol exposes no playback-complete signal, so this is a
	// heuristic, not a measurement.
	EstimatedFarewellDuration time.Duration `json:"estimated_farewell_duration" env:"ESTIMATED_FAREWELL_DURATION" default:"5s"`

	// GoodbyeSafetyMargin absorbs audio pipeline latency after the farewell
	GoodbyeSafetyMargin time.Duration `json:"goodbye_safety_margin" env:"GOODBYE_SAFETY_MARGIN" default:"1s"`

	// GoodbyeFallbackDelay is used when no farewell-start signal was observed
	GoodbyeFallbackDelay time.Duration `json:"goodbye_fallback_delay" env:"GOODBYE_FALLBACK_DELAY" default:"3s"`
}

// DirectoryConfig holds staff directory resolution configuration
type DirectoryConfig struct {
	Partition string `json:"partition" env:"DIRECTORY_PARTITION" default:"staff"`

	// FilePath seeds the in-memory directory store at startup
	FilePath string `json:"file_path" env:"DIRECTORY_FILE" default:"directory.json"`

	// CacheTTL bounds how long an authorized resolution may be reused
	CacheTTL  time.Duration `json:"cache_ttl" env:"DIRECTORY_CACHE_TTL" default:"10m"`
	CacheSize int           `json:"cache_size" env:"DIRECTORY_CACHE_SIZE" default:"1000"`

	// Fuzzy confidence tiers
	MinScore         float64 `json:"min_score" env:"DIRECTORY_MIN_SCORE" default:"0.7"`
	AutoAuthorize    float64 `json:"auto_authorize_score" env:"DIRECTORY_AUTO_AUTHORIZE_SCORE" default:"0.95"`
	ConfirmThreshold float64 `json:"confirm_score" env:"DIRECTORY_CONFIRM_SCORE" default:"0.75"`
}

// EmailConfig holds the outbound message delivery gateway configuration
type EmailConfig struct {
	SMTPHost    string `json:"smtp_host" env:"SMTP_HOST"`
	SMTPPort    int    `json:"smtp_port" env:"SMTP_PORT" default:"587"`
	Username    string `json:"username" env:"SMTP_USERNAME"`
	Password    string `json:"-" env:"SMTP_PASSWORD"`
	FromAddress string `json:"from_address" env:"SMTP_FROM_ADDRESS"`
	Subject     string `json:"subject" env:"EMAIL_SUBJECT" default:"New phone message"`
}

// MessagingConfig holds the optional AMQP call-event publisher configuration
type MessagingConfig struct {
	AMQPURL    string `json:"-" env:"AMQP_URL"`
	QueueName  string `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"voicegate_call_events"`
	RoutingKey string `json:"routing_key" env:"AMQP_ROUTING_KEY"`
}

// MetricsConfig holds metrics exposition configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED" default:"true"`
	Path    string `json:"path" env:"METRICS_PATH" default:"/metrics"`
}

// Load reads configuration from the environment, loading a .env file when present
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables only")
	}

	cfg := &Config{
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		HTTP: HTTPConfig{
			ListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		},
		Session: SessionConfig{
			MaxConcurrentSessions: getEnvInt("MAX_CONCURRENT_SESSIONS", 2),
			SessionTimeout:        getEnvDuration("SESSION_TIMEOUT", 90*time.Second),
			SweepInterval:         getEnvDuration("SESSION_SWEEP_INTERVAL", 10*time.Second),
			ForceHangupTimeout:    getEnvDuration("FORCE_HANGUP_TIMEOUT", 5*time.Second),
		},
		AI: AIConfig{
			APIKey:       getEnv("AI_API_KEY", ""),
			RealtimeURL:  getEnv("AI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			Model:        getEnv("AI_MODEL", "gpt-4o-realtime-preview"),
			Voice:        getEnv("AI_VOICE", "alloy"),
			DialTimeout:  getEnvDuration("AI_DIAL_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("AI_WRITE_TIMEOUT", 5*time.Second),
			Instructions: getEnv("AI_INSTRUCTIONS", ""),
		},
		Relay: RelayConfig{
			PreReadyBufferFrames: getEnvInt("PRE_READY_BUFFER_FRAMES", 100),
		},
		Conversation: ConversationConfig{
			EstimatedFarewellDuration: getEnvDuration("ESTIMATED_FAREWELL_DURATION", 5*time.Second),
			GoodbyeSafetyMargin:       getEnvDuration("GOODBYE_SAFETY_MARGIN", time.Second),
			GoodbyeFallbackDelay:      getEnvDuration("GOODBYE_FALLBACK_DELAY", 3*time.Second),
		},
		Directory: DirectoryConfig{
			Partition:        getEnv("DIRECTORY_PARTITION", "staff"),
			FilePath:         getEnv("DIRECTORY_FILE", "directory.json"),
			CacheTTL:         getEnvDuration("DIRECTORY_CACHE_TTL", 10*time.Minute),
			CacheSize:        getEnvInt("DIRECTORY_CACHE_SIZE", 1000),
			MinScore:         getEnvFloat("DIRECTORY_MIN_SCORE", 0.7),
			AutoAuthorize:    getEnvFloat("DIRECTORY_AUTO_AUTHORIZE_SCORE", 0.95),
			ConfirmThreshold: getEnvFloat("DIRECTORY_CONFIRM_SCORE", 0.75),
		},
		Email: EmailConfig{
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			Username:    getEnv("SMTP_USERNAME", ""),
			Password:    getEnv("SMTP_PASSWORD", ""),
			FromAddress: getEnv("SMTP_FROM_ADDRESS", ""),
			Subject:     getEnv("EMAIL_SUBJECT", "New phone message"),
		},
		Messaging: MessagingConfig{
			AMQPURL:    getEnv("AMQP_URL", ""),
			QueueName:  getEnv("AMQP_QUEUE_NAME", "voicegate_call_events"),
			RoutingKey: getEnv("AMQP_ROUTING_KEY", ""),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Session.MaxConcurrentSessions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be at least 1, got %d", c.Session.MaxConcurrentSessions)
	}
	if c.Session.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be positive, got %s", c.Session.SessionTimeout)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive, got %s", c.Session.SweepInterval)
	}
	if c.Relay.PreReadyBufferFrames < 1 {
		return fmt.Errorf("PRE_READY_BUFFER_FRAMES must be at least 1, got %d", c.Relay.PreReadyBufferFrames)
	}
	if c.Directory.MinScore <= 0 || c.Directory.MinScore >= 1 {
		return fmt.Errorf("DIRECTORY_MIN_SCORE must be in (0,1), got %f", c.Directory.MinScore)
	}
	if c.Directory.ConfirmThreshold < c.Directory.MinScore {
		return fmt.Errorf("DIRECTORY_CONFIRM_SCORE (%f) must not be below DIRECTORY_MIN_SCORE (%f)",
			c.Directory.ConfirmThreshold, c.Directory.MinScore)
	}
	if c.Directory.AutoAuthorize <= c.Directory.ConfirmThreshold || c.Directory.AutoAuthorize > 1 {
		return fmt.Errorf("DIRECTORY_AUTO_AUTHORIZE_SCORE (%f) must be in (%f,1]",
			c.Directory.AutoAuthorize, c.Directory.ConfirmThreshold)
	}
	if c.Conversation.GoodbyeFallbackDelay < 0 || c.Conversation.GoodbyeSafetyMargin < 0 {
		return fmt.Errorf("goodbye delays must not be negative")
	}
	return nil
}

// SetupLogger applies the logging configuration to a logrus logger
func (c *Config) SetupLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		level = logrus.InfoLevel
		logger.WithField("level", c.Logging.Level).Warn("Unknown log level, defaulting to info")
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// getEnv retrieves an environment variable or returns the default
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns the default
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvInt retrieves an integer environment variable or returns the default
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvFloat retrieves a float environment variable or returns the default
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvDuration retrieves a duration environment variable or returns the default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
