package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath   string `envconfig:"DB_PATH" default:"app_updater.db"`

	ArtifactDir       string        `envconfig:"ARTIFACT_DIR" default:"updates"`
	ArtifactName      string        `envconfig:"ARTIFACT_NAME" default:"app_update.apk"`
	ArtifactRetention time.Duration `envconfig:"ARTIFACT_RETENTION" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	UserAgent        string        `envconfig:"USER_AGENT" default:"app-updater/1.0"`
	MimeType         string        `envconfig:"MIME_TYPE" default:"application/vnd.android.package-archive"`
	PollInitialDelay time.Duration `envconfig:"POLL_INITIAL_DELAY" default:"200ms"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`
	SessionTimeout   time.Duration `envconfig:"SESSION_TIMEOUT" default:"30m"`

	Download struct {
		MaxAttempts     int           `split_words:"true" default:"3"`
		InitialBackoff  time.Duration `split_words:"true" default:"500ms"`
		MaxBackoff      time.Duration `split_words:"true" default:"10s"`
		PersistInterval time.Duration `split_words:"true" default:"1s"`
	}

	Content struct {
		PublicBaseURL string        `split_words:"true"`
		TTL           time.Duration `default:"10m"`
		LegacyFileURI bool          `split_words:"true" default:"false"`
	}

	// InstallCommand is split on whitespace. {uri} and {mime} are substituted.
	InstallCommand string `envconfig:"INSTALL_COMMAND"`

	APIBaseURL     string `envconfig:"API_BASE_URL"`
	CurrentVersion string `envconfig:"CURRENT_VERSION" default:"0.0.0"`
	CheckFrequency string `envconfig:"CHECK_FREQUENCY" default:"startup"`
	AutoDownload   bool   `envconfig:"AUTO_DOWNLOAD" default:"false"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"app-updater"`
		OTLPEndpoint   string        `split_words:"true"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}

	API struct {
		Username  string `split_words:"true"`
		Password  string `split_words:"true"`
		RateLimit int    `split_words:"true" default:"10"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads .env files, then environment variables, and populates the
// Config struct.
func LoadConfig() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadEnvFiles loads .env, then ENV_FILE and .env.local as overrides. Variables
// already set in the process environment win over .env but not over the
// override files.
func loadEnvFiles() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}

	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Overload(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("failed to load .env.local: %w", err)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ArtifactName) == "" || c.ArtifactName != filepath.Base(c.ArtifactName) {
		errs = append(errs, fmt.Errorf("ARTIFACT_NAME must be a plain file name, got %q", c.ArtifactName))
	}

	if !c.Content.LegacyFileURI && c.Content.PublicBaseURL == "" && c.InstallCommand != "" {
		errs = append(errs, errors.New("CONTENT_PUBLIC_BASE_URL is required unless CONTENT_LEGACY_FILE_URI is set"))
	}

	if c.AutoDownload && c.APIBaseURL == "" {
		errs = append(errs, errors.New("AUTO_DOWNLOAD needs API_BASE_URL"))
	}

	if (c.API.Username == "") != (c.API.Password == "") {
		errs = append(errs, errors.New("API_USERNAME and API_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

// InstallArgs returns the install command as an argument list.
func (c *Config) InstallArgs() []string {
	return strings.Fields(c.InstallCommand)
}

// ArtifactPath is the fixed location update artifacts are downloaded to.
func (c *Config) ArtifactPath() string {
	return filepath.Join(c.ArtifactDir, c.ArtifactName)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
