package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/inkwell/internal/autosave"
	"github.com/starford/inkwell/internal/contentstore"
	"github.com/starford/inkwell/internal/offline"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration. The client section is
// only validated by the commands that run the autosave client.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	SQLite   SQLiteConfig      `yaml:"sqlite"`
	Content  ContentConfig     `yaml:"content"`
	Auth     AuthConfig        `yaml:"auth"`
	AutoSave AutoSaveConfig    `yaml:"autosave"`
	Offline  OfflineConfig     `yaml:"offline"`
	Client   ClientConfig      `yaml:"client"`
}

// Validate validates the server side of the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Content.Validate(); err != nil {
		return err
	}
	if err := c.AutoSave.Validate(); err != nil {
		return err
	}
	if err := c.Offline.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ContentConfig selects the object backend for note bodies and tunes the
// write path.
type ContentConfig struct {
	contentstore.BackendConfig `yaml:",inline"`

	RetryAttempts         int           `yaml:"retry_attempts"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
	BackupBeforeOverwrite bool          `yaml:"backup_before_overwrite"`
	// PurgeAfter is how long soft-deleted notes are kept. Zero keeps them
	// forever.
	PurgeAfter    time.Duration `yaml:"purge_after"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// Validate validates the content configuration.
func (c *ContentConfig) Validate() error {
	if c.Type == "" {
		c.Type = contentstore.BackendFilesystem
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.In(contentstore.BackendFilesystem, contentstore.BackendS3, contentstore.BackendMemory)),
		validation.Field(&c.RetryAttempts, validation.Min(1)),
		validation.Field(&c.RetryBaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.PurgeAfter, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	return validation.Errors{
		"fs.root":   validation.Validate(c.FS.Root, validation.When(c.Type == contentstore.BackendFilesystem, validation.Required)),
		"s3.bucket": validation.Validate(c.S3.Bucket, validation.When(c.Type == contentstore.BackendS3, validation.Required)),
		"s3.endpoint": validation.Validate(c.S3.Endpoint,
			validation.When(c.Type == contentstore.BackendS3, is.URL)),
	}.Filter()
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// AutoSaveConfig tunes the client-side save orchestrator.
type AutoSaveConfig struct {
	Debounce      time.Duration `yaml:"debounce"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// Validate validates the autosave configuration.
func (c *AutoSaveConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RetryDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RetryAttempts, validation.Min(0)),
	)
}

// Orchestrator converts the section into autosave.Config.
func (c *AutoSaveConfig) Orchestrator() autosave.Config {
	return autosave.Config{Debounce: c.Debounce, RetryDelay: c.RetryDelay, RetryAttempts: c.RetryAttempts}
}

// OfflineConfig locates the local stage of unsynced changes.
type OfflineConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

// Validate validates the offline configuration.
func (c *OfflineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Retention, validation.Required, validation.Min(time.Minute)),
	)
}

// ClientConfig configures the autosave client commands.
type ClientConfig struct {
	ServerURL       string        `yaml:"server_url"`
	OwnerID         string        `yaml:"owner_id"`
	Token           string        `yaml:"token"`
	Workspace       string        `yaml:"workspace"`
	DrainInterval   time.Duration `yaml:"drain_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ServerURL, validation.Required, is.URL),
		validation.Field(&c.OwnerID, validation.Required),
		validation.Field(&c.Workspace, validation.Required),
		validation.Field(&c.DrainInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ShutdownTimeout, validation.Required, validation.Min(time.Second)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./inkwell.db",
		},
		Content: ContentConfig{
			BackendConfig: contentstore.BackendConfig{
				Type: contentstore.BackendFilesystem,
				FS:   contentstore.FSConfig{Root: "./data/objects"},
			},
			RetryAttempts:  3,
			RetryBaseDelay: 200 * time.Millisecond,
			PurgeAfter:     30 * 24 * time.Hour,
			PurgeInterval:  time.Hour,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		AutoSave: AutoSaveConfig{
			Debounce:      autosave.DefaultDebounce,
			RetryDelay:    autosave.DefaultRetryDelay,
			RetryAttempts: autosave.DefaultRetryAttempts,
		},
		Offline: OfflineConfig{
			Dir:       "./data/offline",
			Retention: offline.DefaultRetention,
		},
		Client: ClientConfig{
			ServerURL:       "http://localhost:8080",
			Workspace:       "./notes",
			DrainInterval:   30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}
