package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	SourceDirectory     string           `mapstructure:"source_directory"`
	OutputDirectory     string           `mapstructure:"output_directory"`
	SupportedExtensions []string         `mapstructure:"supported_extensions"`
	Processing          ProcessingConfig `mapstructure:"processing"`
	Retry               RetryConfig      `mapstructure:"retry"`
	Remote              RemoteConfig     `mapstructure:"remote"`
	Logging             LoggingConfig    `mapstructure:"logging"`
}

// ProcessingConfig contains recompression loop settings
type ProcessingConfig struct {
	MaxRounds           int           `mapstructure:"max_rounds"`
	RequestDelay        time.Duration `mapstructure:"request_delay"`
	MinImprovementBytes int64         `mapstructure:"min_improvement_bytes"`
	VerboseRounds       bool          `mapstructure:"verbose_rounds"`
	VerifyArtifacts     bool          `mapstructure:"verify_artifacts"`
	PreserveMetadata    bool          `mapstructure:"preserve_metadata"`
	MaxFilesPerRun      int           `mapstructure:"max_files_per_run"`
}

// RetryConfig bounds how often a single round is resubmitted
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// RemoteConfig describes the compression service
type RemoteConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		SourceDirectory:     "./image",
		OutputDirectory:     "./output",
		SupportedExtensions: []string{".png", ".jpg", ".jpeg", ".webp"},
		Processing: ProcessingConfig{
			MaxRounds:           100,
			RequestDelay:        10 * time.Millisecond,
			MinImprovementBytes: 0,
			VerboseRounds:       true,
			VerifyArtifacts:     true,
			PreserveMetadata:    false,
			MaxFilesPerRun:      0, // 0 means no limit
		},
		Retry: RetryConfig{
			MaxAttempts:    8,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Remote: RemoteConfig{
			Endpoint: "https://api.tinify.com/shrink",
			Timeout:  60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "tinyloop.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWith(viper.GetViper(), configPath)
}

// LoadConfigWith loads configuration using the given viper instance
func LoadConfigWith(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v, DefaultConfig())

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tinyloop")
		v.AddConfigPath("/etc/tinyloop")
	}

	// Every key has a default, so AutomaticEnv sees all of them during Unmarshal
	v.SetEnvPrefix("TINYLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key of d with viper.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("source_directory", d.SourceDirectory)
	v.SetDefault("output_directory", d.OutputDirectory)
	v.SetDefault("supported_extensions", d.SupportedExtensions)

	v.SetDefault("processing.max_rounds", d.Processing.MaxRounds)
	v.SetDefault("processing.request_delay", d.Processing.RequestDelay)
	v.SetDefault("processing.min_improvement_bytes", d.Processing.MinImprovementBytes)
	v.SetDefault("processing.verbose_rounds", d.Processing.VerboseRounds)
	v.SetDefault("processing.verify_artifacts", d.Processing.VerifyArtifacts)
	v.SetDefault("processing.preserve_metadata", d.Processing.PreserveMetadata)
	v.SetDefault("processing.max_files_per_run", d.Processing.MaxFilesPerRun)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)

	v.SetDefault("remote.endpoint", d.Remote.Endpoint)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.user_agent", d.Remote.UserAgent)
	v.SetDefault("remote.timeout", d.Remote.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SourceDirectory == "" {
		return fmt.Errorf("source_directory is required")
	}
	if c.OutputDirectory == "" {
		return fmt.Errorf("output_directory is required")
	}
	c.SourceDirectory = expandPath(c.SourceDirectory)
	c.OutputDirectory = expandPath(c.OutputDirectory)

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}

	if c.Processing.MaxRounds <= 0 {
		return fmt.Errorf("processing.max_rounds must be positive, got %d", c.Processing.MaxRounds)
	}
	if c.Processing.RequestDelay < 0 {
		return fmt.Errorf("processing.request_delay must not be negative")
	}
	if c.Processing.MinImprovementBytes < 0 {
		c.Processing.MinImprovementBytes = 0
	}
	if c.Processing.MaxFilesPerRun < 0 {
		c.Processing.MaxFilesPerRun = 0
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 8
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		c.Retry.MaxBackoff = c.Retry.InitialBackoff
	}

	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote.endpoint is required")
	}
	if !strings.HasPrefix(c.Remote.Endpoint, "http://") && !strings.HasPrefix(c.Remote.Endpoint, "https://") {
		return fmt.Errorf("remote.endpoint must be an http(s) URL: %s", c.Remote.Endpoint)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// IsSupportedExtension checks if the extension is in the allow-list
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// OutputPath returns where the artifact for sourcePath is written
func (c *Config) OutputPath(sourcePath string) string {
	return filepath.Join(c.OutputDirectory, filepath.Base(sourcePath))
}

// Helper functions

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expanded
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	return expanded
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
