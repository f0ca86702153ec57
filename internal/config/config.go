// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Inputs() InputsConfig
	Scope() ScopeConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserPoolSize(int)
	SetBrowserDOMDepthLimit(int)

	// Scope Setters
	SetScopeHosts([]string)
	SetScopeIncludeSubdomains(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	InputsCfg   InputsConfig   `mapstructure:"inputs" yaml:"inputs"`
	ScopeCfg    ScopeConfig    `mapstructure:"scope" yaml:"scope"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Inputs() InputsConfig     { return c.InputsCfg }
func (c *Config) Scope() ScopeConfig       { return c.ScopeCfg }

// -- Setters --

func (c *Config) SetBrowserHeadless(b bool)     { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserPoolSize(n int)      { c.BrowserCfg.PoolSize = n }
func (c *Config) SetBrowserDOMDepthLimit(n int) { c.BrowserCfg.DOMDepthLimit = n }

func (c *Config) SetScopeHosts(hosts []string)     { c.ScopeCfg.Hosts = hosts }
func (c *Config) SetScopeIncludeSubdomains(b bool) { c.ScopeCfg.IncludeSubdomains = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the page store connection details. An empty URL disables the store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// WaitForElement makes a browser wait for Selector after loading any URL matching Pattern.
type WaitForElement struct {
	Pattern  string `mapstructure:"pattern" yaml:"pattern"`
	Selector string `mapstructure:"selector" yaml:"selector"`
}

// StorageItem is a localStorage entry seeded into every document.
type StorageItem struct {
	Key   string `mapstructure:"key" yaml:"key"`
	Value string `mapstructure:"value" yaml:"value"`
}

// BrowserConfig holds settings for the browser workers and the pool that owns them.
type BrowserConfig struct {
	PoolSize        int               `mapstructure:"pool_size" yaml:"pool_size"`
	Width           int64             `mapstructure:"width" yaml:"width"`
	Height          int64             `mapstructure:"height" yaml:"height"`
	Headless        bool              `mapstructure:"headless" yaml:"headless"`
	IgnoreImages    bool              `mapstructure:"ignore_images" yaml:"ignore_images"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecutablePath  string            `mapstructure:"executable_path" yaml:"executable_path"`
	Args            []string          `mapstructure:"args" yaml:"args"`
	WaitForElements []WaitForElement  `mapstructure:"wait_for_elements" yaml:"wait_for_elements"`
	LocalStorage    []StorageItem     `mapstructure:"local_storage" yaml:"local_storage"`
	JobTimeout      time.Duration     `mapstructure:"job_timeout" yaml:"job_timeout"`
	RequestTimeout  time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
	DOMEventLimit   int               `mapstructure:"dom_event_limit" yaml:"dom_event_limit"`
	DOMDepthLimit   int               `mapstructure:"dom_depth_limit" yaml:"dom_depth_limit"`
	TimeToLive      int               `mapstructure:"time_to_live" yaml:"time_to_live"`
	StorePages      bool              `mapstructure:"store_pages" yaml:"store_pages"`
	TaintSeed       string            `mapstructure:"taint_seed" yaml:"taint_seed"`
	Lifeline        LifelineConfig    `mapstructure:"lifeline" yaml:"lifeline"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
}

// LifelineConfig tunes the watchdog process paired with every browser.
type LifelineConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// InputValue fills form fields whose name matches Pattern (case-insensitive regexp).
type InputValue struct {
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	Value   string `mapstructure:"value" yaml:"value"`
}

// InputsConfig holds the sample values used when submitting forms during exploration.
type InputsConfig struct {
	Values  []InputValue `mapstructure:"values" yaml:"values"`
	Default string       `mapstructure:"default" yaml:"default"`
}

// ScopeConfig restricts which URLs browsers may visit.
type ScopeConfig struct {
	Hosts             []string `mapstructure:"hosts" yaml:"hosts"`
	IncludeSubdomains bool     `mapstructure:"include_subdomains" yaml:"include_subdomains"`
	Include           []string `mapstructure:"include" yaml:"include"`
	Exclude           []string `mapstructure:"exclude" yaml:"exclude"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-explorer")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.pool_size", 6)
	v.SetDefault("browser.width", 1600)
	v.SetDefault("browser.height", 1200)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_images", true)
	v.SetDefault("browser.ignore_tls_errors", true)
	v.SetDefault("browser.job_timeout", "2m")
	v.SetDefault("browser.request_timeout", "10s")
	v.SetDefault("browser.dom_event_limit", 1000)
	v.SetDefault("browser.dom_depth_limit", 5)
	v.SetDefault("browser.time_to_live", 250)
	v.SetDefault("browser.store_pages", true)
	v.SetDefault("browser.lifeline.poll_interval", "500ms")

	// -- Inputs --
	v.SetDefault("inputs.default", "scalpel")
	v.SetDefault("inputs.values", []map[string]string{
		{"pattern": "mail", "value": "scalpel@example.com"},
		{"pattern": "pass|pwd", "value": "5543!%scalpel_Password"},
		{"pattern": "phone|tel|mobile", "value": "5551234567"},
		{"pattern": "zip|postal", "value": "10001"},
		{"pattern": "url|website|homepage", "value": "http://example.com/"},
		{"pattern": "age|year|number|qty|quantity|amount", "value": "7"},
	})

	// -- Scope --
	v.SetDefault("scope.include_subdomains", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	for _, iv := range c.InputsCfg.Values {
		if _, err := regexp.Compile(iv.Pattern); err != nil {
			return fmt.Errorf("inputs.values pattern %q is not a valid regexp: %w", iv.Pattern, err)
		}
	}
	return nil
}

// Validate checks the browser settings.
func (b *BrowserConfig) Validate() error {
	if b.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be a positive integer")
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("browser.width and browser.height must be positive")
	}
	if b.JobTimeout <= 0 {
		return fmt.Errorf("browser.job_timeout must be a positive duration")
	}
	if b.RequestTimeout <= 0 {
		return fmt.Errorf("browser.request_timeout must be a positive duration")
	}
	if b.DOMEventLimit < 0 || b.DOMDepthLimit < 0 || b.TimeToLive < 0 {
		return fmt.Errorf("browser.dom_event_limit, browser.dom_depth_limit and browser.time_to_live cannot be negative")
	}
	if b.Lifeline.PollInterval <= 0 {
		return fmt.Errorf("browser.lifeline.poll_interval must be a positive duration")
	}
	for _, w := range b.WaitForElements {
		if w.Selector == "" {
			return fmt.Errorf("browser.wait_for_elements entry for %q has no selector", w.Pattern)
		}
		if _, err := regexp.Compile(w.Pattern); err != nil {
			return fmt.Errorf("browser.wait_for_elements pattern %q is not a valid regexp: %w", w.Pattern, err)
		}
	}
	return nil
}
