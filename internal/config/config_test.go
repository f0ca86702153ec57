// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, 6, cfg.Browser().PoolSize)
	assert.Equal(t, int64(1600), cfg.Browser().Width)
	assert.True(t, cfg.Browser().Headless)
	assert.True(t, cfg.Browser().StorePages)
	assert.Equal(t, 2*time.Minute, cfg.Browser().JobTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Browser().Lifeline.PollInterval)
	assert.Equal(t, "scalpel", cfg.Inputs().Default)
	require.NotEmpty(t, cfg.Inputs().Values)
	assert.Equal(t, "mail", cfg.Inputs().Values[0].Pattern)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"pool size", func(c *Config) { c.BrowserCfg.PoolSize = 0 }, "browser.pool_size must be a positive integer"},
		{"viewport", func(c *Config) { c.BrowserCfg.Height = 0 }, "browser.width and browser.height must be positive"},
		{"job timeout", func(c *Config) { c.BrowserCfg.JobTimeout = 0 }, "browser.job_timeout"},
		{"negative limits", func(c *Config) { c.BrowserCfg.DOMEventLimit = -1 }, "cannot be negative"},
		{"lifeline interval", func(c *Config) { c.BrowserCfg.Lifeline.PollInterval = 0 }, "poll_interval"},
		{"wait for element without selector", func(c *Config) {
			c.BrowserCfg.WaitForElements = []WaitForElement{{Pattern: "/app"}}
		}, "has no selector"},
		{"wait for element bad pattern", func(c *Config) {
			c.BrowserCfg.WaitForElements = []WaitForElement{{Pattern: "(", Selector: "#app"}}
		}, "not a valid regexp"},
		{"input bad pattern", func(c *Config) {
			c.InputsCfg.Values = []InputValue{{Pattern: "[", Value: "x"}}
		}, "inputs.values pattern"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		yamlConfig := []byte(`
browser:
  pool_size: 2
  dom_depth_limit: 3
  wait_for_elements:
    - pattern: "/dashboard"
      selector: "#app"
  local_storage:
    - key: "Token"
      value: "abc"
scope:
  hosts: ["example.com"]
  include_subdomains: true
  exclude: ["*logout*"]
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 2, cfg.Browser().PoolSize)
		assert.Equal(t, 3, cfg.Browser().DOMDepthLimit)
		assert.Equal(t, []WaitForElement{{Pattern: "/dashboard", Selector: "#app"}}, cfg.Browser().WaitForElements)
		assert.Equal(t, []StorageItem{{Key: "Token", Value: "abc"}}, cfg.Browser().LocalStorage, "list entries keep their case")
		assert.Equal(t, []string{"example.com"}, cfg.Scope().Hosts)
		assert.True(t, cfg.Scope().IncludeSubdomains)
		assert.Equal(t, 1000, cfg.Browser().DOMEventLimit, "unset keys keep defaults")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("browser.pool_size", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("database url from environment", func(t *testing.T) {
		t.Setenv("SCALPEL_DATABASE_URL", "postgres://u:p@localhost/pages")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@localhost/pages", cfg.Database().URL)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetBrowserHeadless(false)
	cfg.SetBrowserPoolSize(1)
	cfg.SetBrowserDOMDepthLimit(0)
	cfg.SetScopeHosts([]string{"a.test"})
	cfg.SetScopeIncludeSubdomains(true)

	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, 1, cfg.Browser().PoolSize)
	assert.Zero(t, cfg.Browser().DOMDepthLimit)
	assert.Equal(t, []string{"a.test"}, cfg.Scope().Hosts)
	assert.True(t, cfg.Scope().IncludeSubdomains)
}
