// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	presenterLoopback = "loopback"
	presenterPaste    = "paste"

	defaultRedirectURL = "http://127.0.0.1:8250/oauth2redirect"
)

// Config is the CLI configuration.  It's read from an optional YAML file and
// then overridden by QRSCAN_* environment variables, which may come from a
// .env file.
type Config struct {
	ClientID           string        `yaml:"client_id" env:"QRSCAN_CLIENT_ID"`
	RedirectURL        string        `yaml:"redirect_uri" env:"QRSCAN_REDIRECT_URI"`
	Scopes             []string      `yaml:"scopes" env:"QRSCAN_SCOPES" envSeparator:","`
	StateDB            string        `yaml:"state_db" env:"QRSCAN_STATE_DB"`
	ProviderCAFile     string        `yaml:"provider_ca_file" env:"QRSCAN_PROVIDER_CA_FILE"`
	Timeout            time.Duration `yaml:"timeout" env:"QRSCAN_TIMEOUT"`
	ExpirySkew         time.Duration `yaml:"expiry_skew" env:"QRSCAN_EXPIRY_SKEW"`
	LogLevel           string        `yaml:"log_level" env:"QRSCAN_LOG_LEVEL"`
	Presenter          string        `yaml:"presenter" env:"QRSCAN_PRESENTER"`
	MaxRefreshFailures int           `yaml:"max_refresh_failures" env:"QRSCAN_MAX_REFRESH_FAILURES"`
	UILocales          []string      `yaml:"ui_locales" env:"QRSCAN_UI_LOCALES" envSeparator:","`
	// EndSessionURL is used at logout when discovery has no end_session_endpoint.
	EndSessionURL string `yaml:"end_session_url" env:"QRSCAN_END_SESSION_URL"`
}

func defaultConfig() *Config {
	stateDB := "qrscan.db"
	if dir, err := os.UserConfigDir(); err == nil {
		stateDB = filepath.Join(dir, "qrscan", "state.db")
	}
	return &Config{
		RedirectURL: defaultRedirectURL,
		StateDB:     stateDB,
		Timeout:     30 * time.Second,
		ExpirySkew:  10 * time.Second,
		LogLevel:    "warn",
		Presenter:   presenterLoopback,
	}
}

// LoadConfig builds the configuration from the defaults, the YAML file at
// path and the environment.  Missing files are skipped.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	const op = "main.LoadConfig"
	cfg := defaultConfig()
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("%s: read config file: %w", op, err)
		default:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), cfg); err != nil {
				return nil, fmt.Errorf("%s: decode config file: %w", op, err)
			}
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: load env file %q: %w", op, f, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%s: parse env: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cfg, nil
}

// Validate the configuration.  The client id is only checked by commands
// that talk to the provider.
func (c *Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.RedirectURL) == "" {
		result = multierror.Append(result, errors.New("redirect_uri is required"))
	}
	if strings.TrimSpace(c.StateDB) == "" {
		result = multierror.Append(result, errors.New("state_db is required"))
	}
	switch c.Presenter {
	case presenterLoopback, presenterPaste:
	default:
		result = multierror.Append(result, fmt.Errorf("presenter %q isn't one of %q or %q", c.Presenter, presenterLoopback, presenterPaste))
	}
	if c.Timeout < 0 {
		result = multierror.Append(result, errors.New("timeout is negative"))
	}
	if c.ExpirySkew < 0 {
		result = multierror.Append(result, errors.New("expiry_skew is negative"))
	}
	if c.MaxRefreshFailures < 0 {
		result = multierror.Append(result, errors.New("max_refresh_failures is negative"))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("log_level %q is invalid", c.LogLevel))
	}
	if _, err := c.Locales(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Locales parses the configured ui_locales.
func (c *Config) Locales() ([]language.Tag, error) {
	tags := make([]language.Tag, 0, len(c.UILocales))
	for _, l := range c.UILocales {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		tag, err := language.Parse(l)
		if err != nil {
			return nil, fmt.Errorf("ui_locale %q is invalid: %w", l, err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// ProviderCA returns the PEM encoded CA certs for the provider, if any.
func (c *Config) ProviderCA() (string, error) {
	if c.ProviderCAFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.ProviderCAFile)
	if err != nil {
		return "", fmt.Errorf("read provider CA: %w", err)
	}
	return string(b), nil
}
