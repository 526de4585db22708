// server/config.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fixed tuning that has never needed to be configurable.
const (
	// Outbound queue per client; a client this far behind gets
	// disconnected rather than allowed to stall the rest.
	clientChannelCapacity = 100

	pingInterval = 10 * time.Second
	pongTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second

	shutdownTimeout = 30 * time.Second

	// Websocket auth tokens are redeemed within one connection attempt;
	// anything older is stale.
	wsTokenTTL = 30 * time.Second

	// SDP offers run to a few KB; anything near this limit is garbage.
	maxMessageSize = 512 * 1024

	maxDatasetUploadSize = 32 * 1024 * 1024

	slurperTimeout = 5 * time.Second
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Vatsim     VatsimConfig     `mapstructure:"vatsim"`
	Dataset    DatasetConfig    `mapstructure:"dataset"`
	Calls      CallsConfig      `mapstructure:"calls"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	BindAddr string `mapstructure:"bind_addr"`
}

type AuthConfig struct {
	// Bearer key for the admin HTTP endpoints (token issuing, dataset
	// management). Empty disables them.
	APIKey           string        `mapstructure:"api_key"`
	LoginFlowTimeout time.Duration `mapstructure:"login_flow_timeout"`
}

type VatsimConfig struct {
	// When set, logins and continued sessions require a live ATC
	// connection on the network; when cleared, clients may claim any
	// position directly (local development).
	RequireActiveConnection  bool          `mapstructure:"require_active_connection"`
	SlurperBaseUrl           string        `mapstructure:"slurper_base_url"`
	DataFeedUrl              string        `mapstructure:"data_feed_url"`
	DataFeedTimeout          time.Duration `mapstructure:"data_feed_timeout"`
	ControllerUpdateInterval time.Duration `mapstructure:"controller_update_interval"`
}

type DatasetConfig struct {
	Dir string `mapstructure:"dir"`
}

type CallsConfig struct {
	// How long a call may ring before the server hangs it up. Zero
	// disables the timer.
	AutoHangup time.Duration `mapstructure:"auto_hangup"`
}

type RateLimitsConfig struct {
	Enabled    bool       `mapstructure:"enabled"`
	CallInvite RatePolicy `mapstructure:"call_invite"`
	FailedAuth RatePolicy `mapstructure:"failed_auth"`
	WsToken    RatePolicy `mapstructure:"ws_token"`
}

// RatePolicy allows bursts of up to Burst operations, replenishing one
// permit every Period, with an additional PerMinute ceiling (0 disables
// the ceiling).
type RatePolicy struct {
	Enabled   bool          `mapstructure:"enabled"`
	Period    time.Duration `mapstructure:"period"`
	Burst     int           `mapstructure:"burst"`
	PerMinute int           `mapstructure:"per_minute"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_addr", "0.0.0.0:3000")

	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.login_flow_timeout", "10s")

	v.SetDefault("vatsim.require_active_connection", true)
	v.SetDefault("vatsim.slurper_base_url", "https://slurper.vatsim.net")
	v.SetDefault("vatsim.data_feed_url", "https://data.vatsim.net/v3/vatsim-data.json")
	v.SetDefault("vatsim.data_feed_timeout", "2s")
	v.SetDefault("vatsim.controller_update_interval", "30s")

	v.SetDefault("dataset.dir", "/etc/vacs-server/data/coverage")

	v.SetDefault("calls.auto_hangup", "60s")

	v.SetDefault("rate_limits.enabled", true)
	v.SetDefault("rate_limits.call_invite.enabled", true)
	v.SetDefault("rate_limits.call_invite.period", "10s")
	v.SetDefault("rate_limits.call_invite.burst", 3)
	v.SetDefault("rate_limits.call_invite.per_minute", 20)
	v.SetDefault("rate_limits.failed_auth.enabled", false)
	v.SetDefault("rate_limits.failed_auth.period", "60s")
	v.SetDefault("rate_limits.failed_auth.burst", 5)
	v.SetDefault("rate_limits.failed_auth.per_minute", 0)
	v.SetDefault("rate_limits.ws_token.enabled", true)
	v.SetDefault("rate_limits.ws_token.period", "1s")
	v.SetDefault("rate_limits.ws_token.burst", 10)
	v.SetDefault("rate_limits.ws_token.per_minute", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
}

// LoadConfig layers defaults, an optional config file, and VACS_*
// environment variables (VACS_SERVER_BIND_ADDR and so on). With an empty
// path, vacs-server.toml is searched for in the working directory and
// /etc/vacs-server; a missing file is fine, a broken one is not.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	v.SetEnvPrefix("VACS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		v.SetConfigName("vacs-server")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vacs-server")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Server.BindAddr == "" {
		return errors.New("server.bind_addr must be set")
	}
	if c.Auth.LoginFlowTimeout <= 0 {
		return errors.New("auth.login_flow_timeout must be positive")
	}
	if c.Vatsim.ControllerUpdateInterval <= 0 {
		return errors.New("vatsim.controller_update_interval must be positive")
	}
	if c.Calls.AutoHangup < 0 {
		return errors.New("calls.auto_hangup must not be negative")
	}

	// Dataset uploads swap the directory via a sibling rename, so it
	// cannot be a filesystem root or mount point itself.
	dir := filepath.Clean(c.Dataset.Dir)
	if dir == "" || dir == "." || filepath.Dir(dir) == dir {
		return fmt.Errorf("%s: dataset.dir must be a subdirectory", c.Dataset.Dir)
	}
	c.Dataset.Dir = dir

	return nil
}
