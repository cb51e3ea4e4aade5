// Package config loads pipeline configuration from a YAML file (and
// VIDRS_-prefixed environment overrides) using viper, following the
// teacher's internal/config/config.go loading shape generalized to this
// pipeline's much smaller field set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  int      `mapstructure:"port"`
	Device                string   `mapstructure:"device"`
	BitrateKbps           int      `mapstructure:"bitrate_kbps"`
	StreamID              string   `mapstructure:"stream_id"`
	ICEServers            []string `mapstructure:"ice_servers"`
	LogLevel              string   `mapstructure:"log_level"`
	LogFormat             string   `mapstructure:"log_format"`
	PreferHardwareEncoder bool     `mapstructure:"prefer_hardware_encoder"`
}

func Default() *Config {
	return &Config{
		Port:                  8080,
		Device:                "default",
		BitrateKbps:           2000,
		StreamID:              "vidrs",
		ICEServers:            []string{"stun:stun.l.google.com:19302"},
		LogLevel:              "error",
		LogFormat:             "text",
		PreferHardwareEncoder: false,
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.BitrateKbps <= 0 {
		return fmt.Errorf("config: invalid bitrate_kbps %d", c.BitrateKbps)
	}
	if c.StreamID == "" {
		return fmt.Errorf("config: stream_id must not be empty")
	}
	return nil
}

// Load reads vidrs.yaml from cfgFile (if set), else from the platform
// config directory or the current directory, applies VIDRS_-prefixed
// environment overrides, and validates the result.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("vidrs")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("VIDRS")
	// Unmarshal only sees keys viper already knows, so bind each field's
	// environment variable explicitly.
	for _, key := range []string{"port", "device", "bitrate_kbps", "stream_id", "ice_servers", "log_level", "log_format", "prefer_hardware_encoder"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "vidrs")
	case "darwin":
		return "/Library/Application Support/vidrs"
	default:
		return "/etc/vidrs"
	}
}
