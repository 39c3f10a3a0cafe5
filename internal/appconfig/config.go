// Package appconfig loads hlsfetchd's configuration from a YAML file,
// environment variables, and CLI flags, in that order of increasing
// precedence, via spf13/viper.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is hlsfetchd's resolved runtime configuration.
type Config struct {
	DownloadDir    string `mapstructure:"download_dir"`
	LogLevel       string `mapstructure:"log_level"`
	LogFile        string `mapstructure:"log_file"`
	MaxRetries     int    `mapstructure:"max_retries"`
	MaxBytesPerSec int64  `mapstructure:"max_bytes_per_sec"`
}

// Default returns the built-in defaults, used before any config file or
// flag overrides them.
func Default() Config {
	return Config{
		DownloadDir:    "./downloads",
		LogLevel:       "info",
		LogFile:        "",
		MaxRetries:     3,
		MaxBytesPerSec: 0,
	}
}

// Load resolves configuration from (in increasing precedence) built-in
// defaults, a YAML file at cfgFile (or $XDG_CONFIG_HOME/hlsfetch/config.yaml
// when cfgFile is empty and that file exists), HLSFETCH_-prefixed
// environment variables, and whatever flags v already has bound.
func Load(cfgFile string, v *viper.Viper) (Config, error) {
	def := Default()
	v.SetDefault("download_dir", def.DownloadDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("max_bytes_per_sec", def.MaxBytesPerSec)

	v.SetEnvPrefix("HLSFETCH")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if dir := defaultConfigDir(); dir != "" {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func defaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "hlsfetch")
}
