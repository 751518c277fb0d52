package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the LineHeat server.
type Config struct {
	Token         string
	Port          int
	RetentionDays int
	DBPath        string
	LogLevel      string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/lineheatd).
func Load() Config {
	return Config{
		Token:         viper.GetString("token"),
		Port:          viper.GetInt("port"),
		RetentionDays: viper.GetInt("retention_days"),
		DBPath:        viper.GetString("db"),
		LogLevel:      viper.GetString("log_level"),
	}
}
