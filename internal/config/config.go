// /internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	DiscordToken     string        `env:"DISCORD_TOKEN,required"`
	StoragePath      string        `env:"STORAGE_PATH" envDefault:"datastore.json"`
	BotConfigPath    string        `env:"BOT_CONFIG_PATH" envDefault:"bot-config.json"`
	DefaultPrefix    string        `env:"COMMAND_PREFIX" envDefault:"!"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFile          string        `env:"LOG_FILE"`
	LogJSON          bool          `env:"LOG_JSON" envDefault:"false"`
	YouTubeProxy     string        `env:"YOUTUBE_PROXY"`
	StatusAddr       string        `env:"STATUS_ADDR"`
	ReconnectTimeout time.Duration `env:"RECONNECT_TIMEOUT" envDefault:"5s"`
	MaxRecoveries    int           `env:"MAX_RECOVERIES" envDefault:"0"`
	SearchRate       float64       `env:"SEARCH_RATE" envDefault:"2"`
}

// LoadDotEnv loads .env into the process environment. A missing file is not an
// error; it reports whether a file was loaded.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// New parses the environment into a Config.
func New() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.DefaultPrefix == "" {
		cfg.DefaultPrefix = "!"
	}
	return &cfg, nil
}
