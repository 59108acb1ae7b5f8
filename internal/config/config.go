package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DoyleJ11/planning-poker/internal/engine"
)

const envPrefix = "POKER"

type Config struct {
	Addr         string        `mapstructure:"addr"`
	ConfigFile   string        `mapstructure:"config"`
	LogLevel     string        `mapstructure:"log_level"`
	LogDev       bool          `mapstructure:"log_dev"`
	DatabaseURL  string        `mapstructure:"database_url"` // empty keeps rooms in memory
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	OutboxSize   int           `mapstructure:"outbox_size"`
	Origins      []string      `mapstructure:"origins"`
	Precision    int32         `mapstructure:"precision"`
	Deck         []float64     `mapstructure:"deck"`
}

// Rules returns the voting rules the config describes.
func (c *Config) Rules() engine.Rules {
	return engine.Rules{Deck: c.Deck, Precision: c.Precision}
}

// Load resolves configuration from, in increasing priority: defaults, an
// optional YAML file, .env, POKER_* environment variables and flags.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	fset := pflag.NewFlagSet("poker-server", pflag.ContinueOnError)
	fset.String("addr", ":8080", "listen address")
	fset.String("config", "", "YAML config file")
	fset.String("log-level", "info", "debug, info, warn or error")
	fset.Bool("log-dev", false, "human readable logs")
	fset.String("database-url", "", "Postgres URL; rooms live in memory when empty")
	fset.Duration("idle-timeout", 5*time.Minute, "close rooms with no connections after this long")
	fset.Duration("ping-period", 30*time.Second, "websocket keepalive interval")
	fset.Duration("write-timeout", 3*time.Second, "per-frame websocket write timeout")
	fset.Int64("read-limit", 32<<10, "largest accepted client frame in bytes")
	fset.Int("outbox-size", 16, "snapshots buffered per connection before it is dropped")
	fset.StringSlice("origins", nil, "allowed websocket origin patterns")
	fset.Int32("precision", engine.DefaultPrecision, "decimal places kept in story points")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fset.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = errors.Join(bindErr, err)
		}
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key)); err != nil {
			bindErr = errors.Join(bindErr, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	// Deck comes from the file or POKER_DECK="0,1,2,3"; -1 is the unknown card.
	v.SetDefault("deck", engine.DefaultDeck)
	if err := v.BindEnv("deck", envPrefix+"_DECK"); err != nil {
		return nil, err
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if c.Precision < 0 {
		return fmt.Errorf("config: precision %d is negative", c.Precision)
	}
	if len(c.Deck) == 0 {
		return errors.New("config: deck is empty")
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("config: outbox size %d must be positive", c.OutboxSize)
	}
	return nil
}
