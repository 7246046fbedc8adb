// Package config loads server settings. Values come from defaults, then an
// optional YAML file, then the environment; command-line flags are applied
// on top by the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pixelwar/canvas"
	"pixelwar/ledger"
)

type Config struct {
	Listen   string         `yaml:"listen" validate:"required"`
	Canvas   CanvasConfig   `yaml:"canvas"`
	Storage  StorageConfig  `yaml:"storage"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Redis    RedisConfig    `yaml:"redis"`
	Liveness LivenessConfig `yaml:"liveness"`
	Client   ClientConfig   `yaml:"client"`
	MDNS     MDNSConfig     `yaml:"mdns"`
	Log      LogConfig      `yaml:"log"`
}

type CanvasConfig struct {
	Width   int      `yaml:"width" validate:"gte=1,lte=4096"`
	Height  int      `yaml:"height" validate:"gte=1,lte=4096"`
	Palette []string `yaml:"palette" validate:"min=1,max=256,dive,required"`
}

type StorageConfig struct {
	// Kind is file, bolt or postgres.
	Kind        string `yaml:"kind" validate:"oneof=file bolt postgres"`
	Path        string `yaml:"path" validate:"required_unless=Kind postgres"`
	DatabaseURL string `yaml:"database_url" validate:"required_if=Kind postgres"`
}

type LedgerConfig struct {
	// Kind is memory, http or solana.
	Kind         string         `yaml:"kind" validate:"oneof=memory http solana"`
	Timeout      time.Duration  `yaml:"timeout" validate:"gt=0"`
	GatewayURL   string         `yaml:"gateway_url" validate:"required_if=Kind http"`
	RPCURL       string         `yaml:"rpc_url" validate:"required_if=Kind solana"`
	ProgramID    string         `yaml:"program_id" validate:"required_if=Kind solana"`
	PayerKeypair string         `yaml:"payer_keypair" validate:"required_if=Kind solana"`
	Grants       []ledger.Grant `yaml:"grants"`
}

type RedisConfig struct {
	// Addr enables push invalidation of cached grants when set.
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel" validate:"required_with=Addr"`
}

type LivenessConfig struct {
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
	MaxMissed int           `yaml:"max_missed" validate:"gte=1"`
}

type ClientConfig struct {
	SendBuffer   int           `yaml:"send_buffer" validate:"gte=1"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
	Rate         float64       `yaml:"rate" validate:"gt=0"`
	Burst        int           `yaml:"burst" validate:"gte=1"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

func Default() *Config {
	return &Config{
		Listen: ":8080",
		Canvas: CanvasConfig{
			Width:   200,
			Height:  200,
			Palette: append([]string(nil), canvas.DefaultColors...),
		},
		Storage: StorageConfig{
			Kind: "file",
			Path: "canvas.json",
		},
		Ledger: LedgerConfig{
			Kind:      "memory",
			Timeout:   10 * time.Second,
			RPCURL:    ledger.DefaultSolanaSettings().RPCURL,
			ProgramID: ledger.DefaultSolanaSettings().ProgramID,
		},
		Redis: RedisConfig{
			Channel: ledger.DefaultInvalidationChannel,
		},
		Liveness: LivenessConfig{
			Interval:  30 * time.Second,
			MaxMissed: 2,
		},
		Client: ClientConfig{
			SendBuffer:   256,
			WriteTimeout: 10 * time.Second,
			Rate:         20,
			Burst:        40,
		},
		MDNS: MDNSConfig{
			Instance: "pixelwar",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if path is
// non-empty) and then with environment variables. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	// names shared with the rest of the deployment
	str("REDIS_ADDR", &c.Redis.Addr)
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Storage.DatabaseURL = v
		c.Storage.Kind = "postgres"
	}

	str("PIXELWAR_LISTEN", &c.Listen)
	num("PIXELWAR_CANVAS_WIDTH", &c.Canvas.Width)
	num("PIXELWAR_CANVAS_HEIGHT", &c.Canvas.Height)
	str("PIXELWAR_STORAGE_KIND", &c.Storage.Kind)
	str("PIXELWAR_STORAGE_PATH", &c.Storage.Path)
	str("PIXELWAR_LEDGER_KIND", &c.Ledger.Kind)
	dur("PIXELWAR_LEDGER_TIMEOUT", &c.Ledger.Timeout)
	str("PIXELWAR_LEDGER_GATEWAY_URL", &c.Ledger.GatewayURL)
	str("PIXELWAR_LEDGER_RPC_URL", &c.Ledger.RPCURL)
	str("PIXELWAR_LEDGER_PROGRAM_ID", &c.Ledger.ProgramID)
	str("PIXELWAR_LEDGER_PAYER_KEYPAIR", &c.Ledger.PayerKeypair)
	str("PIXELWAR_REDIS_CHANNEL", &c.Redis.Channel)
	dur("PIXELWAR_LIVENESS_INTERVAL", &c.Liveness.Interval)
	num("PIXELWAR_LIVENESS_MAX_MISSED", &c.Liveness.MaxMissed)
	str("PIXELWAR_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("PIXELWAR_MDNS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIXELWAR_MDNS_ENABLED: %w", err))
		} else {
			c.MDNS.Enabled = b
		}
	}
	return errors.Join(errs...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and a few cross-field rules the tags
// can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for i, g := range c.Ledger.Grants {
		if g.Owner == "" || g.Credential == "" {
			return fmt.Errorf("invalid config: ledger.grants[%d] needs owner and credential", i)
		}
	}
	return nil
}

func (c *Config) Palette() canvas.Palette {
	return canvas.Palette{Colors: c.Canvas.Palette}
}
