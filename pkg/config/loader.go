package config

import (
	"fmt"
	"math"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/qbench/qbench/engine/core"
)

// Load builds the effective configuration: struct defaults, then a .env file
// when present, then process environment variables. The result is validated;
// a misconfigured service refuses to start.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	mappings := envMappings()
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			if path, ok := mappings[key]; ok {
				return path, value
			}
			return "", nil
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies struct tags plus the cross-field rules that tags cannot
// express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return core.NewError(core.KindFatalConfig, "invalid configuration", err)
	}
	if sum := cfg.Search.DocWeight + cfg.Search.StepWeight; math.Abs(sum-1) > 0.001 {
		return core.NewErrorf(core.KindFatalConfig,
			"search weights must sum to 1, got %.3f", sum)
	}
	if cfg.Store.Provider != "memory" && strings.TrimSpace(cfg.Store.DSN) == "" {
		return core.NewErrorf(core.KindFatalConfig,
			"store provider %q requires a DSN", cfg.Store.Provider)
	}
	return nil
}

// envMappings walks the config structs and collects env tag to koanf path
// mappings, so the environment surface is declared once, on the fields.
func envMappings() map[string]string {
	mappings := make(map[string]string)
	collectEnvMappings(reflect.TypeOf(Config{}), "", mappings)
	return mappings
}

func collectEnvMappings(t reflect.Type, prefix string, out map[string]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		koanfTag := strings.Split(field.Tag.Get("koanf"), ",")[0]
		if koanfTag == "" {
			continue
		}
		path := koanfTag
		if prefix != "" {
			path = prefix + "." + koanfTag
		}
		if field.Type.Kind() == reflect.Struct {
			collectEnvMappings(field.Type, path, out)
			continue
		}
		if envTag := field.Tag.Get("env"); envTag != "" {
			out[envTag] = path
		}
	}
}
