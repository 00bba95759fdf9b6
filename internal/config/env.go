package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "MELUTILS"

// Env holds values that may come from the process environment instead of the
// config file. Set values win over the file.
type Env struct {
	DiscordToken string `envconfig:"DISCORD_TOKEN"`
	StoragePath  string `envconfig:"STORAGE_PATH"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
	OpsToken     string `envconfig:"OPS_TOKEN"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ReadEnv reads MELUTILS_* variables.
func ReadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return Env{}, fmt.Errorf("env: %w", err)
	}
	return e, nil
}

// Apply overlays the set values onto cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(e.DiscordToken); v != "" {
		cfg.Discord.Token = v
	}
	if v := strings.TrimSpace(e.StoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(e.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(e.OpsToken); v != "" {
		cfg.Ops.Token = v
	}
}
