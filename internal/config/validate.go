package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"melutils/internal/maintenance"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
			switch strings.ToLower(strings.TrimSpace(fl.Field().String())) {
			case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
				return true
			}
			return false
		})
		_ = v.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
			return !strings.ContainsAny(fl.Field().String(), " \t\r\n")
		})
		validate = v
	})
	return validate
}

// Validate checks field tags and the rules that span fields. It matches the
// signature ConfigManager.SetValidator expects.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validatorInstance().Struct(cfg); err != nil {
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
	if cfg.Logging.Discord.Enabled && cfg.Discord.LogChannel == 0 {
		return errors.New("invalid config: logging.discord.enabled requires discord.log_channel")
	}
	for name, spec := range cfg.Maintenance.Jobs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := maintenance.ParseSchedule(spec); err != nil {
			return fmt.Errorf("invalid config: maintenance.jobs.%s: %w", name, err)
		}
	}
	return nil
}
