package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-section requirements.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	var errs []error
	durations := map[string]string{
		"platform.submit_timeout": cfg.Platform.SubmitTimeout,
		"dbus.expire_timeout":     cfg.DBus.ExpireTimeout,
		"telegram.poll_timeout":   cfg.Telegram.PollTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if strings.EqualFold(cfg.Platform.Backend, "telegram") {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required for the telegram backend"))
		}
		if cfg.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required for the telegram backend"))
		}
	}
	if cfg.Channel.Listen != "" && strings.TrimSpace(cfg.Channel.Listen) == "" {
		errs = append(errs, errors.New("channel.listen is blank"))
	}
	return errors.Join(errs...)
}
