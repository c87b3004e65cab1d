package app

import (
	"fmt"
	"strings"
	"time"

	"notifybridge/internal/config"
	"notifybridge/internal/notification"
	"notifybridge/internal/observability/diag"
	"notifybridge/internal/osnotify"
	"notifybridge/internal/osnotify/beeep"
	"notifybridge/internal/osnotify/dbus"
	"notifybridge/internal/osnotify/memory"
	"notifybridge/internal/osnotify/telegram"
	"notifybridge/internal/platform"
	logx "notifybridge/pkg/logx"
)

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapDiagConfig(c config.DiagConfig) diag.Config {
	return diag.Config{
		Enabled:       c.Enabled,
		Addr:          c.Addr,
		Prefix:        c.Prefix,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
	}
}

func parseImportance(s string) notification.Importance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "min":
		return notification.ImportanceMin
	case "low":
		return notification.ImportanceLow
	case "default":
		return notification.ImportanceDefault
	case "high":
		return notification.ImportanceHigh
	case "max":
		return notification.ImportanceMax
	default:
		return 0
	}
}

// mapGrouping turns the grouping section into platform overrides. Zero
// fields fall back to platform.DefaultGrouping.
func mapGrouping(c config.GroupingConfig) notification.Grouping {
	g := notification.Grouping{
		ID:          strings.TrimSpace(c.ID),
		Name:        c.Name,
		Description: c.Description,
		Importance:  parseImportance(c.Importance),
		CategoryID:  c.CategoryID,
	}
	if c.ActionID != "" || c.ActionLabel != "" {
		def := platform.DefaultGrouping().TapAction()
		a := notification.Action{ID: c.ActionID, Label: c.ActionLabel, Foreground: true}
		if a.ID == "" {
			a.ID = def.ID
		}
		if a.Label == "" {
			a.Label = def.Label
		}
		g.Actions = []notification.Action{a}
	}
	return g
}

func mapPlatformOptions(cfg *config.Config) (platform.Options, error) {
	timeout, err := config.ParseDurationOrDefault("platform.submit_timeout", cfg.Platform.SubmitTimeout, 10*time.Second)
	if err != nil {
		return platform.Options{}, err
	}
	return platform.Options{
		Grouping:          mapGrouping(cfg.Grouping),
		RatePerSec:        cfg.Platform.DisplayRatePerSec,
		LongTextThreshold: cfg.Platform.LongTextThreshold,
		Provisional:       cfg.Platform.Provisional,
		SubmitTimeout:     timeout,
	}, nil
}

// openBackend connects the configured OS notification service. "auto"
// prefers the session bus and falls back to beeep when it is unavailable.
func openBackend(cfg *config.Config, log logx.Logger) (osnotify.Service, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Platform.Backend))
	switch name {
	case "", "auto":
		svc, err := openDBus(cfg, log)
		if err == nil {
			return svc, nil
		}
		log.Info("session bus unavailable; using beeep", logx.Err(err))
		return openBeeep(cfg, log), nil
	case "dbus":
		return openDBus(cfg, log)
	case "beeep":
		return openBeeep(cfg, log), nil
	case "telegram":
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			PollTimeout: poll,
			RatePerSec:  cfg.Telegram.RatePerSec,
		}, log.With(logx.String("comp", "telegram")))
	case "memory":
		return memory.New(memory.WithLogger(log.With(logx.String("comp", "memory")))), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Platform.Backend)
	}
}

func openDBus(cfg *config.Config, log logx.Logger) (osnotify.Service, error) {
	expire, err := config.ParseDurationField("dbus.expire_timeout", cfg.DBus.ExpireTimeout)
	if err != nil {
		return nil, err
	}
	return dbus.New(dbus.Config{
		AppName:       appName(cfg.DBus.AppName),
		ExpireTimeout: expire,
		Icon:          cfg.DBus.Icon,
	}, log.With(logx.String("comp", "dbus")))
}

func openBeeep(cfg *config.Config, log logx.Logger) osnotify.Service {
	return beeep.New(beeep.Config{Icon: cfg.DBus.Icon}, log.With(logx.String("comp", "beeep")))
}

func appName(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return "notifybridge"
}
