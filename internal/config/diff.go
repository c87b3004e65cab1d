package config

import (
	"strings"

	logx "notifybridge/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log-safe attributes for them. Secrets (the telegram token) are
// reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Channel != newCfg.Channel {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.String("channel.name", newCfg.Channel.Name),
			logx.String("channel.listen", newCfg.Channel.Listen),
		)
	}
	if oldCfg.Platform != newCfg.Platform {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.variant", newCfg.Platform.Variant),
			logx.String("platform.backend", newCfg.Platform.Backend),
			logx.Any("platform.display_rate_per_sec", newCfg.Platform.DisplayRatePerSec),
		)
	}
	if oldCfg.Grouping != newCfg.Grouping {
		changed = append(changed, "grouping")
		attrs = append(attrs, logx.String("grouping.id", newCfg.Grouping.ID))
	}
	if oldCfg.DBus != newCfg.DBus {
		changed = append(changed, "dbus")
		attrs = append(attrs, logx.String("dbus.app_name", newCfg.DBus.AppName))
	}
	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	if oldTG.ChatID != newTG.ChatID || oldTG.RatePerSec != newTG.RatePerSec ||
		strings.TrimSpace(oldTG.PollTimeout) != strings.TrimSpace(newTG.PollTimeout) ||
		oldTG.Token != newTG.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", newTG.ChatID),
			logx.Bool("telegram.token_set", strings.TrimSpace(newTG.Token) != ""),
		)
	}
	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", newCfg.Diag.Addr),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports whether applying newCfg needs a process restart.
// Logging, the display rate and diag are applied live.
func RestartRequired(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	o, n := *oldCfg, *newCfg
	o.Logging, n.Logging = LoggingConfig{}, LoggingConfig{}
	o.Platform.DisplayRatePerSec, n.Platform.DisplayRatePerSec = 0, 0
	o.Diag, n.Diag = DiagConfig{}, DiagConfig{}
	return o != n
}
