package config

import (
	"reflect"
	"sort"
	"strings"

	logx "rollcall/pkg/logx"
)

// Section names reported by SummarizeConfigChange.
const (
	SectionTelegram = "telegram"
	SectionLogging  = "logging"
	SectionStorage  = "storage"
	SectionLocks    = "locks"
	SectionCache    = "cache"
	SectionDispatch = "dispatch"
	SectionDisplay  = "display"
	SectionSweeper  = "sweeper"
	SectionAdmin    = "admin"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured attrs safe to log. Tokens are never included, only whether one
// is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.AdminChat != nt.AdminChat || ot.APIURL != nt.APIURL || ot.Token != nt.Token {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.admin_chat_set", nt.AdminChat != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_changed", strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path)),
			logx.Int("storage.pool.max_conns", newCfg.Storage.Pool.MaxConns),
		)
	}

	if oldCfg.Locks != newCfg.Locks {
		changed = append(changed, SectionLocks)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, SectionCache)
		attrs = append(attrs, logx.String("cache.ttl", strings.TrimSpace(newCfg.Cache.TTL)))
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, SectionDispatch)
		attrs = append(attrs,
			logx.Int("dispatch.max_in_flight", newCfg.Dispatch.MaxInFlight),
			logx.Float64("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}

	if oldCfg.Display != newCfg.Display {
		changed = append(changed, SectionDisplay)
		attrs = append(attrs,
			logx.String("display.primary_zone", newCfg.Display.PrimaryZone),
			logx.String("display.secondary_zone", newCfg.Display.SecondaryZone),
		)
	}

	if oldCfg.Sweeper != newCfg.Sweeper {
		changed = append(changed, SectionSweeper)
		attrs = append(attrs, logx.String("sweeper.timezone", newCfg.Sweeper.Timezone))
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	if oa != na {
		changed = append(changed, SectionAdmin)
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(na.Token) != ""),
			logx.Bool("admin.pprof", na.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any of the sections can only take effect
// after a restart.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		switch s {
		case SectionStorage, SectionLocks, SectionTelegram:
			return true
		}
	}
	return false
}
