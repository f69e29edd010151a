package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wallsched/pkg/logx"
)

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for the reload log line. Secrets (storage.password) are
// reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.addr", strings.TrimSpace(nS.Addr)),
			logx.Bool("storage.password_set", nS.Password != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.default_interval", strings.TrimSpace(newCfg.Scheduler.DefaultInterval)),
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.String("scheduler.store_timeout", strings.TrimSpace(newCfg.Scheduler.StoreTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Task, newCfg.Task) {
		changed = append(changed, "task")
		attrs = append(attrs,
			logx.String("task.command", strings.TrimSpace(newCfg.Task.Command)),
			logx.Int("task.args", len(newCfg.Task.Args)),
			logx.Int("task.env", len(newCfg.Task.Env)),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
			logx.Bool("status.profiling", newCfg.Status.Profiling),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections whose change only takes effect on
// restart (the store and the status listener are opened once).
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s == "storage" || s == "status" {
			out = append(out, s)
		}
	}
	return out
}
