package app

import (
	"context"
	"strings"

	"wallsched/internal/config"
	logx "wallsched/pkg/logx"
)

// reloadLoop applies published configs. Bursts are coalesced so only the
// newest pending config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case next, ok := <-sub:
					if !ok {
						break drain
					}
					cfg = next
				default:
					break drain
				}
			}
			a.applyConfig(cfg)
		}
	}
}

// applyConfig pushes the hot-reloadable sections into the running
// components: logging, the task command and the selected interval.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.mu.Lock()
	old := a.applied
	a.applied = cfg
	a.mu.Unlock()

	changed, attrs := config.SummarizeChange(old, cfg)
	if len(changed) == 0 {
		a.log.Debug("config reloaded (no effective changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(cfg.Logging.LogConfig())
		case "task":
			if a.task != nil {
				a.task.Apply(taskConfig(cfg.Task))
			}
		case "scheduler":
			if a.sched != nil && old.Scheduler.Interval != cfg.Scheduler.Interval {
				a.applyConfiguredInterval(cfg)
			}
			if old.Scheduler.DefaultInterval != cfg.Scheduler.DefaultInterval ||
				old.Scheduler.StoreTimeout != cfg.Scheduler.StoreTimeout ||
				old.Scheduler.Poll != cfg.Scheduler.Poll {
				a.log.Warn("scheduler timing changes apply on restart",
					logx.String("default_interval", cfg.Scheduler.DefaultInterval),
					logx.String("store_timeout", cfg.Scheduler.StoreTimeout),
					logx.String("poll", cfg.Scheduler.Poll),
				)
			}
		}
	}
	if rs := config.RequiresRestart(changed); len(rs) > 0 {
		a.log.Warn("config sections changed that apply on restart", logx.String("sections", strings.Join(rs, ",")))
	}
}
