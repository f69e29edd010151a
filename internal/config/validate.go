package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"wallsched/internal/interval"
	"wallsched/internal/storage"
	logx "wallsched/pkg/logx"
)

var ErrInvalid = errors.New("config: invalid")

// Validate checks every field that is interpreted later, so a bad reload is
// rejected before it is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	driver := storage.NormalizeDriver(cfg.Storage.Driver)
	known := false
	for _, d := range storage.Drivers {
		if d == driver {
			known = true
			break
		}
	}
	if !known && driver != "" && driver != "none" {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Storage.DB < 0 {
		errs = append(errs, errors.New("storage.db: must be >= 0"))
	}

	if raw := strings.TrimSpace(cfg.Scheduler.DefaultInterval); raw != "" {
		if _, err := interval.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.default_interval: %w", err))
		}
	}
	if raw := strings.TrimSpace(cfg.Scheduler.Interval); raw != "" {
		if _, err := interval.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.interval: %w", err))
		}
	}
	if _, err := ParseDurationField("scheduler.store_timeout", cfg.Scheduler.StoreTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.poll", cfg.Scheduler.Poll); err != nil {
		errs = append(errs, err)
	}

	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Addr) == "" {
		errs = append(errs, errors.New("status.addr: required when status is enabled"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Intervals resolves the scheduler section. selected is zero when no
// explicit interval is configured.
func (c SchedulerConfig) Intervals() (def, selected interval.Interval, err error) {
	def = interval.Default
	if raw := strings.TrimSpace(c.DefaultInterval); raw != "" {
		if def, err = interval.Parse(raw); err != nil {
			return 0, 0, err
		}
	}
	if raw := strings.TrimSpace(c.Interval); raw != "" {
		if selected, err = interval.Parse(raw); err != nil {
			return 0, 0, err
		}
	}
	return def, selected, nil
}

// StorageOptions converts the section into driver options.
func (c StorageConfig) StorageOptions() (storage.Config, error) {
	bt, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(c.Path)
	driver := storage.NormalizeDriver(c.Driver)
	if path == "" && (driver == "file" || driver == "sqlite") {
		path = DefaultStoragePath
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: bt,
		Addr:        strings.TrimSpace(c.Addr),
		Password:    c.Password,
		DB:          c.DB,
		Prefix:      c.Prefix,
	}, nil
}

// LogConfig converts the section into logx options.
func (c LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Timing returns the store timeout and poll with defaults applied.
func (c SchedulerConfig) Timing() (storeTimeout, poll time.Duration, err error) {
	storeTimeout, err = ParseDurationOrDefault("scheduler.store_timeout", c.StoreTimeout, 5*time.Second)
	if err != nil {
		return 0, 0, err
	}
	poll, err = ParseDurationField("scheduler.poll", c.Poll)
	return storeTimeout, poll, err
}
