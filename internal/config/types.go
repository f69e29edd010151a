package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// All durations are Go duration strings ("500ms", "10s", "6h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Task      TaskConfig      `json:"task"`
	Status    StatusConfig    `json:"status"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects where the schedule is persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./wallsched_store" }
//
// Drivers: file (default), sqlite, redis, memory. Password is never logged.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Addr     string `json:"addr,omitempty"` // redis
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// SchedulerConfig controls the rotation cadence.
//
// DefaultInterval is used until a selection has been persisted. Interval, when
// set, is applied as a selection change at startup (if it differs from the
// persisted one) and whenever it changes on reload; leave it empty to keep
// whatever was last selected through the status endpoint.
type SchedulerConfig struct {
	DefaultInterval string `json:"default_interval,omitempty"`
	Interval        string `json:"interval,omitempty"`
	StoreTimeout    string `json:"store_timeout,omitempty"`
	// Poll bounds how long the timer waits before re-checking the wall clock.
	Poll string `json:"poll,omitempty"`
}

// TaskConfig is the command run on every rotation.
type TaskConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// StatusConfig controls the local status HTTP server.
//
// Prefer a loopback address: PUT /interval changes the schedule. Token, when
// set, is required for PUT /interval and /debug/pprof. Never logged.
type StatusConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"` // default: "127.0.0.1:7788"
	Token     string `json:"token,omitempty"`
	Profiling bool   `json:"profiling,omitempty"`
}

const (
	DefaultStoragePath  = "./wallsched_store"
	DefaultStatusAddr   = "127.0.0.1:7788"
	DefaultStoreTimeout = "5s"
)

// Default returns a config usable without a file.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "file", Path: DefaultStoragePath},
		Scheduler: SchedulerConfig{DefaultInterval: "hourly", StoreTimeout: DefaultStoreTimeout},
		Status:    StatusConfig{Addr: DefaultStatusAddr},
	}
}
