package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wallsched/internal/interval"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := ParseBytes("c.yaml", []byte(`
logging:
  level: debug
storage:
  driver: sqlite
  path: /tmp/ws.db
scheduler:
  interval: daily
task:
  command: feh
  args: ["--bg-fill", "--randomize", "/wallpapers"]
`))
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging=%+v", cfg.Logging)
	}
	if cfg.Scheduler.DefaultInterval != "hourly" || cfg.Scheduler.StoreTimeout != DefaultStoreTimeout {
		t.Fatalf("scheduler defaults lost: %+v", cfg.Scheduler)
	}
	if cfg.Status.Addr != DefaultStatusAddr || cfg.Status.Enabled {
		t.Fatalf("status=%+v", cfg.Status)
	}
	if len(cfg.Task.Args) != 3 {
		t.Fatalf("task=%+v", cfg.Task)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	cases := map[string]string{
		"c.json": `{"telegram": {"token": "x"}}`,
		"d.json": `{"logging": {}} {"logging": {}}`,
		"e.yaml": "scheduler:\n  cron: '0 * * * *'\n",
	}
	for name, body := range cases {
		if _, err := ParseBytes(name, []byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEmptyYAMLIsDefault(t *testing.T) {
	cfg, err := ParseBytes("c.yml", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("driver=%q", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mut     func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file path", func(c *Config) { c.Logging.File.Enabled = true }, "logging.file.path"},
		{"driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"sqlite3 alias", func(c *Config) { c.Storage.Driver = "sqlite3" }, ""},
		{"busy", func(c *Config) { c.Storage.BusyTimeout = "soon" }, "storage.busy_timeout"},
		{"interval", func(c *Config) { c.Scheduler.Interval = "0 9 * * *" }, "scheduler.interval"},
		{"every", func(c *Config) { c.Scheduler.Interval = "@every 24h" }, ""},
		{"default", func(c *Config) { c.Scheduler.DefaultInterval = "fortnightly" }, "scheduler.default_interval"},
		{"store timeout", func(c *Config) { c.Scheduler.StoreTimeout = "-1s" }, "scheduler.store_timeout"},
		{"status", func(c *Config) { c.Status.Enabled = true; c.Status.Addr = "" }, "status.addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want %q", err, tc.wantErr)
			}
		})
	}
}

func TestSchedulerIntervals(t *testing.T) {
	def, sel, err := SchedulerConfig{DefaultInterval: "weekly"}.Intervals()
	if err != nil || def != interval.Weekly || sel != 0 {
		t.Fatalf("def=%v sel=%v err=%v", def, sel, err)
	}
	def, sel, err = SchedulerConfig{Interval: "24h"}.Intervals()
	if err != nil || def != interval.Default || sel != interval.Daily {
		t.Fatalf("def=%v sel=%v err=%v", def, sel, err)
	}
	st, poll, err := SchedulerConfig{Poll: "30s"}.Timing()
	if err != nil || st != 5*time.Second || poll != 30*time.Second {
		t.Fatalf("store=%v poll=%v err=%v", st, poll, err)
	}
}

func TestStorageOptions(t *testing.T) {
	o, err := StorageConfig{Driver: "SQLite3", BusyTimeout: "3s"}.StorageOptions()
	if err != nil {
		t.Fatal(err)
	}
	if o.Driver != "sqlite" || o.Path != DefaultStoragePath || o.BusyTimeout != 3*time.Second {
		t.Fatalf("opts=%+v", o)
	}
	o, _ = StorageConfig{Driver: "redis", Addr: " 127.0.0.1:6379 "}.StorageOptions()
	if o.Path != "" || o.Addr != "127.0.0.1:6379" {
		t.Fatalf("opts=%+v", o)
	}
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Scheduler.Interval = "daily"
	b.Storage.Password = "hunter2"
	b.Task.Args = []string{"x"}

	changed, attrs := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "scheduler,storage,task" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RequiresRestart(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart=%v", got)
	}
	if changed, _ := SummarizeChange(a, Default()); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, name := range []string{"c.json", "c.yaml"} {
		in := Default()
		in.Task.Command = "swaybg"
		b, err := Marshal(name, in)
		if err != nil {
			t.Fatal(err)
		}
		out, err := ParseBytes(name, b)
		if err != nil {
			t.Fatalf("%s: %v\n%s", name, err, b)
		}
		if out.Task.Command != "swaybg" || out.Storage != in.Storage {
			t.Fatalf("%s: round trip lost fields: %+v", name, out)
		}
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallsched.yaml")
	writeFile(t, path, "scheduler:\n  interval: hourly\n")

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if m.reload(context.Background()) {
		t.Fatalf("unchanged content was published")
	}

	writeFile(t, path, "scheduler:\n  interval: fortnightly\n")
	if m.reload(context.Background()) {
		t.Fatalf("invalid content was published")
	}

	var seen string
	m.SetValidator(func(_ context.Context, c *Config) error {
		seen = c.Scheduler.Interval
		return nil
	})
	writeFile(t, path, "scheduler:\n  interval: daily\n")
	if !m.reload(context.Background()) {
		t.Fatalf("changed content not published")
	}
	if seen != "daily" {
		t.Fatalf("validator saw %q", seen)
	}
	select {
	case got := <-ch:
		if got.Scheduler.Interval != "daily" {
			t.Fatalf("published %+v", got.Scheduler)
		}
	default:
		t.Fatalf("nothing published")
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Task.Command = "latest"
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("subscriber did not get latest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallsched.json")
	writeFile(t, path, `{"scheduler": {"interval": "hourly"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	// Keep rewriting until the watcher is up and picks it up.
	for {
		writeFile(t, path, `{"scheduler": {"interval": "weekly"}}`)
		select {
		case got := <-ch:
			if got.Scheduler.Interval != "weekly" {
				t.Fatalf("got %+v", got.Scheduler)
			}
			cancel()
			<-done
			return
		case <-deadline:
			t.Fatalf("no reload observed")
		case <-tick.C:
		}
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-2s"); err == nil {
		t.Fatalf("negative accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("default not applied: %v", d)
	}
}
