package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wallsched/internal/scheduler"
	"wallsched/internal/storage"
	logx "wallsched/pkg/logx"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestIntervalsCommand(t *testing.T) {
	out, err := execute(t, "intervals")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"hourly", "daily", "weekly", "(default)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("storage:\n  driver: memory\nscheduler:\n  interval: daily\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "config", "check", good)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "interval=daily") {
		t.Fatalf("out=%q", out)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"storage": {"driver": "etcd"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "check", bad); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStatusReadsPersistedSchedule(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.json")
	body := `{"storage": {"driver": "file", "path": "` + filepath.Join(dir, "store") + `"}}`
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "status", "--config", cfg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var got persisted
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.IntervalSet || got.Next != nil || got.Interval != "hourly" {
		t.Fatalf("fresh store status=%+v", got)
	}
}

func TestDefaultConfigYAML(t *testing.T) {
	out, err := execute(t, "config", "default", "--format", "yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "default_interval: hourly") {
		t.Fatalf("out=%q", out)
	}
}

func TestStatusLeavesDaemonStoreIntact(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store")
	cfg := filepath.Join(dir, "config.json")
	body := `{"storage": {"driver": "file", "path": "` + storePath + `"}}`
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	daemon, err := storage.Open(storage.Config{Driver: "file", Path: storePath}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer daemon.Close()
	next := time.Unix(1_700_000_000, 0)
	if err := daemon.Set(ctx, scheduler.KeyIntervalSelection, 86400.0); err != nil {
		t.Fatal(err)
	}
	if err := daemon.Set(ctx, scheduler.KeyNextExecution, scheduler.TimeToEpoch(next)); err != nil {
		t.Fatal(err)
	}
	journal := storePath + ".journal.jsonl"
	before, err := os.ReadFile(journal)
	if err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "status", "--config", cfg)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var got persisted
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !got.IntervalSet || got.Interval != "daily" || got.Next == nil || !got.Next.Equal(next) {
		t.Fatalf("status=%+v", got)
	}

	after, err := os.ReadFile(journal)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("status rewrote the journal: %q -> %q", before, after)
	}
	if _, err := os.Stat(storePath + ".snapshot.json"); !os.IsNotExist(err) {
		t.Fatalf("status wrote a snapshot: %v", err)
	}
}
