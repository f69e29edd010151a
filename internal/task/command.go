// Package task holds the work performed on each scheduler firing.
//
// The scheduler only sees a func(); Command adapts an external program (the
// wallpaper setter) to that shape and keeps a short run history.
package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"wallsched/internal/eventbus"
	logx "wallsched/pkg/logx"
)

// Environment variables exported to the command.
const (
	EnvRunID   = "WALLSCHED_RUN_ID"
	EnvFiredAt = "WALLSCHED_FIRED_AT"
)

const (
	defaultHistorySize = 50
	maxOutputLog       = 4 << 10
	waitDelay          = 2 * time.Second
)

// Event types published on the bus.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
)

var ErrNoCommand = errors.New("task: no command configured")

// Check reports whether cfg can be started: the command resolves on PATH
// and Dir, when set, is a directory.
func Check(cfg Config) error {
	name := strings.TrimSpace(cfg.Command)
	if name == "" {
		return ErrNoCommand
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("task: %w", err)
	}
	if cfg.Dir != "" {
		fi, err := os.Stat(cfg.Dir)
		if err != nil {
			return fmt.Errorf("task: dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("task: dir %s is not a directory", cfg.Dir)
		}
	}
	return nil
}

type Config struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Env     []string `json:"env"`
}

// Run is one invocation, kept in the history and published on the bus.
type Run struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
}

type Command struct {
	log logx.Logger
	bus eventbus.Bus
	ctx context.Context

	mu  sync.Mutex
	cfg Config

	hmu     sync.Mutex
	history []Run
	size    int
}

// NewCommand builds a runner. ctx bounds every invocation: canceling it kills
// a running command.
func NewCommand(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus) *Command {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Command{
		log:  log.With(logx.String("comp", "task")),
		bus:  bus,
		ctx:  ctx,
		cfg:  cfg,
		size: defaultHistorySize,
	}
}

// Apply swaps the command configuration; the next firing uses it.
func (c *Command) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Command) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	cfg.Args = append([]string(nil), c.cfg.Args...)
	cfg.Env = append([]string(nil), c.cfg.Env...)
	return cfg
}

// Func adapts Run to the scheduler's task signature. Failures are logged.
func (c *Command) Func() func() {
	return func() { _, _ = c.Run(c.ctx) }
}

// Run executes the command once and waits for it to exit.
func (c *Command) Run(ctx context.Context) (Run, error) {
	cfg := c.config()
	run := Run{ID: uuid.NewString(), Started: time.Now(), ExitCode: -1}
	log := c.log.With(logx.String("run_id", run.ID))

	c.publish(EventStarted, run)

	err := c.exec(ctx, cfg, &run, log)
	run.Duration = time.Since(run.Started)
	if err != nil {
		run.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Int("exit_code", run.ExitCode), logx.Duration("dur", run.Duration))
		c.publish(EventFailed, run)
	} else {
		log.Info("task completed", logx.Duration("dur", run.Duration))
		c.publish(EventFinished, run)
	}
	c.record(run)
	return run, err
}

func (c *Command) exec(ctx context.Context, cfg Config, run *Run, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task: panic: %v", r)
		}
	}()

	name := strings.TrimSpace(cfg.Command)
	if name == "" {
		return ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, name, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env,
		EnvRunID+"="+run.ID,
		EnvFiredAt+"="+run.Started.UTC().Format(time.RFC3339),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children that inherit the pipes must not hold Wait open after a kill.
	cmd.WaitDelay = waitDelay

	log.Debug("task starting", logx.String("command", name), logx.Int("args", len(cfg.Args)))
	err = cmd.Run()
	if cmd.ProcessState != nil {
		run.ExitCode = cmd.ProcessState.ExitCode()
	}
	if out.Len() > 0 {
		log.Debug("task output", logx.String("output", truncate(out.String(), maxOutputLog)))
	}
	if err != nil {
		return fmt.Errorf("task: %s: %w", name, err)
	}
	return nil
}

func (c *Command) record(r Run) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.history = append(c.history, r)
	if len(c.history) > c.size {
		c.history = c.history[len(c.history)-c.size:]
	}
}

// History returns recent runs, oldest first.
func (c *Command) History() []Run {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	return append([]Run(nil), c.history...)
}

func (c *Command) publish(typ string, r Run) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: r})
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary so the log line stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
