// Package main is the entry point for the wallsched daemon and CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wallsched/internal/app"
	"wallsched/internal/config"
	"wallsched/internal/interval"
	"wallsched/internal/scheduler"
	"wallsched/internal/status"
	"wallsched/internal/storage"
	logx "wallsched/pkg/logx"
	"wallsched/pkg/systemd"
)

// Set by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wallsched",
		Short:         "Runs a rotation command on a persisted wall-clock schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "./config.json", "path to config (json or yaml)")
	root.AddCommand(runCmd(), statusCmd(), intervalsCmd(), configCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("wallsched %s (commit: %s)\n", version, commit)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			a, err := app.NewApp(cfgPath)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if err := a.Start(context.Background()); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopAppStop
			select {
			case sig := <-sigCh:
				reason = app.ReasonFromSignal(sig)
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = a.Stop(ctx, reason)
			return a.Err()
		},
	}
}

type persisted struct {
	Interval    string              `json:"interval"`
	IntervalSet bool                `json:"interval_set"`
	Next        *time.Time          `json:"next,omitempty"`
	Overdue     bool                `json:"overdue,omitempty"`
	Unit        *systemd.UnitStatus `json:"unit,omitempty"`
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			unit, _ := cmd.Flags().GetString("unit")

			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "status"))

			sc, err := cfg.Storage.StorageOptions()
			if err != nil {
				return err
			}
			// The daemon may hold the same store open.
			sc.ReadOnly = true
			store, err := storage.Open(sc, log)
			if err != nil {
				return err
			}
			if store == nil {
				return storage.ErrDisabled
			}
			defer store.Close()
			log.Debug("storage opened read-only", logx.String("driver", sc.Driver))

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			def, _, err := cfg.Scheduler.Intervals()
			if err != nil {
				return err
			}
			out := persisted{Interval: status.IntervalLabel(def.Duration())}

			var secs float64
			if ok, err := store.Get(ctx, scheduler.KeyIntervalSelection, &secs); err != nil {
				return err
			} else if ok {
				out.Interval = status.IntervalLabel(scheduler.SecondsToDuration(secs))
				out.IntervalSet = true
			}
			var epoch float64
			if ok, err := store.Get(ctx, scheduler.KeyNextExecution, &epoch); err != nil {
				return err
			} else if ok {
				next := scheduler.EpochToTime(epoch)
				out.Next = &next
				out.Overdue = next.Before(time.Now())
			}

			if unit != "" {
				st, err := systemd.QueryUnit(ctx, unit)
				if err != nil {
					return err
				}
				out.Unit = &st
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().String("unit", "", "also report the state of this systemd unit")
	return cmd
}

func intervalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intervals",
		Short: "List selectable rotation intervals",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, iv := range interval.All() {
				mark := ""
				if iv == interval.Default {
					mark = " (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %-12s %s%s\n", iv.String(), iv.Name(), iv.Duration(), mark)
			}
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.NewConfigManager(path).Load()
			if err != nil {
				return err
			}
			def, selected, err := cfg.Scheduler.Intervals()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (storage=%s, default=%s", storage.NormalizeDriver(cfg.Storage.Driver), def)
			if selected != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", interval=%s", selected)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			return nil
		},
	})
	def := &cobra.Command{
		Use:   "default",
		Short: "Print the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("format")
			b, err := config.Marshal("config."+format, config.Default())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	def.Flags().String("format", "json", "output format: json or yaml")
	cmd.AddCommand(def)
	return cmd
}
