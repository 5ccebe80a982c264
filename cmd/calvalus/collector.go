package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcdev/calvalus-portal/internal/collector"
	"github.com/bcdev/calvalus-portal/internal/config"
	"github.com/bcdev/calvalus-portal/internal/events"
	"github.com/bcdev/calvalus-portal/internal/lock"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/monitor"
	"github.com/bcdev/calvalus-portal/internal/uds"
)

func newCollectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Turn finished Hadoop jobs into usage reports",
	}
	cmd.AddCommand(
		newCollectorRunCmd(),
		newCollectorOnceCmd(),
		newCollectorStatusCmd(),
		newCollectorStopCmd(),
	)
	return cmd
}

func buildCollector(cfg *model.Config, bus *events.Bus) (*collector.Collector, error) {
	cc := cfg.Collector
	if cc.JobHistoryURL == "" {
		return nil, errors.New("collector.jobhistory_url is not configured")
	}
	source, err := collector.NewJobHistoryClient(cc.JobHistoryURL, nil)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cc.StatusFile), 0755); err != nil {
		return nil, err
	}
	status := collector.NewStatusFile(cc.StatusFile, config.QuarantineDir(cfg), cc.StartFinishedTime, cur.logger)
	opts := []collector.Option{
		collector.WithWorkers(cc.Workers),
		collector.WithProcessedWindow(cc.ProcessedWindow),
		collector.WithMaxAttempts(cc.MaxAttempts),
		collector.WithLogger(cur.logger),
	}
	if bus != nil {
		opts = append(opts, collector.WithBus(bus))
	}
	return collector.New(source, collector.NewReportSink(cc.ReportsDir), status, opts...), nil
}

func newCollectorRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collector daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := cur.cfg
			if err := os.MkdirAll(config.CollectorDir(cfg), 0755); err != nil {
				return err
			}

			bus := events.NewBus(64, cur.logger)
			defer bus.Close()
			journal, err := events.OpenJournal(config.JournalPath(cfg), journalMaxSize)
			if err != nil {
				return err
			}
			defer journal.Close()
			journal.Attach(bus, events.EventCollectorCycle)

			c, err := buildCollector(cfg, bus)
			if err != nil {
				return err
			}
			d := collector.NewDaemon(collector.DaemonConfig{
				SocketPath:      config.CollectorSocketPath(cfg),
				LockPath:        config.CollectorLockPath(cfg),
				ListenAddr:      cfg.Collector.ListenAddr,
				PollInterval:    time.Duration(cfg.Collector.PollIntervalSec) * time.Second,
				ShutdownTimeout: time.Duration(cfg.Collector.ShutdownTimeoutSec) * time.Second,
			}, c, cur.logger)

			err = d.Run(cmd.Context())
			if errors.Is(err, lock.ErrLocked) {
				pid, _ := lock.HolderPID(config.CollectorLockPath(cfg))
				return fmt.Errorf("collector already running (pid %d)", pid)
			}
			return err
		},
	}
}

func newCollectorOnceCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single collection cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			cfg := cur.cfg
			if err := os.MkdirAll(config.CollectorDir(cfg), 0755); err != nil {
				return err
			}
			// the daemon owns the status file while it runs
			fl := lock.NewFileLock(config.CollectorLockPath(cfg))
			if err := fl.TryLock(); err != nil {
				if errors.Is(err, lock.ErrLocked) {
					return errors.New("collector daemon is running, use 'calvalus collector status' or stop it first")
				}
				return err
			}
			defer fl.Unlock()

			c, err := buildCollector(cfg, nil)
			if err != nil {
				return err
			}

			bar := newBarObserver(cmd.ErrOrStderr(), "collect")
			m := monitor.New(c.ProgressReporter(), monitor.WithLogger(cur.logger), monitor.WithName("collector"))
			m.AddObserver(bar)

			type outcome struct {
				res collector.CycleResult
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := c.Collect(cmd.Context())
				done <- outcome{res, err}
			}()
			h, err := m.Start(cmd.Context(), 200*time.Millisecond)
			if err != nil {
				return err
			}
			o := <-done
			<-h.Done()

			if output != formatTable {
				if err := writeData(cmd.OutOrStdout(), output, o.res); err != nil {
					return err
				}
				return o.err
			}
			printCycle(cmd.OutOrStdout(), o.res)
			return o.err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

func printCycle(w io.Writer, r collector.CycleResult) {
	fmt.Fprintf(w, "Cycle %s: listed %d, skipped %d, reported %d, failed %d (%s)\n",
		r.CycleID, r.Listed, r.Skipped, r.Reported, r.Failed, r.Duration.Round(time.Millisecond))
	if r.DeadLettered > 0 {
		fmt.Fprintf(w, "Gave up on %d job(s)\n", r.DeadLettered)
	}
	if r.Watermark > 0 {
		fmt.Fprintf(w, "Watermark: %s\n", time.UnixMilli(r.Watermark).UTC().Format(time.RFC3339))
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "Errors:\n  %s\n", strings.Join(r.Errors, "\n  "))
	}
}

func newCollectorStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ask the running collector daemon for its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := uds.NewClient(config.CollectorSocketPath(cur.cfg))
			var report collector.StatusReport
			if err := client.Call(cmd.Context(), uds.CommandStatus, nil, &report); err != nil {
				return fmt.Errorf("collector daemon not reachable: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pid %d, %s\n", report.PID, report.Progress)
			fmt.Fprintf(out, "reports written: %d\n", report.Status.ReportsWritten)
			if report.Last.CycleID != "" {
				printCycle(out, report.Last)
			}
			return nil
		},
	}
}

func newCollectorStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running collector daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := uds.NewClient(config.CollectorSocketPath(cur.cfg))
			resp, err := client.SendCommand(cmd.Context(), uds.CommandShutdown, nil)
			if err != nil {
				return fmt.Errorf("collector daemon not reachable: %w", err)
			}
			if !resp.Success {
				if resp.Error != nil {
					return resp.Error
				}
				return errors.New("shutdown refused")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "collector daemon stopping")
			return nil
		},
	}
}
