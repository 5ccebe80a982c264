// Package status gathers a one-screen summary of the local installation:
// the collector daemon, its status file, the cached production lists and
// the request inbox.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bcdev/calvalus-portal/internal/collector"
	"github.com/bcdev/calvalus-portal/internal/config"
	"github.com/bcdev/calvalus-portal/internal/lock"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/store"
	"github.com/bcdev/calvalus-portal/internal/uds"
	yamlutil "github.com/bcdev/calvalus-portal/internal/yaml"
)

type Summary struct {
	Collector CollectorStatus `json:"collector"`
	Portal    PortalStatus    `json:"portal"`
	Lists     []ListStatus    `json:"lists,omitempty"`
	Inbox     InboxStatus     `json:"inbox"`
}

type CollectorStatus struct {
	Running          bool              `json:"running"`
	PID              int               `json:"pid,omitempty"`
	Progress         *model.WorkStatus `json:"progress,omitempty"`
	LastFinishedTime int64             `json:"last_finished_time,omitempty"`
	LastCycleAt      time.Time         `json:"last_cycle_at,omitzero"`
	ReportsWritten   int64             `json:"reports_written"`
	DeadJobs         int               `json:"dead_jobs,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

type PortalStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type ListStatus struct {
	Filter      string    `json:"filter"`
	Productions int       `json:"productions"`
	Unfinished  int       `json:"unfinished"`
	SyncedAt    time.Time `json:"synced_at"`
}

type InboxStatus struct {
	Dir     string `json:"dir"`
	Pending int    `json:"pending"`
}

// Gather never fails as a whole; parts that cannot be read stay empty.
func Gather(ctx context.Context, cfg *model.Config) Summary {
	var s Summary
	s.Collector = collectorStatus(ctx, cfg)
	if pid, err := lock.HolderPID(config.PortalLockPath(cfg)); err == nil && pid > 0 {
		s.Portal = PortalStatus{Running: true, PID: pid}
	}
	s.Lists = cachedLists(cfg)
	s.Inbox = InboxStatus{Dir: cfg.Portal.InboxDir, Pending: pendingRequests(cfg.Portal.InboxDir)}
	return s
}

func collectorStatus(ctx context.Context, cfg *model.Config) CollectorStatus {
	var cs CollectorStatus

	client := uds.NewClient(config.CollectorSocketPath(cfg))
	client.SetTimeout(2 * time.Second)
	var report collector.StatusReport
	if err := client.Call(ctx, uds.CommandStatus, nil, &report); err == nil {
		cs.Running = true
		cs.PID = report.PID
		cs.Progress = &report.Progress
		fillFromStatus(&cs, report.Status)
		return cs
	}

	// daemon not reachable: fall back to the lock and the status file
	if pid, err := lock.HolderPID(config.CollectorLockPath(cfg)); err == nil && pid > 0 {
		cs.PID = pid
	}
	var st collector.Status
	if err := yamlutil.Load(cfg.Collector.StatusFile, &st); err == nil {
		fillFromStatus(&cs, st)
	}
	return cs
}

func fillFromStatus(cs *CollectorStatus, st collector.Status) {
	cs.LastFinishedTime = st.LastFinishedTime
	cs.LastCycleAt = st.LastCycleAt
	cs.ReportsWritten = st.ReportsWritten
	cs.DeadJobs = len(st.DeadJobs)
	cs.LastError = st.LastError
}

func cachedLists(cfg *model.Config) []ListStatus {
	path := config.DBPath(cfg)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	st, err := store.Open(path)
	if err != nil {
		// held by a running portal
		return nil
	}
	defer st.Close()

	filters, err := st.Filters()
	if err != nil {
		return nil
	}
	sort.Strings(filters)

	var out []ListStatus
	for _, f := range filters {
		ps, err := st.LoadProductions(f)
		if err != nil {
			continue
		}
		ls := ListStatus{Filter: f, Productions: len(ps), SyncedAt: st.SyncedAt(f)}
		for i := range ps {
			if !ps[i].IsDone() {
				ls.Unfinished++
			}
		}
		out = append(out, ls)
	}
	return out
}

func pendingRequests(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") && (ext == ".yaml" || ext == ".yml") {
			n++
		}
	}
	return n
}

// Run gathers the summary and prints it as text or JSON.
func Run(ctx context.Context, cfg *model.Config, w io.Writer, jsonOutput bool) error {
	s := Gather(ctx, cfg)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	Print(w, s)
	return nil
}

func Print(w io.Writer, s Summary) {
	c := s.Collector
	switch {
	case c.Running:
		fmt.Fprintf(w, "Collector: running (pid %d)", c.PID)
		if c.Progress != nil {
			fmt.Fprintf(w, ", %s", c.Progress)
		}
		fmt.Fprintln(w)
	case c.PID > 0:
		fmt.Fprintf(w, "Collector: not responding (lock held by pid %d)\n", c.PID)
	default:
		fmt.Fprintln(w, "Collector: stopped")
	}
	if !c.LastCycleAt.IsZero() {
		fmt.Fprintf(w, "  last cycle:   %s\n", c.LastCycleAt.Local().Format(time.DateTime))
	}
	if c.LastFinishedTime > 0 {
		fmt.Fprintf(w, "  watermark:    %s\n", time.UnixMilli(c.LastFinishedTime).Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "  reports:      %d\n", c.ReportsWritten)
	if c.DeadJobs > 0 {
		fmt.Fprintf(w, "  dead jobs:    %d\n", c.DeadJobs)
	}
	if c.LastError != "" {
		fmt.Fprintf(w, "  last error:   %s\n", c.LastError)
	}

	if s.Portal.Running {
		fmt.Fprintf(w, "\nPortal: running (pid %d)\n", s.Portal.PID)
	} else {
		fmt.Fprintln(w, "\nPortal: stopped")
	}

	if len(s.Lists) > 0 {
		fmt.Fprintln(w, "\nCached lists:")
		fmt.Fprintf(w, "  %-20s  %11s  %10s  %s\n", "FILTER", "PRODUCTIONS", "UNFINISHED", "SYNCED")
		for _, l := range s.Lists {
			fmt.Fprintf(w, "  %-20s  %11d  %10d  %s\n", l.Filter, l.Productions, l.Unfinished, l.SyncedAt.Local().Format(time.DateTime))
		}
	} else {
		fmt.Fprintln(w, "\nCached lists: none")
	}

	if s.Inbox.Dir != "" {
		fmt.Fprintf(w, "\nInbox: %d pending in %s\n", s.Inbox.Pending, s.Inbox.Dir)
	}
}
