package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bcdev/calvalus-portal/internal/lock"
)

// ReportSink appends reports as JSON lines to <dir>/<YYYY-MM-DD>.jsonl, one
// file per UTC finish day. Writers of different days do not block each other.
type ReportSink struct {
	dir   string
	locks *lock.MutexMap
}

func NewReportSink(dir string) *ReportSink {
	return &ReportSink{dir: dir, locks: lock.NewMutexMap()}
}

func (s *ReportSink) Dir() string { return s.dir }

// PathFor returns the file a report of the given day goes to.
func (s *ReportSink) PathFor(day string) string {
	return filepath.Join(s.dir, day+".jsonl")
}

func (s *ReportSink) Write(r *UsageReport) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", r.JobID, err)
	}
	line = append(line, '\n')

	path := s.PathFor(r.FinishDay())
	return s.locks.With(path, func() error {
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return fmt.Errorf("create reports dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open report file: %w", err)
		}
		if _, err := f.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("append report %s: %w", r.JobID, err)
		}
		return f.Close()
	})
}
