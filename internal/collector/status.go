package collector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	yamlutil "github.com/bcdev/calvalus-portal/internal/yaml"
)

// Status is the persisted progress of the collector.
type Status struct {
	yamlutil.SchemaHeader `yaml:",inline" json:"-"`

	// LastFinishedTime is the watermark in milliseconds: every job that
	// finished before it has been reported.
	LastFinishedTime int64     `yaml:"last_finished_time" json:"last_finished_time"`
	ProcessedJobIDs  []string  `yaml:"processed_job_ids" json:"processed_job_ids"`
	LastCycleID      string    `yaml:"last_cycle_id,omitempty" json:"last_cycle_id,omitempty"`
	LastCycleAt      time.Time `yaml:"last_cycle_at,omitempty" json:"last_cycle_at,omitempty"`
	ReportsWritten   int64     `yaml:"reports_written" json:"reports_written"`
	LastError        string    `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	// FailedAttempts counts consecutive failed attempts per job that is
	// still being retried.
	FailedAttempts map[string]int `yaml:"failed_attempts,omitempty" json:"failed_attempts,omitempty"`
	DeadJobs       []DeadJob      `yaml:"dead_jobs,omitempty" json:"dead_jobs,omitempty"`
}

// DeadJob is a job given up on after too many failed attempts. It no
// longer holds the watermark back.
type DeadJob struct {
	ID         string    `yaml:"id" json:"id"`
	FinishTime int64     `yaml:"finish_time" json:"finish_time"`
	Attempts   int       `yaml:"attempts" json:"attempts"`
	Error      string    `yaml:"error" json:"error"`
	At         time.Time `yaml:"at" json:"at"`
}

func newStatus(start int64) *Status {
	return &Status{
		SchemaHeader:     yamlutil.NewHeader(yamlutil.FileTypeCollectorStatus),
		LastFinishedTime: start,
		ProcessedJobIDs:  []string{},
	}
}

func (s *Status) clone() Status {
	c := *s
	c.ProcessedJobIDs = append([]string(nil), s.ProcessedJobIDs...)
	c.DeadJobs = append([]DeadJob(nil), s.DeadJobs...)
	if s.FailedAttempts != nil {
		c.FailedAttempts = make(map[string]int, len(s.FailedAttempts))
		for id, n := range s.FailedAttempts {
			c.FailedAttempts[id] = n
		}
	}
	return c
}

// remember appends ids and drops the oldest entries beyond window. Pinned
// ids are never dropped: they belong to jobs at or above the watermark that
// the next listing returns again.
func (s *Status) remember(window int, pinned map[string]bool, ids ...string) {
	s.ProcessedJobIDs = append(s.ProcessedJobIDs, ids...)
	excess := len(s.ProcessedJobIDs) - window
	if window <= 0 || excess <= 0 {
		return
	}
	kept := make([]string, 0, window)
	for _, id := range s.ProcessedJobIDs {
		if excess > 0 && !pinned[id] {
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.ProcessedJobIDs = kept
}

// bury records a dead job, keeping the newest window of them.
func (s *Status) bury(window int, d DeadJob) {
	delete(s.FailedAttempts, d.ID)
	s.DeadJobs = append(s.DeadJobs, d)
	if window > 0 && len(s.DeadJobs) > window {
		s.DeadJobs = append([]DeadJob(nil), s.DeadJobs[len(s.DeadJobs)-window:]...)
	}
}

// StatusFile reads and writes the status YAML.
type StatusFile struct {
	path          string
	quarantineDir string
	start         int64
	logger        zerolog.Logger
}

func NewStatusFile(path, quarantineDir string, start int64, logger zerolog.Logger) *StatusFile {
	return &StatusFile{
		path:          path,
		quarantineDir: quarantineDir,
		start:         start,
		logger:        logger.With().Str("component", "status_file").Logger(),
	}
}

func (f *StatusFile) Path() string { return f.path }

// Load returns the persisted status. A missing file yields a fresh status
// starting at the configured watermark; a corrupted one is quarantined and
// replaced by its backup or a fresh skeleton.
func (f *StatusFile) Load() (*Status, error) {
	st, err := f.read()
	if err == nil {
		return st, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return newStatus(f.start), nil
	}

	f.logger.Warn().Err(err).Msg("status file corrupted, recovering")
	how, rerr := yamlutil.RecoverCorruptedFile(f.quarantineDir, f.path, yamlutil.FileTypeCollectorStatus)
	if rerr != nil {
		return nil, fmt.Errorf("recover %s: %w", f.path, rerr)
	}
	f.logger.Warn().Str("recovery", string(how)).Msg("status file recovered")

	st, err = f.read()
	if err != nil {
		return nil, fmt.Errorf("read recovered %s: %w", f.path, err)
	}
	if how == yamlutil.RecoveredSkeleton && st.LastFinishedTime < f.start {
		st.LastFinishedTime = f.start
	}
	return st, nil
}

func (f *StatusFile) read() (*Status, error) {
	if _, err := os.Stat(f.path); err != nil {
		return nil, err
	}
	if err := yamlutil.ValidateSchemaHeader(f.path, yamlutil.FileTypeCollectorStatus); err != nil {
		return nil, err
	}
	var st Status
	if err := yamlutil.Load(f.path, &st); err != nil {
		return nil, err
	}
	if st.ProcessedJobIDs == nil {
		st.ProcessedJobIDs = []string{}
	}
	return &st, nil
}

func (f *StatusFile) Save(st *Status) error {
	st.SchemaHeader = yamlutil.NewHeader(yamlutil.FileTypeCollectorStatus)
	return yamlutil.AtomicWrite(f.path, st)
}
