package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bcdev/calvalus-portal/internal/events"
	"github.com/bcdev/calvalus-portal/internal/metrics"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/monitor"
)

const (
	defaultWorkers         = 4
	defaultProcessedWindow = 1000
	defaultMaxAttempts     = 5
)

// CycleResult summarizes one Collect call.
type CycleResult struct {
	CycleID   string        `json:"cycle_id"`
	Listed    int           `json:"listed"`
	Skipped   int           `json:"skipped"`
	Reported  int           `json:"reported"`
	Failed    int           `json:"failed"`
	// DeadLettered counts failed jobs given up on in this cycle.
	DeadLettered int `json:"dead_lettered"`
	Watermark int64         `json:"watermark"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
}

type Option func(*Collector)

func WithWorkers(n int) Option {
	return func(c *Collector) { c.workers = n }
}

// WithProcessedWindow bounds how many reported job ids are remembered to
// skip jobs listed again at the watermark.
func WithProcessedWindow(n int) Option {
	return func(c *Collector) { c.window = n }
}

// WithMaxAttempts sets how many cycles in a row a job may fail before it is
// recorded as dead and stops holding the watermark back. 0 retries forever.
func WithMaxAttempts(n int) Option {
	return func(c *Collector) { c.maxAttempts = n }
}

func WithBus(b *events.Bus) Option {
	return func(c *Collector) { c.bus = b }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// Collector turns finished jobs into usage reports, one cycle at a time.
type Collector struct {
	source  JobSource
	sink    *ReportSink
	status  *StatusFile
	workers int
	window  int
	// maxAttempts of 0 retries failed jobs forever.
	maxAttempts int
	bus         *events.Bus
	logger  zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	state   *Status
	running bool
	total   int
	done    int
	cycles  int
	lastErr error
	last    CycleResult
}

func New(source JobSource, sink *ReportSink, status *StatusFile, opts ...Option) *Collector {
	c := &Collector{
		source:  source,
		sink:    sink,
		status:  status,
		workers: defaultWorkers,
		window:  defaultProcessedWindow,
		logger:  zerolog.Nop(),

		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers <= 0 {
		c.workers = defaultWorkers
	}
	if c.maxAttempts < 0 {
		c.maxAttempts = 0
	}
	c.logger = c.logger.With().Str("component", "collector").Logger()
	return c
}

// Status returns a copy of the current persisted status.
func (c *Collector) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return Status{}, err
	}
	return c.state.clone(), nil
}

func (c *Collector) loadLocked() error {
	if c.state != nil {
		return nil
	}
	st, err := c.status.Load()
	if err != nil {
		return err
	}
	c.state = st
	return nil
}

// LastResult returns the result of the most recent cycle.
func (c *Collector) LastResult() CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Progress is the collector's state as a work status: WAITING before the
// first cycle, IN_PROGRESS while one runs, then COMPLETED or ERROR
// depending on how the last cycle ended.
func (c *Collector) Progress() model.WorkStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.running:
		if c.total == 0 {
			return model.InProgress(0)
		}
		return model.NewWorkStatus(model.StateInProgress, float64(c.done)/float64(c.total),
			fmt.Sprintf("%d/%d jobs", c.done, c.total))
	case c.lastErr != nil:
		return model.Failed(c.lastErr.Error())
	case c.cycles > 0:
		return model.Completed()
	default:
		return model.Waiting()
	}
}

// ProgressReporter lets a monitor follow the collector.
func (c *Collector) ProgressReporter() monitor.Reporter {
	return monitor.ReporterFunc(func(context.Context) (model.WorkStatus, error) {
		return c.Progress(), nil
	})
}

// Collect runs one cycle. Calls while a cycle is running join it.
func (c *Collector) Collect(ctx context.Context) (CycleResult, error) {
	v, err, _ := c.group.Do("collect", func() (any, error) {
		return c.collect(ctx)
	})
	res, _ := v.(CycleResult)
	return res, err
}

type outcome struct {
	job Job
	err error
}

func (c *Collector) collect(ctx context.Context) (res CycleResult, err error) {
	start := time.Now()
	defer metrics.ObserveSince(metrics.CollectorCycleDuration, start)

	res.CycleID = model.NewCycleID()
	log := c.logger.With().Str("cycle", res.CycleID).Logger()

	c.mu.Lock()
	if err := c.loadLocked(); err != nil {
		c.mu.Unlock()
		return res, err
	}
	since := c.state.LastFinishedTime
	processed := make(map[string]bool, len(c.state.ProcessedJobIDs))
	for _, id := range c.state.ProcessedJobIDs {
		processed[id] = true
	}
	c.running, c.total, c.done = true, 0, 0
	c.mu.Unlock()

	defer func() {
		res.Duration = time.Since(start)
		c.finish(res, err)
		if err != nil {
			metrics.CollectorCycles.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("collector cycle failed")
		} else {
			metrics.CollectorCycles.WithLabelValues("ok").Inc()
			log.Info().Int("reported", res.Reported).Int("failed", res.Failed).Int("skipped", res.Skipped).
				Int("dead", res.DeadLettered).
				Int64("watermark", res.Watermark).Dur("took", res.Duration).Msg("collector cycle done")
		}
		if c.bus != nil {
			c.bus.Publish(events.EventCollectorCycle, map[string]any{
				"cycle_id": res.CycleID,
				"reported": res.Reported,
				"failed":   res.Failed,
				"dead":     res.DeadLettered,
				"ok":       err == nil,
			})
		}
	}()

	jobs, err := c.source.ListJobs(ctx, since)
	if err != nil {
		return res, err
	}
	res.Listed = len(jobs)

	var todo, seen []Job
	for _, j := range jobs {
		if j.FinishTime <= 0 || processed[j.ID] {
			res.Skipped++
			if processed[j.ID] {
				seen = append(seen, j)
			}
			continue
		}
		todo = append(todo, j)
	}
	metrics.CollectorJobs.WithLabelValues("skipped").Add(float64(res.Skipped))
	sort.Slice(todo, func(a, b int) bool { return todo[a].FinishTime < todo[b].FinishTime })

	c.mu.Lock()
	c.total = len(todo)
	c.mu.Unlock()

	outcomes := make([]outcome, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, job := range todo {
		g.Go(func() error {
			outcomes[i] = outcome{job: job, err: c.report(gctx, job)}
			c.mu.Lock()
			c.done++
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	return c.advance(res, since, seen, outcomes, log)
}

func (c *Collector) report(ctx context.Context, job Job) error {
	conf, err := c.source.JobConf(ctx, job.ID)
	if err != nil {
		return err
	}
	counters, err := c.source.JobCounters(ctx, job.ID)
	if err != nil {
		return err
	}
	r := Transform(job, conf, counters)
	return c.sink.Write(&r)
}

// advance moves the watermark up to the newest reported or previously
// reported job that finished before the first failed one and persists the
// status. A job failing for the maxAttempts-th time is recorded as dead
// instead and no longer counts as a failure for the watermark.
func (c *Collector) advance(res CycleResult, since int64, seen []Job, outcomes []outcome, log zerolog.Logger) (CycleResult, error) {
	c.mu.Lock()
	st := c.state.clone()
	c.mu.Unlock()
	if st.FailedAttempts == nil {
		st.FailedAttempts = make(map[string]int)
	}

	now := time.Now().UTC()
	firstFailure := int64(math.MaxInt64)
	var dead []DeadJob
	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", o.job.ID, o.err))
		attempts := st.FailedAttempts[o.job.ID] + 1
		if c.maxAttempts > 0 && attempts >= c.maxAttempts {
			dead = append(dead, DeadJob{ID: o.job.ID, FinishTime: o.job.FinishTime, Attempts: attempts, Error: o.err.Error(), At: now})
			log.Error().Err(o.err).Str("job", o.job.ID).Int("attempts", attempts).Msg("job not reported, giving up")
			continue
		}
		st.FailedAttempts[o.job.ID] = attempts
		firstFailure = min(firstFailure, o.job.FinishTime)
		log.Warn().Err(o.err).Str("job", o.job.ID).Int("attempts", attempts).Msg("job not reported, retrying next cycle")
	}

	watermark := since
	done := append([]Job(nil), seen...)
	var doneIDs []string
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		res.Reported++
		delete(st.FailedAttempts, o.job.ID)
		done = append(done, o.job)
		doneIDs = append(doneIDs, o.job.ID)
	}
	for _, d := range dead {
		res.DeadLettered++
		st.bury(c.window, d)
		done = append(done, Job{ID: d.ID, FinishTime: d.FinishTime})
		doneIDs = append(doneIDs, d.ID)
	}
	for _, j := range done {
		if j.FinishTime < firstFailure {
			watermark = max(watermark, j.FinishTime)
		}
	}
	pinned := make(map[string]bool)
	for _, j := range done {
		if j.FinishTime >= watermark {
			pinned[j.ID] = true
		}
	}
	metrics.CollectorJobs.WithLabelValues("reported").Add(float64(res.Reported))
	metrics.CollectorJobs.WithLabelValues("failed").Add(float64(res.Failed))
	metrics.CollectorJobs.WithLabelValues("dead").Add(float64(res.DeadLettered))
	res.Watermark = watermark

	st.LastFinishedTime = watermark
	st.remember(c.window, pinned, doneIDs...)
	st.LastCycleID = res.CycleID
	st.LastCycleAt = now
	st.ReportsWritten += int64(res.Reported)
	st.LastError = ""
	if res.Failed > 0 {
		st.LastError = fmt.Sprintf("%d job(s) failed, first: %s", res.Failed, res.Errors[0])
	}
	if len(st.FailedAttempts) == 0 {
		st.FailedAttempts = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.status.Save(&st); err != nil {
		return res, fmt.Errorf("save status: %w", err)
	}
	c.state = &st
	return res, nil
}

func (c *Collector) finish(res CycleResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.cycles++
	c.lastErr = err
	c.last = res
	if err != nil && c.state != nil && !errors.Is(err, context.Canceled) {
		c.state.LastError = err.Error()
	}
}
