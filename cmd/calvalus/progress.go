package main

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/monitor"
)

// barObserver renders monitor events as a percentage bar.
type barObserver struct {
	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	label string
	final model.WorkStatus
}

func newBarObserver(w io.Writer, label string) *barObserver {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionFullWidth(),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }),
	)
	return &barObserver{bar: bar, label: label}
}

func (o *barObserver) WorkStarted(ws model.WorkStatus) {
	o.update(ws)
}

func (o *barObserver) WorkProgressing(ws model.WorkStatus) {
	o.update(ws)
}

func (o *barObserver) WorkStopped(ws model.WorkStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.final = ws
	o.bar.Describe(o.label + " " + string(ws.State))
	if ws.State == model.StateCompleted {
		_ = o.bar.Finish()
		return
	}
	_ = o.bar.Exit()
}

func (o *barObserver) update(ws model.WorkStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	desc := o.label + " " + string(ws.State)
	if ws.Message != "" && ws.State == model.StateInProgress {
		desc += " " + ws.Message
	}
	o.bar.Describe(desc)
	_ = o.bar.Set(int(ws.Progress * 100))
}

// Final is the terminal status seen, zero if the work never stopped while
// observed.
func (o *barObserver) Final() model.WorkStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.final
}

var _ monitor.Observer = (*barObserver)(nil)
