package monitor

import "github.com/bcdev/calvalus-portal/internal/model"

// Observer receives the transitions of one monitored operation. Calls for
// one tick are made synchronously from the polling goroutine, so an
// observer must not block for long.
type Observer interface {
	WorkStarted(model.WorkStatus)
	WorkProgressing(model.WorkStatus)
	WorkStopped(model.WorkStatus)
}

// ObserverFuncs adapts plain functions; nil fields are skipped.
type ObserverFuncs struct {
	Started     func(model.WorkStatus)
	Progressing func(model.WorkStatus)
	Stopped     func(model.WorkStatus)
}

func (f ObserverFuncs) WorkStarted(s model.WorkStatus) {
	if f.Started != nil {
		f.Started(s)
	}
}

func (f ObserverFuncs) WorkProgressing(s model.WorkStatus) {
	if f.Progressing != nil {
		f.Progressing(s)
	}
}

func (f ObserverFuncs) WorkStopped(s model.WorkStatus) {
	if f.Stopped != nil {
		f.Stopped(s)
	}
}

// NoOp ignores all events.
type NoOp struct{}

func (NoOp) WorkStarted(model.WorkStatus)     {}
func (NoOp) WorkProgressing(model.WorkStatus) {}
func (NoOp) WorkStopped(model.WorkStatus)     {}

var _ Observer = NoOp{}
var _ Observer = ObserverFuncs{}
