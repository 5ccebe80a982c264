package backend

import (
	"context"
	"fmt"

	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/monitor"
)

// Phase selects which status of a production a reporter follows.
type Phase int

const (
	Processing Phase = iota
	Staging
)

func (p Phase) String() string {
	if p == Staging {
		return "staging"
	}
	return "processing"
}

type productionGetter interface {
	GetProduction(ctx context.Context, id string) (model.Production, error)
}

// StatusReporter follows one phase of one production. A production that
// disappeared from the backend is reported as CANCELLED so that its
// monitor ends.
func StatusReporter(g productionGetter, id string, phase Phase) monitor.Reporter {
	return monitor.ReporterFunc(func(ctx context.Context) (model.WorkStatus, error) {
		p, err := g.GetProduction(ctx, id)
		if IsNotFound(err) {
			return model.WorkStatus{State: model.StateCancelled, Message: "production no longer exists"}, nil
		}
		if err != nil {
			return model.WorkStatus{}, fmt.Errorf("%s status of %s: %w", phase, id, err)
		}
		if phase == Staging {
			return p.StagingStatus, nil
		}
		return p.ProcessingStatus, nil
	})
}
