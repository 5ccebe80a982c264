// Package productions holds the locally cached production list and the
// synchronizer that merges backend snapshots into it.
package productions

import (
	"sync"

	"github.com/bcdev/calvalus-portal/internal/model"
)

// List is an ordered cache of productions keyed by id. The *model.Production
// values it hands out stay the same objects across synchronizations, so
// readers can hold on to them; only the Synchronizer mutates them.
type List struct {
	mu    sync.RWMutex
	items []*model.Production
	index map[string]*model.Production
}

func NewList() *List {
	return &List{index: make(map[string]*model.Production)}
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Items returns the current order. The slice is fresh; the pointers are shared.
func (l *List) Items() []*model.Production {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*model.Production, len(l.items))
	copy(out, l.items)
	return out
}

// Snapshot returns deep copies, safe to use after later synchronizations.
func (l *List) Snapshot() []model.Production {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Production, len(l.items))
	for i, p := range l.items {
		out[i] = clone(p)
	}
	return out
}

// View runs fn under the read lock. fn must not retain or modify items.
func (l *List) View(fn func(items []*model.Production)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.items)
}

func (l *List) Get(id string) (*model.Production, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.index[id]
	return p, ok
}

// Restore replaces the content, e.g. with a list loaded from disk before
// the first snapshot arrives. Duplicate ids keep their first occurrence.
func (l *List) Restore(ps []model.Production) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = l.items[:0]
	l.index = make(map[string]*model.Production, len(ps))
	for i := range ps {
		if _, dup := l.index[ps[i].ID]; dup {
			continue
		}
		p := clone(&ps[i])
		l.items = append(l.items, &p)
		l.index[p.ID] = &p
	}
}

func clone(p *model.Production) model.Production {
	c := *p
	if p.AdditionalStagingPaths != nil {
		c.AdditionalStagingPaths = append([]string(nil), p.AdditionalStagingPaths...)
	}
	return c
}
